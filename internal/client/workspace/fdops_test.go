package workspace_test

import (
	"bytes"
	"context"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/dmitrijs2005/gophsync/internal/client/connection/testbed"
	"github.com/dmitrijs2005/gophsync/internal/client/events"
	"github.com/dmitrijs2005/gophsync/internal/client/models"
	"github.com/dmitrijs2005/gophsync/internal/client/workspace"
	"github.com/dmitrijs2005/gophsync/internal/client/workspace/workspacetest"
	"github.com/dmitrijs2005/gophsync/internal/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFdReadWrite(t *testing.T) {
	ctx := context.Background()
	dev := workspacetest.NewEnv().NewDevice(t)

	fd, err := dev.Ops.OpenFile(ctx, "/data.bin", workspace.OpenRead|workspace.OpenWrite|workspace.OpenCreate)
	require.NoError(t, err)
	assert.Equal(t, workspace.FileDescriptor(1), fd)

	content := strings.Repeat("0123456789", 4)
	n, err := dev.Ops.FdWrite(ctx, fd, []byte(content))
	require.NoError(t, err)
	assert.Equal(t, len(content), n)

	require.NoError(t, dev.Ops.FdSeek(fd, 5))
	data, err := dev.Ops.FdRead(ctx, fd, 20)
	require.NoError(t, err)
	assert.Equal(t, content[5:25], string(data))

	// The cursor moved past the read.
	data, err = dev.Ops.FdRead(ctx, fd, 100)
	require.NoError(t, err)
	assert.Equal(t, content[25:], string(data))

	// Writing past the end pads with zeros.
	require.NoError(t, dev.Ops.FdSeek(fd, 42))
	_, err = dev.Ops.FdWrite(ctx, fd, []byte("!"))
	require.NoError(t, err)
	st, err := dev.Ops.FdStat(ctx, fd)
	require.NoError(t, err)
	assert.Equal(t, uint64(43), st.Size)

	require.NoError(t, dev.Ops.FdSeek(fd, 38))
	data, err = dev.Ops.FdRead(ctx, fd, 10)
	require.NoError(t, err)
	assert.Equal(t, "89\x00\x00!", string(data))

	require.NoError(t, dev.Ops.FdResize(ctx, fd, 10))
	require.NoError(t, dev.Ops.FdClose(ctx, fd))
	assert.Equal(t, "0123456789", dev.ReadFile(t, "/data.bin"))

	st, err = dev.Ops.Stat(ctx, "/data.bin")
	require.NoError(t, err)
	assert.Equal(t, uint64(10), st.Size)
	assert.True(t, st.NeedSync)
}

func TestFdSharedState(t *testing.T) {
	ctx := context.Background()
	dev := workspacetest.NewEnv().NewDevice(t)
	_, err := dev.Ops.CreateFile(ctx, "/shared.txt")
	require.NoError(t, err)

	w, err := dev.Ops.OpenFile(ctx, "/shared.txt", workspace.OpenWrite)
	require.NoError(t, err)
	r, err := dev.Ops.OpenFile(ctx, "/shared.txt", workspace.OpenRead)
	require.NoError(t, err)
	assert.Equal(t, w+1, r)

	_, err = dev.Ops.FdWrite(ctx, w, []byte("buffered"))
	require.NoError(t, err)

	// Visible to the other open before any flush, with its own cursor.
	data, err := dev.Ops.FdRead(ctx, r, 100)
	require.NoError(t, err)
	assert.Equal(t, "buffered", string(data))

	// Nothing persisted yet.
	st, err := dev.Ops.Stat(ctx, "/shared.txt")
	require.NoError(t, err)
	assert.Zero(t, st.Size)

	dev.Drain()
	require.NoError(t, dev.Ops.FdFlush(ctx, w))
	id := dev.StatID(t, "/shared.txt")
	assert.Equal(t, []events.Event{events.OutboundSyncNeeded{RealmID: dev.Ops.RealmID(), EntryID: id}}, dev.Drain())

	st, err = dev.Ops.Stat(ctx, "/shared.txt")
	require.NoError(t, err)
	assert.Equal(t, uint64(8), st.Size)

	// A flush with nothing buffered is a no-op.
	require.NoError(t, dev.Ops.FdFlush(ctx, r))
	assert.Empty(t, dev.Drain())

	require.NoError(t, dev.Ops.FdClose(ctx, w))
	require.NoError(t, dev.Ops.FdClose(ctx, r))
}

func TestFdErrors(t *testing.T) {
	ctx := context.Background()
	dev := workspacetest.NewEnv().NewDevice(t)
	_, err := dev.Ops.CreateFolder(ctx, "/dir")
	require.NoError(t, err)

	_, err = dev.Ops.OpenFile(ctx, "/dir", workspace.OpenRead)
	require.ErrorIs(t, err, common.ErrNotAFile)
	_, err = dev.Ops.OpenFile(ctx, "/nope", workspace.OpenRead)
	require.ErrorIs(t, err, common.ErrEntryNotFound)
	_, err = dev.Ops.OpenFile(ctx, "/f", workspace.OpenRead|workspace.OpenCreate|workspace.OpenTruncate)
	require.ErrorIs(t, err, common.ErrReadOnly)

	ro, err := dev.Ops.OpenFile(ctx, "/f", workspace.OpenRead|workspace.OpenCreate)
	require.NoError(t, err)
	_, err = dev.Ops.FdWrite(ctx, ro, []byte("x"))
	require.ErrorIs(t, err, common.ErrReadOnly)
	require.ErrorIs(t, dev.Ops.FdResize(ctx, ro, 3), common.ErrReadOnly)

	wo, err := dev.Ops.OpenFile(ctx, "/f", workspace.OpenWrite)
	require.NoError(t, err)
	_, err = dev.Ops.FdRead(ctx, wo, 1)
	require.ErrorIs(t, err, common.ErrWriteOnly)

	require.NoError(t, dev.Ops.FdClose(ctx, ro))
	require.ErrorIs(t, dev.Ops.FdClose(ctx, ro), common.ErrBadFileDescriptor)
	_, err = dev.Ops.FdRead(ctx, ro, 1)
	require.ErrorIs(t, err, common.ErrBadFileDescriptor)
	require.NoError(t, dev.Ops.FdClose(ctx, wo))
}

func TestStopFlushesOpenedFiles(t *testing.T) {
	ctx := context.Background()
	dev := workspacetest.NewEnv().NewDevice(t)

	fd, err := dev.Ops.OpenFile(ctx, "/f", workspace.OpenWrite|workspace.OpenCreate)
	require.NoError(t, err)
	id := dev.StatID(t, "/f")
	_, err = dev.Ops.FdWrite(ctx, fd, []byte("unsaved"))
	require.NoError(t, err)
	dev.Drain()

	require.NoError(t, dev.Ops.Stop(ctx))
	assert.Equal(t, []events.Event{events.OutboundSyncNeeded{RealmID: dev.Ops.RealmID(), EntryID: id}}, dev.Drain())

	_, err = dev.Ops.FdWrite(ctx, fd, []byte("late"))
	require.ErrorIs(t, err, common.ErrStopped)
	_, err = dev.Ops.Stat(ctx, "/f")
	require.ErrorIs(t, err, common.ErrStopped)
}

func TestOpenFile_WaitsForEntryUpdate(t *testing.T) {
	ctx := context.Background()
	dev := workspacetest.NewEnv().NewDevice(t)
	dev.WriteFile(t, "/f", "hello")
	id := dev.StatID(t, "/f")

	fu, err := dev.Ops.Store().ForUpdateFile(ctx, id, false)
	require.NoError(t, err)

	type result struct {
		fd  workspace.FileDescriptor
		err error
	}
	done := make(chan result, 1)
	go func() {
		fd, err := dev.Ops.OpenFile(ctx, "/f", workspace.OpenRead)
		done <- result{fd, err}
	}()

	select {
	case <-done:
		t.Fatal("file opened while its entry was being updated")
	case <-time.After(50 * time.Millisecond):
	}

	emptied := fu.Manifest.Clone()
	var removed []models.ChunkID
	for _, slot := range emptied.Blocks {
		for _, c := range slot {
			removed = append(removed, c.ID)
		}
	}
	emptied.Blocks = nil
	emptied.Size = 0
	require.NoError(t, fu.Update(ctx, emptied, nil, removed))
	fu.Close()

	var r result
	select {
	case r = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("open did not complete")
	}
	require.NoError(t, r.err)

	// The open sees the update, not the manifest resolved before it.
	st, err := dev.Ops.FdStat(ctx, r.fd)
	require.NoError(t, err)
	assert.Zero(t, st.Size)
	data, err := dev.Ops.FdRead(ctx, r.fd, 100)
	require.NoError(t, err)
	assert.Empty(t, data)
	require.NoError(t, dev.Ops.FdClose(ctx, r.fd))
}

// TestFdOps_MatchLocalFile replays random writes, resizes, reopens and
// syncs against a regular file holding the expected content.
func TestFdOps_MatchLocalFile(t *testing.T) {
	ctx := context.Background()
	e := workspacetest.NewEnv()
	dev := e.NewDevice(t)
	rng := rand.New(rand.NewSource(7))

	expected, err := os.OpenFile(filepath.Join(t.TempDir(), "expected"), os.O_RDWR|os.O_CREATE, 0o600)
	require.NoError(t, err)
	defer expected.Close()

	const mode = workspace.OpenRead | workspace.OpenWrite
	fd, err := dev.Ops.OpenFile(ctx, "/f", mode|workspace.OpenCreate)
	require.NoError(t, err)
	id := dev.StatID(t, "/f")

	var size int64
	check := func(step int, op string) {
		t.Helper()
		want, err := os.ReadFile(expected.Name())
		require.NoError(t, err)
		require.Len(t, want, int(size))

		st, err := dev.Ops.FdStat(ctx, fd)
		require.NoError(t, err)
		require.Equal(t, uint64(size), st.Size, "step %d: %s", step, op)
		require.NoError(t, dev.Ops.FdSeek(fd, 0))
		got, err := dev.Ops.FdRead(ctx, fd, uint64(size)+1)
		require.NoError(t, err)
		require.True(t, bytes.Equal(want, got), "step %d: %s\nwant %q\ngot  %q", step, op, want, got)
	}

	for step := range 300 {
		var op string
		switch k := rng.Intn(10); {
		case k < 5:
			off := rng.Int63n(size + 2*workspacetest.Blocksize)
			data := make([]byte, 1+rng.Intn(3*workspacetest.Blocksize))
			rng.Read(data)
			op = "write"
			require.NoError(t, dev.Ops.FdSeek(fd, uint64(off)))
			n, err := dev.Ops.FdWrite(ctx, fd, data)
			require.NoError(t, err)
			require.Equal(t, len(data), n)
			_, err = expected.WriteAt(data, off)
			require.NoError(t, err)
			size = max(size, off+int64(len(data)))
		case k < 7:
			n := rng.Int63n(size + 2*workspacetest.Blocksize)
			op = "resize"
			require.NoError(t, dev.Ops.FdResize(ctx, fd, uint64(n)))
			require.NoError(t, expected.Truncate(n))
			size = n
		case k < 9:
			op = "reopen"
			require.NoError(t, dev.Ops.FdClose(ctx, fd))
			fd, err = dev.Ops.OpenFile(ctx, "/f", mode)
			require.NoError(t, err)
		default:
			op = "sync"
			e.Clk.Advance(time.Second)
			out, err := dev.Ops.OutboundSync(ctx, id)
			require.NoError(t, err)
			require.Equal(t, workspace.OutboundDone, out)
		}
		check(step, op)
	}

	require.NoError(t, dev.Ops.FdClose(ctx, fd))
	e.Clk.Advance(time.Second)
	dev.SyncUp(t, "/f", "/")
	want, err := os.ReadFile(expected.Name())
	require.NoError(t, err)
	assert.Equal(t, string(want), dev.ReadFile(t, "/f"))

	// Another device rebuilds the same content from the server.
	other := e.NewDevice(t)
	e.Org.SetRole(e.RealmID, other.ID, testbed.RoleReader)
	_, err = other.Ops.InboundSyncRoot(ctx)
	require.NoError(t, err)
	assert.Equal(t, string(want), other.ReadFile(t, "/f"))
}
