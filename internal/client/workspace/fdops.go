package workspace

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/dmitrijs2005/gophsync/internal/client/models"
	"github.com/dmitrijs2005/gophsync/internal/client/workspace/fileops"
	"github.com/dmitrijs2005/gophsync/internal/common"
)

// FileDescriptor identifies an open of a file. Descriptors start at 1 and
// are never reused.
type FileDescriptor uint32

// OpenMode is a combination of the Open* flags.
type OpenMode uint8

const (
	OpenRead OpenMode = 1 << iota
	OpenWrite
	// OpenCreate creates the file when it does not exist.
	OpenCreate
	// OpenTruncate empties the file; it requires OpenWrite.
	OpenTruncate
)

func (m OpenMode) has(flag OpenMode) bool { return m&flag != 0 }

// openedFile is the state shared by every open of one file. Writes are
// buffered here until a flush persists them.
type openedFile struct {
	id models.VlobID

	mu        sync.Mutex
	manifest  *models.LocalFileManifest
	newChunks map[models.ChunkID][]byte
	removed   []models.ChunkID
	dirty     bool

	// refs is guarded by Ops.fdMu.
	refs int
}

// drop forgets chunks no longer referenced by the manifest. Chunks that
// only ever lived in the buffer are simply discarded.
func (of *openedFile) drop(ids []models.ChunkID) {
	for _, id := range ids {
		if _, buffered := of.newChunks[id]; buffered {
			delete(of.newChunks, id)
			continue
		}
		of.removed = append(of.removed, id)
	}
}

type descriptor struct {
	file *openedFile
	mode OpenMode
	// cursor is guarded by file.mu.
	cursor uint64
}

// OpenFile opens the file at path and returns a new descriptor.
func (o *Ops) OpenFile(ctx context.Context, path string, mode OpenMode) (FileDescriptor, error) {
	if mode.has(OpenTruncate) && !mode.has(OpenWrite) {
		return 0, fmt.Errorf("%w: truncate needs write access", common.ErrReadOnly)
	}

	id, m, err := o.store.ResolvePath(ctx, path)
	if errors.Is(err, common.ErrEntryNotFound) && mode.has(OpenCreate) {
		id, err = o.CreateFile(ctx, path)
		var exists *common.EntryExistsError
		if errors.As(err, &exists) {
			id, err = exists.EntryID, nil
		}
		if err == nil {
			m, err = o.store.GetManifest(ctx, id)
		}
	}
	if err != nil {
		return 0, err
	}
	if _, ok := m.(*models.LocalFileManifest); !ok {
		return 0, fmt.Errorf("%w: %s", common.ErrNotAFile, path)
	}

	fd, err := o.openFD(ctx, id, mode)
	if err != nil {
		return 0, err
	}

	o.logger.Debug(ctx, "file opened", "entry_id", id, "fd", fd)

	if mode.has(OpenTruncate) {
		if err := o.FdResize(ctx, fd, 0); err != nil {
			_ = o.FdClose(ctx, fd)
			return 0, err
		}
	}
	return fd, nil
}

// openFD allocates a descriptor on the opened state of id. A new state is
// built from the manifest read under the entry lock, so that no sync can
// land between the read and the registration.
func (o *Ops) openFD(ctx context.Context, id models.VlobID, mode OpenMode) (FileDescriptor, error) {
	fd, ok, err := o.register(id, mode, nil)
	if ok || err != nil {
		return fd, err
	}

	u, err := o.store.ForUpdateFile(ctx, id, true)
	if err != nil {
		return 0, err
	}
	defer u.Close()
	fd, _, err = o.register(id, mode, u.Manifest)
	return fd, err
}

// register adds a descriptor to the opened state of id, creating it from
// fresh if needed. Without either it reports false.
func (o *Ops) register(id models.VlobID, mode OpenMode, fresh *models.LocalFileManifest) (FileDescriptor, bool, error) {
	o.fdMu.Lock()
	defer o.fdMu.Unlock()
	if o.stopped {
		return 0, false, common.ErrStopped
	}
	of, ok := o.opened[id]
	if !ok {
		if fresh == nil {
			return 0, false, nil
		}
		of = &openedFile{id: id, manifest: fresh.Clone(), newChunks: map[models.ChunkID][]byte{}}
		o.opened[id] = of
	}
	of.refs++
	fd := o.nextFD
	o.nextFD++
	o.fds[fd] = &descriptor{file: of, mode: mode}
	return fd, true, nil
}

func (o *Ops) lookup(fd FileDescriptor) (*descriptor, error) {
	o.fdMu.Lock()
	defer o.fdMu.Unlock()
	if o.stopped {
		return nil, common.ErrStopped
	}
	d, ok := o.fds[fd]
	if !ok {
		return nil, fmt.Errorf("%w: %d", common.ErrBadFileDescriptor, fd)
	}
	return d, nil
}

func (o *Ops) lookupFor(fd FileDescriptor, flag OpenMode) (*descriptor, error) {
	d, err := o.lookup(fd)
	if err != nil {
		return nil, err
	}
	if !d.mode.has(flag) {
		if flag == OpenWrite {
			return nil, fmt.Errorf("%w: %d", common.ErrReadOnly, fd)
		}
		return nil, fmt.Errorf("%w: %d", common.ErrWriteOnly, fd)
	}
	return d, nil
}

// FdSeek moves the cursor of fd. Seeking past the end is allowed: the next
// write fills the gap with zeros.
func (o *Ops) FdSeek(fd FileDescriptor, offset uint64) error {
	d, err := o.lookup(fd)
	if err != nil {
		return err
	}
	d.file.mu.Lock()
	d.cursor = offset
	d.file.mu.Unlock()
	return nil
}

// FdRead reads up to size bytes at the cursor of fd and moves the cursor
// past them. Blocks missing from the cache are downloaded.
func (o *Ops) FdRead(ctx context.Context, fd FileDescriptor, size uint64) ([]byte, error) {
	d, err := o.lookupFor(fd, OpenRead)
	if err != nil {
		return nil, err
	}
	of := d.file
	of.mu.Lock()
	defer of.mu.Unlock()

	parts := fileops.PrepareRead(of.manifest, size, d.cursor)
	data, err := fileops.Assemble(parts, func(c models.ChunkView) ([]byte, error) {
		if raw, ok := of.newChunks[c.ID]; ok {
			return raw, nil
		}
		return o.chunkData(ctx, c)
	})
	if err != nil {
		return nil, err
	}
	d.cursor += uint64(len(data))
	return data, nil
}

// FdWrite writes data at the cursor of fd and moves the cursor past it.
// The write is buffered until the next flush.
func (o *Ops) FdWrite(ctx context.Context, fd FileDescriptor, data []byte) (int, error) {
	d, err := o.lookupFor(fd, OpenWrite)
	if err != nil {
		return 0, err
	}
	of := d.file
	of.mu.Lock()
	defer of.mu.Unlock()

	ops, removed := fileops.PrepareWrite(of.manifest, uint64(len(data)), d.cursor, o.now())
	for _, op := range ops {
		of.newChunks[op.Chunk.ID] = op.Data(data)
	}
	of.drop(removed)
	if len(ops) > 0 {
		of.dirty = true
	}
	d.cursor += uint64(len(data))
	return len(data), nil
}

// FdResize sets the size of the file behind fd.
func (o *Ops) FdResize(ctx context.Context, fd FileDescriptor, size uint64) error {
	d, err := o.lookupFor(fd, OpenWrite)
	if err != nil {
		return err
	}
	of := d.file
	of.mu.Lock()
	defer of.mu.Unlock()

	if size == of.manifest.Size {
		return nil
	}
	ops, removed := fileops.PrepareResize(of.manifest, size, o.now())
	for _, op := range ops {
		of.newChunks[op.Chunk.ID] = op.Data(nil)
	}
	of.drop(removed)
	of.dirty = true
	return nil
}

// FdFlush persists the buffered writes of the file behind fd.
func (o *Ops) FdFlush(ctx context.Context, fd FileDescriptor) error {
	d, err := o.lookup(fd)
	if err != nil {
		return err
	}
	d.file.mu.Lock()
	defer d.file.mu.Unlock()
	return o.flush(ctx, d.file)
}

// FdClose flushes and releases fd. The shared state of the file goes away
// with its last descriptor.
func (o *Ops) FdClose(ctx context.Context, fd FileDescriptor) error {
	o.fdMu.Lock()
	d, ok := o.fds[fd]
	if !ok {
		o.fdMu.Unlock()
		return fmt.Errorf("%w: %d", common.ErrBadFileDescriptor, fd)
	}
	delete(o.fds, fd)
	o.fdMu.Unlock()

	of := d.file
	of.mu.Lock()
	err := o.flush(ctx, of)
	of.mu.Unlock()

	o.fdMu.Lock()
	of.refs--
	if of.refs == 0 && o.opened[of.id] == of {
		delete(o.opened, of.id)
	}
	o.fdMu.Unlock()
	return err
}

// FdStat describes the file behind fd, buffered writes included.
func (o *Ops) FdStat(ctx context.Context, fd FileDescriptor) (EntryStat, error) {
	d, err := o.lookup(fd)
	if err != nil {
		return EntryStat{}, err
	}
	d.file.mu.Lock()
	defer d.file.mu.Unlock()
	return statOf(d.file.manifest), nil
}

// flush persists the buffer of of. of.mu must be held.
func (o *Ops) flush(ctx context.Context, of *openedFile) error {
	if !of.dirty {
		return nil
	}
	u, err := o.store.ForUpdateFile(ctx, of.id, true)
	if err != nil {
		return err
	}
	defer u.Close()

	if err := u.Update(ctx, of.manifest.Clone(), of.newChunks, of.removed); err != nil {
		return err
	}
	of.newChunks = map[models.ChunkID][]byte{}
	of.removed = nil
	of.dirty = false

	o.logger.Debug(ctx, "file flushed", "entry_id", of.id, "size", of.manifest.Size)
	o.notifyOutbound(ctx, of.id)
	return nil
}

// lockOpened locks and flushes the opened state of id, if any, so that a
// sync transaction sees every write. The returned function unlocks it.
func (o *Ops) lockOpened(ctx context.Context, id models.VlobID) (*openedFile, func(), error) {
	o.fdMu.Lock()
	of := o.opened[id]
	o.fdMu.Unlock()
	if of == nil {
		return nil, func() {}, nil
	}

	of.mu.Lock()
	if err := o.flush(ctx, of); err != nil {
		of.mu.Unlock()
		return nil, nil, err
	}
	return of, of.mu.Unlock, nil
}

// refreshOpened replaces the manifest seen by the opens of a file after a
// sync changed it. of.mu must be held.
func refreshOpened(of *openedFile, m models.LocalChildManifest) {
	if of == nil {
		return
	}
	if file, ok := m.(*models.LocalFileManifest); ok {
		of.manifest = file.Clone()
	}
}
