// Package app runs the sync client as a daemon: it unlocks the device with
// the user password, connects to the server and keeps every known workspace
// synchronized until it is told to stop.
package app

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/dmitrijs2005/gophsync/internal/client/blockstore"
	"github.com/dmitrijs2005/gophsync/internal/client/certif"
	"github.com/dmitrijs2005/gophsync/internal/client/config"
	"github.com/dmitrijs2005/gophsync/internal/client/connection"
	"github.com/dmitrijs2005/gophsync/internal/client/events"
	"github.com/dmitrijs2005/gophsync/internal/client/models"
	"github.com/dmitrijs2005/gophsync/internal/client/storage"
	"github.com/dmitrijs2005/gophsync/internal/clock"
	"github.com/dmitrijs2005/gophsync/internal/cryptox"
	"github.com/dmitrijs2005/gophsync/internal/filex"
	"github.com/dmitrijs2005/gophsync/internal/logging"
	"google.golang.org/grpc"
)

type App struct {
	config *config.Config
	logger logging.Logger
	closer io.Closer
	clock  clock.Clock

	readPassword func() ([]byte, error)
	dialOptions  []grpc.DialOption
}

func NewApp(c *config.Config) (*App, error) {
	h, closer, err := logging.NewHandler(logging.Options{Level: c.LogLevel, Format: c.LogFormat, File: c.LogFile})
	if err != nil {
		return nil, fmt.Errorf("logger init error: %w", err)
	}

	return &App{
		config:       c,
		logger:       logging.NewSlogLogger(slog.New(h)),
		closer:       closer,
		clock:        clock.Real(),
		readPassword: func() ([]byte, error) { return promptPassword(os.Stderr) },
	}, nil
}

func (app *App) initSignalHandler(cancelFunc context.CancelFunc) {
	// Channel to catch OS signals.
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	go func() {
		<-sigs
		cancelFunc()
	}()
}

// Run unlocks the device and synchronizes its workspaces until a
// termination signal is received or a monitor crashes.
func (app *App) Run(ctx context.Context) error {
	defer func() { _ = app.closer.Close() }()

	ctx, cancelFunc := context.WithCancel(ctx)
	defer cancelFunc()
	app.initSignalHandler(cancelFunc)

	sess, err := app.open(ctx)
	if err != nil {
		return err
	}
	defer sess.close()

	return app.serve(ctx, sess)
}

// session is an unlocked device.
type session struct {
	dataDir  string
	device   *storage.DeviceStorage
	localKey cryptox.SecretKey
	keys     *deviceKeys
	user     *models.LocalUserManifest
}

func (s *session) close() { _ = s.device.Close() }

func (app *App) open(ctx context.Context) (*session, error) {
	dataDir, err := filex.EnsureDir(app.config.DataDir)
	if err != nil {
		return nil, err
	}

	dev, err := storage.OpenDevice(ctx, dataDir)
	if err != nil {
		return nil, fmt.Errorf("open device storage: %w", err)
	}

	sess, err := app.unlock(ctx, dev)
	if err != nil {
		_ = dev.Close()
		return nil, err
	}
	sess.dataDir = dataDir
	return sess, nil
}

func (app *App) unlock(ctx context.Context, dev *storage.DeviceStorage) (*session, error) {
	password, err := app.readPassword()
	if err != nil {
		return nil, fmt.Errorf("read password: %w", err)
	}
	localKey, err := unlock(ctx, dev, password)
	wipe(password)
	if err != nil {
		return nil, err
	}

	keys, created, err := loadDeviceKeys(ctx, dev, localKey, app.config.DeviceID)
	if err != nil {
		return nil, err
	}
	if created {
		// The server only accepts devices it knows the verify key of.
		app.logger.Info(ctx, "new device created, register it on the server",
			"device_id", keys.DeviceID, "verify_key", hex.EncodeToString(keys.VerifyKey()))
	}

	user, err := loadUserManifest(ctx, dev, localKey, keys.DeviceID, app.clock.Now())
	if err != nil {
		return nil, err
	}

	return &session{device: dev, localKey: localKey, keys: keys, user: user}, nil
}

func (app *App) blockStore(ctx context.Context, cmds connection.Cmds) (blockstore.Store, error) {
	if app.config.BlockStore == config.BlockStoreS3 {
		return blockstore.NewS3Store(ctx, app.config.S3)
	}
	return blockstore.NewServerStore(cmds), nil
}

func (app *App) serve(ctx context.Context, sess *session) error {
	c := app.config
	logger := app.logger.With("device_id", sess.keys.DeviceID)

	client, err := connection.NewGRPCClient(c.ServerEndpointAddr, sess.keys.DeviceID, sess.keys.SigningKey, app.clock, logger, app.dialOptions...)
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.ServerEndpointAddr, err)
	}
	defer func() { _ = client.Close() }()

	bus := events.NewBus()
	defer bus.Close()
	// Every monitor reports at most one crash.
	crashes := bus.Subscribe(2*len(sess.user.LocalWorkspaces)+1, events.KindMonitorCrashed)

	certifOps := certif.New(sess.keys.DeviceID, sess.keys.SigningKey, sess.keys.UserKey, client, bus, app.clock, logger)
	if n, err := certifOps.PollServerForNewCertificates(ctx); err != nil {
		logger.Warn(ctx, "certificates not refreshed", "error", err)
	} else {
		logger.Debug(ctx, "certificates refreshed", "count", n)
	}

	blocks, err := app.blockStore(ctx, client)
	if err != nil {
		return fmt.Errorf("block store: %w", err)
	}
	pattern, err := models.NewPreventSyncPattern(c.PreventSyncPattern)
	if err != nil {
		return err
	}
	p := &pipeline{cmds: client, certif: certifOps, blocks: blocks, bus: bus, pattern: pattern}

	var runners []*workspaceRunner
	defer func() {
		stopCtx := context.WithoutCancel(ctx)
		for i := len(runners) - 1; i >= 0; i-- {
			runners[i].stop(stopCtx, app)
		}
		logger.Info(stopCtx, "workspaces stopped", "count", len(runners))
	}()

	for _, entry := range sess.user.LocalWorkspaces {
		r, err := app.startWorkspace(ctx, sess.dataDir, sess.localKey, p, entry)
		if err != nil {
			return fmt.Errorf("start workspace %s: %w", entry.ID, err)
		}
		runners = append(runners, r)
	}

	select {
	case <-ctx.Done():
		logger.Info(ctx, "shutting down")
		return nil
	case ev := <-crashes.Events():
		crash, ok := ev.(events.MonitorCrashed)
		if !ok {
			return errors.New("event bus closed")
		}
		return fmt.Errorf("monitor %s of workspace %s crashed: %w", crash.Monitor, crash.RealmID, crash.Err)
	}
}
