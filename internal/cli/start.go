package cli

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/c2h5oh/datasize"
	"go.opentelemetry.io/otel"

	"github.com/cruciblehq/stevedore/internal"
	"github.com/cruciblehq/stevedore/internal/build"
	"github.com/cruciblehq/stevedore/internal/config"
	"github.com/cruciblehq/stevedore/internal/image"
	"github.com/cruciblehq/stevedore/internal/layer"
	"github.com/cruciblehq/stevedore/internal/metadata"
	"github.com/cruciblehq/stevedore/internal/paths"
	"github.com/cruciblehq/stevedore/internal/runtime"
	"github.com/cruciblehq/stevedore/internal/server"
)

// Grace period for stopping containers on shutdown, on top of their own stop
// timeouts.
const shutdownGrace = 5 * time.Second

// Represents the 'stevedore start' command.
type StartCmd struct {
	DataDir     string            `help:"Directory for layers, images and containers." placeholder:"PATH"`
	NoIsolate   bool              `help:"Run processes in the host namespaces without chroot. For debugging only."`
	StopTimeout time.Duration     `help:"Grace period before a stop escalates to a kill."`
	MemoryLimit datasize.ByteSize `help:"Address space limit per process, e.g. 512MB."`
}

// Executes the start command.
//
// Opens the stores under the data directory, starts the server on a Unix
// domain socket and blocks until the context is cancelled (e.g. via SIGINT
// or SIGTERM) or a shutdown command arrives.
func (c *StartCmd) Run(ctx context.Context) error {
	cfg, err := c.config()
	if err != nil {
		return err
	}

	db, err := metadata.Open(filepath.Join(cfg.DataDir, metadata.Filename))
	if err != nil {
		return err
	}
	defer db.Close()

	layers, err := layer.New(paths.Layers(cfg.DataDir), db)
	if err != nil {
		return err
	}
	images := image.NewStore(db, layers)

	executor := &runtime.HostExecutor{Isolate: cfg.Isolate, MemoryLimit: cfg.MemoryLimit}
	meter := otel.Meter(internal.Name)

	rt, err := runtime.New(runtime.Options{
		Root:        paths.Containers(cfg.DataDir),
		Layers:      layers,
		Images:      images,
		Executor:    executor,
		StopTimeout: cfg.StopTimeout,
		Meter:       meter,
	})
	if err != nil {
		return err
	}

	builder, err := build.New(build.Config{
		Layers:   layers,
		Images:   images,
		Executor: executor,
		WorkDir:  paths.Builds(cfg.DataDir),
		Meter:    meter,
	})
	if err != nil {
		return err
	}

	srv, err := server.New(server.Config{
		SocketPath: cfg.Socket,
		PIDFile:    paths.PIDFile(),
		Builder:    builder,
		Images:     images,
		Layers:     layers,
		Runtime:    rt,
	})
	if err != nil {
		return err
	}

	if err := srv.Start(); err != nil {
		return err
	}

	slog.Info("stevedore is running", "data", cfg.DataDir, "isolate", cfg.Isolate)

	select {
	case <-ctx.Done():
	case <-srv.Done():
	}

	slog.Info("shutting down")
	stopCtx, cancel := context.WithTimeout(context.Background(), cfg.StopTimeout+shutdownGrace)
	defer cancel()
	return errors.Join(srv.Stop(), rt.Close(stopCtx))
}

// Loads the environment configuration and applies the command-line
// overrides.
func (c *StartCmd) config() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if RootCmd.Socket != "" {
		cfg.Socket = RootCmd.Socket
	}
	if c.DataDir != "" {
		cfg.DataDir = c.DataDir
	}
	if c.NoIsolate {
		cfg.Isolate = false
	}
	if c.StopTimeout > 0 {
		cfg.StopTimeout = c.StopTimeout
	}
	if c.MemoryLimit > 0 {
		cfg.MemoryLimit = c.MemoryLimit.Bytes()
	}
	return cfg, nil
}
