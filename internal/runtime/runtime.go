package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/moby/sys/signal"
	"github.com/nrednav/cuid2"
	"github.com/opencontainers/go-digest"
	specs "github.com/opencontainers/runtime-spec/specs-go"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/cruciblehq/stevedore/internal/image"
	"github.com/cruciblehq/stevedore/internal/layer"
	"github.com/cruciblehq/stevedore/internal/snapshot"
	"github.com/cruciblehq/stevedore/internal/unionfs"
)

// Grace period between the stop signal and SIGKILL.
const DefaultStopTimeout = 10 * time.Second

// Dependencies and settings of a [Runtime].
type Options struct {
	Root        string        // Directory holding one subdirectory per container.
	Layers      *layer.Store  // Layer store the images live in.
	Images      *image.Store  // Manifest store used to resolve references.
	Executor    Executor      // Process execution facility; defaults to an isolating [HostExecutor].
	StopTimeout time.Duration // Default grace period for [Runtime.Stop].
	Meter       metric.Meter  // Optional meter for lifecycle metrics.
	Logger      *slog.Logger  // Optional logger; defaults to [slog.Default].
}

// Parameters of a new container.
type CreateOptions struct {
	Image   string           // Image reference, name[:tag].
	Args    []string         // Overrides the image command when set.
	Env     []string         // KEY=VALUE pairs overriding the image environment.
	Volumes []unionfs.Volume // Host paths bound into the container.
}

// Creates, runs and tracks containers.
//
// Operations on one container are serialized by that container's lock;
// operations on different containers never wait for each other.
type Runtime struct {
	root        string
	layers      *layer.Store
	images      *image.Store
	executor    Executor
	stopTimeout time.Duration
	metrics     *Metrics
	logger      *slog.Logger

	mu         sync.RWMutex
	containers map[string]*Container
}

// Creates a runtime and reloads the containers found under opts.Root.
//
// Containers recorded as running belonged to a previous process and are
// marked killed; the changes of their interrupted run are discarded.
func New(opts Options) (*Runtime, error) {
	if opts.Layers == nil || opts.Images == nil {
		return nil, fmt.Errorf("%w: layer and image stores are required", ErrRuntime)
	}
	if opts.Executor == nil {
		opts.Executor = &HostExecutor{Isolate: true}
	}
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = DefaultStopTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if err := os.MkdirAll(opts.Root, 0700); err != nil {
		return nil, fmt.Errorf("%w: create %s: %w", ErrRuntime, opts.Root, err)
	}

	rt := &Runtime{
		root:        opts.Root,
		layers:      opts.Layers,
		images:      opts.Images,
		executor:    opts.Executor,
		stopTimeout: opts.StopTimeout,
		logger:      opts.Logger,
		containers:  make(map[string]*Container),
	}

	if opts.Meter != nil {
		metrics, err := NewMetrics(opts.Meter)
		if err != nil {
			return nil, fmt.Errorf("create metrics: %w", err)
		}
		rt.metrics = metrics
	}

	if err := rt.recover(); err != nil {
		return nil, err
	}
	return rt, nil
}

// Reloads containers from disk.
func (rt *Runtime) recover() error {
	ids, err := listContainers(rt.root)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrRuntime, err)
	}

	for _, id := range ids {
		c, err := rt.load(id)
		if err != nil {
			rt.logger.Warn("skipping unreadable container", "id", id, "error", err)
			continue
		}
		rt.containers[id] = c
	}

	if len(rt.containers) > 0 {
		rt.logger.Info("recovered containers", "count", len(rt.containers))
	}
	return nil
}

// Loads one container directory.
func (rt *Runtime) load(id string) (*Container, error) {
	dir := filepath.Join(rt.root, id)
	info, err := readInfo(dir)
	if err != nil {
		return nil, err
	}
	img, err := readImage(dir)
	if err != nil {
		return nil, err
	}
	upper, err := unionfs.NewUpper(filepath.Join(dir, upperDir))
	if err != nil {
		return nil, err
	}

	if info.State == StateRunning {
		rt.logger.Warn("container was running when the runtime stopped", "id", id)
		info.State = StateKilled
		info.Pid = 0
		info.Finished = time.Now().UTC()
		os.RemoveAll(filepath.Join(dir, baseDir))
		os.RemoveAll(filepath.Join(dir, rootfsDir))
		if err := writeInfo(dir, info); err != nil {
			return nil, err
		}
	}

	return &Container{
		ID:      id,
		dir:     dir,
		info:    *info,
		img:     img,
		upper:   upper,
		release: rt.layers.Lease(img.Layers...),
	}, nil
}

// Creates a container from opts.Image.
//
// The image layers are leased for the lifetime of the container and their
// indexes are loaded up front, so a container whose layers are missing or
// corrupt is never created.
func (rt *Runtime) Create(ctx context.Context, opts CreateOptions) (*Container, error) {
	if err := validateVolumes(opts.Volumes); err != nil {
		return nil, err
	}

	img, err := rt.images.Lookup(ctx, opts.Image)
	if err != nil {
		return nil, err
	}
	imageID, err := img.ID()
	if err != nil {
		return nil, err
	}

	release, err := rt.layers.Acquire(ctx, img.Layers...)
	if err != nil {
		return nil, err
	}
	lowers, err := rt.loadLayers(ctx, img.Layers)
	if err != nil {
		release()
		return nil, err
	}

	id := cuid2.Generate()
	dir := filepath.Join(rt.root, id)
	c, err := rt.allocate(id, dir, img, lowers, release, Info{
		ID:      id,
		Image:   opts.Image,
		ImageID: imageID,
		Args:    opts.Args,
		Env:     opts.Env,
		Volumes: opts.Volumes,
		State:   StateCreated,
		Created: time.Now().UTC(),
	})
	if err != nil {
		os.RemoveAll(dir)
		release()
		return nil, fmt.Errorf("%w: create container: %w", ErrRuntime, err)
	}

	rt.mu.Lock()
	rt.containers[id] = c
	rt.mu.Unlock()

	rt.metrics.RecordTransition(ctx, StateCreated)
	rt.logger.Info("container created", "id", id, "image", opts.Image, "layers", len(img.Layers))
	return c, nil
}

// Lays out the container directory and returns the container.
func (rt *Runtime) allocate(id, dir string, img *image.Image, lowers []*layer.Index, release func(), info Info) (*Container, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, err
	}
	upper, err := unionfs.NewUpper(filepath.Join(dir, upperDir))
	if err != nil {
		return nil, err
	}
	if err := writeImage(dir, img); err != nil {
		return nil, err
	}
	if err := writeInfo(dir, &info); err != nil {
		return nil, err
	}

	return &Container{
		ID:      id,
		dir:     dir,
		info:    info,
		img:     img,
		upper:   upper,
		view:    unionfs.New(upper, lowers, info.Volumes),
		release: release,
	}, nil
}

// Loads the indexes of layers in parallel, base first.
func (rt *Runtime) loadLayers(ctx context.Context, ds []digest.Digest) ([]*layer.Index, error) {
	lowers := make([]*layer.Index, len(ds))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for i, d := range ds {
		g.Go(func() error {
			ix, err := rt.layers.Index(gctx, d)
			if err != nil {
				return fmt.Errorf("load layer %s: %w", d, err)
			}
			lowers[i] = ix
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return lowers, nil
}

// Creates a container and starts it. A container that fails to start is
// removed again.
func (rt *Runtime) Run(ctx context.Context, opts CreateOptions) (*Container, error) {
	c, err := rt.Create(ctx, opts)
	if err != nil {
		return nil, err
	}
	if err := rt.Start(ctx, c.ID); err != nil {
		if rmErr := rt.Remove(ctx, c.ID); rmErr != nil {
			rt.logger.Warn("failed to remove container after failed start", "id", c.ID, "error", rmErr)
		}
		return nil, err
	}
	return c, nil
}

// Starts the process of a created container.
//
// The merged view is materialized into a fresh directory, the process runs
// there with the image command (or the override), the image working
// directory, and the image environment merged with the overrides. Output goes
// to the container log. Returns once the process has started.
func (rt *Runtime) Start(ctx context.Context, id string) error {
	c, err := rt.lookup(id)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.removed {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if c.info.State != StateCreated {
		return fmt.Errorf("%w: cannot start %s container %s", ErrInvalidState, c.info.State, id)
	}

	args := c.info.Args
	if len(args) == 0 {
		args = c.img.Config.Cmd
	}
	if len(args) == 0 {
		return fmt.Errorf("%w: container %s", ErrNoCommand, id)
	}

	cwd := c.img.Config.WorkingDir
	if cwd == "" {
		cwd = "/"
	}
	env := mergeEnv(c.img.Config.Environ(), c.info.Env)
	sort.Strings(env)

	base := filepath.Join(c.dir, baseDir)
	rootfs := filepath.Join(c.dir, rootfsDir)
	if err := rt.prepare(ctx, c, base, rootfs); err != nil {
		rt.discard(c)
		return fmt.Errorf("%w: prepare %s: %w", ErrRuntime, id, err)
	}

	out, err := os.OpenFile(filepath.Join(c.dir, logFile), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		rt.discard(c)
		return fmt.Errorf("%w: open log: %w", ErrRuntime, err)
	}

	proc, err := rt.executor.Start(ctx, ProcessConfig{
		ID:   id,
		Root: rootfs,
		Process: specs.Process{
			Args: args,
			Env:  env,
			Cwd:  cwd,
		},
		Mounts: toMounts(c.info.Volumes),
		Stdout: out,
		Stderr: out,
	})
	if err != nil {
		out.Close()
		rt.discard(c)
		return err
	}

	c.proc = proc
	c.done = make(chan struct{})
	c.killed = false
	c.info.State = StateRunning
	c.info.Pid = proc.Pid()
	c.info.Started = time.Now().UTC()
	if err := writeInfo(c.dir, &c.info); err != nil {
		rt.logger.Warn("failed to persist container state", "id", id, "error", err)
	}

	rt.metrics.RecordTransition(ctx, StateRunning)
	rt.logger.Info("container started", "id", id, "pid", c.info.Pid, "args", args)

	go rt.monitor(c, proc, out, c.done)
	return nil
}

// Materializes the container filesystem into base and copies it to rootfs.
func (rt *Runtime) prepare(ctx context.Context, c *Container, base, rootfs string) error {
	rt.discard(c)
	if err := snapshot.Materialize(ctx, rt.layers, c.img.Layers, base); err != nil {
		return err
	}
	if err := snapshot.ApplyUpper(ctx, c.upper, base); err != nil {
		return err
	}
	return snapshot.Copy(rootfs, base)
}

// Removes the materialized directories of c.
func (rt *Runtime) discard(c *Container) {
	for _, dir := range []string{baseDir, rootfsDir} {
		if err := os.RemoveAll(filepath.Join(c.dir, dir)); err != nil {
			rt.logger.Warn("failed to remove container directory", "id", c.ID, "dir", dir, "error", err)
		}
	}
}

// Reaps the process, folds its filesystem changes into the writable layer
// and records the final state.
func (rt *Runtime) monitor(c *Container, proc Process, out *os.File, done chan struct{}) {
	code, err := proc.Wait()
	out.Close()
	if err != nil {
		rt.logger.Error("failed to wait for container", "id", c.ID, "error", err)
		code = -1
	}

	ctx := context.Background()

	c.mu.Lock()
	defer c.mu.Unlock()
	defer close(done)

	base := filepath.Join(c.dir, baseDir)
	rootfs := filepath.Join(c.dir, rootfsDir)
	if err := snapshot.ApplyChanges(ctx, c.upper, base, rootfs, mountPoints(c.info.Volumes)...); err != nil {
		rt.logger.Error("failed to capture container changes", "id", c.ID, "error", err)
	}
	rt.discard(c)

	state := StateExited
	if c.killed {
		state = StateKilled
	}
	c.proc = nil
	c.info.State = state
	c.info.ExitCode = code
	c.info.Pid = 0
	c.info.Finished = time.Now().UTC()
	if err := writeInfo(c.dir, &c.info); err != nil {
		rt.logger.Warn("failed to persist container state", "id", c.ID, "error", err)
	}

	rt.metrics.RecordTransition(ctx, state)
	rt.logger.Info("container exited", "id", c.ID, "state", state, "code", code)
}

// Stops a running container.
//
// The image stop signal (SIGTERM when unset) is sent first; if the process
// is still running after timeout it is killed and the container ends up
// killed. A timeout of zero uses the runtime default. Stopping a container
// that is not running does nothing.
func (rt *Runtime) Stop(ctx context.Context, id string, timeout time.Duration) error {
	c, err := rt.lookup(id)
	if err != nil {
		return err
	}
	if timeout <= 0 {
		timeout = rt.stopTimeout
	}

	c.mu.Lock()
	if c.removed {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if c.info.State != StateRunning {
		c.mu.Unlock()
		return nil
	}
	proc, done := c.proc, c.done
	sig, err := stopSignal(c.img.Config.StopSignal)
	c.mu.Unlock()
	if err != nil {
		return err
	}

	rt.logger.Debug("stopping container", "id", id, "signal", sig, "timeout", timeout)
	if err := proc.Signal(sig); err != nil {
		return fmt.Errorf("%w: signal %s: %w", ErrRuntime, id, err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
	}

	c.mu.Lock()
	running := c.done == done && c.info.State == StateRunning
	if running {
		c.killed = true
	}
	c.mu.Unlock()
	if !running {
		return nil
	}

	rt.logger.Warn("container did not stop in time, killing", "id", id, "timeout", timeout)
	if err := proc.Signal(syscall.SIGKILL); err != nil {
		return fmt.Errorf("%w: kill %s: %w", ErrRuntime, id, err)
	}

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Returns the signal named by s, SIGTERM when s is empty.
func stopSignal(s string) (syscall.Signal, error) {
	if s == "" {
		return syscall.SIGTERM, nil
	}
	sig, err := signal.ParseSignal(s)
	if err != nil {
		return 0, fmt.Errorf("%w: stop signal %q: %w", ErrRuntime, s, err)
	}
	return sig, nil
}

// Removes a container and its writable layer.
//
// Fails with [ErrContainerStillRunning] while the process runs. The image
// and its layers are untouched; only the lease the container held is
// released.
func (rt *Runtime) Remove(ctx context.Context, id string) error {
	c, err := rt.lookup(id)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.removed {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if c.info.State == StateRunning {
		return fmt.Errorf("%w: %s", ErrContainerStillRunning, id)
	}

	if err := os.RemoveAll(c.dir); err != nil {
		return fmt.Errorf("%w: remove %s: %w", ErrRuntime, id, err)
	}
	c.removed = true
	c.view = nil
	c.release()

	rt.mu.Lock()
	delete(rt.containers, id)
	rt.mu.Unlock()

	rt.logger.Info("container removed", "id", id)
	return nil
}

// Blocks until the container's process has exited and returns the final
// description. Waiting on a container that was never started fails with
// [ErrInvalidState].
func (rt *Runtime) Wait(ctx context.Context, id string) (Info, error) {
	c, err := rt.lookup(id)
	if err != nil {
		return Info{}, err
	}

	c.mu.Lock()
	if c.removed {
		c.mu.Unlock()
		return Info{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	switch c.info.State {
	case StateCreated:
		c.mu.Unlock()
		return Info{}, fmt.Errorf("%w: container %s has not been started", ErrInvalidState, id)
	case StateRunning:
		done := c.done
		c.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return Info{}, ctx.Err()
		}
		return c.Info(), nil
	default:
		info := c.info
		c.mu.Unlock()
		return info, nil
	}
}

// Returns the container with the given ID.
func (rt *Runtime) Get(id string) (*Container, error) {
	return rt.lookup(id)
}

// Returns the descriptions of all containers, oldest first.
func (rt *Runtime) List() []Info {
	rt.mu.RLock()
	containers := make([]*Container, 0, len(rt.containers))
	for _, c := range rt.containers {
		containers = append(containers, c)
	}
	rt.mu.RUnlock()

	infos := make([]Info, len(containers))
	for i, c := range containers {
		infos[i] = c.Info()
	}
	sort.Slice(infos, func(i, j int) bool {
		if infos[i].Created.Equal(infos[j].Created) {
			return infos[i].ID < infos[j].ID
		}
		return infos[i].Created.Before(infos[j].Created)
	})
	return infos
}

// Returns everything the container's processes have written to stdout and
// stderr.
func (rt *Runtime) Logs(id string) ([]byte, error) {
	c, err := rt.lookup(id)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(c.dir, logFile))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: read log: %w", ErrRuntime, err)
	}
	return data, nil
}

// Stops every running container.
func (rt *Runtime) Close(ctx context.Context) error {
	var g errgroup.Group
	for _, info := range rt.List() {
		if info.State != StateRunning {
			continue
		}
		g.Go(func() error {
			return rt.Stop(ctx, info.ID, 0)
		})
	}
	return g.Wait()
}

// Returns the container registered under id.
func (rt *Runtime) lookup(id string) (*Container, error) {
	rt.mu.RLock()
	c, ok := rt.containers[id]
	rt.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return c, nil
}
