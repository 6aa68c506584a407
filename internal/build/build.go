package build

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"time"

	securejoin "github.com/cyphar/filepath-securejoin"
	"github.com/opencontainers/go-digest"
	specs "github.com/opencontainers/runtime-spec/specs-go"
	"go.opentelemetry.io/otel/metric"

	"github.com/cruciblehq/stevedore/internal/image"
	"github.com/cruciblehq/stevedore/internal/layer"
	"github.com/cruciblehq/stevedore/internal/runtime"
	"github.com/cruciblehq/stevedore/internal/snapshot"
)

// Dependencies of a [Builder].
type Config struct {
	Layers   *layer.Store     // Store receiving the produced layers.
	Images   *image.Store     // Store resolving FROM and receiving the result.
	Executor runtime.Executor // Runs RUN commands.
	WorkDir  string           // Scratch space for materialized filesystems.
	Meter    metric.Meter     // Optional meter for build metrics.
}

// Parameters of one build.
type Options struct {
	Name         string        // Name the image is registered under.
	Tag          string        // Tag, "latest" when empty.
	Context      string        // Directory COPY sources are resolved in.
	Instructions []Instruction // Instructions, FROM first.
}

// Returned after a successful build.
type Result struct {
	ImageID digest.Digest   // ID of the registered image.
	Ref     string          // Normalized name:tag the image is bound to.
	Layers  []digest.Digest // Layers of the image, base first.
}

// Builds images from instructions.
//
// Instructions of one build run sequentially; independent builds may run
// concurrently on the same builder.
type Builder struct {
	layers   *layer.Store
	images   *image.Store
	executor runtime.Executor
	workDir  string
	metrics  *Metrics
}

// Creates a builder.
func New(cfg Config) (*Builder, error) {
	if cfg.Layers == nil || cfg.Images == nil || cfg.Executor == nil {
		return nil, fmt.Errorf("%w: layer store, image store and executor are required", ErrBuild)
	}
	if cfg.WorkDir == "" {
		cfg.WorkDir = os.TempDir()
	}
	if err := os.MkdirAll(cfg.WorkDir, 0700); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrFileSystemOperation, err)
	}

	b := &Builder{
		layers:   cfg.Layers,
		images:   cfg.Images,
		executor: cfg.Executor,
		workDir:  cfg.WorkDir,
	}
	if cfg.Meter != nil {
		metrics, err := NewMetrics(cfg.Meter)
		if err != nil {
			return nil, fmt.Errorf("create metrics: %w", err)
		}
		b.metrics = metrics
	}
	return b, nil
}

// Executes the instructions and registers the resulting image under
// name:tag.
//
// The build starts awaiting FROM. Each RUN and COPY produces exactly one
// layer; the other instructions change only the image configuration. On any
// failure nothing is registered and existing bindings are left untouched;
// layers produced so far stay in the layer store unreferenced until pruned.
func (b *Builder) Build(ctx context.Context, opts Options) (*Result, error) {
	start := time.Now()
	res, err := b.build(ctx, opts)

	status := "success"
	if err != nil {
		status = "failed"
	}
	b.metrics.RecordBuild(ctx, status, time.Since(start))
	return res, err
}

func (b *Builder) build(ctx context.Context, opts Options) (*Result, error) {
	target, err := targetRef(opts.Name, opts.Tag)
	if err != nil {
		return nil, err
	}

	buildCtx := opts.Context
	if buildCtx != "" {
		if buildCtx, err = filepath.Abs(buildCtx); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrFileSystemOperation, err)
		}
	}

	scratch, err := os.MkdirTemp(b.workDir, "build-")
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrFileSystemOperation, err)
	}

	j := &job{
		builder: b,
		context: buildCtx,
		scratch: scratch,
	}
	defer j.close()

	slog.Info("building image", "ref", target, "instructions", len(opts.Instructions))

	for i, in := range opts.Instructions {
		if err := j.execute(ctx, in); err != nil {
			return nil, fmt.Errorf("%w: step %d (%s): %w", ErrBuild, i+1, in, err)
		}
	}
	if j.state == nil {
		return nil, fmt.Errorf("%w: %w", ErrBuild, ErrMissingFrom)
	}

	img := &image.Image{Layers: j.layers, Config: j.state.config()}
	id, err := b.images.Register(ctx, target.Name, target.Tag, img)
	if err != nil {
		return nil, fmt.Errorf("%w: register %s: %w", ErrBuild, target, err)
	}

	slog.Info("image built", "ref", target, "id", id, "layers", len(img.Layers))
	return &Result{ImageID: id, Ref: target.String(), Layers: img.Layers}, nil
}

// Normalizes the target reference of a build.
func targetRef(name, tag string) (image.Reference, error) {
	ref := name
	if tag != "" {
		ref += ":" + tag
	}
	r, err := image.ParseReference(ref)
	if err != nil {
		return image.Reference{}, err
	}
	if r.IsScratch() {
		return image.Reference{}, fmt.Errorf("%w: cannot build into %q", image.ErrInvalidReference, image.Scratch)
	}
	return r, nil
}

// State of one running build.
type job struct {
	builder *Builder
	context string
	scratch string          // Private directory removed when the build ends.
	state   *stepState      // Nil until FROM.
	layers  []digest.Digest // Current layer stack, base first.
	rootfs  string          // Materialized current stack, empty until needed.
	leases  []func()
}

// Releases the leases and scratch space of the job.
func (j *job) close() {
	for _, release := range j.leases {
		release()
	}
	if err := os.RemoveAll(j.scratch); err != nil {
		slog.Warn("failed to remove build directory", "dir", j.scratch, "error", err)
	}
}

// Keeps a lease until the build ends.
func (j *job) hold(release func()) {
	j.leases = append(j.leases, release)
}

// Executes one instruction.
func (j *job) execute(ctx context.Context, in Instruction) error {
	kind, err := in.Kind()
	if err != nil {
		return err
	}

	if j.state == nil && kind != KindFrom {
		return ErrMissingFrom
	}

	switch kind {
	case KindFrom:
		return j.from(ctx, in.From)
	case KindRun:
		return j.run(ctx, in.Run)
	case KindCopy:
		return j.copy(ctx, in.Copy)
	default:
		j.state.apply(in)
		return nil
	}
}

// Sets the base image. Only allowed once, as the first instruction.
func (j *job) from(ctx context.Context, ref string) error {
	if j.state != nil {
		return fmt.Errorf("%w: multi-stage builds are not supported", ErrInvalidInstruction)
	}

	r, err := image.ParseReference(ref)
	if err != nil {
		return err
	}
	if r.IsScratch() {
		j.state = newStepState()
		return nil
	}

	base, err := j.builder.images.Resolve(ctx, r.Name, r.Tag)
	if errors.Is(err, image.ErrImageNotFound) {
		return fmt.Errorf("%w: %s", ErrBaseImageNotFound, r)
	}
	if err != nil {
		return err
	}

	release, err := j.builder.layers.Acquire(ctx, base.Layers...)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrBaseImageNotFound, r, err)
	}
	j.hold(release)
	j.layers = append(j.layers, base.Layers...)
	j.state = stateFrom(base.Config)
	slog.Debug("base image resolved", "ref", r, "layers", len(base.Layers))
	return nil
}

// Runs command in the current filesystem and records the changes as one
// layer.
func (j *job) run(ctx context.Context, command string) error {
	if err := j.materialize(ctx); err != nil {
		return err
	}

	work := filepath.Join(j.scratch, "work")
	if err := os.RemoveAll(work); err != nil {
		return fmt.Errorf("%w: %w", ErrFileSystemOperation, err)
	}
	if err := snapshot.Copy(work, j.rootfs); err != nil {
		return fmt.Errorf("%w: %w", ErrFileSystemOperation, err)
	}

	cwd := j.state.cwd()
	hostCwd, err := securejoin.SecureJoin(work, cwd)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrFileSystemOperation, err)
	}
	if err := os.MkdirAll(hostCwd, 0755); err != nil {
		return fmt.Errorf("%w: create workdir %s: %w", ErrFileSystemOperation, cwd, err)
	}

	slog.Debug("run", "command", command, "shell", j.state.shell, "cwd", cwd)
	res, err := runtime.Exec(ctx, j.builder.executor, runtime.ProcessConfig{
		Root: work,
		Process: specs.Process{
			Args: []string{j.state.shell, "-c", command},
			Env:  j.state.environ(),
			Cwd:  cwd,
		},
	})
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return &CommandFailedError{Command: command, ExitCode: res.ExitCode, Stderr: res.Stderr}
	}

	d, release, err := snapshot.Commit(ctx, j.builder.layers, j.rootfs, work)
	if err != nil {
		return err
	}
	j.hold(release)

	if err := os.RemoveAll(j.rootfs); err != nil {
		return fmt.Errorf("%w: %w", ErrFileSystemOperation, err)
	}
	if err := os.Rename(work, j.rootfs); err != nil {
		return fmt.Errorf("%w: %w", ErrFileSystemOperation, err)
	}

	j.push(ctx, d, KindRun)
	return nil
}

// Copies a file or directory from the build context as one layer.
func (j *job) copy(ctx context.Context, s string) error {
	cp, err := parseCopy(s, j.state.workdir)
	if err != nil {
		return err
	}
	if !cp.into {
		if cp.into, err = j.isDir(ctx, cp.dest); err != nil {
			return err
		}
	}
	entries, err := copyEntries(j.context, cp)
	if err != nil {
		return err
	}

	data, err := layer.Build(entries)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrFileSystemOperation, err)
	}
	d, release, err := j.builder.layers.PutLeased(ctx, bytes.NewReader(data))
	if err != nil {
		return err
	}
	j.hold(release)

	if j.rootfs != "" {
		if err := snapshot.Materialize(ctx, j.builder.layers, []digest.Digest{d}, j.rootfs); err != nil {
			return err
		}
	}

	j.push(ctx, d, KindCopy)
	return nil
}

// Reports whether p is a directory in the current layer stack.
func (j *job) isDir(ctx context.Context, p string) (bool, error) {
	if j.rootfs != "" {
		host, err := securejoin.SecureJoin(j.rootfs, p)
		if err != nil {
			return false, fmt.Errorf("%w: %w", ErrFileSystemOperation, err)
		}
		info, err := os.Stat(host)
		return err == nil && info.IsDir(), nil
	}

	for _, d := range slices.Backward(j.layers) {
		ix, err := j.builder.layers.Index(ctx, d)
		if err != nil {
			return false, err
		}
		switch n, presence := ix.Lookup(p); presence {
		case layer.Present:
			return n.Mode.IsDir(), nil
		case layer.Deleted:
			return false, nil
		}
	}
	return false, nil
}

// Appends a produced layer to the stack.
func (j *job) push(ctx context.Context, d digest.Digest, kind Kind) {
	j.layers = append(j.layers, d)
	j.builder.metrics.RecordLayer(ctx, kind)
	slog.Debug("layer created", "digest", d, "kind", kind)
}

// Materializes the current layer stack on first use.
func (j *job) materialize(ctx context.Context) error {
	if j.rootfs != "" {
		return nil
	}
	rootfs := filepath.Join(j.scratch, "rootfs")
	if err := snapshot.Materialize(ctx, j.builder.layers, j.layers, rootfs); err != nil {
		return err
	}
	j.rootfs = rootfs
	return nil
}
