package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"os"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/samber/lo"

	"github.com/cruciblehq/stevedore/internal"
	"github.com/cruciblehq/stevedore/internal/build"
	"github.com/cruciblehq/stevedore/internal/image"
	"github.com/cruciblehq/stevedore/internal/protocol"
	"github.com/cruciblehq/stevedore/internal/runtime"
	"github.com/cruciblehq/stevedore/internal/unionfs"
)

// Handles a build command.
func (s *Server) handleBuild(ctx context.Context, conn net.Conn, payload json.RawMessage) {
	req, err := protocol.DecodePayload[protocol.BuildRequest](payload)
	if err != nil {
		s.fail(conn, err)
		return
	}

	result, err := s.builder.Build(ctx, build.Options{
		Name:         req.Name,
		Tag:          req.Tag,
		Context:      req.Context,
		Instructions: req.Instructions,
	})
	if err != nil {
		s.fail(conn, err)
		return
	}

	s.mu.Lock()
	s.builds++
	s.mu.Unlock()

	s.respond(conn, protocol.CmdOK, &protocol.BuildResult{
		ImageID: result.ImageID,
		Ref:     result.Ref,
		Layers:  result.Layers,
	})
}

func (s *Server) handleImageList(ctx context.Context, conn net.Conn) {
	tags, err := s.images.List(ctx)
	if err != nil {
		s.fail(conn, err)
		return
	}
	s.respond(conn, protocol.CmdOK, &protocol.ImageListResult{Images: tags})
}

func (s *Server) handleImageInspect(ctx context.Context, conn net.Conn, payload json.RawMessage) {
	req, err := protocol.DecodePayload[protocol.ImageRequest](payload)
	if err != nil {
		s.fail(conn, err)
		return
	}
	img, err := s.images.Lookup(ctx, req.Ref)
	if err != nil {
		s.fail(conn, err)
		return
	}
	id, err := img.ID()
	if err != nil {
		s.fail(conn, err)
		return
	}
	s.respond(conn, protocol.CmdOK, &protocol.ImageInspectResult{ID: id, Image: img})
}

func (s *Server) handleImageUntag(ctx context.Context, conn net.Conn, payload json.RawMessage) {
	req, err := protocol.DecodePayload[protocol.ImageRequest](payload)
	if err != nil {
		s.fail(conn, err)
		return
	}
	ref, err := image.ParseReference(req.Ref)
	if err != nil {
		s.fail(conn, err)
		return
	}
	if err := s.images.Untag(ctx, ref.Name, ref.Tag); err != nil {
		s.fail(conn, err)
		return
	}
	s.respond(conn, protocol.CmdOK, nil)
}

// Handles a container run command. Responds once the process has started.
func (s *Server) handleContainerRun(ctx context.Context, conn net.Conn, payload json.RawMessage) {
	req, err := protocol.DecodePayload[protocol.ContainerRunRequest](payload)
	if err != nil {
		s.fail(conn, err)
		return
	}

	c, err := s.runtime.Run(ctx, runtime.CreateOptions{
		Image: req.Image,
		Args:  req.Args,
		Env:   req.Env,
		Volumes: lo.Map(req.Volumes, func(v protocol.Volume, _ int) unionfs.Volume {
			return unionfs.Volume{Source: v.Source, Destination: v.Destination, ReadOnly: v.ReadOnly}
		}),
	})
	if err != nil {
		s.fail(conn, err)
		return
	}
	s.respond(conn, protocol.CmdOK, &protocol.ContainerRunResult{ID: c.ID})
}

func (s *Server) handleContainerStop(ctx context.Context, conn net.Conn, payload json.RawMessage) {
	req, err := protocol.DecodePayload[protocol.ContainerStopRequest](payload)
	if err != nil {
		s.fail(conn, err)
		return
	}
	if err := s.runtime.Stop(ctx, req.ID, req.Timeout); err != nil {
		s.fail(conn, err)
		return
	}
	s.respond(conn, protocol.CmdOK, nil)
}

func (s *Server) handleContainerRemove(ctx context.Context, conn net.Conn, payload json.RawMessage) {
	req, err := protocol.DecodePayload[protocol.ContainerRequest](payload)
	if err != nil {
		s.fail(conn, err)
		return
	}
	if err := s.runtime.Remove(ctx, req.ID); err != nil {
		s.fail(conn, err)
		return
	}
	s.respond(conn, protocol.CmdOK, nil)
}

func (s *Server) handleContainerStatus(conn net.Conn, payload json.RawMessage) {
	req, err := protocol.DecodePayload[protocol.ContainerRequest](payload)
	if err != nil {
		s.fail(conn, err)
		return
	}
	c, err := s.runtime.Get(req.ID)
	if err != nil {
		s.fail(conn, err)
		return
	}
	s.respond(conn, protocol.CmdOK, &protocol.ContainerStatusResult{Container: c.Info()})
}

func (s *Server) handleContainerLogs(conn net.Conn, payload json.RawMessage) {
	req, err := protocol.DecodePayload[protocol.ContainerRequest](payload)
	if err != nil {
		s.fail(conn, err)
		return
	}
	out, err := s.runtime.Logs(req.ID)
	if err != nil {
		s.fail(conn, err)
		return
	}
	s.respond(conn, protocol.CmdOK, &protocol.ContainerLogsResult{Output: string(out)})
}

func (s *Server) handleContainerList(conn net.Conn) {
	s.respond(conn, protocol.CmdOK, &protocol.ContainerListResult{Containers: s.runtime.List()})
}

func (s *Server) handleContainerCommit(ctx context.Context, conn net.Conn, payload json.RawMessage) {
	req, err := protocol.DecodePayload[protocol.ContainerCommitRequest](payload)
	if err != nil {
		s.fail(conn, err)
		return
	}
	id, err := s.runtime.Commit(ctx, req.ID, req.Ref)
	if err != nil {
		s.fail(conn, err)
		return
	}
	s.respond(conn, protocol.CmdOK, &protocol.ContainerCommitResult{ImageID: id})
}

// Handles a prune command, removing layers no image references and no build
// or container holds.
func (s *Server) handlePrune(ctx context.Context, conn net.Conn) {
	pruned, err := s.layers.Prune(ctx)
	if err != nil {
		s.fail(conn, err)
		return
	}
	s.respond(conn, protocol.CmdOK, &protocol.PruneResult{Layers: pruned})
}

// Handles a status command.
func (s *Server) handleStatus(ctx context.Context, conn net.Conn) {
	s.mu.Lock()
	builds := s.builds
	s.mu.Unlock()

	uptime := time.Since(s.startedAt).Truncate(time.Second)

	tags, err := s.images.List(ctx)
	if err != nil {
		s.fail(conn, err)
		return
	}
	usage, err := s.layers.Usage(ctx)
	if err != nil {
		s.fail(conn, err)
		return
	}
	running := lo.CountBy(s.runtime.List(), func(info runtime.Info) bool {
		return info.State == runtime.StateRunning
	})

	s.respond(conn, protocol.CmdOK, &protocol.StatusResult{
		Running:    true,
		Version:    internal.VersionString(),
		Pid:        os.Getpid(),
		Uptime:     uptime.String(),
		Builds:     builds,
		Containers: running,
		Images:     len(tags),
		LayerUsage: datasize.ByteSize(usage).HumanReadable(),
	})
}

// Handles a shutdown command.
func (s *Server) handleShutdown(conn net.Conn) {
	s.respond(conn, protocol.CmdOK, nil)
	slog.Info("shutdown requested")

	go func() {
		s.Stop()
	}()
}
