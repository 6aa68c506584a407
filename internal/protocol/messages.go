package protocol

import (
	"time"

	"github.com/opencontainers/go-digest"

	"github.com/cruciblehq/stevedore/internal/build"
	"github.com/cruciblehq/stevedore/internal/image"
	"github.com/cruciblehq/stevedore/internal/runtime"
)

// Payload of an error response.
type ErrorResult struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// Payload of [CmdBuild].
type BuildRequest struct {
	Name         string              `json:"name"`
	Tag          string              `json:"tag,omitempty"`
	Context      string              `json:"context,omitempty"` // Directory on the daemon host.
	Instructions []build.Instruction `json:"instructions"`
}

type BuildResult struct {
	ImageID digest.Digest   `json:"imageId"`
	Ref     string          `json:"ref"`
	Layers  []digest.Digest `json:"layers"`
}

type ImageListResult struct {
	Images []image.Tag `json:"images"`
}

// Payload of [CmdImageInspect] and [CmdImageUntag].
type ImageRequest struct {
	Ref string `json:"ref"`
}

type ImageInspectResult struct {
	ID    digest.Digest `json:"id"`
	Image *image.Image  `json:"image"`
}

// Host directory bound into a container.
type Volume struct {
	Source      string `json:"source"`
	Destination string `json:"destination"`
	ReadOnly    bool   `json:"readOnly,omitempty"`
}

// Payload of [CmdContainerRun].
type ContainerRunRequest struct {
	Image   string   `json:"image"`
	Args    []string `json:"args,omitempty"`
	Env     []string `json:"env,omitempty"`
	Volumes []Volume `json:"volumes,omitempty"`
}

type ContainerRunResult struct {
	ID string `json:"id"`
}

// Payload of the container commands addressing one container.
type ContainerRequest struct {
	ID string `json:"id"`
}

// Payload of [CmdContainerStop].
type ContainerStopRequest struct {
	ID      string        `json:"id"`
	Timeout time.Duration `json:"timeout,omitempty"` // Zero uses the daemon default.
}

type ContainerStatusResult struct {
	Container runtime.Info `json:"container"`
}

type ContainerLogsResult struct {
	Output string `json:"output"`
}

type ContainerListResult struct {
	Containers []runtime.Info `json:"containers"`
}

// Payload of [CmdContainerCommit].
type ContainerCommitRequest struct {
	ID  string `json:"id"`
	Ref string `json:"ref"`
}

type ContainerCommitResult struct {
	ImageID digest.Digest `json:"imageId"`
}

type PruneResult struct {
	Layers []digest.Digest `json:"layers"`
}

type StatusResult struct {
	Running    bool   `json:"running"`
	Version    string `json:"version"`
	Pid        int    `json:"pid"`
	Uptime     string `json:"uptime"`
	Builds     int    `json:"builds"`
	Containers int    `json:"containers"` // Running containers.
	Images     int    `json:"images"`
	LayerUsage string `json:"layerUsage"` // Human readable size of stored layers.
}
