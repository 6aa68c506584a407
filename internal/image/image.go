package image

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/containerd/platforms"
	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

// Label carrying the shell used for RUN instructions in images built on top.
const shellLabel = "dev.stevedore.shell"

// Runtime configuration stored with an image.
type Config struct {
	Cmd        []string          `json:"cmd,omitempty"`        // Default argv.
	WorkingDir string            `json:"workingDir,omitempty"` // Initial working directory.
	Env        map[string]string `json:"env,omitempty"`        // Environment, unique names.
	Shell      string            `json:"shell,omitempty"`      // Shell for RUN instructions.
	StopSignal string            `json:"stopSignal,omitempty"` // Signal sent by a graceful stop.
}

// Ordered layer stack plus runtime config. Immutable once registered.
type Image struct {
	Layers []digest.Digest `json:"layers"` // Base first.
	Config Config          `json:"config"`
}

// Returns the environment as sorted "key=value" strings.
func (c Config) Environ() []string {
	env := make([]string, 0, len(c.Env))
	for k, v := range c.Env {
		env = append(env, k+"="+v)
	}
	sort.Strings(env)
	return env
}

// Returns the image ID, the digest of its OCI serialization.
func (img *Image) ID() (digest.Digest, error) {
	_, id, err := img.marshal()
	return id, err
}

// Returns a copy that shares no slices or maps with img.
func (img *Image) Clone() *Image {
	out := &Image{
		Layers: append([]digest.Digest(nil), img.Layers...),
		Config: img.Config,
	}
	out.Config.Cmd = append([]string(nil), img.Config.Cmd...)
	out.Config.Env = make(map[string]string, len(img.Config.Env))
	for k, v := range img.Config.Env {
		out.Config.Env[k] = v
	}
	return out
}

// Converts the image to an OCI image config.
//
// Timestamps and history are left out so that equal images serialize to
// equal bytes.
func (img *Image) OCI() ocispec.Image {
	oci := ocispec.Image{
		Platform: platforms.Normalize(platforms.DefaultSpec()),
		Config: ocispec.ImageConfig{
			Cmd:        img.Config.Cmd,
			WorkingDir: img.Config.WorkingDir,
			Env:        img.Config.Environ(),
			StopSignal: img.Config.StopSignal,
		},
		RootFS: ocispec.RootFS{
			Type:    "layers",
			DiffIDs: append([]digest.Digest{}, img.Layers...),
		},
	}
	if img.Config.Shell != "" {
		oci.Config.Labels = map[string]string{shellLabel: img.Config.Shell}
	}
	return oci
}

// Parses an image from its OCI image config.
func FromOCI(data []byte) (*Image, error) {
	var oci ocispec.Image
	if err := json.Unmarshal(data, &oci); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidImage, err)
	}
	if oci.RootFS.Type != "layers" {
		return nil, fmt.Errorf("%w: unsupported rootfs type %q", ErrInvalidImage, oci.RootFS.Type)
	}

	img := &Image{
		Layers: oci.RootFS.DiffIDs,
		Config: Config{
			Cmd:        oci.Config.Cmd,
			WorkingDir: oci.Config.WorkingDir,
			Env:        make(map[string]string, len(oci.Config.Env)),
			Shell:      oci.Config.Labels[shellLabel],
			StopSignal: oci.Config.StopSignal,
		},
	}
	for _, kv := range oci.Config.Env {
		k, v, _ := strings.Cut(kv, "=")
		img.Config.Env[k] = v
	}
	return img, nil
}

// Serializes the image and computes its ID.
func (img *Image) marshal() ([]byte, digest.Digest, error) {
	data, err := json.Marshal(img.OCI())
	if err != nil {
		return nil, "", fmt.Errorf("%w: %w", ErrInvalidImage, err)
	}
	return data, digest.FromBytes(data), nil
}
