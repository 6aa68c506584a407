package runtime

import (
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	specs "github.com/opencontainers/runtime-spec/specs-go"

	"github.com/cruciblehq/stevedore/internal/unionfs"
)

// Checks volume bindings before a container is created.
//
// Sources must be existing absolute host paths; destinations must be
// absolute, distinct and not the root of the container.
func validateVolumes(volumes []unionfs.Volume) error {
	seen := make(map[string]struct{}, len(volumes))
	for _, v := range volumes {
		if !filepath.IsAbs(v.Source) {
			return fmt.Errorf("%w: source %q must be absolute", ErrInvalidVolume, v.Source)
		}
		if !path.IsAbs(v.Destination) {
			return fmt.Errorf("%w: mount path %q must be absolute", ErrInvalidVolume, v.Destination)
		}

		dest := path.Clean(v.Destination)
		if dest == "/" {
			return fmt.Errorf("%w: cannot mount over the container root", ErrInvalidVolume)
		}
		if _, ok := seen[dest]; ok {
			return fmt.Errorf("%w: duplicate mount path %s", ErrInvalidVolume, dest)
		}
		seen[dest] = struct{}{}

		if _, err := os.Stat(v.Source); err != nil {
			return fmt.Errorf("%w: source %s: %w", ErrInvalidVolume, v.Source, err)
		}
	}
	return nil
}

// Converts volume bindings to bind mounts, parents before children.
func toMounts(volumes []unionfs.Volume) []specs.Mount {
	mounts := make([]specs.Mount, 0, len(volumes))
	for _, v := range volumes {
		opts := []string{"rbind"}
		if v.ReadOnly {
			opts = append(opts, "ro")
		}
		mounts = append(mounts, specs.Mount{
			Type:        "bind",
			Source:      v.Source,
			Destination: path.Clean(v.Destination),
			Options:     opts,
		})
	}
	sort.SliceStable(mounts, func(i, j int) bool {
		return strings.Count(mounts[i].Destination, "/") < strings.Count(mounts[j].Destination, "/")
	})
	return mounts
}

// Returns the mount points of the volumes inside the container.
func mountPoints(volumes []unionfs.Volume) []string {
	points := make([]string, len(volumes))
	for i, v := range volumes {
		points[i] = path.Clean(v.Destination)
	}
	return points
}
