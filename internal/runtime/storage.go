package runtime

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/cruciblehq/stevedore/internal/image"
)

// Layout of a container directory.
const (
	infoFile  = "state.json"
	imageFile = "image.json"
	logFile   = "output.log"
	upperDir  = "upper"
	baseDir   = "base"   // Filesystem as it was when the process started.
	rootfsDir = "rootfs" // Filesystem the process runs in.
)

// Writes the container description atomically.
func writeInfo(dir string, info *Info) error {
	data, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}

	tmp := filepath.Join(dir, infoFile+".tmp")
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("write state: %w", err)
	}
	if err := os.Rename(tmp, filepath.Join(dir, infoFile)); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename state: %w", err)
	}
	return nil
}

// Reads the container description.
func readInfo(dir string) (*Info, error) {
	data, err := os.ReadFile(filepath.Join(dir, infoFile))
	if err != nil {
		return nil, fmt.Errorf("read state: %w", err)
	}
	var info Info
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("unmarshal state: %w", err)
	}
	return &info, nil
}

// Stores the image the container was created from, so the container keeps
// working after the tag moves on.
func writeImage(dir string, img *image.Image) error {
	data, err := json.Marshal(img.OCI())
	if err != nil {
		return fmt.Errorf("marshal image: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, imageFile), data, 0644); err != nil {
		return fmt.Errorf("write image: %w", err)
	}
	return nil
}

func readImage(dir string) (*image.Image, error) {
	data, err := os.ReadFile(filepath.Join(dir, imageFile))
	if err != nil {
		return nil, fmt.Errorf("read image: %w", err)
	}
	return image.FromOCI(data)
}

// Returns the IDs of the container directories under root.
func listContainers(root string) ([]string, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read containers directory: %w", err)
	}

	var ids []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if _, err := os.Stat(filepath.Join(root, e.Name(), infoFile)); err == nil {
			ids = append(ids, e.Name())
		}
	}
	return ids, nil
}
