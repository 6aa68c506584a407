package image

import (
	"fmt"

	"github.com/distribution/reference"
)

// Tag used when a reference does not name one.
const DefaultTag = "latest"

// Name of the empty base image.
const Scratch = "scratch"

// Parsed name:tag pair.
type Reference struct {
	Name string // Familiar name, e.g. "alpine" or "ghcr.io/acme/app".
	Tag  string // Tag, never empty.
}

// Parses and normalizes an image reference.
//
// Names are reduced to their familiar form, so "docker.io/library/alpine"
// and "alpine" refer to the same binding. Digest references are rejected
// because bindings are always tags.
func ParseReference(s string) (Reference, error) {
	named, err := reference.ParseNormalizedNamed(s)
	if err != nil {
		return Reference{}, fmt.Errorf("%w: %q: %w", ErrInvalidReference, s, err)
	}
	if _, ok := named.(reference.Digested); ok {
		return Reference{}, fmt.Errorf("%w: %q: digest references are not supported", ErrInvalidReference, s)
	}

	tagged, ok := reference.TagNameOnly(named).(reference.Tagged)
	if !ok {
		return Reference{}, fmt.Errorf("%w: %q", ErrInvalidReference, s)
	}
	return Reference{Name: reference.FamiliarName(named), Tag: tagged.Tag()}, nil
}

// Returns the reference in name:tag form.
func (r Reference) String() string {
	return r.Name + ":" + r.Tag
}

// Reports whether the reference names the empty base image.
func (r Reference) IsScratch() bool {
	return r.Name == Scratch
}

// Normalizes a separate name and tag.
func normalize(name, tag string) (Reference, error) {
	if tag == "" {
		return ParseReference(name)
	}
	return ParseReference(name + ":" + tag)
}
