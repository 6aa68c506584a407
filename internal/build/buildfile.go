package build

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"

	"github.com/ghodss/yaml"
)

// Reads a build file: a YAML or JSON list of instruction objects.
//
//   - from: alpine:3.20
//   - workdir: /app
//   - copy: app.txt app.txt
//   - run: chmod 0644 app.txt
//   - cmd: [cat, /app/app.txt]
//
// Unknown keys and objects that do not hold exactly one instruction are
// rejected.
func LoadFile(path string) ([]Instruction, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrFileSystemOperation, err)
	}
	return ParseFile(data)
}

// Parses the content of a build file. See [LoadFile].
func ParseFile(data []byte) ([]Instruction, error) {
	js, err := yaml.YAMLToJSON(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidInstruction, err)
	}

	dec := json.NewDecoder(bytes.NewReader(js))
	dec.DisallowUnknownFields()

	var instructions []Instruction
	if err := dec.Decode(&instructions); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidInstruction, err)
	}

	for i, in := range instructions {
		if _, err := in.Kind(); err != nil {
			return nil, fmt.Errorf("instruction %d: %w", i+1, err)
		}
	}
	return instructions, nil
}
