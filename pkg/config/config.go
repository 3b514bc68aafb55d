// Package config provides a minimal fallback key=value file loader for the
// literal configuration file format the reference implementation reads
// directly. The serve command's --legacy-config-file flag uses it to fill in
// flags the operator did not set.
package config

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
)

// File holds key=value pairs parsed from a configuration file in the
// reference implementation's literal format: one "key = value" pair per
// line, blank lines and lines starting with '#' ignored, surrounding
// whitespace on both key and value trimmed.
type File struct {
	values map[string]string
}

// LoadFile parses the key=value file at path. A missing file is not an
// error: it returns an empty File, matching the reference implementation's
// warn-and-continue behavior when the config file is absent.
func LoadFile(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &File{values: map[string]string{}}, nil
		}

		return nil, fmt.Errorf("error opening config file %q: %w", path, err)
	}
	defer f.Close()

	return Parse(f)
}

// Parse reads key=value pairs from r, skipping blank lines and comments.
func Parse(r io.Reader) (*File, error) {
	values := make(map[string]string)

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		parseLine(scanner.Text(), values)
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error reading config: %w", err)
	}

	return &File{values: values}, nil
}

func parseLine(line string, values map[string]string) {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" || strings.HasPrefix(trimmed, "#") {
		return
	}

	key, value, found := strings.Cut(trimmed, "=")
	if !found {
		return
	}

	key = strings.TrimSpace(key)
	if key == "" {
		return
	}

	values[key] = strings.TrimSpace(value)
}

// Get returns the value for key, or def if key was not present or its value
// is empty.
func (f *File) Get(key, def string) string {
	if v, ok := f.values[key]; ok && v != "" {
		return v
	}

	return def
}

// Has reports whether key was present in the file.
func (f *File) Has(key string) bool {
	_, ok := f.values[key]

	return ok
}
