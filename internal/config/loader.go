package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Load reads a warden configuration file. Environment references
// (${VAR}) are expanded before decoding, and relative image directories
// resolve against the file's directory.
func Load(path string) (*Document, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}
	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("open config file: %w", err)
	}
	doc, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", absPath, err)
	}
	if doc.Images.Directory != "" && !filepath.IsAbs(doc.Images.Directory) {
		doc.Images.Directory = filepath.Clean(filepath.Join(filepath.Dir(absPath), doc.Images.Directory))
	}
	return doc, nil
}

// Parse decodes, defaults and validates a configuration document. An empty
// input yields the default configuration.
func Parse(data []byte) (*Document, error) {
	expanded := []byte(os.ExpandEnv(string(data)))

	var raw map[string]any
	if err := yaml.Unmarshal(expanded, &raw); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	if raw != nil {
		if err := validateAgainstSchema(raw); err != nil {
			return nil, err
		}
	}

	var doc Document
	decoder := yaml.NewDecoder(bytes.NewReader(expanded))
	decoder.KnownFields(true)
	if err := decoder.Decode(&doc); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("decode: %w", err)
	}

	if err := doc.ApplyDefaults(); err != nil {
		return nil, err
	}
	if err := doc.Validate(); err != nil {
		return nil, err
	}
	return &doc, nil
}

// Default returns the configuration used when no file is given.
func Default() *Document {
	doc, err := Parse(nil)
	if err != nil {
		panic(fmt.Sprintf("default configuration is invalid: %v", err))
	}
	return doc
}
