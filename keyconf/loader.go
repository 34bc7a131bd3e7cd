// Package keyconf loads key-generation configurations from Go values,
// JSON files or YAML files.
package keyconf

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/janste63/cryptojwt/key"
	"github.com/janste63/cryptojwt/keybundle"
)

var ErrNoSpecs = errors.New("configuration declares no keys")

// Config describes the key material a deployment wants provisioned.
type Config struct {
	Specs []key.Spec
}

// Validate checks every spec for a supported type and well-formed
// usage and size fields.
func (c *Config) Validate() error {
	if len(c.Specs) == 0 {
		return ErrNoSpecs
	}
	for i, spec := range c.Specs {
		if !key.Supported(spec.Type) {
			return fmt.Errorf("spec %d: unsupported key type %q", i, spec.Type)
		}
		for _, use := range spec.Use {
			if use != "sig" && use != "enc" {
				return fmt.Errorf("spec %d: unknown use %q", i, use)
			}
		}
		if spec.Size < 0 || spec.Bytes < 0 {
			return fmt.Errorf("spec %d: negative size", i)
		}
	}
	return nil
}

// Loader loads a Config from a source.
type Loader interface {
	Load(ctx context.Context) (*Config, error)
}

// goLoader returns a static config.
type goLoader struct {
	cfg Config
}

// FromGo creates a Loader that returns the provided config directly.
func FromGo(cfg Config) Loader {
	return &goLoader{cfg: cfg}
}

func (l *goLoader) Load(_ context.Context) (*Config, error) {
	cfg := l.cfg
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	return &cfg, nil
}

// fileSpec mirrors key.Spec for file deserialization.
type fileSpec struct {
	Type  string   `json:"type" yaml:"type"`
	Use   []string `json:"use" yaml:"use"`
	Crv   string   `json:"crv" yaml:"crv"`
	Size  int      `json:"size" yaml:"size"`
	Bytes int      `json:"bytes" yaml:"bytes"`
	Kid   string   `json:"kid" yaml:"kid"`
}

type fileConfig struct {
	Keys []fileSpec `json:"keys" yaml:"keys"`
}

func (fc fileConfig) toConfig() Config {
	cfg := Config{Specs: make([]key.Spec, 0, len(fc.Keys))}
	for _, fs := range fc.Keys {
		cfg.Specs = append(cfg.Specs, key.Spec{
			Type:  fs.Type,
			Use:   fs.Use,
			Crv:   fs.Crv,
			Size:  fs.Size,
			Bytes: fs.Bytes,
			Kid:   fs.Kid,
		})
	}
	return cfg
}

// jsonLoader loads config from a JSON file.
type jsonLoader struct {
	path string
}

// FromJSONFile creates a Loader that reads config from a JSON file.
func FromJSONFile(path string) Loader {
	return &jsonLoader{path: path}
}

func (l *jsonLoader) Load(_ context.Context) (*Config, error) {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return nil, fmt.Errorf("read json config: %w", err)
	}
	var fc fileConfig
	if err := json.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("parse json config: %w", err)
	}
	cfg := fc.toConfig()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	return &cfg, nil
}

// yamlLoader loads config from a YAML file.
type yamlLoader struct {
	path string
}

// FromYAMLFile creates a Loader that reads config from a YAML file.
func FromYAMLFile(path string) Loader {
	return &yamlLoader{path: path}
}

func (l *yamlLoader) Load(_ context.Context) (*Config, error) {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return nil, fmt.Errorf("read yaml config: %w", err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("parse yaml config: %w", err)
	}
	cfg := fc.toConfig()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	return &cfg, nil
}

// Build loads a configuration and generates a bundle from it.
func Build(ctx context.Context, l Loader, opts ...keybundle.Option) (*keybundle.KeyBundle, error) {
	cfg, err := l.Load(ctx)
	if err != nil {
		return nil, err
	}
	return keybundle.BuildKeyBundle(cfg.Specs, opts...)
}
