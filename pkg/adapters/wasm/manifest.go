package wasm

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Manifest describes a plugin module. A target of "wasm:<file>" names
// either the module itself or a manifest next to it.
type Manifest struct {
	// Name identifies the adapter in logs and metrics.
	Name string `yaml:"name" validate:"required"`

	// Version is informational.
	Version string `yaml:"version,omitempty"`

	// Module is the path of the .wasm file, relative to the manifest.
	Module string `yaml:"module" validate:"required"`

	// Checksum is the hex sha256 of the module. It is verified when set.
	Checksum string `yaml:"checksum,omitempty" validate:"omitempty,len=64,hexadecimal"`

	// MemoryLimitPages caps the module memory in 64KiB pages.
	MemoryLimitPages uint32 `yaml:"memory_limit_pages,omitempty" validate:"omitempty,max=65536"`

	// Timeout bounds every call, e.g. "30s".
	Timeout string `yaml:"timeout,omitempty"`

	// Env names host variables passed to the plugin when set. Secrets are
	// refused.
	Env []string `yaml:"env,omitempty" validate:"dive,required"`
}

var validate = validator.New()

// LoadManifest reads path. A path ending in ".wasm" yields a manifest for
// that module named after the file.
func LoadManifest(path string) (*Manifest, error) {
	if strings.HasSuffix(path, ".wasm") {
		return &Manifest{
			Name:   strings.TrimSuffix(filepath.Base(path), ".wasm"),
			Module: path,
		}, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest file: %w", err)
	}

	m := &Manifest{}
	if err := yaml.Unmarshal(data, m); err != nil {
		return nil, fmt.Errorf("failed to parse manifest YAML: %w", err)
	}
	if err := validate.Struct(m); err != nil {
		return nil, fmt.Errorf("invalid manifest: %w", err)
	}
	if m.Timeout != "" {
		if _, err := time.ParseDuration(m.Timeout); err != nil {
			return nil, fmt.Errorf("invalid manifest: timeout: %w", err)
		}
	}
	if err := checkEnv(m.Env); err != nil {
		return nil, fmt.Errorf("invalid manifest: %w", err)
	}
	if !filepath.IsAbs(m.Module) {
		m.Module = filepath.Join(filepath.Dir(path), m.Module)
	}
	return m, nil
}

// ReadModule reads the module and verifies its checksum.
func (m *Manifest) ReadModule() ([]byte, error) {
	module, err := os.ReadFile(m.Module)
	if err != nil {
		return nil, fmt.Errorf("failed to read WASM module: %w", err)
	}
	if err := m.VerifyChecksum(module); err != nil {
		return nil, err
	}
	return module, nil
}

// VerifyChecksum checks module against the manifest checksum, if any.
func (m *Manifest) VerifyChecksum(module []byte) error {
	if m.Checksum == "" {
		return nil
	}
	hash := sha256.Sum256(module)
	computed := hex.EncodeToString(hash[:])
	if !strings.EqualFold(computed, m.Checksum) {
		return fmt.Errorf("WASM module checksum mismatch: expected %s, got %s", m.Checksum, computed)
	}
	return nil
}

// config returns the runtime settings of the manifest over defaults.
func (m *Manifest) config() Config {
	cfg := Config{MemoryLimitPages: m.MemoryLimitPages, Env: m.Env}
	if m.Timeout != "" {
		cfg.Timeout, _ = time.ParseDuration(m.Timeout)
	}
	return cfg.withDefaults()
}
