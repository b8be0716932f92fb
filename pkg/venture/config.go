package venture

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// InferConfig is the typed configuration a host loads before driving a
// Ripl's infer directive: which kernel to run, how many particles a
// particle-Gibbs sweep uses, the RNG seed a trace is constructed with,
// and the default step budget for a bare "infer" call with no count.
// Grounded on jhkimqd-chaos-utils/pkg/config/config.go's
// typed-struct-plus-YAML-tags shape.
type InferConfig struct {
	Kernel    string `yaml:"kernel"`
	Particles int    `yaml:"particles"`
	Seed      int64  `yaml:"seed"`
	Steps     int    `yaml:"steps"`
	LogLevel  string `yaml:"log_level"`
}

// Kernel names accepted by InferConfig.Kernel.
const (
	KernelSingleSiteMH = "single_site_mh"
	KernelParticleGibbs = "particle_gibbs"
)

// DefaultInferConfig mirrors config.go's DefaultConfig: a Ripl
// constructed with zero-value options should still behave sanely.
func DefaultInferConfig() *InferConfig {
	return &InferConfig{
		Kernel:    KernelSingleSiteMH,
		Particles: 10,
		Seed:      0,
		Steps:     1,
		LogLevel:  "info",
	}
}

// LoadInferConfig loads configuration from a YAML file, falling back
// to DefaultInferConfig when path is empty or the file does not exist
// — the same non-fatal-missing-file behavior as config.go's Load.
func LoadInferConfig(path string) (*InferConfig, error) {
	cfg := DefaultInferConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("venture: reading config %q: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("venture: parsing config %q: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("venture: invalid config %q: %w", path, err)
	}
	return cfg, nil
}

// Validate rejects configurations inference can't act on, the same
// fail-fast shape as config.go's Validate.
func (c *InferConfig) Validate() error {
	switch c.Kernel {
	case KernelSingleSiteMH, KernelParticleGibbs:
	default:
		return fmt.Errorf("kernel %q is not one of %q, %q", c.Kernel, KernelSingleSiteMH, KernelParticleGibbs)
	}
	if c.Particles < 1 {
		return fmt.Errorf("particles must be at least 1")
	}
	if c.Steps < 0 {
		return fmt.Errorf("steps must not be negative")
	}
	return nil
}

// Save writes the configuration back out as YAML.
func (c *InferConfig) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("venture: marshaling config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("venture: writing config %q: %w", path, err)
	}
	return nil
}
