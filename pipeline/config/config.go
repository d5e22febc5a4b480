// Package config loads and composes kernel-wide tunables: control channel
// size, default timeouts, and failure-classification prefixes (spec
// section 4.7, "Channel bounded size (default 1000, user-configurable)").
// Values may be loaded from YAML and then overridden by functional options,
// matching the teacher's precedence convention of file-defaults-then-code-
// overrides.
package config

import (
	"time"

	"gopkg.in/yaml.v3"
)

// KernelConfig holds the kernel's run-scoped and plan-scoped tunables.
type KernelConfig struct {
	// QueueSize bounds the control channel (spec section 4.7).
	QueueSize int `yaml:"queue_size"`
	// DefaultStepTimeout applies to any step that does not declare its own
	// Timeout. Zero means no default.
	DefaultStepTimeout time.Duration `yaml:"default_step_timeout"`
	// DefaultRunTimeout is the run-scoped deadline applied when Run is not
	// given an explicit timeout override.
	DefaultRunTimeout time.Duration `yaml:"default_run_timeout"`
	// DefaultBarrierTimeout applies to barriers that do not declare their
	// own BarrierTimeout.
	DefaultBarrierTimeout time.Duration `yaml:"default_barrier_timeout"`
	// KernelModulePrefix identifies the kernel's own package namespace for
	// failure-source attribution (spec section 4.10).
	KernelModulePrefix string `yaml:"kernel_module_prefix"`
	// ExternalDepPrefixes lists package path prefixes attributed
	// SourceExternalDep during failure classification.
	ExternalDepPrefixes []string `yaml:"external_dep_prefixes"`
}

// Default returns the kernel's built-in tunables.
func Default() KernelConfig {
	return KernelConfig{
		QueueSize:          1000,
		KernelModulePrefix: "github.com/flowforge/dagkernel/pipeline",
	}
}

// Option overrides one field of a KernelConfig, applied after any YAML
// load (spec section 6 external interfaces: run(..., queue_size?, timeout?)
// are per-invocation overrides of these same defaults).
type Option func(*KernelConfig)

// WithQueueSize overrides the control channel size.
func WithQueueSize(n int) Option {
	return func(c *KernelConfig) { c.QueueSize = n }
}

// WithDefaultStepTimeout overrides the fallback per-step timeout.
func WithDefaultStepTimeout(d time.Duration) Option {
	return func(c *KernelConfig) { c.DefaultStepTimeout = d }
}

// WithDefaultRunTimeout overrides the fallback run-scoped deadline.
func WithDefaultRunTimeout(d time.Duration) Option {
	return func(c *KernelConfig) { c.DefaultRunTimeout = d }
}

// WithExternalDepPrefixes overrides the failure classifier's external
// dependency package prefixes.
func WithExternalDepPrefixes(prefixes ...string) Option {
	return func(c *KernelConfig) { c.ExternalDepPrefixes = prefixes }
}

// Load parses YAML-encoded configuration, starting from Default() and then
// applying any additional functional options in order.
func Load(data []byte, opts ...Option) (KernelConfig, error) {
	cfg := Default()
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return KernelConfig{}, err
		}
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg, nil
}
