// Package config holds the backend configuration the executor is
// constructed with: a tagged union over {CPU, GPU, NPU, GPUArtisan}
// plus the options shared across all backends, following the
// "configuration as tagged variant" guidance of explicit variants over
// inheritance or dynamic dispatch.
package config

import "github.com/onloop/npuexec/status"

// Backend is a sum type over the four supported execution backends.
// Exactly one concrete variant below implements it; isBackend is a
// private marker method so no other package can add a fifth.
type Backend interface {
	isBackend()
}

// CPUConfig configures the CPU backend.
type CPUConfig struct {
	// NumberOfThreads is 4 in DefaultCPUConfig; a zero value is left
	// as zero, not replaced with 4.
	NumberOfThreads int
}

func (CPUConfig) isBackend() {}

// DefaultCPUConfig returns the CPU backend's documented defaults.
func DefaultCPUConfig() CPUConfig {
	return CPUConfig{NumberOfThreads: 4}
}

// GPUConfig configures the GPU backend.
type GPUConfig struct {
	// MaxTopK is 1 in DefaultGPUConfig (the backend's sampler is
	// greedy-only unless raised); a zero value is left as zero, not
	// replaced with 1.
	MaxTopK int
}

func (GPUConfig) isBackend() {}

// DefaultGPUConfig returns the GPU backend's documented defaults.
func DefaultGPUConfig() GPUConfig {
	return GPUConfig{MaxTopK: 1}
}

// NPUConfig configures the NPU backend. It carries no tunables beyond
// the shared Options today; the variant exists so backend dispatch is
// exhaustive and future NPU-specific fields have somewhere to land.
type NPUConfig struct{}

func (NPUConfig) isBackend() {}

// GPUArtisanConfig configures the GPU "artisan" backend variant, which
// uses its own configuration block rather than GPUConfig's.
type GPUArtisanConfig struct {
	// DispatchLibraryPath is this variant's own dispatch library path.
	// Nothing in this module reads it, and it does not replace
	// Options.DispatchLibraryPath.
	DispatchLibraryPath string
}

func (GPUArtisanConfig) isBackend() {}

// Options carries the settings shared across every backend variant.
type Options struct {
	Backend Backend

	// MaxNumTokens is 0 to infer from model assets; a model/backend
	// pair that cannot infer it must set it explicitly or
	// initialization fails.
	MaxNumTokens int

	// MaxNumImages is 0 to disable image input.
	MaxNumImages int

	CacheDir  string
	CacheFile string

	// DispatchLibraryPath is stored as given (ApplyEnv can fill it from
	// NPUEXEC_DISPATCH_LIBRARY_PATH) and returned by Executor.Config;
	// executor.New does not pass it to any environment or loader.
	DispatchLibraryPath string
}

// Validate checks the options for the malformed-configuration cases
// spec.md §6 calls out explicitly: an unsupported backend (nil) or a
// MaxNumTokens of 0 paired with a backend/model that cannot infer it.
// The inference-capability check itself belongs to the model-package
// loader (a non-goal collaborator); Validate only rejects what this
// module can know about.
func (o Options) Validate() error {
	switch o.Backend.(type) {
	case CPUConfig, GPUConfig, NPUConfig, GPUArtisanConfig:
	case nil:
		return status.InvalidArgumentf("no backend configured")
	default:
		return status.InvalidArgumentf("unsupported backend %T", o.Backend)
	}
	if o.MaxNumImages < 0 {
		return status.InvalidArgumentf("max_num_images must be >= 0, got %d", o.MaxNumImages)
	}
	if o.MaxNumTokens < 0 {
		return status.InvalidArgumentf("max_num_tokens must be >= 0, got %d", o.MaxNumTokens)
	}
	return nil
}
