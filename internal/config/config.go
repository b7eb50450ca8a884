// Package config holds the process-wide generator configuration: render
// flags forwarded to the host, queue tuning, and the plugin metadata root.
package config

import (
	"fmt"
	"runtime"
)

// Interpolation methods forwarded to the host's resampling.
const (
	InterpolationDefault         = ""
	InterpolationNearestNeighbor = "nearestNeighbor"
	InterpolationBilinear        = "bilinear"
	InterpolationBicubic         = "bicubic"
	InterpolationBicubicSmoother = "bicubicSmoother"
	InterpolationBicubicSharper  = "bicubicSharper"
	InterpolationBicubicAuto     = "bicubicAutomatic"
)

// DefaultMetaDataRoot is the settings key the generator's own metadata
// lives under in document generator settings.
const DefaultMetaDataRoot = "crema"

// Render carries the flags forwarded to host pixmap extraction.
type Render struct {
	UseSmartScaling               bool
	IncludeAncestorMasks          bool
	AllowDither                   bool
	UsePSDSmartObjectPixelScaling bool
	InterpolationType             string

	// DebounceMs is the render-queue coalescing window.
	DebounceMs int
	// MaxParallel bounds in-flight render calls; 0 means CPU count.
	MaxParallel int
}

// Files tunes the per-document filesystem queue.
type Files struct {
	// IgnoredFiles are glob patterns for files that never keep an
	// otherwise-empty directory alive.
	IgnoredFiles []string
}

// Config is the full process configuration.
type Config struct {
	Render       Render
	Files        Files
	MetaDataRoot string
	SVGEnabled   bool
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Render: Render{
			DebounceMs: 300,
		},
		MetaDataRoot: DefaultMetaDataRoot,
		SVGEnabled:   true,
	}
}

// ParallelRenders resolves the render concurrency bound.
func (c *Config) ParallelRenders() int {
	if c.Render.MaxParallel > 0 {
		return c.Render.MaxParallel
	}
	return runtime.NumCPU()
}

// Validate rejects configurations the render pipeline cannot honor.
func (c *Config) Validate() error {
	switch c.Render.InterpolationType {
	case InterpolationDefault, InterpolationNearestNeighbor, InterpolationBilinear,
		InterpolationBicubic, InterpolationBicubicSmoother, InterpolationBicubicSharper,
		InterpolationBicubicAuto:
	default:
		return fmt.Errorf("unknown interpolation type %q", c.Render.InterpolationType)
	}
	if c.Render.DebounceMs < 0 {
		return fmt.Errorf("render debounce must not be negative: %d", c.Render.DebounceMs)
	}
	if c.Render.MaxParallel < 0 {
		return fmt.Errorf("max parallel renders must not be negative: %d", c.Render.MaxParallel)
	}
	if c.MetaDataRoot == "" {
		return fmt.Errorf("metadata root must not be empty")
	}
	return nil
}
