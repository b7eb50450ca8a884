// Package render turns components into files: it computes host render
// settings from layer geometry, runs the SVG and pixmap extraction
// calls, and schedules all of it behind a debounced, bounded queue.
package render

import (
	"context"
	"errors"
	"math"

	"go.uber.org/zap"

	"github.com/standardbeagle/crema/internal/config"
	"github.com/standardbeagle/crema/internal/document"
	"github.com/standardbeagle/crema/internal/host"
	"github.com/standardbeagle/crema/internal/parse"
)

// ErrDegenerateBounds refuses rendering when either the input or output
// rectangle encloses no pixels.
var ErrDegenerateBounds = errors.New("layer bounds are degenerate")

// boundsFunc fetches exact layer bounds from the host.
type boundsFunc func(ctx context.Context) (document.Rect, error)

// pixelsPerUnit converts an absolute size unit to pixels at the given
// document resolution. Unknown units fall back to pixels with a log.
func pixelsPerUnit(unit string, ppi float64, logger *zap.Logger) float64 {
	switch unit {
	case "", "px":
		return 1
	case "in":
		return ppi
	case "cm":
		return ppi / 2.54
	case "mm":
		return ppi / 25.4
	default:
		field := zap.Skip()
		if s := parse.SuggestUnit(unit); s != "" {
			field = zap.String("suggestion", s)
		}
		logger.Warn("unknown size unit, assuming pixels", zap.String("unit", unit), field)
		return 1
	}
}

// needsExactBounds decides whether the layer's approximate bounds are
// good enough or the precise host geometry is required.
func needsExactBounds(layer *document.Layer, spec *parse.Specification, rcfg *config.Render) bool {
	if spec.HasSize {
		return true
	}
	if spec.Scale != nil && *spec.Scale != math.Trunc(*spec.Scale) {
		return true
	}
	if layer.Mask != nil && layer.Mask.Enabled {
		return true
	}
	if layer.Effects.AnyEnabled() {
		return true
	}
	return rcfg.IncludeAncestorMasks
}

// ComputePixmapSettings derives the host extraction and save settings
// for one pixmap component. exact is only consulted when the decision
// rules require precise geometry.
func ComputePixmapSettings(
	ctx context.Context,
	layer *document.Layer,
	spec *parse.Specification,
	ppi float64,
	rcfg *config.Render,
	exact boundsFunc,
	logger *zap.Logger,
) (*host.PixmapSettings, *host.SaveSettings, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	scale := 1.0
	if spec.Scale != nil {
		scale = *spec.Scale
	}

	var input document.Rect
	if needsExactBounds(layer, spec, rcfg) {
		b, err := exact(ctx)
		if err != nil {
			return nil, nil, err
		}
		input = b
	} else {
		input = layer.Bounds
	}
	if input.Empty() {
		return nil, nil, ErrDegenerateBounds
	}

	outW, outH := targetSize(input, spec, scale, ppi, logger)
	output := document.Rect{Right: outW, Bottom: outH}
	if output.Empty() {
		return nil, nil, ErrDegenerateBounds
	}

	settings := &host.PixmapSettings{
		InputRect:                 input,
		OutputRect:                output,
		UseSmartScaling:           rcfg.UseSmartScaling,
		IncludeAncestorMasks:      rcfg.IncludeAncestorMasks,
		AllowDither:               rcfg.AllowDither,
		InterpolationType:         rcfg.InterpolationType,
		ForceSmartPSDPixelScaling: rcfg.UsePSDSmartObjectPixelScaling,
	}
	if rcfg.AllowDither {
		// Host dither and color-settings dither fight each other.
		off := false
		settings.UseColorSettingsDither = &off
	}
	if spec.Canvas != nil {
		settings.Canvas = &host.CanvasSettings{
			Width:   spec.Canvas.Width,
			Height:  spec.Canvas.Height,
			OffsetX: spec.Canvas.X,
			OffsetY: spec.Canvas.Y,
		}
	}

	save := &host.SaveSettings{
		Format:  spec.Extension,
		Quality: spec.Quality,
		PPI:     ppi,
	}
	if uniformTransform(spec) {
		squareRects(settings, save)
	}
	return settings, save, nil
}

// targetSize resolves the output dimensions in pixels. A wildcard
// dimension preserves the input aspect ratio.
func targetSize(input document.Rect, spec *parse.Specification, scale, ppi float64, logger *zap.Logger) (float64, float64) {
	inW, inH := input.Width(), input.Height()
	if !spec.HasSize {
		return inW * scale, inH * scale
	}

	var outW, outH float64
	if spec.Width != nil {
		outW = *spec.Width * pixelsPerUnit(spec.WidthUnit, ppi, logger)
	}
	if spec.Height != nil {
		outH = *spec.Height * pixelsPerUnit(spec.HeightUnit, ppi, logger)
	}
	switch {
	case spec.Width == nil && spec.Height == nil:
		outW, outH = inW, inH
	case spec.Width == nil:
		outW = inW * outH / inH
	case spec.Height == nil:
		outH = inH * outW / inW
	}
	return outW, outH
}

// uniformTransform reports whether exactly one scaling dimension was
// supplied, so the transform is uniform by construction.
func uniformTransform(spec *parse.Specification) bool {
	if spec.Scale != nil && !spec.HasSize {
		return true
	}
	if spec.HasSize {
		return spec.Width == nil && spec.Height != nil ||
			spec.Width != nil && spec.Height == nil
	}
	return false
}

// squareRects expands the input and output rectangles to squares so a
// uniform transform stays uniform for the host's effect scaling; the
// overshoot is recorded as save padding to trim at encode time.
func squareRects(settings *host.PixmapSettings, save *host.SaveSettings) {
	in := settings.InputRect
	out := settings.OutputRect

	inSide := math.Max(in.Width(), in.Height())
	if inSide == in.Width() && inSide == in.Height() {
		return
	}
	factor := out.Width() / in.Width()
	if in.Width() < in.Height() {
		factor = out.Height() / in.Height()
	}
	outSide := inSide * factor

	save.Padding = &host.Padding{
		Right:  outSide - out.Width(),
		Bottom: outSide - out.Height(),
	}
	settings.InputRect = document.Rect{
		Top:    in.Top,
		Left:   in.Left,
		Right:  in.Left + inSide,
		Bottom: in.Top + inSide,
	}
	settings.OutputRect = document.Rect{Right: outSide, Bottom: outSide}
}
