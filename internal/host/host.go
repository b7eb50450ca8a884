// Package host declares the graphics-application RPC surface the
// generator consumes. The real transport lives outside this module; the
// core only ever sees this interface.
package host

import (
	"context"
	"encoding/json"

	"github.com/standardbeagle/crema/internal/document"
)

// Event types delivered on the host event stream.
const (
	EventChange                 = "change"
	EventComps                  = "comps"
	EventCurrentDocumentChanged = "currentDocumentChanged"
	EventDocumentClosed         = "documentClosed"
	EventGeneratorMenuChanged   = "generatorMenuChanged"
)

// Event is one host notification. Body holds the raw change record or
// event payload.
type Event struct {
	Type       string
	DocumentID int
	Body       json.RawMessage
}

// PixmapSettings steers host pixmap extraction for one layer.
type PixmapSettings struct {
	// InputRect is the region of the layer to read; OutputRect the
	// rectangle it is resampled into.
	InputRect  document.Rect `json:"inputRect"`
	OutputRect document.Rect `json:"outputRect"`

	// Canvas composition bounds, when the specification carries one.
	Canvas *CanvasSettings `json:"canvas,omitempty"`

	UseSmartScaling           bool   `json:"useSmartScaling,omitempty"`
	IncludeAncestorMasks      bool   `json:"includeAncestorMasks,omitempty"`
	AllowDither               bool   `json:"allowDither,omitempty"`
	UseColorSettingsDither    *bool  `json:"useColorSettingsDither,omitempty"`
	InterpolationType         string `json:"interpolationType,omitempty"`
	ForceSmartPSDPixelScaling bool   `json:"forceSmartPSDPixelScaling,omitempty"`
}

// CanvasSettings places the rendered layer on an explicit canvas.
type CanvasSettings struct {
	Width   float64 `json:"width"`
	Height  float64 `json:"height"`
	OffsetX float64 `json:"offsetX"`
	OffsetY float64 `json:"offsetY"`
}

// Pixmap is the host's rendered layer raster. Pixels stay opaque to the
// core; they only travel back into SavePixmap.
type Pixmap struct {
	Width    int           `json:"width"`
	Height   int           `json:"height"`
	Channels int           `json:"channelCount"`
	Bounds   document.Rect `json:"bounds"`
	Pixels   []byte        `json:"-"`
}

// SaveSettings steers the host-side encoder when a pixmap is written.
type SaveSettings struct {
	Format  string  `json:"format"`
	Quality string  `json:"quality,omitempty"`
	PPI     float64 `json:"ppi"`

	// Padding pads the encoded image when the output rectangle was
	// expanded to keep a uniform transform.
	Padding *Padding `json:"padding,omitempty"`
}

// Padding is extra transparent space around the encoded pixmap.
type Padding struct {
	Top    float64 `json:"top"`
	Left   float64 `json:"left"`
	Bottom float64 `json:"bottom"`
	Right  float64 `json:"right"`
}

// Connection is the host RPC surface. Calls may suspend; all honor
// context cancellation.
type Connection interface {
	// GetDocumentInfo fetches the full document snapshot.
	GetDocumentInfo(ctx context.Context, documentID int) (json.RawMessage, error)

	// GetLayerExactBounds round-trips to the host for the precise
	// bounds of a layer including effects and masks.
	GetLayerExactBounds(ctx context.Context, documentID, layerID int) (document.Rect, error)

	// GetPixmap rasterizes one layer with the given settings.
	GetPixmap(ctx context.Context, documentID, layerID int, settings *PixmapSettings) (*Pixmap, error)

	// GetSVG extracts a layer as SVG text at the given scale.
	GetSVG(ctx context.Context, documentID, layerID int, scale float64) (string, error)

	// SavePixmap encodes a pixmap to path with the given settings.
	SavePixmap(ctx context.Context, pixmap *Pixmap, path string, settings *SaveSettings) error

	// GetDocumentSettings reads the per-plugin settings blob.
	GetDocumentSettings(ctx context.Context, documentID int, pluginID string) (json.RawMessage, error)

	// SetDocumentSettings replaces the per-plugin settings blob.
	SetDocumentSettings(ctx context.Context, documentID int, pluginID string, settings json.RawMessage) error

	// Events returns the host notification stream. Single consumer.
	Events() <-chan Event
}
