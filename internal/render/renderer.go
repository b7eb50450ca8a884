package render

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/standardbeagle/crema/internal/config"
	"github.com/standardbeagle/crema/internal/document"
	"github.com/standardbeagle/crema/internal/host"
	"github.com/standardbeagle/crema/internal/parse"
)

// Renderer produces temp files for one document's components. One
// renderer pair per document: SVG extraction and pixmap extraction share
// it. The caller moves finished temp files into place.
type Renderer struct {
	conn   host.Connection
	cfg    *config.Config
	docID  int
	tmpDir string
	logger *zap.Logger
}

// NewRenderer creates a renderer for one document. Temp files go to the
// OS temp directory until the dispatcher moves them under the base.
func NewRenderer(conn host.Connection, cfg *config.Config, docID int, logger *zap.Logger) *Renderer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Renderer{
		conn:   conn,
		cfg:    cfg,
		docID:  docID,
		tmpDir: os.TempDir(),
		logger: logger.With(zap.Int("document", docID)),
	}
}

// SetTempDir overrides the temp file location.
func (r *Renderer) SetTempDir(dir string) { r.tmpDir = dir }

func (r *Renderer) tmpPath(ext string) string {
	return filepath.Join(r.tmpDir, fmt.Sprintf("crema-%s.%s", uuid.NewString(), ext))
}

// RunnerFor builds the render closure for one component. SVG extensions
// route to SVG extraction, everything else to pixmap extraction. The
// closure returns the temp file holding the finished render.
func (r *Renderer) RunnerFor(layer *document.Layer, spec *parse.Specification, ppi float64) func(ctx context.Context) (string, error) {
	if spec.Extension == "svg" {
		return func(ctx context.Context) (string, error) {
			return r.renderSVG(ctx, layer, spec)
		}
	}
	return func(ctx context.Context) (string, error) {
		return r.renderPixmap(ctx, layer, spec, ppi)
	}
}

func (r *Renderer) renderSVG(ctx context.Context, layer *document.Layer, spec *parse.Specification) (string, error) {
	if !r.cfg.SVGEnabled {
		return "", fmt.Errorf("svg rendering is disabled")
	}
	scale := 1.0
	if spec.Scale != nil {
		scale = *spec.Scale
	}
	text, err := r.conn.GetSVG(ctx, r.docID, layer.ID, scale)
	if err != nil {
		return "", fmt.Errorf("svg extraction for layer %d: %w", layer.ID, err)
	}

	path := r.tmpPath("svg")
	if err := os.WriteFile(path, []byte(text), 0o644); err != nil {
		return "", fmt.Errorf("writing svg temp file: %w", err)
	}
	return path, nil
}

func (r *Renderer) renderPixmap(ctx context.Context, layer *document.Layer, spec *parse.Specification, ppi float64) (string, error) {
	settings, save, err := ComputePixmapSettings(ctx, layer, spec, ppi, &r.cfg.Render,
		func(ctx context.Context) (document.Rect, error) {
			return r.conn.GetLayerExactBounds(ctx, r.docID, layer.ID)
		}, r.logger)
	if err != nil {
		return "", err
	}

	pixmap, err := r.conn.GetPixmap(ctx, r.docID, layer.ID, settings)
	if err != nil {
		return "", fmt.Errorf("pixmap extraction for layer %d: %w", layer.ID, err)
	}

	path := r.tmpPath(spec.Extension)
	if err := r.conn.SavePixmap(ctx, pixmap, path, save); err != nil {
		return "", fmt.Errorf("encoding pixmap to %s: %w", filepath.Base(path), err)
	}
	return path, nil
}
