// Package hosttest provides an in-memory host connection for tests.
package hosttest

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/standardbeagle/crema/internal/document"
	"github.com/standardbeagle/crema/internal/host"
)

// MockConnection is a scriptable host double. Zero value is not usable;
// call NewMockConnection.
type MockConnection struct {
	mu sync.Mutex

	Infos    map[int]json.RawMessage
	Settings map[int]json.RawMessage

	// ExactBounds returned by GetLayerExactBounds, keyed by layer id.
	ExactBounds map[int]document.Rect

	// SVGText is returned for every GetSVG call.
	SVGText string

	// RenderGate optionally blocks GetPixmap until released, letting
	// tests hold renders in flight.
	RenderGate chan struct{}

	// FailPixmaps makes GetPixmap return an error.
	FailPixmaps bool

	events chan host.Event

	pixmapCalls      int
	inFlight         int
	maxInFlight      int
	exactBoundsCalls int
	savedPaths       []string
}

// NewMockConnection creates an empty mock.
func NewMockConnection() *MockConnection {
	return &MockConnection{
		Infos:       make(map[int]json.RawMessage),
		Settings:    make(map[int]json.RawMessage),
		ExactBounds: make(map[int]document.Rect),
		events:      make(chan host.Event, 64),
	}
}

// Emit pushes an event into the stream.
func (m *MockConnection) Emit(ev host.Event) { m.events <- ev }

// Events implements host.Connection.
func (m *MockConnection) Events() <-chan host.Event { return m.events }

// GetDocumentInfo implements host.Connection.
func (m *MockConnection) GetDocumentInfo(_ context.Context, documentID int) (json.RawMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	info, ok := m.Infos[documentID]
	if !ok {
		return nil, fmt.Errorf("no such document %d", documentID)
	}
	return info, nil
}

// GetLayerExactBounds implements host.Connection.
func (m *MockConnection) GetLayerExactBounds(_ context.Context, _, layerID int) (document.Rect, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.exactBoundsCalls++
	b, ok := m.ExactBounds[layerID]
	if !ok {
		b = document.Rect{Right: 100, Bottom: 100}
	}
	return b, nil
}

// GetPixmap implements host.Connection. It tracks concurrency so tests
// can assert the render bound.
func (m *MockConnection) GetPixmap(ctx context.Context, _, layerID int, settings *host.PixmapSettings) (*host.Pixmap, error) {
	m.mu.Lock()
	m.pixmapCalls++
	m.inFlight++
	if m.inFlight > m.maxInFlight {
		m.maxInFlight = m.inFlight
	}
	gate := m.RenderGate
	fail := m.FailPixmaps
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.inFlight--
		m.mu.Unlock()
	}()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if fail {
		return nil, fmt.Errorf("pixmap extraction failed for layer %d", layerID)
	}
	out := settings.OutputRect
	return &host.Pixmap{
		Width:    int(out.Width()),
		Height:   int(out.Height()),
		Channels: 4,
		Bounds:   out,
		Pixels:   []byte{0},
	}, nil
}

// GetSVG implements host.Connection.
func (m *MockConnection) GetSVG(ctx context.Context, _, _ int, _ float64) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.SVGText == "" {
		return "<svg xmlns=\"http://www.w3.org/2000/svg\"/>", nil
	}
	return m.SVGText, nil
}

// SavePixmap implements host.Connection by writing a marker file.
func (m *MockConnection) SavePixmap(_ context.Context, pixmap *host.Pixmap, path string, settings *host.SaveSettings) error {
	m.mu.Lock()
	m.savedPaths = append(m.savedPaths, path)
	m.mu.Unlock()
	content := fmt.Sprintf("%s %dx%d q=%s", settings.Format, pixmap.Width, pixmap.Height, settings.Quality)
	return os.WriteFile(path, []byte(content), 0o644)
}

// GetDocumentSettings implements host.Connection.
func (m *MockConnection) GetDocumentSettings(_ context.Context, documentID int, _ string) (json.RawMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Settings[documentID], nil
}

// SetDocumentSettings implements host.Connection.
func (m *MockConnection) SetDocumentSettings(_ context.Context, documentID int, _ string, settings json.RawMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Settings[documentID] = settings
	return nil
}

// PixmapCalls returns how many pixmap extractions ran.
func (m *MockConnection) PixmapCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pixmapCalls
}

// MaxInFlight returns the peak number of concurrent pixmap extractions.
func (m *MockConnection) MaxInFlight() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.maxInFlight
}

// ExactBoundsCalls returns how many exact-bounds round trips ran.
func (m *MockConnection) ExactBoundsCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.exactBoundsCalls
}

// SavedPaths returns every path handed to SavePixmap.
func (m *MockConnection) SavedPaths() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.savedPaths...)
}
