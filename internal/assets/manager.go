// Package assets coordinates everything for one open document: it owns
// the document model, the component registry, the file dispatcher and the
// error sink, reacts to change summaries, and drives the shared render
// orchestrator.
package assets

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/standardbeagle/crema/internal/config"
	"github.com/standardbeagle/crema/internal/document"
	"github.com/standardbeagle/crema/internal/files"
	"github.com/standardbeagle/crema/internal/host"
	"github.com/standardbeagle/crema/internal/parse"
	"github.com/standardbeagle/crema/internal/registry"
	"github.com/standardbeagle/crema/internal/render"
	"github.com/standardbeagle/crema/internal/report"
)

// State of the per-document lifecycle.
type State int

const (
	StateInactive State = iota
	StateStarting
	StateRunning
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateInactive:
		return "inactive"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	}
	return "unknown"
}

// Stats counts what a manager session did, reported when the manager stops.
type Stats struct {
	RendersCompleted int
	RendersFailed    int
	RendersCancelled int
	FilesMoved       int
	ErrorsReported   int
}

// Manager runs asset generation for one document.
type Manager struct {
	conn   host.Connection
	doc    *document.Document
	orch   *render.Orchestrator
	logger *zap.Logger

	sessionID string

	mu         sync.Mutex
	cfg        *config.Config
	state      State
	reg        *registry.Registry
	dispatcher *files.Dispatcher
	sink       *report.Sink
	renderer   *render.Renderer
	jobs       map[int]*render.Job
	stats      Stats

	settingsHash uint64

	idle    chan struct{}
	stopped chan struct{}
	wg      sync.WaitGroup
}

// NewManager wires a manager for one document. The orchestrator is shared
// across documents; everything else is owned here.
func NewManager(conn host.Connection, cfg *config.Config, doc *document.Document, orch *render.Orchestrator, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	sessionID := uuid.NewString()
	logger = logger.With(
		zap.Int("document", doc.ID()),
		zap.String("session", sessionID))

	base := files.BasePath(doc.File(), doc.Saved())
	dispatcher := files.NewDispatcher(base, cfg.Files.IgnoredFiles, logger)

	m := &Manager{
		conn:       conn,
		doc:        doc,
		orch:       orch,
		logger:     logger,
		sessionID:  sessionID,
		cfg:        cfg,
		dispatcher: dispatcher,
		sink:       report.NewSink(dispatcher, logger),
		renderer:   render.NewRenderer(conn, cfg, doc.ID(), logger),
		jobs:       make(map[int]*render.Job),
		idle:       make(chan struct{}, 1),
		stopped:    make(chan struct{}),
	}
	return m
}

// State returns the lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// StatsSnapshot returns the session counters.
func (m *Manager) StatsSnapshot() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}

// Idle signals each time the document catches up: no pending or working
// renders and all file operations settled.
func (m *Manager) Idle() <-chan struct{} { return m.idle }

// BasePath returns the current assets directory.
func (m *Manager) BasePath() string { return m.dispatcher.Base() }

// SetConfig swaps the live configuration; render flags apply to the next
// render.
func (m *Manager) SetConfig(cfg *config.Config) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cfg = cfg
	m.renderer = render.NewRenderer(m.conn, cfg, m.doc.ID(), m.logger)
}

// Start subscribes to document events and performs the initial full sync.
func (m *Manager) Start() error {
	m.mu.Lock()
	if m.state != StateInactive {
		m.mu.Unlock()
		return fmt.Errorf("manager already %s", m.state)
	}
	m.state = StateStarting
	m.mu.Unlock()

	m.orch.SetIdleCallback(m.doc.ID(), m.onRenderIdle)
	m.dispatcher.SetOnIdle(m.onFilesIdle)

	m.init()

	m.wg.Add(1)
	go m.consumeChanges()

	m.mu.Lock()
	m.state = StateRunning
	m.mu.Unlock()
	m.logger.Info("asset generation started", zap.String("base", m.dispatcher.Base()))
	return nil
}

// Stop removes the change listener, cancels the document's renders and
// settles the file queue.
func (m *Manager) Stop() {
	m.mu.Lock()
	if m.state != StateRunning && m.state != StateStarting {
		m.mu.Unlock()
		return
	}
	m.state = StateStopping
	stats := m.stats
	m.mu.Unlock()

	close(m.stopped)
	m.orch.CancelDocument(m.doc.ID())
	m.orch.SetIdleCallback(m.doc.ID(), nil)
	m.wg.Wait()
	m.dispatcher.Close()

	m.mu.Lock()
	m.state = StateInactive
	m.mu.Unlock()
	m.logger.Info("asset generation stopped",
		zap.Int("rendersCompleted", stats.RendersCompleted),
		zap.Int("rendersFailed", stats.RendersFailed),
		zap.Int("rendersCancelled", stats.RendersCancelled),
		zap.Int("filesMoved", stats.FilesMoved),
		zap.Int("errorsReported", stats.ErrorsReported))
}

// consumeChanges is the single consumer of the document's change channel.
func (m *Manager) consumeChanges() {
	defer m.wg.Done()
	for {
		select {
		case change, ok := <-m.doc.Changes():
			if !ok {
				return
			}
			m.handleChange(change)
		case <-m.stopped:
			return
		}
	}
}

// init performs the full sync: fresh registry, base path reset, error
// reset, cancellation of existing renders, full re-parse of every layer,
// defaults metadata and comps, then renders for everything.
func (m *Manager) init() {
	m.orch.CancelDocument(m.doc.ID())

	base := files.BasePath(m.doc.File(), m.doc.Saved())
	if base != m.dispatcher.Base() {
		m.dispatcher.MoveBase(base)
	}

	m.mu.Lock()
	m.reg = registry.New(m.doc.ID(), len(base), files.MaxPath())
	m.sink.Clear()
	m.settingsHash = hashSettings(m.doc.GeneratorSettings())
	metaRoot := m.cfg.MetaDataRoot
	m.mu.Unlock()

	// Defaults first: they decide what every basic spec fabricates.
	m.collectDefaults(metaRoot)

	m.doc.Root().Walk(func(l *document.Layer) bool {
		m.syncLayer(l)
		return true
	})
	for _, comp := range m.doc.Comps() {
		m.syncComp(comp.ID, comp.Name)
	}
	m.sink.Rewrite()
}

// reset throws the current component set away, deletes its files, and
// rebuilds everything from the live document.
func (m *Manager) reset() {
	m.logger.Info("full reset")
	m.mu.Lock()
	reg := m.reg
	m.mu.Unlock()
	if reg != nil {
		for _, comp := range reg.All() {
			m.orch.Cancel(comp.ID)
			m.dispatcher.RemoveWithin(comp.AssetPath)
		}
	}
	m.init()
}

// collectDefaults finds the document's default specifications: one
// defaults-bearing layer, or metadata defaults when no layer carries
// them. A second defaults layer is a user error and suppresses defaults
// entirely.
func (m *Manager) collectDefaults(metaRoot string) {
	type defaultsLayer struct {
		id    int
		name  string
		specs []*parse.Specification
	}
	var found []defaultsLayer

	m.doc.Root().Walk(func(l *document.Layer) bool {
		specs, _ := parse.Parse(l.Name)
		if defs := parse.Defaults(specs); len(defs) > 0 {
			found = append(found, defaultsLayer{id: l.ID, name: l.Name, specs: defs})
		}
		return true
	})

	switch len(found) {
	case 0:
		m.reg.SetDefaults(0, nil)
		for _, spec := range m.metadataDefaults(metaRoot) {
			m.reg.AddDefaultMetaComponent(spec)
		}
	case 1:
		m.reg.SetDefaults(found[0].id, found[0].specs)
	default:
		m.reg.SetDefaults(0, nil)
		// Reported against the document: the layer walk that follows
		// clears each layer's own errors as it re-parses it.
		for _, fl := range found[1:] {
			m.reportError(parse.SourceDocument, m.doc.ID(), fl.name,
				"Only one defaults layer is allowed per document.")
		}
	}
}

// metadataDefaults reads default specifications from the document's
// generator settings under the configured metadata root. Invalid JSON is
// ignored with a debug log.
func (m *Manager) metadataDefaults(metaRoot string) []*parse.Specification {
	blob := m.doc.GeneratorSettings()
	if len(blob) == 0 {
		return nil
	}
	var settings map[string]json.RawMessage
	if err := json.Unmarshal(blob, &settings); err != nil {
		m.logger.Debug("ignoring invalid generator settings JSON", zap.Error(err))
		return nil
	}
	raw, ok := settings[metaRoot]
	if !ok {
		return nil
	}
	var meta struct {
		Defaults string `json:"defaults"`
	}
	if err := json.Unmarshal(raw, &meta); err != nil {
		m.logger.Debug("ignoring invalid metadata blob", zap.String("root", metaRoot), zap.Error(err))
		return nil
	}
	if meta.Defaults == "" {
		return nil
	}
	specs, errs := parse.Parse(meta.Defaults)
	for _, perr := range errs {
		m.reportError(parse.SourceDocument, m.doc.ID(), meta.Defaults, perr.Error())
	}
	return parse.Defaults(specs)
}

func hashSettings(blob json.RawMessage) uint64 {
	if len(blob) == 0 {
		return 0
	}
	return xxhash.Sum64(blob)
}

func (m *Manager) reportError(kind parse.SourceKind, id int, name, message string) {
	m.sink.Report(kind, id, name, message)
	m.mu.Lock()
	m.stats.ErrorsReported++
	m.mu.Unlock()
}

// onRenderIdle and onFilesIdle feed the document idle signal: idle fires
// only when the render queue is drained and the file queue settled.
func (m *Manager) onRenderIdle() { m.checkIdle() }
func (m *Manager) onFilesIdle()  { m.checkIdle() }

func (m *Manager) checkIdle() {
	m.mu.Lock()
	outstanding := len(m.jobs)
	m.mu.Unlock()
	if outstanding != 0 {
		return
	}
	if m.orch.PendingCount(m.doc.ID()) != 0 {
		return
	}
	if m.dispatcher.Pending() != 0 {
		return
	}
	select {
	case m.idle <- struct{}{}:
		m.logger.Debug("document idle")
	default:
	}
}

// renderComponent schedules one component render and arranges the move
// into place on completion.
func (m *Manager) renderComponent(comp *registry.Component) {
	layer := m.layerForComponent(comp)
	if layer == nil {
		m.logger.Warn("no layer for component", zap.Int("component", comp.ID))
		return
	}

	m.mu.Lock()
	renderer := m.renderer
	m.mu.Unlock()
	run := renderer.RunnerFor(layer, comp.Spec, m.doc.Resolution())

	job, err := m.orch.Render(m.doc.ID(), comp.ID, run)
	if err != nil {
		m.logger.Warn("render enqueue failed", zap.Int("component", comp.ID), zap.Error(err))
		return
	}

	m.mu.Lock()
	m.jobs[comp.ID] = job
	m.mu.Unlock()

	m.wg.Add(1)
	go m.awaitRender(comp, job)
}

// layerForComponent resolves the renderable layer: the source layer, or a
// synthetic whole-canvas layer for comp-sourced components.
func (m *Manager) layerForComponent(comp *registry.Component) *document.Layer {
	if comp.SourceKind == parse.SourceComp {
		return &document.Layer{
			ID:     comp.SourceID,
			Kind:   document.KindRaster,
			Name:   comp.SourceName,
			Bounds: m.doc.Bounds(),
		}
	}
	return m.doc.FindLayer(comp.SourceID)
}

func (m *Manager) awaitRender(comp *registry.Component, job *render.Job) {
	defer m.wg.Done()
	res := <-job.Done()

	// The job stays in the outstanding set until its follow-up file
	// operation is queued, so idle cannot fire between the two. A
	// successor render may already occupy the slot; leave it alone.
	defer func() {
		m.mu.Lock()
		if m.jobs[comp.ID] == job {
			delete(m.jobs, comp.ID)
		}
		m.mu.Unlock()
		m.checkIdle()
	}()

	switch {
	case res.Cancelled:
		m.mu.Lock()
		m.stats.RendersCancelled++
		m.mu.Unlock()
		if res.TmpPath != "" {
			m.dispatcher.RemoveAbsolute(res.TmpPath)
		}
	case res.Err != nil:
		m.mu.Lock()
		m.stats.RendersFailed++
		m.mu.Unlock()
		m.logger.Warn("render failed",
			zap.Int("component", comp.ID),
			zap.String("asset", comp.AssetPath),
			zap.Error(res.Err))
	default:
		m.mu.Lock()
		m.stats.RendersCompleted++
		m.stats.FilesMoved++
		m.mu.Unlock()
		m.dispatcher.MoveIntoBase(res.TmpPath, comp.AssetPath)
	}
}

// cancelAndDelete withdraws a component's render and removes its file.
func (m *Manager) cancelAndDelete(comp *registry.Component) {
	m.orch.Cancel(comp.ID)
	m.dispatcher.RemoveWithin(comp.AssetPath)
}

// WaitForIdle blocks until the next idle signal or context end. Test and
// CLI convenience.
func (m *Manager) WaitForIdle(ctx context.Context) error {
	select {
	case <-m.idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
