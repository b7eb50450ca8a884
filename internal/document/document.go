package document

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"
)

// DefaultResolution is the ppi assumed when the host reports none.
const DefaultResolution = 72.0

// ErrOutOfOrder is returned when a change record is older than the last
// applied one. The record is dropped; the document is unchanged.
var ErrOutOfOrder = errors.New("change record out of order")

// ErrValidation is returned when the tree disagrees with the change
// record's claimed indices after re-attachment. This means the structural
// invariant is lost; the owner must re-init from a fresh snapshot.
var ErrValidation = errors.New("layer index validation failed")

// Comp is a named layer-comp snapshot.
type Comp struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
}

// Document owns the layer tree and the scalar document properties.
// Properties are read-only to callers; every mutation goes through
// ApplyChange.
type Document struct {
	mu sync.Mutex

	id        int
	count     int
	timestamp float64

	file   string
	saved  bool
	bounds Rect

	resolution        float64
	globalLight       GlobalLight
	selection         map[int]struct{}
	generatorSettings json.RawMessage

	root  *Layer
	comps map[int]*Comp

	placed json.RawMessage

	logger  *zap.Logger
	changes chan *Change
	closed  bool
}

// info mirrors the get-document-info payload.
type info struct {
	ID                int             `json:"id"`
	File              string          `json:"file"`
	Saved             *bool           `json:"saved"`
	Bounds            Rect            `json:"bounds"`
	Resolution        json.RawMessage `json:"resolution"`
	GlobalLight       GlobalLight     `json:"globalLight"`
	Selection         []int           `json:"selection"`
	GeneratorSettings json.RawMessage `json:"generatorSettings"`
	Layers            []*Layer        `json:"layers"`
	Comps             []*Comp         `json:"comps"`
	Placed            json.RawMessage `json:"placed"`
	Count             int             `json:"count"`
	Timestamp         float64         `json:"timestamp"`
}

// FromInfo builds a document from the host's get-document-info payload.
func FromInfo(raw json.RawMessage, logger *zap.Logger) (*Document, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	var in info
	if err := json.Unmarshal(raw, &in); err != nil {
		return nil, fmt.Errorf("decoding document info: %w", err)
	}

	root := &Layer{ID: in.ID, Kind: KindGroup, children: in.Layers}
	for _, c := range root.children {
		c.parent = root
	}

	doc := &Document{
		id:                in.ID,
		count:             in.Count,
		timestamp:         in.Timestamp,
		file:              in.File,
		saved:             in.Saved == nil || *in.Saved,
		bounds:            in.Bounds,
		resolution:        parseResolution(in.Resolution),
		globalLight:       in.GlobalLight,
		selection:         make(map[int]struct{}),
		generatorSettings: in.GeneratorSettings,
		root:              root,
		comps:             make(map[int]*Comp),
		placed:            in.Placed,
		logger:            logger.With(zap.Int("document", in.ID)),
		changes:           make(chan *Change, 16),
	}
	for _, id := range in.Selection {
		doc.selection[id] = struct{}{}
	}
	for _, comp := range in.Comps {
		doc.comps[comp.ID] = comp
	}
	return doc, nil
}

// New builds an empty document. Used by tests and by re-init paths that
// populate the tree through change records.
func New(id int, logger *zap.Logger) *Document {
	doc, _ := FromInfo([]byte(fmt.Sprintf(`{"id":%d}`, id)), logger)
	return doc
}

// ID returns the host document id.
func (d *Document) ID() int { return d.id }

// Stamp returns the (count, timestamp) pair of the last applied change.
func (d *Document) Stamp() (int, float64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.count, d.timestamp
}

// File returns the document's file path, empty when never saved.
func (d *Document) File() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.file
}

// Saved reports whether the document exists on disk.
func (d *Document) Saved() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.saved
}

// Bounds returns the document canvas bounds.
func (d *Document) Bounds() Rect {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.bounds
}

// Resolution returns the document resolution in ppi.
func (d *Document) Resolution() float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.resolution
}

// GeneratorSettings returns the raw per-plugin settings blob.
func (d *Document) GeneratorSettings() json.RawMessage {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.generatorSettings
}

// Root returns the synthetic root group.
func (d *Document) Root() *Layer { return d.root }

// FindLayer locates a layer by id.
func (d *Document) FindLayer(id int) *Layer {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.root.Find(id)
}

// Comps returns the live comp set keyed by id.
func (d *Document) Comps() map[int]*Comp {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[int]*Comp, len(d.comps))
	for id, c := range d.comps {
		out[id] = c
	}
	return out
}

// Changes is the document's change event channel. Single consumer;
// subscribe before the first ApplyChange.
func (d *Document) Changes() <-chan *Change { return d.changes }

// Close tears down the event channel. ApplyChange calls after Close still
// mutate the tree but emit nothing.
func (d *Document) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.closed {
		d.closed = true
		close(d.changes)
	}
}

// changeRecord is the phase-1 classification of one raw layer change.
type changeRecord struct {
	raw   *RawLayerChange
	layer *Layer
	added bool
	moved bool
	gone  bool
}

// ApplyChange applies one raw change record atomically and returns the
// change summary. Out-of-order records are dropped with ErrOutOfOrder.
// A validation failure returns ErrValidation: the tree invariant is lost
// and the document must be rebuilt from a fresh snapshot.
func (d *Document) ApplyChange(raw *RawChange) (*Change, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if raw.Timestamp < d.timestamp ||
		raw.Timestamp == d.timestamp && raw.Count <= d.count {
		d.logger.Warn("dropping out-of-order change",
			zap.Float64("timestamp", raw.Timestamp), zap.Int("count", raw.Count),
			zap.Float64("haveTimestamp", d.timestamp), zap.Int("haveCount", d.count))
		return nil, ErrOutOfOrder
	}

	summary := &Change{
		ID:        d.id,
		Count:     raw.Count,
		Timestamp: raw.Timestamp,
		Layers:    make(map[int]*LayerDelta),
		Comps:     make(map[int]*CompDelta),
		Closed:    raw.Closed,
		Active:    raw.Active,
		Merged:    raw.Merged,
		Flattened: raw.Flattened,
	}

	d.applyProperties(raw, summary)

	if len(raw.Layers) > 0 {
		if err := d.applyLayerChanges(raw.Layers, summary); err != nil {
			return nil, err
		}
	}
	d.applyCompChanges(raw.Comps, summary)

	d.count = raw.Count
	d.timestamp = raw.Timestamp

	if !d.closed {
		select {
		case d.changes <- summary:
		default:
			d.logger.Warn("change channel full, dropping event",
				zap.Int("count", raw.Count))
		}
	}
	return summary, nil
}

func (d *Document) applyProperties(raw *RawChange, summary *Change) {
	if raw.File != nil && *raw.File != d.file {
		summary.File = &StringDelta{Previous: d.file, Current: *raw.File}
		d.file = *raw.File
	}
	if raw.Saved != nil {
		d.saved = *raw.Saved
	}
	if raw.Bounds != nil && *raw.Bounds != d.bounds {
		summary.Bounds = &RectDelta{Previous: d.bounds, Current: *raw.Bounds}
		d.bounds = *raw.Bounds
	}
	if len(raw.Resolution) > 0 {
		res := parseResolution(raw.Resolution)
		if res != d.resolution {
			summary.Resolution = &Float64Delta{Previous: d.resolution, Current: res}
			d.resolution = res
		}
	}
	if raw.GlobalLight != nil {
		d.globalLight = *raw.GlobalLight
	}
	if raw.Selection != nil {
		d.selection = make(map[int]struct{}, len(raw.Selection))
		for _, id := range raw.Selection {
			d.selection[id] = struct{}{}
		}
		summary.SelectionChanged = true
	}
	if len(raw.GeneratorSettings) > 0 {
		d.generatorSettings = raw.GeneratorSettings
		summary.GeneratorSettings = true
	}
}

// applyLayerChanges runs the three-phase structural update: identify,
// detach, re-attach, then validates every claimed index. The three phases
// run as one uninterrupted unit; nothing yields while the invariant is
// broken.
func (d *Document) applyLayerChanges(changes []RawLayerChange, summary *Change) error {
	records := make(map[int]*changeRecord)

	// Phase 1: identify and classify, applying property updates in place.
	d.identify(changes, records, summary)

	// Phase 2: detach every moved or removed layer.
	for _, rec := range records {
		if (rec.moved || rec.gone) && rec.layer != nil {
			rec.layer.detach()
		}
	}

	// Phase 3: re-attach in increasing target-index order.
	var attach []*changeRecord
	for _, rec := range records {
		if (rec.added || rec.moved) && rec.raw.Index != nil {
			attach = append(attach, rec)
		}
	}
	sort.Slice(attach, func(i, j int) bool {
		return *attach[i].raw.Index < *attach[j].raw.Index
	})
	for _, rec := range attach {
		if err := d.root.insertRelative(rec.layer, *rec.raw.Index); err != nil {
			d.logger.Error("re-attach failed", zap.Int("layer", rec.layer.ID), zap.Error(err))
			return fmt.Errorf("%w: %v", ErrValidation, err)
		}
	}

	// Validate: the tree must agree with every claimed index.
	for id, rec := range records {
		layer := d.root.Find(id)
		if rec.gone {
			if layer != nil {
				return fmt.Errorf("%w: removed layer %d still present", ErrValidation, id)
			}
			continue
		}
		if rec.raw.Index == nil {
			continue
		}
		if layer == nil {
			return fmt.Errorf("%w: layer %d missing after change", ErrValidation, id)
		}
		if got := layer.Index(); got != *rec.raw.Index {
			return fmt.Errorf("%w: layer %d at index %d, change claims %d",
				ErrValidation, id, got, *rec.raw.Index)
		}
	}
	return nil
}

func (d *Document) identify(changes []RawLayerChange, records map[int]*changeRecord, summary *Change) {
	for i := range changes {
		ch := &changes[i]
		layer := d.root.Find(ch.ID)
		rec := &changeRecord{raw: ch, layer: layer}
		delta := summary.Layers[ch.ID]
		if delta == nil {
			delta = &LayerDelta{ID: ch.ID}
			summary.Layers[ch.ID] = delta
		}

		switch {
		case ch.Added:
			rec.added = true
			rec.layer = newLayerFrom(ch)
			delta.Added = true
			delta.Layer = rec.layer
		case ch.Removed:
			if layer == nil {
				// Phantom group-end record; the host reports the
				// hidden closing slot as its own removal.
				delete(summary.Layers, ch.ID)
				continue
			}
			rec.gone = true
			delta.Removed = true
		case ch.Index != nil:
			if layer == nil {
				d.logger.Warn("move for unknown layer", zap.Int("layer", ch.ID))
				delete(summary.Layers, ch.ID)
				continue
			}
			rec.moved = true
			delta.Moved = true
			delta.Layer = layer
		default:
			delta.Layer = layer
		}

		if !rec.gone && rec.layer != nil {
			applyLayerProperties(rec.layer, ch, delta)
		}
		records[ch.ID] = rec

		if len(ch.Layers) > 0 {
			d.identify(ch.Layers, records, summary)
		}

		if !delta.Added && !delta.Removed && !delta.Moved &&
			!delta.NameChanged && !delta.ContentChanged {
			delete(summary.Layers, ch.ID)
		}
	}
}

// newLayerFrom constructs a layer for an added record.
func newLayerFrom(ch *RawLayerChange) *Layer {
	kind := ch.Type
	if kind == "" {
		kind = KindRaster
	}
	l := &Layer{ID: ch.ID, Kind: kind, Visible: true}
	if ch.Name != nil {
		l.Name = *ch.Name
	}
	if ch.Bounds != nil {
		l.Bounds = *ch.Bounds
	}
	if ch.BoundsWithEffects != nil {
		l.BoundsWithEffects = *ch.BoundsWithEffects
	}
	if ch.Visible != nil {
		l.Visible = *ch.Visible
	}
	if ch.Clipped != nil {
		l.Clipped = *ch.Clipped
	}
	if ch.Mask != nil && !ch.Mask.Removed {
		m := &Mask{}
		if ch.Mask.Bounds != nil {
			m.Bounds = *ch.Mask.Bounds
		}
		if ch.Mask.Enabled != nil {
			m.Enabled = *ch.Mask.Enabled
		}
		l.Mask = m
	}
	l.Effects = ch.Effects
	l.GeneratorSettings = ch.GeneratorSettings
	return l
}

// applyLayerProperties folds a change's property updates into the layer,
// recording what the edit means for downstream reconciliation.
func applyLayerProperties(l *Layer, ch *RawLayerChange, delta *LayerDelta) {
	if ch.Name != nil && *ch.Name != l.Name {
		delta.NameChanged = true
		delta.PreviousName = l.Name
		l.Name = *ch.Name
	}
	if ch.Bounds != nil && *ch.Bounds != l.Bounds {
		l.Bounds = *ch.Bounds
		delta.ContentChanged = true
	}
	if ch.BoundsWithEffects != nil && *ch.BoundsWithEffects != l.BoundsWithEffects {
		l.BoundsWithEffects = *ch.BoundsWithEffects
		delta.ContentChanged = true
	}
	if ch.Visible != nil && *ch.Visible != l.Visible {
		l.Visible = *ch.Visible
		delta.ContentChanged = true
	}
	if ch.Clipped != nil && *ch.Clipped != l.Clipped {
		l.Clipped = *ch.Clipped
		delta.ContentChanged = true
	}
	if ch.Mask != nil {
		if ch.Mask.Removed {
			l.Mask = nil
		} else {
			if l.Mask == nil {
				l.Mask = &Mask{}
			}
			if ch.Mask.Bounds != nil {
				l.Mask.Bounds = *ch.Mask.Bounds
			}
			if ch.Mask.Enabled != nil {
				l.Mask.Enabled = *ch.Mask.Enabled
			}
		}
		delta.ContentChanged = true
	}
	if ch.Effects != nil {
		l.Effects = ch.Effects
		delta.ContentChanged = true
	}
	if len(ch.GeneratorSettings) > 0 {
		l.GeneratorSettings = ch.GeneratorSettings
	}
	if ch.Pixels {
		delta.ContentChanged = true
	}
	if delta.Layer == nil && !delta.Removed {
		delta.Layer = l
	}
}

func (d *Document) applyCompChanges(changes map[string]RawCompChange, summary *Change) {
	for _, ch := range changes {
		delta := &CompDelta{ID: ch.ID}
		switch {
		case ch.Added:
			comp := &Comp{ID: ch.ID}
			if ch.Name != nil {
				comp.Name = *ch.Name
			}
			d.comps[ch.ID] = comp
			delta.Added = true
			delta.Name = comp.Name
		case ch.Removed:
			if prev := d.comps[ch.ID]; prev != nil {
				delta.PreviousName = prev.Name
			}
			delete(d.comps, ch.ID)
			delta.Removed = true
		case ch.Name != nil:
			comp := d.comps[ch.ID]
			if comp == nil {
				continue
			}
			if comp.Name != *ch.Name {
				delta.NameChanged = true
				delta.PreviousName = comp.Name
				comp.Name = *ch.Name
				delta.Name = *ch.Name
			} else {
				continue
			}
		default:
			continue
		}
		summary.Comps[ch.ID] = delta
	}
}
