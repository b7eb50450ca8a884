package assets

import (
	"go.uber.org/zap"

	"github.com/standardbeagle/crema/internal/document"
	"github.com/standardbeagle/crema/internal/files"
	"github.com/standardbeagle/crema/internal/parse"
	"github.com/standardbeagle/crema/internal/registry"
)

// handleChange reacts to one applied change summary, in the fixed order:
// base path, generator settings, comps, layers, error report.
func (m *Manager) handleChange(change *document.Change) {
	if change.Closed {
		m.logger.Info("document closed")
		return
	}

	if change.File != nil && change.File.Previous != "" {
		newBase := files.BasePath(change.File.Current, m.doc.Saved())
		if newBase != m.dispatcher.Base() {
			m.logger.Info("document renamed, moving assets",
				zap.String("base", newBase))
			m.dispatcher.MoveBase(newBase)
			m.mu.Lock()
			if m.reg != nil {
				m.reg.SetBasePathLen(len(newBase))
			}
			m.mu.Unlock()
		}
	}

	if change.GeneratorSettings {
		h := hashSettings(m.doc.GeneratorSettings())
		m.mu.Lock()
		changed := h != m.settingsHash
		m.settingsHash = h
		m.mu.Unlock()
		if changed {
			m.reset()
			m.sink.Rewrite()
			return
		}
	}

	dirty := false
	for _, delta := range change.Comps {
		dirty = m.applyCompDelta(delta) || dirty
	}

	if len(change.Layers) > 0 {
		if m.defaultsTouched(change) {
			m.reset()
			m.sink.Rewrite()
			return
		}
		dirty = m.applyLayerDeltas(change) || dirty
	}

	if dirty {
		m.sink.Rewrite()
	}
	m.checkIdle()
}

// defaultsTouched reports whether any changed layer now carries a
// defaults declaration or used to be the defaults layer. Either way the
// whole document resets.
func (m *Manager) defaultsTouched(change *document.Change) bool {
	m.mu.Lock()
	defaultsLayer := m.reg.DefaultsLayer()
	m.mu.Unlock()

	for id, delta := range change.Layers {
		if id == defaultsLayer && defaultsLayer != 0 {
			return true
		}
		if delta.Layer == nil || !delta.NameChanged && !delta.Added {
			continue
		}
		specs, _ := parse.Parse(delta.Layer.Name)
		if len(parse.Defaults(specs)) > 0 {
			return true
		}
	}
	return false
}

// applyCompDelta reconciles one layer comp's components.
func (m *Manager) applyCompDelta(delta *document.CompDelta) bool {
	if delta.Removed || delta.NameChanged {
		for _, comp := range m.reg.ComponentsByComp(delta.ID) {
			for _, removed := range m.reg.RemoveComponent(comp.ID) {
				m.cancelAndDelete(removed)
			}
		}
	}
	if delta.Removed {
		return m.sink.ClearSource(parse.SourceComp, delta.ID)
	}
	m.syncComp(delta.ID, delta.Name)
	return true
}

// applyLayerDeltas computes the dependency closure of the changed layers
// and reconciles every member.
func (m *Manager) applyLayerDeltas(change *document.Change) bool {
	dirty := false

	// Removed layers lose their components before anything else; the
	// sweep below catches removed descendants the record does not name.
	for id, delta := range change.Layers {
		if !delta.Removed {
			continue
		}
		for _, comp := range m.reg.ComponentsByLayer(id) {
			for _, removed := range m.reg.RemoveComponent(comp.ID) {
				m.cancelAndDelete(removed)
			}
		}
		dirty = m.sink.ClearSource(parse.SourceLayer, id) || dirty
	}

	for layer, contentChanged := range m.dependencyClosure(change) {
		m.reconcileLayer(layer, contentChanged)
		dirty = true
	}

	m.sweepOrphans()
	return dirty
}

// dependencyClosure maps every layer that needs re-evaluation to whether
// its rendered content is invalidated. A changed layer pulls in its
// ancestors (their renders composite it) and its clipped siblings.
func (m *Manager) dependencyClosure(change *document.Change) map[*document.Layer]bool {
	closure := make(map[*document.Layer]bool)
	include := func(l *document.Layer, content bool) {
		closure[l] = closure[l] || content
	}

	for id, delta := range change.Layers {
		if delta.Removed {
			continue
		}
		layer := m.doc.FindLayer(id)
		if layer == nil {
			continue
		}
		content := delta.ContentChanged || delta.Added || delta.Moved
		include(layer, content)

		if content {
			for _, ancestor := range layer.Ancestors() {
				include(ancestor, true)
			}
			if parent := layer.Parent(); parent != nil {
				for _, sibling := range parent.Children() {
					if sibling != layer && sibling.Clipped {
						include(sibling, true)
					}
				}
			}
		}
	}
	return closure
}

// reconcileLayer re-parses one layer name and diffs the resulting
// specification set against the registered components: removed or changed
// specifications are cleaned up, new ones added and rendered, retained
// ones re-rendered when the layer's content changed.
func (m *Manager) reconcileLayer(l *document.Layer, contentChanged bool) {
	m.sink.ClearSource(parse.SourceLayer, l.ID)

	specs, errs := parse.ParseFor(parse.SourceLayer, l.Name)
	for _, perr := range errs {
		m.reportError(parse.SourceLayer, l.ID, l.Name, perr.Error())
	}
	m.reconcileSource(parse.SourceLayer, l.ID, l.Name, parse.Renderable(specs), contentChanged)
}

// syncLayer is the init-time form of reconcileLayer: nothing registered
// yet, so everything parsed is added.
func (m *Manager) syncLayer(l *document.Layer) {
	m.reconcileLayer(l, false)
}

// syncComp re-parses one layer comp name and reconciles its components.
func (m *Manager) syncComp(compID int, name string) {
	m.sink.ClearSource(parse.SourceComp, compID)

	specs, errs := parse.ParseFor(parse.SourceComp, name)
	for _, perr := range errs {
		m.reportError(parse.SourceComp, compID, name, perr.Error())
	}
	m.reconcileSource(parse.SourceComp, compID, name, parse.Renderable(specs), false)
}

// reconcileSource diffs a source's parsed specifications against its
// registered components.
func (m *Manager) reconcileSource(kind parse.SourceKind, sourceID int, sourceName string, specs []*parse.Specification, contentChanged bool) {
	existing := m.componentsBySource(kind, sourceID)

	matched := make(map[int]bool)
	var toAdd []*parse.Specification
	for _, spec := range specs {
		var found *registry.Component
		for _, c := range existing {
			if !c.Default && !matched[c.ID] && c.Spec.Equal(spec) {
				found = c
				break
			}
		}
		if found != nil {
			matched[found.ID] = true
		} else {
			toAdd = append(toAdd, spec)
		}
	}

	// Cleanup: components whose specification disappeared or changed.
	for _, c := range existing {
		if c.Default || matched[c.ID] {
			continue
		}
		for _, removed := range m.reg.RemoveComponent(c.ID) {
			m.cancelAndDelete(removed)
		}
	}

	// Retained components re-render when the layer content changed.
	if contentChanged {
		for _, c := range m.componentsBySource(kind, sourceID) {
			m.orch.Cancel(c.ID)
			m.renderComponent(c)
		}
	}

	// Additions, with their fabricated derived peers.
	for _, spec := range toAdd {
		added, errs := m.reg.AddComponent(kind, sourceID, sourceName, spec)
		for _, err := range errs {
			m.reportError(kind, sourceID, sourceName, err.Error())
		}
		for _, comp := range added {
			m.renderComponent(comp)
		}
	}
}

func (m *Manager) componentsBySource(kind parse.SourceKind, sourceID int) []*registry.Component {
	if kind == parse.SourceComp {
		return m.reg.ComponentsByComp(sourceID)
	}
	return m.reg.ComponentsByLayer(sourceID)
}

// sweepOrphans removes components whose source layer left the tree. A
// removed group's descendants are never named in the change record, so
// the registry is reconciled against the live tree instead.
func (m *Manager) sweepOrphans() {
	for _, comp := range m.reg.All() {
		if comp.SourceKind != parse.SourceLayer {
			continue
		}
		if m.doc.FindLayer(comp.SourceID) != nil {
			continue
		}
		for _, removed := range m.reg.RemoveComponent(comp.ID) {
			m.cancelAndDelete(removed)
		}
	}
}
