// Package registry maintains the correspondence between parsed asset
// specifications and live components for one document.
//
// A component is a specification bound to its source (layer, comp or the
// document itself) under a registry-assigned id. The registry keeps the
// indices reconciliation needs: components by id, by source, and the
// basic-to-derived relation that document defaults fabricate.
package registry

import (
	"errors"
	"fmt"
	"sync"

	"github.com/standardbeagle/crema/internal/parse"
)

// ErrDuplicateAssetPath rejects a second component with the same asset
// path under one source.
var ErrDuplicateAssetPath = errors.New("duplicate asset path")

// PathTooLongError is the soft error raised when base path plus asset
// path would exceed the platform path limit. The component is not
// registered and nothing is rendered for it.
type PathTooLongError struct {
	AssetPath string
}

func (e *PathTooLongError) Error() string {
	return "Asset path is too long: " + e.AssetPath
}

// Component binds a specification to its source within one document.
type Component struct {
	ID         int
	DocumentID int
	SourceKind parse.SourceKind
	SourceID   int
	SourceName string
	Spec       *parse.Specification
	AssetPath  string

	// Default marks a component fabricated by a document default from a
	// basic peer; BasicID is that peer's component id.
	Default bool
	BasicID int
}

// Registry owns the component indices for one document. A full document
// reset discards the registry and starts a fresh one.
type Registry struct {
	mu sync.Mutex

	documentID int
	nextID     int

	components map[int]*Component
	byLayer    map[int]map[int]*Component
	byComp     map[int]map[int]*Component
	derived    map[int]map[int]*Component

	defaults        []*parse.Specification
	defaultsLayerID int

	// basePathLen + len(assetPath) + 1 must stay below maxPath.
	basePathLen int
	maxPath     int
}

// New creates an empty registry for a document. maxPath is the platform
// path limit; basePathLen the length of the current assets directory.
func New(documentID, basePathLen, maxPath int) *Registry {
	return &Registry{
		documentID: documentID,
		components: make(map[int]*Component),
		byLayer:    make(map[int]map[int]*Component),
		byComp:     make(map[int]map[int]*Component),
		derived:    make(map[int]map[int]*Component),

		basePathLen: basePathLen,
		maxPath:     maxPath,
	}
}

// SetBasePathLen updates the base path length used for the path limit
// check; existing components are not revalidated.
func (r *Registry) SetBasePathLen(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.basePathLen = n
}

// AddComponent registers a specification for a source. When the
// specification is basic and document defaults are active, one derived
// component per default is fabricated alongside it. All added components
// are returned, the basic one first; soft failures on fabricated derived
// components are returned without undoing the rest.
func (r *Registry) AddComponent(kind parse.SourceKind, sourceID int, sourceName string, spec *parse.Specification) ([]*Component, []error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	comp, err := r.addOne(kind, sourceID, sourceName, spec, 0)
	if err != nil {
		return nil, []error{err}
	}
	added := []*Component{comp}
	var errs []error

	if spec.IsBasic() {
		for _, def := range r.defaults {
			derived := parse.ApplyDefault(spec, def)
			dc, err := r.addOne(kind, sourceID, sourceName, derived, comp.ID)
			if err != nil {
				// A fabricated path colliding with an asset the author
				// named explicitly is not an authoring error: the
				// explicit specification wins.
				if !errors.Is(err, ErrDuplicateAssetPath) {
					errs = append(errs, err)
				}
				continue
			}
			added = append(added, dc)
		}
	}
	return added, errs
}

func (r *Registry) addOne(kind parse.SourceKind, sourceID int, sourceName string, spec *parse.Specification, basicID int) (*Component, error) {
	assetPath := spec.AssetPath()
	if assetPath == "" {
		return nil, fmt.Errorf("specification %q names no asset", spec.Name)
	}
	for _, c := range r.bySource(kind, sourceID) {
		if c.AssetPath == assetPath {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateAssetPath, assetPath)
		}
	}
	if r.basePathLen+len(assetPath)+1 >= r.maxPath {
		return nil, &PathTooLongError{AssetPath: assetPath}
	}

	r.nextID++
	comp := &Component{
		ID:         r.nextID,
		DocumentID: r.documentID,
		SourceKind: kind,
		SourceID:   sourceID,
		SourceName: sourceName,
		Spec:       spec,
		AssetPath:  assetPath,
		Default:    basicID != 0,
		BasicID:    basicID,
	}
	r.components[comp.ID] = comp
	r.indexSource(comp)
	if basicID != 0 {
		set := r.derived[basicID]
		if set == nil {
			set = make(map[int]*Component)
			r.derived[basicID] = set
		}
		set[comp.ID] = comp
	}
	return comp, nil
}

func (r *Registry) bySource(kind parse.SourceKind, sourceID int) map[int]*Component {
	switch kind {
	case parse.SourceComp:
		return r.byComp[sourceID]
	default:
		return r.byLayer[sourceID]
	}
}

func (r *Registry) indexSource(comp *Component) {
	var idx map[int]map[int]*Component
	if comp.SourceKind == parse.SourceComp {
		idx = r.byComp
	} else {
		idx = r.byLayer
	}
	set := idx[comp.SourceID]
	if set == nil {
		set = make(map[int]*Component)
		idx[comp.SourceID] = set
	}
	set[comp.ID] = comp
}

// Component returns a component by id, or nil.
func (r *Registry) Component(id int) *Component {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.components[id]
}

// ComponentsByLayer returns the components sourced from a layer.
func (r *Registry) ComponentsByLayer(layerID int) []*Component {
	r.mu.Lock()
	defer r.mu.Unlock()
	return collect(r.byLayer[layerID])
}

// ComponentsByComp returns the components sourced from a layer comp.
func (r *Registry) ComponentsByComp(compID int) []*Component {
	r.mu.Lock()
	defer r.mu.Unlock()
	return collect(r.byComp[compID])
}

// Derived returns the components fabricated from a basic component.
func (r *Registry) Derived(basicID int) []*Component {
	r.mu.Lock()
	defer r.mu.Unlock()
	return collect(r.derived[basicID])
}

// All returns every registered component.
func (r *Registry) All() []*Component {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Component, 0, len(r.components))
	for _, c := range r.components {
		out = append(out, c)
	}
	return out
}

func collect(set map[int]*Component) []*Component {
	if len(set) == 0 {
		return nil
	}
	out := make([]*Component, 0, len(set))
	for _, c := range set {
		out = append(out, c)
	}
	return out
}

// RemoveComponent deletes a component and everything derived from it,
// returning all removed components so the caller can clean their files.
func (r *Registry) RemoveComponent(id int) []*Component {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.removeLocked(id)
}

func (r *Registry) removeLocked(id int) []*Component {
	comp := r.components[id]
	if comp == nil {
		return nil
	}
	removed := []*Component{comp}
	for derivedID := range r.derived[id] {
		removed = append(removed, r.removeLocked(derivedID)...)
	}
	delete(r.derived, id)

	delete(r.components, id)
	if comp.BasicID != 0 {
		delete(r.derived[comp.BasicID], id)
	}
	if comp.SourceKind == parse.SourceComp {
		delete(r.byComp[comp.SourceID], id)
	} else {
		delete(r.byLayer[comp.SourceID], id)
	}
	return removed
}

// SetDefaults installs the active default specifications and the layer
// they came from. Already-registered components are not rewritten; the
// caller performs a full reset when defaults change.
func (r *Registry) SetDefaults(layerID int, defs []*parse.Specification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.defaultsLayerID = layerID
	r.defaults = defs
}

// DefaultsLayer returns the id of the defaults-bearing layer, zero when
// defaults came from document metadata or are absent.
func (r *Registry) DefaultsLayer() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.defaultsLayerID
}

// Defaults returns the active default specifications in order.
func (r *Registry) Defaults() []*parse.Specification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*parse.Specification(nil), r.defaults...)
}

// ResetDefaultMetaComponents clears document-level defaults sourced from
// generator metadata.
func (r *Registry) ResetDefaultMetaComponents() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.defaultsLayerID == 0 {
		r.defaults = nil
	}
}

// AddDefaultMetaComponent appends a document-level default specification
// from generator metadata. Layer-borne defaults take precedence: the call
// is ignored while a defaults layer is active.
func (r *Registry) AddDefaultMetaComponent(spec *parse.Specification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.defaultsLayerID != 0 {
		return
	}
	r.defaults = append(r.defaults, spec)
}
