package parse

// Analysis of parsed specifications: which ones render on their own,
// which derive from a basic peer, and how document defaults fabricate
// derived variants of a basic specification.

// Renderable filters out unparsed and defaults specifications, leaving
// the ones that correspond to concrete asset files.
func Renderable(specs []*Specification) []*Specification {
	var out []*Specification
	for _, s := range specs {
		if s.IsParsed() && !s.Default {
			out = append(out, s)
		}
	}
	return out
}

// Defaults returns the defaults declarations among specs, in order.
func Defaults(specs []*Specification) []*Specification {
	var out []*Specification
	for _, s := range specs {
		if s.Default {
			out = append(out, s)
		}
	}
	return out
}

// BasicFor finds the basic peer of a derived specification within the
// same source: equal File field, exactly one of the pair unscaled.
// Returns nil when derived is itself basic or no peer exists.
func BasicFor(derived *Specification, peers []*Specification) *Specification {
	if derived.IsBasic() {
		return nil
	}
	for _, p := range peers {
		if p == derived || !p.IsBasic() {
			continue
		}
		if p.File == derived.File {
			return p
		}
	}
	return nil
}

// ApplyDefault fabricates the derived specification a defaults
// declaration produces from a basic one: the default's scaling and canvas
// replace the basic's, the default's folders are prepended, and its
// suffix is inserted before the extension.
func ApplyDefault(basic, def *Specification) *Specification {
	out := &Specification{
		Name:       basic.Name,
		Extension:  basic.Extension,
		Quality:    basic.Quality,
		Scale:      def.Scale,
		HasSize:    def.HasSize,
		Width:      def.Width,
		WidthUnit:  def.WidthUnit,
		Height:     def.Height,
		HeightUnit: def.HeightUnit,
		Canvas:     basic.Canvas,
	}
	if def.Canvas != nil {
		out.Canvas = def.Canvas
	}
	out.Folder = append(out.Folder, def.Folder...)
	out.Folder = append(out.Folder, basic.Folder...)

	stem := basic.Stem()
	out.File = stem + def.Suffix + "." + basic.Extension
	return out
}
