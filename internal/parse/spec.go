// Package parse turns layer, comp and document names into asset
// specifications.
//
// A single name may carry several specifications separated by "+" or ",".
// Each segment is either a file specification ("50% thumbs/small.jpg-80%"),
// a defaults declaration ("default 200% hi-res/@2x"), or plain text that
// names nothing and produces no asset.
package parse

import (
	"path"
	"strconv"
	"strings"
)

// SourceKind identifies where a name came from. It decides which
// post-parse validations apply and how errors are reported.
type SourceKind string

const (
	SourceLayer    SourceKind = "layer"
	SourceComp     SourceKind = "layer-comp"
	SourceDocument SourceKind = "document"
	SourceUnknown  SourceKind = "unknown"
)

// Canvas is an explicit output canvas: the rendered layer is composited
// onto a canvas of Width x Height at offset (X, Y).
type Canvas struct {
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
}

// Specification is one normalized asset directive parsed out of a name.
//
// A specification with an empty File is "unparsed": the segment carried no
// asset directive and only Name is set. A specification is "basic" when it
// carries no scale and no absolute size; otherwise it is derived from a
// basic peer with the same File.
type Specification struct {
	// Name is the raw segment text, verbatim.
	Name string `json:"name"`

	File      string   `json:"file,omitempty"`
	Extension string   `json:"extension,omitempty"`
	Quality   string   `json:"quality,omitempty"`
	Folder    []string `json:"folder,omitempty"`

	Scale *float64 `json:"scale,omitempty"`

	// HasSize is set when an absolute "WxH " expression was present,
	// even if both components are wildcards.
	HasSize    bool     `json:"-"`
	Width      *float64 `json:"width,omitempty"`
	WidthUnit  string   `json:"widthUnit,omitempty"`
	Height     *float64 `json:"height,omitempty"`
	HeightUnit string   `json:"heightUnit,omitempty"`

	Canvas *Canvas `json:"canvas,omitempty"`

	// Default marks a specification that came from a defaults
	// declaration; Suffix is appended to derived file stems.
	Default bool   `json:"default,omitempty"`
	Suffix  string `json:"suffix,omitempty"`
}

// reservedFileChars are replaced with "_" in file and folder segments.
const reservedFileChars = `\":*?<>!|`

// SanitizeSegment replaces characters that cannot appear in a file or
// folder name with underscores.
func SanitizeSegment(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r < 0x20 || strings.ContainsRune(reservedFileChars, r) {
			b.WriteByte('_')
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// IsParsed reports whether the specification names an asset file or is a
// defaults declaration, as opposed to a verbatim unparsed name.
func (s *Specification) IsParsed() bool {
	return s.File != "" || s.Default
}

// IsBasic reports whether the specification has no scaling of its own.
// Only parsed, non-default specifications can be basic.
func (s *Specification) IsBasic() bool {
	return s.IsParsed() && !s.Default && s.Scale == nil && !s.HasSize
}

// AssetPath is the slash-joined relative path of the asset under the base
// directory: folders first, file last.
func (s *Specification) AssetPath() string {
	if s.File == "" {
		return ""
	}
	parts := make([]string, 0, len(s.Folder)+1)
	parts = append(parts, s.Folder...)
	parts = append(parts, s.File)
	return path.Join(parts...)
}

// Stem returns the file name without its extension suffix.
func (s *Specification) Stem() string {
	i := strings.LastIndex(s.File, ".")
	if i < 0 {
		return s.File
	}
	return s.File[:i]
}

func formatNumber(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

// formatPercent renders a multiplier as a percentage without going through
// float multiplication, so that parsing the result recovers the exact
// multiplier (0.3 → "30", not "30.000000000000004").
func formatPercent(multiplier float64) string {
	s := strconv.FormatFloat(multiplier, 'f', -1, 64)
	whole, frac, _ := strings.Cut(s, ".")
	for len(frac) < 2 {
		frac += "0"
	}
	whole += frac[:2]
	frac = frac[2:]
	whole = strings.TrimLeft(whole, "0")
	if whole == "" {
		whole = "0"
	}
	if frac != "" {
		return whole + "." + frac
	}
	return whole
}

func (s *Specification) scaleString() string {
	var b strings.Builder
	switch {
	case s.Scale != nil:
		b.WriteString(formatPercent(*s.Scale))
		b.WriteString("%")
	case s.HasSize:
		if s.Width != nil {
			b.WriteString(formatNumber(*s.Width))
			b.WriteString(s.WidthUnit)
		} else {
			b.WriteString("?")
		}
		b.WriteString("x")
		if s.Height != nil {
			b.WriteString(formatNumber(*s.Height))
			b.WriteString(s.HeightUnit)
		} else {
			b.WriteString("?")
		}
	}
	return b.String()
}

func (s *Specification) canvasString() string {
	if s.Canvas == nil {
		return ""
	}
	c := s.Canvas
	var b strings.Builder
	b.WriteString("[")
	b.WriteString(formatNumber(c.Width))
	if c.Height != c.Width || c.X != 0 || c.Y != 0 {
		b.WriteString("x")
		b.WriteString(formatNumber(c.Height))
	}
	if c.X != 0 || c.Y != 0 {
		if c.X >= 0 {
			b.WriteString("+")
		}
		b.WriteString(formatNumber(c.X))
		if c.Y >= 0 {
			b.WriteString("+")
		}
		b.WriteString(formatNumber(c.Y))
	}
	b.WriteString("]")
	return b.String()
}

// String renders the specification in canonical form. The canonical form
// parses back to an equal specification; it is also the identity used to
// compare specifications across change events.
func (s *Specification) String() string {
	if !s.IsParsed() {
		return s.Name
	}

	var parts []string
	if s.Default {
		parts = append(parts, "default")
	}
	if sc := s.scaleString(); sc != "" {
		parts = append(parts, sc)
	}
	if cv := s.canvasString(); cv != "" {
		parts = append(parts, cv)
	}

	var tail strings.Builder
	for _, f := range s.Folder {
		tail.WriteString(f)
		tail.WriteString("/")
	}
	if s.Default {
		tail.WriteString(s.Suffix)
	} else {
		tail.WriteString(s.File)
		if s.Quality != "" {
			tail.WriteString("-")
			tail.WriteString(s.Quality)
		}
	}
	if t := tail.String(); t != "" {
		parts = append(parts, t)
	}
	return strings.Join(parts, " ")
}

// Equal reports whether two specifications describe the same asset
// directive. Raw segment text is ignored; only the normalized fields count.
func (s *Specification) Equal(o *Specification) bool {
	if s == nil || o == nil {
		return s == o
	}
	if s.IsParsed() != o.IsParsed() {
		return false
	}
	if !s.IsParsed() {
		return s.Name == o.Name
	}
	return s.String() == o.String()
}
