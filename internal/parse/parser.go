package parse

import (
	"strconv"
	"strings"
)

// supportedExtensions are the output formats the render pipeline accepts.
// A dotted name with any other extension is plain text, not an asset,
// unless it is within two edits of a real format (a likely typo).
var supportedExtensions = []string{"jpg", "jpeg", "png", "gif", "svg", "webp"}

// knownUnits are the absolute size units convertible to pixels.
var knownUnits = []string{"px", "in", "cm", "mm"}

// SuggestUnit returns the closest known unit abbreviation for a token the
// renderer did not recognize, or "".
func SuggestUnit(unit string) string {
	return suggest(unit, knownUnits)
}

// Parse splits a name into segments and parses each one. Specifications
// and errors are returned together: a malformed segment contributes an
// error without affecting its siblings. Segments that carry no asset
// directive at all come back as unparsed specifications holding only the
// raw text.
func Parse(name string) ([]*Specification, []*Error) {
	if rest, ok := strings.CutPrefix(name, "default"); ok && (rest == "" || rest[0] == ' ') {
		return parseDefaults(name, rest)
	}

	var specs []*Specification
	var errs []*Error
	for _, segment := range splitSegments(name) {
		spec, segErrs := parseSegment(segment)
		if len(segErrs) > 0 {
			errs = append(errs, segErrs...)
			continue
		}
		specs = append(specs, spec)
	}
	return specs, errs
}

// ParseFor parses a name and applies the validations that depend on where
// the name came from. Defaults declarations are only legal on layers and
// on the document itself.
func ParseFor(kind SourceKind, name string) ([]*Specification, []*Error) {
	specs, errs := Parse(name)
	if kind == SourceComp {
		kept := specs[:0]
		for _, s := range specs {
			if s.Default {
				errs = append(errs, newError(name, "Default spec in layer comp names are unsupported."))
				continue
			}
			kept = append(kept, s)
		}
		specs = kept
	}
	return specs, errs
}

// splitSegments cuts a name on the "+" and "," separators, keeping each
// segment's raw text verbatim. A "+" inside a bracketed canvas does not split.
func splitSegments(name string) []string {
	var out []string
	depth, start := 0, 0
	for i := 0; i < len(name); i++ {
		switch name[i] {
		case '[':
			depth++
		case ']':
			if depth > 0 {
				depth--
			}
		case '+', ',':
			if depth == 0 {
				if i > start {
					out = append(out, name[start:i])
				}
				start = i + 1
			}
		}
	}
	if start < len(name) {
		out = append(out, name[start:])
	}
	return out
}

// scanner is a cursor over one segment.
type scanner struct {
	s   string
	pos int
}

func (sc *scanner) eof() bool { return sc.pos >= len(sc.s) }

func (sc *scanner) peek() byte {
	if sc.eof() {
		return 0
	}
	return sc.s[sc.pos]
}

func (sc *scanner) rest() string { return sc.s[sc.pos:] }

func (sc *scanner) skipSpaces() {
	for !sc.eof() && sc.s[sc.pos] == ' ' {
		sc.pos++
	}
}

// number scans digits ("." digits)? | "." digits. Returns ok=false without
// advancing when the cursor is not on a number.
func (sc *scanner) number() (float64, bool) {
	start := sc.pos
	for !sc.eof() && sc.s[sc.pos] >= '0' && sc.s[sc.pos] <= '9' {
		sc.pos++
	}
	if !sc.eof() && sc.s[sc.pos] == '.' {
		mark := sc.pos
		sc.pos++
		digits := false
		for !sc.eof() && sc.s[sc.pos] >= '0' && sc.s[sc.pos] <= '9' {
			sc.pos++
			digits = true
		}
		if !digits {
			// A bare trailing dot belongs to the filename, not the number.
			sc.pos = mark
		}
	}
	if sc.pos == start || sc.s[start] == '.' && sc.pos == start+1 {
		sc.pos = start
		return 0, false
	}
	v, err := strconv.ParseFloat(sc.s[start:sc.pos], 64)
	if err != nil {
		sc.pos = start
		return 0, false
	}
	return v, true
}

// unit scans exactly two lowercase letters.
func (sc *scanner) unit() (string, bool) {
	if sc.pos+2 > len(sc.s) {
		return "", false
	}
	u := sc.s[sc.pos : sc.pos+2]
	for i := 0; i < 2; i++ {
		if u[i] < 'a' || u[i] > 'z' {
			return "", false
		}
	}
	sc.pos += 2
	return u, true
}

// abscomp scans one absolute size component: a number with an optional
// unit, or the "?" wildcard.
func (sc *scanner) abscomp() (val *float64, unit string, ok bool) {
	if sc.peek() == '?' {
		sc.pos++
		return nil, "", true
	}
	v, numOK := sc.number()
	if !numOK {
		return nil, "", false
	}
	if u, uOK := sc.unit(); uOK {
		return &v, u, true
	}
	return &v, "", true
}

func isLetter(b byte) bool {
	return b >= 'a' && b <= 'z' || b >= 'A' && b <= 'Z'
}

// scale scans one of the three scale forms: "30%", the relative "2x ",
// or the absolute "WxH " pair. The absolute and relative forms must end
// at a space or at the end of the segment.
func (sc *scanner) scale(spec *Specification) bool {
	start := sc.pos

	if v, ok := sc.number(); ok && sc.peek() == '%' {
		sc.pos++
		m := v / 100
		spec.Scale = &m
		return true
	}
	sc.pos = start

	w, wu, ok := sc.abscomp()
	if !ok || sc.peek() != 'x' && sc.peek() != 'X' {
		sc.pos = start
		return false
	}
	sc.pos++

	if (sc.eof() || sc.peek() == ' ') && w != nil && wu == "" {
		// relative multiplier: "2x name.png"
		spec.Scale = w
		return true
	}

	h, hu, ok := sc.abscomp()
	if !ok || !sc.eof() && sc.peek() != ' ' {
		sc.pos = start
		return false
	}
	spec.HasSize = true
	spec.Width, spec.WidthUnit = w, wu
	spec.Height, spec.HeightUnit = h, hu
	return true
}

// canvas scans "[WxH+X+Y]", "[WxH]" or "[N]".
func (sc *scanner) canvas(spec *Specification) bool {
	if sc.peek() != '[' {
		return false
	}
	start := sc.pos
	sc.pos++

	w, ok := sc.number()
	if !ok {
		sc.pos = start
		return false
	}
	c := &Canvas{Width: w, Height: w}

	if sc.peek() == 'x' || sc.peek() == 'X' {
		sc.pos++
		h, ok := sc.number()
		if !ok {
			sc.pos = start
			return false
		}
		c.Height = h
		if sc.peek() == '+' || sc.peek() == '-' {
			x, ok := sc.signedNumber()
			if !ok {
				sc.pos = start
				return false
			}
			y, ok := sc.signedNumber()
			if !ok {
				sc.pos = start
				return false
			}
			c.X, c.Y = x, y
		}
	}
	if sc.peek() != ']' {
		sc.pos = start
		return false
	}
	sc.pos++
	spec.Canvas = c
	return true
}

func (sc *scanner) signedNumber() (float64, bool) {
	neg := false
	switch sc.peek() {
	case '+':
		sc.pos++
	case '-':
		neg = true
		sc.pos++
	default:
		return 0, false
	}
	v, ok := sc.number()
	if !ok {
		return 0, false
	}
	if neg {
		v = -v
	}
	return v, true
}

// folder scans one "name/" component. Folder names may contain dots but
// must not begin with one.
func (sc *scanner) folder() (string, bool) {
	rest := sc.rest()
	idx := strings.IndexByte(rest, '/')
	if idx <= 0 {
		return "", false
	}
	name := rest[:idx]
	if name[0] == '.' {
		return "", false
	}
	for i := 0; i < len(name); i++ {
		if name[i] < 0x20 {
			return "", false
		}
	}
	sc.pos += idx + 1
	return SanitizeSegment(name), true
}

// parseSegment parses one "+"/"," delimited segment into either a file
// specification, a list of errors, or an unparsed name.
func parseSegment(raw string) (*Specification, []*Error) {
	spec := &Specification{Name: raw}
	sc := &scanner{s: raw}

	sc.skipSpaces()
	sc.scale(spec)
	sc.skipSpaces()
	sc.canvas(spec)
	sc.skipSpaces()

	var folders []string
	for {
		name, ok := sc.folder()
		if !ok {
			break
		}
		folders = append(folders, name)
	}

	stem, ext, quality, ok := splitFilename(strings.TrimRight(sc.rest(), " "))
	if !ok {
		lower := strings.ToLower(ext)
		if ext != "" && !isSupportedExtension(lower) {
			if s := suggest(lower, supportedExtensions); s != "" {
				return nil, []*Error{{
					Segment:    raw,
					Message:    "Unsupported extension: " + lower,
					Suggestion: s,
				}}
			}
		}
		// Not an asset directive at all: keep the raw text only.
		return &Specification{Name: raw}, nil
	}

	var errs []*Error
	if strings.TrimLeft(stem, " ") != stem {
		errs = append(errs, newError(raw, "Filename begins with whitespace"))
	}
	ext = strings.ToLower(ext)
	if qErr := validateQuality(raw, ext, quality); qErr != nil {
		errs = append(errs, qErr)
	}
	if len(errs) > 0 {
		return nil, errs
	}

	spec.Folder = folders
	spec.Extension = ext
	spec.Quality = quality
	spec.File = SanitizeSegment(stem) + "." + ext
	return spec, nil
}

// splitFilename matches (goodchars ".")+ fileext with its optional
// trailing quality. ok is false when the text is not a filename; ext is
// still returned then so the caller can flag near-miss extensions.
func splitFilename(text string) (stem, ext, quality string, ok bool) {
	dot := strings.LastIndexByte(text, '.')
	if dot <= 0 {
		return "", "", "", false
	}
	stem = text[:dot]
	tail := text[dot+1:]

	i := 0
	for i < len(tail) && isLetter(tail[i]) {
		i++
	}
	if i == 0 {
		return "", "", "", false
	}
	ext = tail[:i]
	quality = tail[i:]

	if strings.ContainsAny(stem, "/") {
		return "", "", "", false
	}
	if !isSupportedExtension(strings.ToLower(ext)) {
		return stem, ext, quality, false
	}
	if quality != "" && !isQualityShaped(quality) {
		return stem, ext, quality, false
	}
	return stem, ext, strings.TrimPrefix(quality, "-"), true
}

// isQualityShaped matches "-"? digits ([a-z] | "%")?.
func isQualityShaped(q string) bool {
	q = strings.TrimPrefix(q, "-")
	if q == "" {
		return false
	}
	i := 0
	for i < len(q) && q[i] >= '0' && q[i] <= '9' {
		i++
	}
	if i == 0 {
		return false
	}
	switch rest := q[i:]; {
	case rest == "":
		return true
	case len(rest) == 1 && (rest[0] == '%' || rest[0] >= 'a' && rest[0] <= 'z'):
		return true
	}
	return false
}

func isSupportedExtension(ext string) bool {
	for _, e := range supportedExtensions {
		if e == ext {
			return true
		}
	}
	return false
}

// validateQuality checks the parsed quality against the extension's legal
// range. The quality string keeps its "%" or letter suffix verbatim.
func validateQuality(segment, ext, quality string) *Error {
	if quality == "" {
		return nil
	}
	switch ext {
	case "svg", "gif":
		return newError(segment, "Quality is not supported for %s assets: %s", ext, quality)
	case "png":
		if quality != "8" && quality != "24" && quality != "32" {
			return newError(segment, "PNG quality must be 8, 24 or 32: %s", quality)
		}
	default: // jpg, jpeg, webp
		digits := strings.TrimSuffix(quality, "%")
		n, err := strconv.Atoi(digits)
		if err != nil || n < 1 || n > 100 {
			return newError(segment, "Quality must be between 1%% and 100%%: %s", quality)
		}
	}
	return nil
}

// parseDefaults parses the tail of a "default ..." declaration. Every
// segment must contribute at least one of a scale, folders, or a suffix.
func parseDefaults(name, rest string) ([]*Specification, []*Error) {
	if strings.TrimSpace(rest) == "" {
		return nil, []*Error{newError(name, "Empty default specification")}
	}

	var specs []*Specification
	var errs []*Error
	for _, segment := range splitSegments(rest) {
		spec := &Specification{Name: segment, Default: true}
		sc := &scanner{s: segment}

		sc.skipSpaces()
		sc.scale(spec)
		sc.skipSpaces()
		sc.canvas(spec)
		sc.skipSpaces()
		for {
			folderName, ok := sc.folder()
			if !ok {
				break
			}
			spec.Folder = append(spec.Folder, folderName)
		}
		spec.Suffix = SanitizeSegment(strings.TrimSpace(sc.rest()))

		if spec.Scale == nil && !spec.HasSize && len(spec.Folder) == 0 && spec.Suffix == "" {
			errs = append(errs, newError(segment, "Invalid default specification: %q", strings.TrimSpace(segment)))
			continue
		}
		specs = append(specs, spec)
	}
	return specs, errs
}
