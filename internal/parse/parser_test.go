package parse

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func scaleOf(t *testing.T, s *Specification) float64 {
	t.Helper()
	require.NotNil(t, s.Scale, "expected a scale on %q", s.Name)
	return *s.Scale
}

func TestParse_SingleFile(t *testing.T) {
	specs, errs := Parse("logo.png")
	require.Empty(t, errs)
	require.Len(t, specs, 1)

	assert.Equal(t, "logo.png", specs[0].File)
	assert.Equal(t, "png", specs[0].Extension)
	assert.True(t, specs[0].IsBasic())
	assert.Equal(t, "logo.png", specs[0].AssetPath())
}

func TestParse_ComplexName(t *testing.T) {
	specs, errs := Parse("logo.png, 2x logo@2x.png + 50% thumbs/small.jpg-80%")
	require.Empty(t, errs)
	require.Len(t, specs, 3)

	assert.Equal(t, "logo.png", specs[0].File)
	assert.Equal(t, "png", specs[0].Extension)
	assert.Nil(t, specs[0].Scale)

	assert.Equal(t, "logo@2x.png", specs[1].File)
	assert.Equal(t, 2.0, scaleOf(t, specs[1]))

	assert.Equal(t, "small.jpg", specs[2].File)
	assert.Equal(t, "jpg", specs[2].Extension)
	assert.Equal(t, []string{"thumbs"}, specs[2].Folder)
	assert.Equal(t, 0.5, scaleOf(t, specs[2]))
	assert.Equal(t, "80%", specs[2].Quality)
	assert.Equal(t, "thumbs/small.jpg", specs[2].AssetPath())
}

func TestParse_Canvas(t *testing.T) {
	specs, errs := Parse("[100x200+5-10] hero.png")
	require.Empty(t, errs)
	require.Len(t, specs, 1)

	require.NotNil(t, specs[0].Canvas)
	assert.Equal(t, Canvas{Width: 100, Height: 200, X: 5, Y: -10}, *specs[0].Canvas)
	assert.Equal(t, "hero.png", specs[0].File)
}

func TestParse_SquareCanvas(t *testing.T) {
	specs, errs := Parse("[64] icon.png")
	require.Empty(t, errs)
	require.Len(t, specs, 1)
	require.NotNil(t, specs[0].Canvas)
	assert.Equal(t, Canvas{Width: 64, Height: 64}, *specs[0].Canvas)
}

func TestParse_AbsoluteSize(t *testing.T) {
	tests := []struct {
		name   string
		input  string
		width  *float64
		wUnit  string
		height *float64
		hUnit  string
	}{
		{"pixels", "100x200 banner.png", f(100), "", f(200), ""},
		{"units", "4cmx50mm print.jpg", f(4), "cm", f(50), "mm"},
		{"wildcard width", "?x300 tall.png", nil, "", f(300), ""},
		{"wildcard height", "300x? wide.png", f(300), "", nil, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			specs, errs := Parse(tt.input)
			require.Empty(t, errs)
			require.Len(t, specs, 1)
			s := specs[0]
			assert.True(t, s.HasSize)
			assert.Equal(t, tt.width, s.Width)
			assert.Equal(t, tt.wUnit, s.WidthUnit)
			assert.Equal(t, tt.height, s.Height)
			assert.Equal(t, tt.hUnit, s.HeightUnit)
			assert.False(t, s.IsBasic())
		})
	}
}

func f(v float64) *float64 { return &v }

func TestParse_PlainLayerNamesProduceNoAssets(t *testing.T) {
	for _, name := range []string{
		"Layer 5",
		"Background copy",
		"100x200",
		"Group 1",
		"shadow / highlight",
	} {
		specs, errs := Parse(name)
		require.Empty(t, errs, "name %q", name)
		require.Len(t, specs, 1)
		assert.False(t, specs[0].IsParsed(), "name %q", name)
		assert.Equal(t, name, specs[0].Name)
	}
}

func TestParse_BadSegmentDoesNotPoisonSiblings(t *testing.T) {
	specs, errs := Parse("icon.png + icon.jpg-400%")
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].Message, "Quality")
	require.Len(t, specs, 1)
	assert.Equal(t, "icon.png", specs[0].File)
}

func TestParse_QualityValidation(t *testing.T) {
	tests := []struct {
		input   string
		quality string
		wantErr bool
	}{
		{"a.jpg-80%", "80%", false},
		{"a.jpg-80", "80", false},
		{"a.jpg80", "80", false},
		{"a.png24", "24", false},
		{"a.png-8", "8", false},
		{"a.png-50", "", true},
		{"a.jpg-0", "", true},
		{"a.jpg-101%", "", true},
		{"a.gif-80", "", true},
		{"a.svg-80", "", true},
		{"a.webp-60", "60", false},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			specs, errs := Parse(tt.input)
			if tt.wantErr {
				require.NotEmpty(t, errs)
				return
			}
			require.Empty(t, errs)
			require.Len(t, specs, 1)
			assert.Equal(t, tt.quality, specs[0].Quality)
		})
	}
}

func TestParse_ExtensionTypoGetsSuggestion(t *testing.T) {
	_, errs := Parse("logo.pgn")
	require.Len(t, errs, 1)
	assert.Equal(t, "png", errs[0].Suggestion)
	assert.Contains(t, errs[0].Error(), "did you mean")
}

func TestParse_UnknownExtensionIsNotAnAsset(t *testing.T) {
	specs, errs := Parse("readme.txt")
	require.Empty(t, errs)
	require.Len(t, specs, 1)
	assert.False(t, specs[0].IsParsed())
}

func TestParse_FilenameLeadingWhitespace(t *testing.T) {
	_, errs := Parse("thumbs/ small.jpg")
	require.Len(t, errs, 1)
	assert.Equal(t, "Filename begins with whitespace", errs[0].Message)
}

func TestParse_SanitizesReservedCharacters(t *testing.T) {
	specs, errs := Parse(`lo"go*1.png`)
	require.Empty(t, errs)
	require.Len(t, specs, 1)
	assert.Equal(t, "lo_go_1.png", specs[0].File)
}

func TestParse_Defaults(t *testing.T) {
	specs, errs := Parse("default 50% thumbs/")
	require.Empty(t, errs)
	require.Len(t, specs, 1)

	s := specs[0]
	assert.True(t, s.Default)
	assert.Equal(t, 0.5, scaleOf(t, s))
	assert.Equal(t, []string{"thumbs"}, s.Folder)
	assert.Empty(t, s.Suffix)
}

func TestParse_DefaultsWithSuffix(t *testing.T) {
	specs, errs := Parse("default 100% lo-res/ + 200% hi-res/@2x")
	require.Empty(t, errs)
	require.Len(t, specs, 2)

	assert.Equal(t, 1.0, scaleOf(t, specs[0]))
	assert.Equal(t, []string{"lo-res"}, specs[0].Folder)

	assert.Equal(t, 2.0, scaleOf(t, specs[1]))
	assert.Equal(t, []string{"hi-res"}, specs[1].Folder)
	assert.Equal(t, "@2x", specs[1].Suffix)
}

func TestParse_EmptyDefaultIsAnError(t *testing.T) {
	_, errs := Parse("default   ")
	require.Len(t, errs, 1)
}

func TestParse_DefaultPrefixOnlyMatchesKeyword(t *testing.T) {
	specs, errs := Parse("defaults.png")
	require.Empty(t, errs)
	require.Len(t, specs, 1)
	assert.Equal(t, "defaults.png", specs[0].File)
	assert.False(t, specs[0].Default)
}

func TestParseFor_DefaultsRejectedInCompNames(t *testing.T) {
	specs, errs := ParseFor(SourceComp, "default 50% small/")
	require.Len(t, errs, 1)
	assert.Equal(t, "Default spec in layer comp names are unsupported.", errs[0].Message)
	assert.Empty(t, specs)
}

func TestSpecification_RoundTrip(t *testing.T) {
	names := []string{
		"logo.png",
		"2x logo@2x.png",
		"50% thumbs/small.jpg-80%",
		"[100x200+5-10] hero.png",
		"[64] icon.png",
		"100x200 banner.png",
		"?x300cm tall.png",
		"30% a/b/c.jpeg-1%",
		"default 50% thumbs/",
		"default 200% hi-res/@2x",
	}
	for _, name := range names {
		t.Run(name, func(t *testing.T) {
			specs, errs := Parse(name)
			require.Empty(t, errs)
			for _, spec := range specs {
				reparsed, rerrs := Parse(spec.String())
				require.Empty(t, rerrs, "canonical form %q", spec.String())
				require.Len(t, reparsed, 1)
				assert.True(t, spec.Equal(reparsed[0]),
					"round trip %q -> %q -> %q", name, spec.String(), reparsed[0].String())
			}
		})
	}
}

func TestApplyDefault(t *testing.T) {
	basics, errs := Parse("icons/logo.png")
	require.Empty(t, errs)
	defs, errs := Parse("default 200% hi-res/@2x")
	require.Empty(t, errs)

	derived := ApplyDefault(basics[0], defs[0])
	assert.Equal(t, "logo@2x.png", derived.File)
	assert.Equal(t, []string{"hi-res", "icons"}, derived.Folder)
	assert.Equal(t, 2.0, scaleOf(t, derived))
	assert.Equal(t, "hi-res/icons/logo@2x.png", derived.AssetPath())
}

func TestBasicFor(t *testing.T) {
	specs, errs := Parse("logo.png + 2x logo.png + 2x other.png")
	require.Empty(t, errs)
	require.Len(t, specs, 3)

	assert.Nil(t, BasicFor(specs[0], specs))
	assert.Same(t, specs[0], BasicFor(specs[1], specs))
	assert.Nil(t, BasicFor(specs[2], specs))
}
