package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	kdl "github.com/sblinch/kdl-go"
	"github.com/sblinch/kdl-go/document"
)

// ConfigFileName is looked up in the directory passed to Load.
const ConfigFileName = ".crema.kdl"

// Load reads the configuration file from dir, layering it over the
// defaults. A missing file yields the defaults; unknown nodes are
// ignored so old binaries tolerate new settings.
func Load(dir string) (*Config, error) {
	path := filepath.Join(dir, ConfigFileName)
	content, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return Default(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", ConfigFileName, err)
	}

	cfg, err := parseKDL(string(content))
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", ConfigFileName, err)
	}
	return cfg, nil
}

func parseKDL(content string) (*Config, error) {
	cfg := Default()

	doc, err := kdl.Parse(strings.NewReader(content))
	if err != nil {
		return nil, fmt.Errorf("failed to parse KDL config: %w", err)
	}

	for _, n := range doc.Nodes {
		switch nodeName(n) {
		case "render":
			for _, cn := range n.Children {
				switch nodeName(cn) {
				case "use_smart_scaling":
					if b, ok := firstBoolArg(cn); ok {
						cfg.Render.UseSmartScaling = b
					}
				case "include_ancestor_masks":
					if b, ok := firstBoolArg(cn); ok {
						cfg.Render.IncludeAncestorMasks = b
					}
				case "allow_dither":
					if b, ok := firstBoolArg(cn); ok {
						cfg.Render.AllowDither = b
					}
				case "use_psd_smart_object_pixel_scaling":
					if b, ok := firstBoolArg(cn); ok {
						cfg.Render.UsePSDSmartObjectPixelScaling = b
					}
				case "interpolation_type":
					if s, ok := firstStringArg(cn); ok {
						cfg.Render.InterpolationType = s
					}
				case "debounce_ms":
					if v, ok := firstIntArg(cn); ok {
						cfg.Render.DebounceMs = v
					}
				case "max_parallel":
					if v, ok := firstIntArg(cn); ok {
						cfg.Render.MaxParallel = v
					}
				}
			}
		case "files":
			for _, cn := range n.Children {
				if nodeName(cn) == "ignore" {
					for _, arg := range cn.Arguments {
						if s, ok := arg.Value.(string); ok {
							cfg.Files.IgnoredFiles = append(cfg.Files.IgnoredFiles, s)
						}
					}
				}
			}
		case "metadata_root":
			if s, ok := firstStringArg(n); ok {
				cfg.MetaDataRoot = s
			}
		case "svg":
			if b, ok := firstBoolArg(n); ok {
				cfg.SVGEnabled = b
			}
		}
	}
	return cfg, nil
}

func nodeName(n *document.Node) string {
	if n == nil || n.Name == nil {
		return ""
	}
	return n.Name.NodeNameString()
}

func firstIntArg(n *document.Node) (int, bool) {
	if len(n.Arguments) == 0 {
		return 0, false
	}
	switch v := n.Arguments[0].Value.(type) {
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	default:
		return 0, false
	}
}

func firstStringArg(n *document.Node) (string, bool) {
	if len(n.Arguments) == 0 {
		return "", false
	}
	if s, ok := n.Arguments[0].Value.(string); ok {
		return s, true
	}
	return "", false
}

func firstBoolArg(n *document.Node) (bool, bool) {
	if len(n.Arguments) == 0 {
		return false, false
	}
	if b, ok := n.Arguments[0].Value.(bool); ok {
		return b, true
	}
	return false, false
}
