// Package files serializes all filesystem work for one document: a
// single-consumer queue with a priority lane for base-directory
// lifecycle, move-into-place semantics that tolerate cross-volume
// renames, and upward cleanup of emptied directories.
package files

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

// MaxPath is the platform path-length limit used to suppress rendering of
// components whose full path would not fit.
func MaxPath() int {
	if runtime.GOOS == "darwin" {
		return 255
	}
	return 260
}

// assetsSuffix is appended to the document stem to form the assets
// directory name.
const assetsSuffix = "-assets"

// BasePath derives the assets directory for a document. Saved documents
// keep their assets next to the document file; unsaved ones (or documents
// living in the trash) fall back to the desktop.
func BasePath(docFile string, saved bool) string {
	name := strings.TrimSuffix(filepath.Base(docFile), filepath.Ext(docFile))
	if name == "" || name == "." {
		name = "Untitled"
	}
	if saved && !inTrash(docFile) {
		return filepath.Join(filepath.Dir(docFile), name+assetsSuffix)
	}
	return filepath.Join(desktopDir(), name+assetsSuffix)
}

func desktopDir() string {
	home := os.Getenv("HOME")
	if home == "" {
		home = os.Getenv("USERPROFILE")
	}
	return filepath.Join(home, "Desktop")
}

func inTrash(path string) bool {
	for _, marker := range []string{"/.Trash/", "/.Trashes/", "/$Recycle.Bin/"} {
		if strings.Contains(path, marker) {
			return true
		}
	}
	return false
}
