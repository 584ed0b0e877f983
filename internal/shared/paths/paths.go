package paths

import (
	"path/filepath"
	"strings"
)

// Names inside a data directory
const (
	AppsDir     = "apps"
	CrashesDir  = "crashes"
	PrefsFile   = "prefs.toml"
	LayoutsFile = "layouts.yaml"
)

// Layout resolves locations under one data directory
type Layout struct {
	Root string
}

// New returns the layout rooted at root
func New(root string) Layout {
	return Layout{Root: filepath.Clean(root)}
}

// Apps returns the install manifest directory
func (l Layout) Apps() string {
	return filepath.Join(l.Root, AppsDir)
}

// Crashes returns the crash report directory
func (l Layout) Crashes() string {
	return filepath.Join(l.Root, CrashesDir)
}

// Prefs returns the preferences file
func (l Layout) Prefs() string {
	return filepath.Join(l.Root, PrefsFile)
}

// Layouts returns the memory layout override file
func (l Layout) Layouts() string {
	return filepath.Join(l.Root, LayoutsFile)
}

// Manifest returns the manifest path for an install saved under dir. The
// uuid is lowercased so a re-save with different casing lands on one file.
func Manifest(dir, uuid string) string {
	return filepath.Join(dir, strings.ToLower(uuid)+".yaml")
}
