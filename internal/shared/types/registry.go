package types

import "time"

// Visibility controls whether an install shows in the launcher menu
type Visibility string

const (
	VisibilityShown       Visibility = "shown"
	VisibilityHidden      Visibility = "hidden"
	VisibilityQuickLaunch Visibility = "quick_launch_only"
)

// InstallEntry is an installed app as the registry knows it
type InstallEntry struct {
	ID          InstallID     `json:"id" yaml:"id" toml:"id"`
	UUID        string        `json:"uuid" yaml:"uuid" toml:"uuid"`
	Name        string        `json:"name" yaml:"name" toml:"name"`
	Icon        string        `json:"icon,omitempty" yaml:"icon" toml:"icon"`
	Visibility  Visibility    `json:"visibility" yaml:"visibility" toml:"visibility"`
	RecordOrder int           `json:"record_order" yaml:"record_order" toml:"record_order"`
	Storage     StorageKind   `json:"storage" yaml:"-" toml:"-"`
	SDK         SDKGeneration `json:"sdk" yaml:"-" toml:"-"`
	SDKName     string        `json:"-" yaml:"sdk" toml:"sdk"`
	Watchface   bool          `json:"watchface" yaml:"watchface" toml:"watchface"`
	Worker      bool          `json:"worker" yaml:"worker" toml:"worker"`
	RunLevel    RunLevel      `json:"run_level" yaml:"run_level" toml:"run_level"`

	// Flash installs only
	Binary           string `json:"binary,omitempty" yaml:"binary" toml:"binary"`
	Resources        string `json:"resources,omitempty" yaml:"resources" toml:"resources"`
	ResourceChecksum uint64 `json:"resource_checksum,omitempty" yaml:"resource_checksum" toml:"resource_checksum"`
	Entry            string `json:"entry,omitempty" yaml:"entry" toml:"entry"`
	BSSSize          uint32 `json:"bss_size,omitempty" yaml:"bss_size" toml:"bss_size"`

	PrioritizedAt time.Time `json:"prioritized_at,omitempty" yaml:"-" toml:"-"`
}

// IsSystem reports whether the entry is firmware-resident
func (e *InstallEntry) IsSystem() bool { return e.ID.IsSystem() }
