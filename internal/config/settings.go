// Package config loads the startup settings file recognised by the SLAM
// control plane.
package config

import (
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// Recognised settings keys. Lookups are case-insensitive; "map.mapfile"
// may be written either nested (map: {mapfile: ...}) or as a flat dotted key.
const (
	KeyDeactivateLocalizationMode = "DeactivateLocalizationMode"
	KeyActivateLocalizationMode   = "ActivateLocalizationMode"
	KeyOnlyRelocalization         = "OnlyRelocalization"
	KeyMapFile                    = "map.mapfile"
	KeyMapCompression             = "map.compression"
	KeyCatalogPath                = "catalog.path"
	KeyStatusListen               = "status.listen"
	KeyLogLevel                   = "log.level"
)

// Compression names accepted by map.compression.
const (
	CompressionNone = "none"
	CompressionZstd = "zstd"
	CompressionLZ4  = "lz4"
)

// ErrSettings wraps every settings load or validation failure.
var ErrSettings = errors.New("invalid settings")

// Settings holds the startup configuration.
type Settings struct {
	// DeactivateLocalizationMode requests full mapping mode on the first
	// tracking call.
	DeactivateLocalizationMode bool
	// ActivateLocalizationMode requests localization-only mode on the first
	// tracking call.
	ActivateLocalizationMode bool
	// OnlyRelocalization forces a synchronous load of MapFile at startup,
	// followed by localization-only mode when the load succeeds.
	OnlyRelocalization bool
	// MapFile is the snapshot path used by OnlyRelocalization.
	MapFile string

	// MapCompression selects the snapshot stream compression.
	MapCompression string
	// CatalogPath is the sqlite file that records saved snapshots. Empty
	// disables the catalog.
	CatalogPath string
	// StatusListen is the gRPC health endpoint address. Empty disables it.
	StatusListen string
	// LogLevel is one of debug, info, warn, error.
	LogLevel string
}

// Default returns the settings used when no file is supplied.
func Default() *Settings {
	return &Settings{
		MapCompression: CompressionNone,
		LogLevel:       "info",
	}
}

// Load reads a settings file. The format follows the file extension
// (yaml, yml, json, toml).
func Load(path string) (*Settings, error) {
	v := newViper()
	v.SetConfigFile(filepath.Clean(path))
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", ErrSettings, path, err)
	}
	return fromViper(v)
}

// LoadReader reads settings of the given format ("yaml", "json", ...) from r.
func LoadReader(r io.Reader, format string) (*Settings, error) {
	v := newViper()
	v.SetConfigType(format)
	if err := v.ReadConfig(r); err != nil {
		return nil, fmt.Errorf("%w: parse %s settings: %v", ErrSettings, format, err)
	}
	return fromViper(v)
}

// FromViper builds settings from an already populated viper instance, for
// callers that bind command-line flags.
func FromViper(v *viper.Viper) (*Settings, error) {
	return fromViper(v)
}

func newViper() *viper.Viper {
	v := viper.New()
	d := Default()
	v.SetDefault(KeyMapCompression, d.MapCompression)
	v.SetDefault(KeyLogLevel, d.LogLevel)
	return v
}

func fromViper(v *viper.Viper) (*Settings, error) {
	s := &Settings{
		DeactivateLocalizationMode: v.GetBool(KeyDeactivateLocalizationMode),
		ActivateLocalizationMode:   v.GetBool(KeyActivateLocalizationMode),
		OnlyRelocalization:         v.GetBool(KeyOnlyRelocalization),
		MapFile:                    v.GetString(KeyMapFile),
		MapCompression:             strings.ToLower(v.GetString(KeyMapCompression)),
		CatalogPath:                v.GetString(KeyCatalogPath),
		StatusListen:               v.GetString(KeyStatusListen),
		LogLevel:                   strings.ToLower(v.GetString(KeyLogLevel)),
	}
	if s.MapCompression == "" {
		s.MapCompression = CompressionNone
	}
	if s.LogLevel == "" {
		s.LogLevel = "info"
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// Validate checks that the configuration values are valid.
func (s *Settings) Validate() error {
	switch s.MapCompression {
	case CompressionNone, CompressionZstd, CompressionLZ4:
	default:
		return fmt.Errorf("%w: map.compression must be one of none, zstd, lz4, got %q", ErrSettings, s.MapCompression)
	}

	switch s.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("%w: log.level must be one of debug, info, warn, error, got %q", ErrSettings, s.LogLevel)
	}

	if s.ActivateLocalizationMode && s.DeactivateLocalizationMode {
		return fmt.Errorf("%w: ActivateLocalizationMode and DeactivateLocalizationMode are mutually exclusive", ErrSettings)
	}

	return nil
}
