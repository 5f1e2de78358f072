package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"
)

// SettingsFileName is the settings file inside the application-data directory.
const SettingsFileName = "settings.json"

// CacheFileName is the object-cache database inside the application-data directory.
const CacheFileName = "cache.db"

const maxFileSize = 1 * 1024 * 1024 // 1MB

// Settings holds user preferences. Every field is optional; the Get*
// accessors return the default for fields absent from the JSON.
type Settings struct {
	AnnotatorID             *int     `json:"annotator_id,omitempty"`
	SmallSkip               *int     `json:"small_skip,omitempty"`
	BigSkip                 *int     `json:"big_skip,omitempty"`
	FontSize                *int     `json:"font_size,omitempty"`
	LoggingLevel            *string  `json:"logging_level,omitempty"`
	RefreshRate             *int     `json:"refresh_rate,omitempty"`
	RetrievalSegmentSize    *int     `json:"retrieval_segment_size,omitempty"`
	RetrievalSegmentOverlap *float64 `json:"retrieval_segment_overlap,omitempty"`
	PreferredWidth          *int     `json:"preferred_width,omitempty"`
	PreferredHeight         *int     `json:"preferred_height,omitempty"`
	Darkmode                *bool    `json:"darkmode,omitempty"`

	// Core behaviour
	AutosaveInterval *string  `json:"autosave_interval,omitempty"` // duration string like "30s"
	TickInterval     *string  `json:"tick_interval,omitempty"`     // duration string like "5ms"
	UndoDepth        *int     `json:"undo_depth,omitempty"`
	MergePolicy      *string  `json:"merge_policy,omitempty"`
	NaNPolicy        *string  `json:"nan_policy,omitempty"`
	MocapFPS         *float64 `json:"mocap_fps,omitempty"`
}

func ptrInt(v int) *int             { return &v }
func ptrString(v string) *string    { return &v }
func ptrFloat64(v float64) *float64 { return &v }
func ptrBool(v bool) *bool          { return &v }

// DefaultSettings returns settings with every field populated.
func DefaultSettings() *Settings {
	s := &Settings{}
	return &Settings{
		AnnotatorID:             ptrInt(s.GetAnnotatorID()),
		SmallSkip:               ptrInt(s.GetSmallSkip()),
		BigSkip:                 ptrInt(s.GetBigSkip()),
		FontSize:                ptrInt(s.GetFontSize()),
		LoggingLevel:            ptrString(s.GetLoggingLevel()),
		RefreshRate:             ptrInt(s.GetRefreshRate()),
		RetrievalSegmentSize:    ptrInt(s.GetRetrievalSegmentSize()),
		RetrievalSegmentOverlap: ptrFloat64(s.GetRetrievalSegmentOverlap()),
		PreferredWidth:          ptrInt(s.GetPreferredWidth()),
		PreferredHeight:         ptrInt(s.GetPreferredHeight()),
		Darkmode:                ptrBool(s.GetDarkmode()),
		AutosaveInterval:        ptrString(s.GetAutosaveInterval().String()),
		TickInterval:            ptrString(s.GetTickInterval().String()),
		UndoDepth:               ptrInt(s.GetUndoDepth()),
		MergePolicy:             ptrString(s.GetMergePolicy()),
		NaNPolicy:               ptrString(s.GetNaNPolicy()),
		MocapFPS:                ptrFloat64(s.GetMocapFPS()),
	}
}

// DataDir returns the application-data directory: override when set,
// else $XDG_DATA_HOME/frame-annotator, else ~/.local/share/frame-annotator.
func DataDir(override string) (string, error) {
	if override != "" {
		return filepath.Clean(override), nil
	}
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "frame-annotator"), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve data dir: %w", err)
	}
	return filepath.Join(home, ".local", "share", "frame-annotator"), nil
}

// LoadSettings loads Settings from a JSON file.
// The file must have a .json extension and be under 1MB. A missing file
// yields empty settings so every accessor returns its default.
func LoadSettings(path string) (*Settings, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("settings file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if os.IsNotExist(err) {
		return &Settings{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to stat settings file: %w", err)
	}
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("settings file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read settings file: %w", err)
	}

	s := &Settings{}
	if err := json.Unmarshal(data, s); err != nil {
		return nil, fmt.Errorf("failed to parse settings JSON: %w", err)
	}
	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("invalid settings: %w", err)
	}
	return s, nil
}

// SaveSettings validates s and writes it as indented JSON.
func SaveSettings(path string, s *Settings) error {
	if err := s.Validate(); err != nil {
		return fmt.Errorf("invalid settings: %w", err)
	}
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("encode settings: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create settings dir: %w", err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("write settings: %w", err)
	}
	return nil
}

// Set assigns a single key from its string form, as used by the
// "settings set" subcommand.
func (s *Settings) Set(key, value string) error {
	if !slices.Contains(Keys(), key) {
		return fmt.Errorf("unknown setting %q", key)
	}
	raw := value
	switch key {
	case "logging_level", "autosave_interval", "tick_interval", "merge_policy", "nan_policy":
		b, err := json.Marshal(value)
		if err != nil {
			return err
		}
		raw = string(b)
	}
	if !json.Valid([]byte(raw)) {
		return fmt.Errorf("invalid value for %s: %q", key, value)
	}
	current, err := json.Marshal(s)
	if err != nil {
		return err
	}
	fields := map[string]json.RawMessage{}
	if err := json.Unmarshal(current, &fields); err != nil {
		return err
	}
	fields[key] = json.RawMessage(raw)
	merged, err := json.Marshal(fields)
	if err != nil {
		return err
	}
	next := &Settings{}
	if err := json.Unmarshal(merged, next); err != nil {
		return fmt.Errorf("invalid value for %s: %w", key, err)
	}
	if err := next.Validate(); err != nil {
		return err
	}
	*s = *next
	return nil
}

// Keys lists every settings key in declaration order.
func Keys() []string {
	return []string{
		"annotator_id", "small_skip", "big_skip", "font_size", "logging_level",
		"refresh_rate", "retrieval_segment_size", "retrieval_segment_overlap",
		"preferred_width", "preferred_height", "darkmode",
		"autosave_interval", "tick_interval", "undo_depth", "merge_policy",
		"nan_policy", "mocap_fps",
	}
}

// Validate checks that the configured values are usable.
func (s *Settings) Validate() error {
	if s.AnnotatorID != nil && *s.AnnotatorID < 0 {
		return fmt.Errorf("annotator_id must be non-negative, got %d", *s.AnnotatorID)
	}
	if s.SmallSkip != nil && *s.SmallSkip < 1 {
		return fmt.Errorf("small_skip must be at least 1, got %d", *s.SmallSkip)
	}
	if s.BigSkip != nil && *s.BigSkip < 1 {
		return fmt.Errorf("big_skip must be at least 1, got %d", *s.BigSkip)
	}
	if s.LoggingLevel != nil {
		switch strings.ToLower(*s.LoggingLevel) {
		case "off", "error", "warning", "info", "debug":
		default:
			return fmt.Errorf("logging_level must be one of off, error, warning, info, debug, got %q", *s.LoggingLevel)
		}
	}
	if s.RefreshRate != nil && *s.RefreshRate <= 0 {
		return fmt.Errorf("refresh_rate must be positive, got %d", *s.RefreshRate)
	}
	if s.RetrievalSegmentSize != nil && *s.RetrievalSegmentSize <= 0 {
		return fmt.Errorf("retrieval_segment_size must be positive, got %d", *s.RetrievalSegmentSize)
	}
	if s.RetrievalSegmentOverlap != nil {
		if o := *s.RetrievalSegmentOverlap; o < 0 || o >= 1 {
			return fmt.Errorf("retrieval_segment_overlap must be in [0, 1), got %f", o)
		}
	}
	for name, d := range map[string]*string{"autosave_interval": s.AutosaveInterval, "tick_interval": s.TickInterval} {
		if d == nil || *d == "" {
			continue
		}
		v, err := time.ParseDuration(*d)
		if err != nil {
			return fmt.Errorf("invalid %s '%s': %w", name, *d, err)
		}
		if v <= 0 {
			return fmt.Errorf("%s must be positive, got %s", name, v)
		}
	}
	if s.UndoDepth != nil && *s.UndoDepth < 1 {
		return fmt.Errorf("undo_depth must be at least 1, got %d", *s.UndoDepth)
	}
	if s.MergePolicy != nil && *s.MergePolicy != "from" && *s.MergePolicy != "into" {
		return fmt.Errorf("merge_policy must be from or into, got %q", *s.MergePolicy)
	}
	if s.NaNPolicy != nil {
		switch *s.NaNPolicy {
		case "drop", "zero", "fail":
		default:
			return fmt.Errorf("nan_policy must be drop, zero or fail, got %q", *s.NaNPolicy)
		}
	}
	if s.MocapFPS != nil && *s.MocapFPS <= 0 {
		return fmt.Errorf("mocap_fps must be positive, got %f", *s.MocapFPS)
	}
	return nil
}

// GetAnnotatorID returns the annotator_id value or the default.
func (s *Settings) GetAnnotatorID() int {
	if s.AnnotatorID == nil {
		return 0
	}
	return *s.AnnotatorID
}

// GetSmallSkip returns the small_skip value or the default.
func (s *Settings) GetSmallSkip() int {
	if s.SmallSkip == nil {
		return 1
	}
	return *s.SmallSkip
}

// GetBigSkip returns the big_skip value or the default.
func (s *Settings) GetBigSkip() int {
	if s.BigSkip == nil {
		return 100
	}
	return *s.BigSkip
}

func (s *Settings) GetFontSize() int {
	if s.FontSize == nil {
		return 10
	}
	return *s.FontSize
}

// GetLoggingLevel returns the logging_level value or the default.
func (s *Settings) GetLoggingLevel() string {
	if s.LoggingLevel == nil || *s.LoggingLevel == "" {
		return "warning"
	}
	return strings.ToLower(*s.LoggingLevel)
}

// GetRefreshRate returns the UI refresh period in milliseconds.
func (s *Settings) GetRefreshRate() int {
	if s.RefreshRate == nil {
		return 200
	}
	return *s.RefreshRate
}

// GetRetrievalSegmentSize returns the retrieval window size in frames.
func (s *Settings) GetRetrievalSegmentSize() int {
	if s.RetrievalSegmentSize == nil {
		return 200
	}
	return *s.RetrievalSegmentSize
}

// GetRetrievalSegmentOverlap returns the fractional window overlap.
func (s *Settings) GetRetrievalSegmentOverlap() float64 {
	if s.RetrievalSegmentOverlap == nil {
		return 0
	}
	return *s.RetrievalSegmentOverlap
}

func (s *Settings) GetPreferredWidth() int {
	if s.PreferredWidth == nil {
		return 1200
	}
	return *s.PreferredWidth
}

func (s *Settings) GetPreferredHeight() int {
	if s.PreferredHeight == nil {
		return 700
	}
	return *s.PreferredHeight
}

func (s *Settings) GetDarkmode() bool {
	if s.Darkmode == nil {
		return false
	}
	return *s.Darkmode
}

// GetAutosaveInterval parses and returns the autosave period.
func (s *Settings) GetAutosaveInterval() time.Duration {
	return parseDurationOr(s.AutosaveInterval, 30*time.Second)
}

// GetTickInterval parses and returns the synchroniser tick period.
func (s *Settings) GetTickInterval() time.Duration {
	return parseDurationOr(s.TickInterval, 5*time.Millisecond)
}

// GetUndoDepth returns the undo_depth value or the default.
func (s *Settings) GetUndoDepth() int {
	if s.UndoDepth == nil {
		return 32
	}
	return *s.UndoDepth
}

// GetMergePolicy returns "from" or "into".
func (s *Settings) GetMergePolicy() string {
	if s.MergePolicy == nil {
		return "from"
	}
	return *s.MergePolicy
}

// GetNaNPolicy returns how CSV import treats NaN rows.
func (s *Settings) GetNaNPolicy() string {
	if s.NaNPolicy == nil {
		return "drop"
	}
	return *s.NaNPolicy
}

// GetMocapFPS returns the sampling rate assumed for motion-capture CSV.
func (s *Settings) GetMocapFPS() float64 {
	if s.MocapFPS == nil {
		return 100
	}
	return *s.MocapFPS
}

func parseDurationOr(v *string, def time.Duration) time.Duration {
	if v == nil || *v == "" {
		return def
	}
	d, err := time.ParseDuration(*v)
	if err != nil {
		return def // default on parse error
	}
	return d
}
