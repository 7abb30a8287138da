package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// DefaultConfigPath is the path to the canonical engine defaults file.
const DefaultConfigPath = "config/engine.defaults.json"

// Confirm policies for what the state machine does after a recognition
// is confirmed.
const (
	ConfirmPolicySearch = "search" // return to SEARCH
	ConfirmPolicyHold   = "hold"   // stay in RECOGNITION
)

// EngineConfig is the root configuration of a recognition session.
// Every field is optional; the Get* accessors supply defaults, so
// partial files are safe.
type EngineConfig struct {
	// Sensor staleness horizons (duration strings like "1s")
	HeadingStaleAfter  *string `json:"heading_stale_after,omitempty"`
	PitchStaleAfter    *string `json:"pitch_stale_after,omitempty"`
	LocationStaleAfter *string `json:"location_stale_after,omitempty"`

	// Orientation gate
	MinPitchDeg *float64 `json:"min_pitch_deg,omitempty"`
	MaxPitchDeg *float64 `json:"max_pitch_deg,omitempty"`

	// Motion gate
	MotionDistanceM  *float64 `json:"motion_distance_m,omitempty"`
	MotionHeadingDeg *float64 `json:"motion_heading_deg,omitempty"`
	SettleDuration   *string  `json:"settle_duration,omitempty"`

	// Evaluation
	ConfidenceThreshold  *float64 `json:"confidence_threshold,omitempty"`
	MatcherTimeout       *string  `json:"matcher_timeout,omitempty"`
	OutcomeHold          *string  `json:"outcome_hold,omitempty"`
	ConfirmPolicy        *string  `json:"confirm_policy,omitempty"`
	AutoSnapshotInterval *string  `json:"auto_snapshot_interval,omitempty"`
	SnapshotHistory      *int     `json:"snapshot_history,omitempty"`

	// Frames
	FrameGateFPS       *float64 `json:"frame_gate_fps,omitempty"`
	BufferFailureLimit *int     `json:"buffer_failure_limit,omitempty"`
	JPEGQuality        *int     `json:"jpeg_quality,omitempty"`

	// POI cache
	CellSizeDeg      *float64 `json:"cell_size_deg,omitempty"`
	CellTTL          *string  `json:"cell_ttl,omitempty"`
	RefreshTimeout   *string  `json:"refresh_timeout,omitempty"`
	ShortlistRadiusM *float64 `json:"shortlist_radius_m,omitempty"`
	ShortlistRing    *int     `json:"shortlist_ring,omitempty"`
}

// EmptyEngineConfig returns an EngineConfig with all fields set to nil,
// which yields the built-in defaults from every accessor.
func EmptyEngineConfig() *EngineConfig {
	return &EngineConfig{}
}

// LoadEngineConfig loads an EngineConfig from a JSON file.
// The file is validated to ensure it has a .json extension and is under the max file size.
func LoadEngineConfig(path string) (*EngineConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptyEngineConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// MustLoadDefaultConfig loads the canonical defaults from DefaultConfigPath.
// It searches for the file in the current directory and common parent directories.
// Panics if the file cannot be loaded, intended for test setup.
func MustLoadDefaultConfig() *EngineConfig {
	candidates := []string{
		DefaultConfigPath,
		"../" + DefaultConfigPath,
		"../../" + DefaultConfigPath,    // from internal/<pkg>/
		"../../../" + DefaultConfigPath, // deeper packages
	}
	for _, path := range candidates {
		if cfg, err := LoadEngineConfig(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run tests from repository root")
}

// Validate checks that the configuration values are valid.
func (c *EngineConfig) Validate() error {
	for name, v := range map[string]*string{
		"heading_stale_after":    c.HeadingStaleAfter,
		"pitch_stale_after":      c.PitchStaleAfter,
		"location_stale_after":   c.LocationStaleAfter,
		"settle_duration":        c.SettleDuration,
		"matcher_timeout":        c.MatcherTimeout,
		"outcome_hold":           c.OutcomeHold,
		"auto_snapshot_interval": c.AutoSnapshotInterval,
		"cell_ttl":               c.CellTTL,
		"refresh_timeout":        c.RefreshTimeout,
	} {
		if v == nil || *v == "" {
			continue
		}
		d, err := time.ParseDuration(*v)
		if err != nil {
			return fmt.Errorf("invalid %s '%s': %w", name, *v, err)
		}
		if d < 0 {
			return fmt.Errorf("%s must be non-negative, got %s", name, *v)
		}
	}

	if c.GetMinPitchDeg() >= c.GetMaxPitchDeg() {
		return fmt.Errorf("min_pitch_deg (%f) must be below max_pitch_deg (%f)", c.GetMinPitchDeg(), c.GetMaxPitchDeg())
	}
	if th := c.GetConfidenceThreshold(); th < 0 || th > 1 {
		return fmt.Errorf("confidence_threshold must be between 0 and 1, got %f", th)
	}
	if p := c.GetConfirmPolicy(); p != ConfirmPolicySearch && p != ConfirmPolicyHold {
		return fmt.Errorf("confirm_policy must be %q or %q, got %q", ConfirmPolicySearch, ConfirmPolicyHold, p)
	}
	if c.GetCellSizeDeg() <= 0 || c.GetCellSizeDeg() > 1 {
		return fmt.Errorf("cell_size_deg must be in (0,1], got %f", c.GetCellSizeDeg())
	}
	if c.GetShortlistRing() < 0 || c.GetShortlistRing() > 3 {
		return fmt.Errorf("shortlist_ring must be between 0 and 3, got %d", c.GetShortlistRing())
	}
	if q := c.GetJPEGQuality(); q < 1 || q > 100 {
		return fmt.Errorf("jpeg_quality must be between 1 and 100, got %d", q)
	}
	if c.GetSnapshotHistory() < 1 {
		return fmt.Errorf("snapshot_history must be positive, got %d", c.GetSnapshotHistory())
	}
	if c.GetMotionDistanceM() <= 0 || c.GetMotionHeadingDeg() <= 0 {
		return fmt.Errorf("motion thresholds must be positive")
	}
	if c.GetFrameGateFPS() < 0 {
		return fmt.Errorf("frame_gate_fps must be non-negative, got %f", c.GetFrameGateFPS())
	}

	return nil
}

// parseDuration returns the parsed value of s, or def when unset or invalid.
func parseDuration(s *string, def time.Duration) time.Duration {
	if s == nil || *s == "" {
		return def
	}
	d, err := time.ParseDuration(*s)
	if err != nil {
		return def // default on parse error
	}
	return d
}

// GetHeadingStaleAfter returns the heading staleness horizon.
func (c *EngineConfig) GetHeadingStaleAfter() time.Duration {
	return parseDuration(c.HeadingStaleAfter, 2*time.Second)
}

// GetPitchStaleAfter returns the pitch staleness horizon.
func (c *EngineConfig) GetPitchStaleAfter() time.Duration {
	return parseDuration(c.PitchStaleAfter, 2*time.Second)
}

// GetLocationStaleAfter returns the location staleness horizon.
func (c *EngineConfig) GetLocationStaleAfter() time.Duration {
	return parseDuration(c.LocationStaleAfter, 30*time.Second)
}

// GetMinPitchDeg returns the lowest indexable camera pitch.
func (c *EngineConfig) GetMinPitchDeg() float64 {
	if c.MinPitchDeg == nil {
		return -30
	}
	return *c.MinPitchDeg
}

// GetMaxPitchDeg returns the highest indexable camera pitch.
func (c *EngineConfig) GetMaxPitchDeg() float64 {
	if c.MaxPitchDeg == nil {
		return 60
	}
	return *c.MaxPitchDeg
}

// GetMotionDistanceM returns the location delta that counts as moving.
func (c *EngineConfig) GetMotionDistanceM() float64 {
	if c.MotionDistanceM == nil {
		return 10
	}
	return *c.MotionDistanceM
}

// GetMotionHeadingDeg returns the heading delta that counts as moving.
func (c *EngineConfig) GetMotionHeadingDeg() float64 {
	if c.MotionHeadingDeg == nil {
		return 25
	}
	return *c.MotionHeadingDeg
}

// GetSettleDuration returns how long sensors must stay put before
// MOVING or BAD_ORIENTATION clears.
func (c *EngineConfig) GetSettleDuration() time.Duration {
	return parseDuration(c.SettleDuration, 600*time.Millisecond)
}

// GetConfidenceThreshold returns the minimum vote confidence for a recognition.
func (c *EngineConfig) GetConfidenceThreshold() float64 {
	if c.ConfidenceThreshold == nil {
		return 0.6
	}
	return *c.ConfidenceThreshold
}

// GetMatcherTimeout returns the bound on a single matcher call.
func (c *EngineConfig) GetMatcherTimeout() time.Duration {
	return parseDuration(c.MatcherTimeout, 3*time.Second)
}

// GetOutcomeHold returns how long NO_RECOGNITION and NON_INDEXABLE are
// held before the machine drops back to SEARCH.
func (c *EngineConfig) GetOutcomeHold() time.Duration {
	return parseDuration(c.OutcomeHold, 2*time.Second)
}

// GetConfirmPolicy returns the confirm_policy value or the default.
func (c *EngineConfig) GetConfirmPolicy() string {
	if c.ConfirmPolicy == nil || *c.ConfirmPolicy == "" {
		return ConfirmPolicySearch
	}
	return *c.ConfirmPolicy
}

// GetAutoSnapshotInterval returns the interval between automatic
// evaluations while stable in SEARCH. Zero disables them.
func (c *EngineConfig) GetAutoSnapshotInterval() time.Duration {
	return parseDuration(c.AutoSnapshotInterval, 0)
}

// GetSnapshotHistory returns how many recent snapshots stay retrievable by id.
func (c *EngineConfig) GetSnapshotHistory() int {
	if c.SnapshotHistory == nil {
		return 16
	}
	return *c.SnapshotHistory
}

// GetFrameGateFPS returns the maximum rate at which pushed frames are
// gated. Zero means every frame is gated.
func (c *EngineConfig) GetFrameGateFPS() float64 {
	if c.FrameGateFPS == nil {
		return 15
	}
	return *c.FrameGateFPS
}

// GetBufferFailureLimit returns how many consecutive buffer failures are
// absorbed before one is surfaced to the error listener.
func (c *EngineConfig) GetBufferFailureLimit() int {
	if c.BufferFailureLimit == nil {
		return 5
	}
	return *c.BufferFailureLimit
}

// GetJPEGQuality returns the snapshot JPEG quality.
func (c *EngineConfig) GetJPEGQuality() int {
	if c.JPEGQuality == nil {
		return 90
	}
	return *c.JPEGQuality
}

// GetCellSizeDeg returns the cache cell edge in degrees.
func (c *EngineConfig) GetCellSizeDeg() float64 {
	if c.CellSizeDeg == nil {
		return 0.005 // ~550 m of latitude
	}
	return *c.CellSizeDeg
}

// GetCellTTL returns how long an installed cell is considered fresh.
func (c *EngineConfig) GetCellTTL() time.Duration {
	return parseDuration(c.CellTTL, 10*time.Minute)
}

// GetRefreshTimeout returns how long a pending refresh request stays
// resolvable before it expires.
func (c *EngineConfig) GetRefreshTimeout() time.Duration {
	return parseDuration(c.RefreshTimeout, 30*time.Second)
}

// GetShortlistRadiusM returns the shortlist radius. Zero disables the filter.
func (c *EngineConfig) GetShortlistRadiusM() float64 {
	if c.ShortlistRadiusM == nil {
		return 1000
	}
	return *c.ShortlistRadiusM
}

// GetShortlistRing returns how many neighbouring cells are merged into
// the shortlist on each side of the current cell.
func (c *EngineConfig) GetShortlistRing() int {
	if c.ShortlistRing == nil {
		return 1
	}
	return *c.ShortlistRing
}
