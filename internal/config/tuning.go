package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// DefaultConfigPath is the path to the canonical tuning defaults file.
// This is the single source of truth for all default tuning values.
const DefaultConfigPath = "config/tuning.defaults.json"

// TuningConfig represents the root configuration for tuning parameters.
// The schema matches the /api/marker/params endpoint so the same JSON
// can be used for both startup configuration and runtime updates.
type TuningConfig struct {
	// Pose validator params
	HistoryDepth          *int     `json:"history_depth,omitempty"`
	HistoryWindow         *string  `json:"history_window,omitempty"` // duration string like "2s"
	BasePositionThreshold *float64 `json:"base_position_threshold,omitempty"`
	PositionScalePerMeter *float64 `json:"position_scale_per_meter,omitempty"`
	BaseRotationThreshold *float64 `json:"base_rotation_threshold,omitempty"` // degrees
	RotationScalePerMeter *float64 `json:"rotation_scale_per_meter,omitempty"`

	// Pose smoother params
	SmoothingEnabled   *bool    `json:"smoothing_enabled,omitempty"`
	PositionTau        *float64 `json:"position_tau,omitempty"` // seconds
	RotationTau        *float64 `json:"rotation_tau,omitempty"`
	NearDistance       *float64 `json:"near_distance,omitempty"`
	FarDistance        *float64 `json:"far_distance,omitempty"`
	NearTauMultiplier  *float64 `json:"near_tau_multiplier,omitempty"`
	FarTauMultiplier   *float64 `json:"far_tau_multiplier,omitempty"`
	MinInitFrames      *int     `json:"min_init_frames,omitempty"`
	DetectionTickRate  *float64 `json:"detection_tick_rate,omitempty"` // Hz, caps full pipeline rate
	TrackingEvictAfter *string  `json:"tracking_evict_after,omitempty"`

	// Confidence params
	MinDetectionDistance *float64 `json:"min_detection_distance,omitempty"`
	OptimalDistanceNear  *float64 `json:"optimal_distance_near,omitempty"`
	OptimalDistanceFar   *float64 `json:"optimal_distance_far,omitempty"`
	MaxDetectionDistance *float64 `json:"max_detection_distance,omitempty"`
	StalenessDecayTime   *string  `json:"staleness_decay_time,omitempty"` // duration string
	ConfidenceFloor      *float64 `json:"confidence_floor,omitempty"`

	// Anchor placement params
	PlacementConfidenceThreshold *float64 `json:"placement_confidence_threshold,omitempty"`
	RequiredStableFrames         *int     `json:"required_stable_frames,omitempty"`
	MovementEpsilon              *float64 `json:"movement_epsilon,omitempty"` // meters
	PlacementTimeout             *string  `json:"placement_timeout,omitempty"`

	// Keep-out zone params
	ZoneRadiusMultiplier *float64 `json:"zone_radius_multiplier,omitempty"`
	PendingZoneScale     *float64 `json:"pending_zone_scale,omitempty"` // oversize factor for in-flight zones
	MinZoneRadius        *float64 `json:"min_zone_radius,omitempty"`
	MaxZoneRadius        *float64 `json:"max_zone_radius,omitempty"`
	MaxPendingZoneAge    *string  `json:"max_pending_zone_age,omitempty"`

	// Alignment solver params
	MinCorrespondences   *int     `json:"min_correspondences,omitempty"`
	MaxAlignmentError    *float64 `json:"max_alignment_error,omitempty"`    // RMS, meters
	OutlierDistanceError *float64 `json:"outlier_distance_error,omitempty"` // meters
	OutlierAngleError    *float64 `json:"outlier_angle_error,omitempty"`    // degrees
	OutlierAxisError     *float64 `json:"outlier_axis_error,omitempty"`     // meters, per axis
	MinPairBaseline      *float64 `json:"min_pair_baseline,omitempty"`      // meters
}

// EmptyTuningConfig returns a TuningConfig with all fields set to nil.
// Use LoadTuningConfig to load actual values from the defaults file.
func EmptyTuningConfig() *TuningConfig {
	return &TuningConfig{}
}

// LoadTuningConfig loads a TuningConfig from a JSON file.
// The file is validated to ensure it has a .json extension and is under the max file size.
// Fields omitted from the JSON file retain their default values, so
// partial configs are safe.
func LoadTuningConfig(path string) (*TuningConfig, error) {
	// Validate the config file path.
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	// Check file size for safety (max 1MB)
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

	// Parse JSON into empty config. The Get* methods provide fallback
	// defaults for any fields not specified in the JSON.
	cfg := EmptyTuningConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	// Validate the configuration
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// MustLoadDefaultConfig loads the canonical tuning defaults from DefaultConfigPath.
// It searches for the file in the current directory and common parent directories.
// Panics if the file cannot be loaded, intended for test setup.
func MustLoadDefaultConfig() *TuningConfig {
	// Try paths from current dir up to repo root
	candidates := []string{
		DefaultConfigPath,
		"../../" + DefaultConfigPath,          // from internal/config/
		"../../../" + DefaultConfigPath,       // from internal/marker/<pkg>/
		"../../../../" + DefaultConfigPath,    // deeper packages
		"../../../../../" + DefaultConfigPath, // even deeper
	}
	for _, path := range candidates {
		if cfg, err := LoadTuningConfig(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run tests from repository root")
}

// Validate checks that the configuration values are valid.
func (c *TuningConfig) Validate() error {
	if c.ConfidenceFloor != nil {
		if *c.ConfidenceFloor <= 0 || *c.ConfidenceFloor > 1 {
			return fmt.Errorf("confidence_floor must be in (0, 1], got %f", *c.ConfidenceFloor)
		}
	}

	if c.HistoryDepth != nil && *c.HistoryDepth < 2 {
		return fmt.Errorf("history_depth must be at least 2, got %d", *c.HistoryDepth)
	}

	if c.MinCorrespondences != nil && *c.MinCorrespondences < 2 {
		return fmt.Errorf("min_correspondences must be at least 2, got %d", *c.MinCorrespondences)
	}

	if c.RequiredStableFrames != nil && *c.RequiredStableFrames < 1 {
		return fmt.Errorf("required_stable_frames must be positive, got %d", *c.RequiredStableFrames)
	}

	if c.PlacementConfidenceThreshold != nil {
		if *c.PlacementConfidenceThreshold < 0 || *c.PlacementConfidenceThreshold > 1 {
			return fmt.Errorf("placement_confidence_threshold must be in [0, 1], got %f", *c.PlacementConfidenceThreshold)
		}
	}

	// Validate duration strings can be parsed if set
	for name, d := range map[string]*string{
		"history_window":       c.HistoryWindow,
		"staleness_decay_time": c.StalenessDecayTime,
		"placement_timeout":    c.PlacementTimeout,
		"max_pending_zone_age": c.MaxPendingZoneAge,
		"tracking_evict_after": c.TrackingEvictAfter,
	} {
		if d != nil && *d != "" {
			if _, err := time.ParseDuration(*d); err != nil {
				return fmt.Errorf("invalid %s '%s': %w", name, *d, err)
			}
		}
	}

	if c.MinZoneRadius != nil && c.MaxZoneRadius != nil {
		if *c.MinZoneRadius > *c.MaxZoneRadius {
			return fmt.Errorf("min_zone_radius %f exceeds max_zone_radius %f", *c.MinZoneRadius, *c.MaxZoneRadius)
		}
	}

	return nil
}

func (c *TuningConfig) duration(field *string, fallback time.Duration) time.Duration {
	if field == nil || *field == "" {
		return fallback
	}
	d, err := time.ParseDuration(*field)
	if err != nil {
		return fallback
	}
	return d
}

// GetHistoryDepth returns the history_depth value or the default.
func (c *TuningConfig) GetHistoryDepth() int {
	if c.HistoryDepth == nil {
		return 10
	}
	return *c.HistoryDepth
}

// GetHistoryWindow returns the history_window value or the default.
func (c *TuningConfig) GetHistoryWindow() time.Duration {
	return c.duration(c.HistoryWindow, 2*time.Second)
}

// GetBasePositionThreshold returns the base_position_threshold value or the default.
func (c *TuningConfig) GetBasePositionThreshold() float64 {
	if c.BasePositionThreshold == nil {
		return 0.05 // 5cm at zero range
	}
	return *c.BasePositionThreshold
}

// GetPositionScalePerMeter returns the position_scale_per_meter value or the default.
func (c *TuningConfig) GetPositionScalePerMeter() float64 {
	if c.PositionScalePerMeter == nil {
		return 0.5
	}
	return *c.PositionScalePerMeter
}

// GetBaseRotationThreshold returns the base_rotation_threshold value (degrees) or the default.
func (c *TuningConfig) GetBaseRotationThreshold() float64 {
	if c.BaseRotationThreshold == nil {
		return 8.0
	}
	return *c.BaseRotationThreshold
}

// GetRotationScalePerMeter returns the rotation_scale_per_meter value (degrees/m) or the default.
func (c *TuningConfig) GetRotationScalePerMeter() float64 {
	if c.RotationScalePerMeter == nil {
		return 4.0
	}
	return *c.RotationScalePerMeter
}

// GetSmoothingEnabled returns the smoothing_enabled value or the default.
func (c *TuningConfig) GetSmoothingEnabled() bool {
	if c.SmoothingEnabled == nil {
		return true
	}
	return *c.SmoothingEnabled
}

// GetPositionTau returns the position_tau value (seconds) or the default.
func (c *TuningConfig) GetPositionTau() float64 {
	if c.PositionTau == nil {
		return 0.12
	}
	return *c.PositionTau
}

// GetRotationTau returns the rotation_tau value (seconds) or the default.
func (c *TuningConfig) GetRotationTau() float64 {
	if c.RotationTau == nil {
		return 0.18
	}
	return *c.RotationTau
}

// GetNearDistance returns the near_distance value or the default.
func (c *TuningConfig) GetNearDistance() float64 {
	if c.NearDistance == nil {
		return 1.0
	}
	return *c.NearDistance
}

// GetFarDistance returns the far_distance value or the default.
func (c *TuningConfig) GetFarDistance() float64 {
	if c.FarDistance == nil {
		return 3.0
	}
	return *c.FarDistance
}

// GetNearTauMultiplier returns the near_tau_multiplier value or the default.
func (c *TuningConfig) GetNearTauMultiplier() float64 {
	if c.NearTauMultiplier == nil {
		return 0.5
	}
	return *c.NearTauMultiplier
}

// GetFarTauMultiplier returns the far_tau_multiplier value or the default.
func (c *TuningConfig) GetFarTauMultiplier() float64 {
	if c.FarTauMultiplier == nil {
		return 2.0
	}
	return *c.FarTauMultiplier
}

// GetMinInitFrames returns the min_init_frames value or the default.
func (c *TuningConfig) GetMinInitFrames() int {
	if c.MinInitFrames == nil {
		return 10
	}
	return *c.MinInitFrames
}

// GetDetectionTickRate returns the detection_tick_rate value (Hz) or the default.
func (c *TuningConfig) GetDetectionTickRate() float64 {
	if c.DetectionTickRate == nil {
		return 12.0
	}
	return *c.DetectionTickRate
}

// GetTrackingEvictAfter returns the tracking_evict_after value or the default.
func (c *TuningConfig) GetTrackingEvictAfter() time.Duration {
	return c.duration(c.TrackingEvictAfter, 10*time.Second)
}

// GetMinDetectionDistance returns the min_detection_distance value or the default.
func (c *TuningConfig) GetMinDetectionDistance() float64 {
	if c.MinDetectionDistance == nil {
		return 0.3
	}
	return *c.MinDetectionDistance
}

// GetOptimalDistanceNear returns the optimal_distance_near value or the default.
func (c *TuningConfig) GetOptimalDistanceNear() float64 {
	if c.OptimalDistanceNear == nil {
		return 0.75
	}
	return *c.OptimalDistanceNear
}

// GetOptimalDistanceFar returns the optimal_distance_far value or the default.
func (c *TuningConfig) GetOptimalDistanceFar() float64 {
	if c.OptimalDistanceFar == nil {
		return 2.0
	}
	return *c.OptimalDistanceFar
}

// GetMaxDetectionDistance returns the max_detection_distance value or the default.
func (c *TuningConfig) GetMaxDetectionDistance() float64 {
	if c.MaxDetectionDistance == nil {
		return 5.0
	}
	return *c.MaxDetectionDistance
}

// GetStalenessDecayTime returns the staleness_decay_time value or the default.
func (c *TuningConfig) GetStalenessDecayTime() time.Duration {
	return c.duration(c.StalenessDecayTime, 2*time.Second)
}

// GetConfidenceFloor returns the confidence_floor value or the default.
func (c *TuningConfig) GetConfidenceFloor() float64 {
	if c.ConfidenceFloor == nil {
		return 0.1
	}
	return *c.ConfidenceFloor
}

// GetPlacementConfidenceThreshold returns the placement_confidence_threshold value or the default.
func (c *TuningConfig) GetPlacementConfidenceThreshold() float64 {
	if c.PlacementConfidenceThreshold == nil {
		return 0.6
	}
	return *c.PlacementConfidenceThreshold
}

// GetRequiredStableFrames returns the required_stable_frames value or the default.
func (c *TuningConfig) GetRequiredStableFrames() int {
	if c.RequiredStableFrames == nil {
		return 30
	}
	return *c.RequiredStableFrames
}

// GetMovementEpsilon returns the movement_epsilon value (meters) or the default.
func (c *TuningConfig) GetMovementEpsilon() float64 {
	if c.MovementEpsilon == nil {
		return 0.05
	}
	return *c.MovementEpsilon
}

// GetPlacementTimeout returns the placement_timeout value or the default.
func (c *TuningConfig) GetPlacementTimeout() time.Duration {
	return c.duration(c.PlacementTimeout, 30*time.Second)
}

// GetZoneRadiusMultiplier returns the zone_radius_multiplier value or the default.
func (c *TuningConfig) GetZoneRadiusMultiplier() float64 {
	if c.ZoneRadiusMultiplier == nil {
		return 2.0
	}
	return *c.ZoneRadiusMultiplier
}

// GetPendingZoneScale returns the pending_zone_scale value or the default.
func (c *TuningConfig) GetPendingZoneScale() float64 {
	if c.PendingZoneScale == nil {
		return 1.5
	}
	return *c.PendingZoneScale
}

// GetMinZoneRadius returns the min_zone_radius value or the default.
func (c *TuningConfig) GetMinZoneRadius() float64 {
	if c.MinZoneRadius == nil {
		return 0.3
	}
	return *c.MinZoneRadius
}

// GetMaxZoneRadius returns the max_zone_radius value or the default.
func (c *TuningConfig) GetMaxZoneRadius() float64 {
	if c.MaxZoneRadius == nil {
		return 1.0
	}
	return *c.MaxZoneRadius
}

// GetMaxPendingZoneAge returns the max_pending_zone_age value or the default.
func (c *TuningConfig) GetMaxPendingZoneAge() time.Duration {
	return c.duration(c.MaxPendingZoneAge, 30*time.Second)
}

// GetMinCorrespondences returns the min_correspondences value or the default.
func (c *TuningConfig) GetMinCorrespondences() int {
	if c.MinCorrespondences == nil {
		return 3
	}
	return *c.MinCorrespondences
}

// GetMaxAlignmentError returns the max_alignment_error value (RMS meters) or the default.
func (c *TuningConfig) GetMaxAlignmentError() float64 {
	if c.MaxAlignmentError == nil {
		return 0.2
	}
	return *c.MaxAlignmentError
}

// GetOutlierDistanceError returns the outlier_distance_error value (meters) or the default.
func (c *TuningConfig) GetOutlierDistanceError() float64 {
	if c.OutlierDistanceError == nil {
		return 0.3
	}
	return *c.OutlierDistanceError
}

// GetOutlierAngleError returns the outlier_angle_error value (degrees) or the default.
func (c *TuningConfig) GetOutlierAngleError() float64 {
	if c.OutlierAngleError == nil {
		return 15.0
	}
	return *c.OutlierAngleError
}

// GetOutlierAxisError returns the outlier_axis_error value (meters) or the default.
func (c *TuningConfig) GetOutlierAxisError() float64 {
	if c.OutlierAxisError == nil {
		return 0.25
	}
	return *c.OutlierAxisError
}

// GetMinPairBaseline returns the min_pair_baseline value (meters) or the default.
func (c *TuningConfig) GetMinPairBaseline() float64 {
	if c.MinPairBaseline == nil {
		return 0.15
	}
	return *c.MinPairBaseline
}
