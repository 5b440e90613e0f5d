package domain

import "time"

// AlertLevel orders severities from least to most severe. Comparisons on the
// numeric value are meaningful: a site alert fires at the minimum level all
// of its members independently reached.
type AlertLevel int

const (
	LevelInfo AlertLevel = iota
	LevelWarning
	LevelError
	LevelCritical
)

func (l AlertLevel) String() string {
	switch l {
	case LevelInfo:
		return "INFO"
	case LevelWarning:
		return "WARNING"
	case LevelError:
		return "ERROR"
	case LevelCritical:
		return "CRITICAL"
	}
	return "UNKNOWN"
}

// ParseAlertLevel maps the configuration spelling of a level to its value.
func ParseAlertLevel(s string) (AlertLevel, bool) {
	switch s {
	case "info", "INFO":
		return LevelInfo, true
	case "warning", "WARNING", "warn":
		return LevelWarning, true
	case "error", "ERROR", "err":
		return LevelError, true
	case "critical", "CRITICAL":
		return LevelCritical, true
	}
	return LevelInfo, false
}

type AlertKind string

const (
	AlertLiveness       AlertKind = "liveness"
	AlertPerformance    AlertKind = "performance"
	AlertProbeError     AlertKind = "probe_error"
	AlertReconciliation AlertKind = "reconciliation"
	AlertAdministrative AlertKind = "administrative"
)

// Alert is the structured record handed to the dispatcher sink. Delivery
// (templating, email, retry) is the surrounding system's concern.
type Alert struct {
	Kind        AlertKind          `json:"kind"`
	Level       AlertLevel         `json:"level"`
	EntityRef   string             `json:"entity_ref"`
	Message     string             `json:"message"`
	Metrics     map[string]float64 `json:"metrics,omitempty"`
	WindowStart time.Time          `json:"window_start,omitempty"`
	WindowEnd   time.Time          `json:"window_end,omitempty"`
}
