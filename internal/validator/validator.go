package validator

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/septivank/alarm-gateway/tools/timeparser"
)

const (
	// DefaultFutureToleranceMinutes bounds how far ahead of receipt a device clock may run
	DefaultFutureToleranceMinutes = 5

	maxAlarmAge = 365 * 24 * time.Hour
	valueLimit  = 999999999
)

var (
	alarmIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_\-\.]+$`)

	validTypes = map[string]struct{}{
		"temperature": {}, "pressure": {}, "voltage": {}, "current": {}, "motion": {},
		"door": {}, "system": {}, "network": {}, "security": {}, "other": {},
	}
	validSeverities = map[string]struct{}{
		"low": {}, "medium": {}, "high": {}, "critical": {},
	}
)

// AlarmPayload is one alarm line as sent by a device
type AlarmPayload struct {
	AlarmID        string          `json:"alarmId"`
	Title          string          `json:"title"`
	Message        string          `json:"message"`
	Type           string          `json:"type"`
	Severity       string          `json:"severity"`
	Timestamp      string          `json:"timestamp,omitempty"`
	Zone           *string         `json:"zone,omitempty"`
	Value          *float64        `json:"value,omitempty"`
	Unit           *string         `json:"unit,omitempty"`
	AdditionalData json.RawMessage `json:"additionalData,omitempty"`
}

// ValidationResult holds validation outcome
type ValidationResult struct {
	IsValid    bool
	Violations []string
}

// Validator handles alarm payload validation with configurable parameters
type Validator struct {
	futureTolerance time.Duration
}

// NewValidator creates a new validator with the specified future tolerance
func NewValidator(futureToleranceMinutes int) *Validator {
	return &Validator{
		futureTolerance: time.Duration(futureToleranceMinutes) * time.Minute,
	}
}

// ValidateAlarm checks every field rule and returns the alarm time to store:
// the parsed timestamp when present, receivedAt otherwise.
func (v *Validator) ValidateAlarm(p AlarmPayload, receivedAt time.Time) (time.Time, ValidationResult) {
	var violations []string
	add := func(msg string) { violations = append(violations, msg) }

	switch {
	case strings.TrimSpace(p.AlarmID) == "":
		add("alarmId is required")
	case utf8.RuneCountInString(p.AlarmID) > 100:
		add("alarmId must be between 1 and 100 characters")
	case !alarmIDPattern.MatchString(p.AlarmID):
		add("alarmId can only contain letters, numbers, underscores, hyphens, and dots")
	}

	switch {
	case strings.TrimSpace(p.Title) == "":
		add("title is required")
	case utf8.RuneCountInString(p.Title) > 200:
		add("title must be between 1 and 200 characters")
	}

	if utf8.RuneCountInString(p.Message) > 1000 {
		add("message cannot exceed 1000 characters")
	}

	if _, ok := validTypes[strings.ToLower(strings.TrimSpace(p.Type))]; !ok {
		add("type must be one of: temperature, pressure, voltage, current, motion, door, system, network, security, other")
	}

	if _, ok := validSeverities[strings.ToLower(strings.TrimSpace(p.Severity))]; !ok {
		add("severity must be one of: low, medium, high, critical")
	}

	if p.Zone != nil && utf8.RuneCountInString(*p.Zone) > 50 {
		add("zone cannot exceed 50 characters")
	}

	if p.Unit != nil && utf8.RuneCountInString(*p.Unit) > 20 {
		add("unit cannot exceed 20 characters")
	}

	if p.Value != nil && (*p.Value < -valueLimit || *p.Value > valueLimit) {
		add(fmt.Sprintf("value must be within [%d, %d]", -valueLimit, valueLimit))
	}

	alarmTime := receivedAt.UTC()
	if strings.TrimSpace(p.Timestamp) != "" {
		parsed, err := timeparser.ParseAlarmTimestamp(p.Timestamp)
		switch {
		case err != nil:
			add(fmt.Sprintf("invalid timestamp format: %v", err))
		case !timeparser.IsWithinWindow(parsed, receivedAt, maxAlarmAge, v.futureTolerance):
			add(fmt.Sprintf("timestamp must be within the last year and not more than %s in the future", v.futureTolerance))
		default:
			alarmTime = parsed
		}
	}

	return alarmTime, ValidationResult{
		IsValid:    len(violations) == 0,
		Violations: violations,
	}
}

// NormalizeType returns the lower-case stored form of an alarm type
func NormalizeType(t string) string {
	return strings.ToLower(strings.TrimSpace(t))
}

// NormalizeSeverity returns the lower-case stored form of a severity
func NormalizeSeverity(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
