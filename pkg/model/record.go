package model

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	jsoniter "github.com/json-iterator/go"
)

// Level is the severity of a log record. Only the five canonical values are
// accepted at the ingest boundary.
type Level string

const (
	LevelDebug    Level = "DEBUG"
	LevelInfo     Level = "INFO"
	LevelWarning  Level = "WARNING"
	LevelError    Level = "ERROR"
	LevelCritical Level = "CRITICAL"
)

// Length bounds are counted in characters, not bytes.
const (
	// MaxDeviceIDLen bounds the device identifier.
	MaxDeviceIDLen = 50
	// MaxMessageLen bounds the log message.
	MaxMessageLen = 1000
)

var json_ = jsoniter.ConfigCompatibleWithStandardLibrary

// ParseLevel normalizes and validates a log level. Input is matched
// case-insensitively.
func ParseLevel(s string) (Level, error) {
	switch l := Level(strings.ToUpper(s)); l {
	case LevelDebug, LevelInfo, LevelWarning, LevelError, LevelCritical:
		return l, nil
	}
	return "", &ValidationError{Field: "log_level", Reason: fmt.Sprintf("unknown level %q", s)}
}

// LogRecord is the unit of work flowing through the pipeline. IngestID is
// empty until the record has been appended to the queue; once assigned it is
// the idempotency key at the store.
type LogRecord struct {
	IngestID  string          `json:"ingest_id,omitempty" db:"ingest_id"`
	DeviceID  string          `json:"device_id" db:"device_id"`
	Level     Level           `json:"log_level" db:"log_level"`
	Message   string          `json:"message" db:"message"`
	Timestamp time.Time       `json:"timestamp,omitempty" db:"ts"`
	Data      json.RawMessage `json:"log_data,omitempty" db:"log_data"`
}

// ValidationError reports a record that violates the ingest contract. It is
// client-visible and never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// Validate checks the record against the ingest contract. The level is
// normalized in place so downstream components only ever see canonical
// values.
func (r *LogRecord) Validate() error {
	if r.DeviceID == "" {
		return &ValidationError{Field: "device_id", Reason: "must not be empty"}
	}
	if utf8.RuneCountInString(r.DeviceID) > MaxDeviceIDLen {
		return &ValidationError{Field: "device_id", Reason: fmt.Sprintf("exceeds %d characters", MaxDeviceIDLen)}
	}
	lvl, err := ParseLevel(string(r.Level))
	if err != nil {
		return err
	}
	r.Level = lvl
	if r.Message == "" {
		return &ValidationError{Field: "message", Reason: "must not be empty"}
	}
	if utf8.RuneCountInString(r.Message) > MaxMessageLen {
		return &ValidationError{Field: "message", Reason: fmt.Sprintf("exceeds %d characters", MaxMessageLen)}
	}
	if len(r.Data) > 0 && !json_.Valid(r.Data) {
		return &ValidationError{Field: "log_data", Reason: "not valid JSON"}
	}
	return nil
}

// Marshal encodes the record as the single stream payload shared by the
// ingest front end and the workers.
func (r *LogRecord) Marshal() ([]byte, error) {
	return json_.Marshal(r)
}

// Unmarshal decodes a stream payload.
func Unmarshal(b []byte) (LogRecord, error) {
	var r LogRecord
	if err := json_.Unmarshal(b, &r); err != nil {
		return LogRecord{}, fmt.Errorf("decoding log record: %w", err)
	}
	return r, nil
}
