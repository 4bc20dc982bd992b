package model

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	for _, in := range []string{"debug", "INFO", "Warning", "eRRor", "CRITICAL"} {
		lvl, err := ParseLevel(in)
		require.NoError(t, err)
		require.Equal(t, Level(strings.ToUpper(in)), lvl)
	}

	_, err := ParseLevel("TRACE")
	require.Error(t, err)

	var vErr *ValidationError
	require.ErrorAs(t, err, &vErr)
	require.Equal(t, "log_level", vErr.Field)
}

func TestValidate(t *testing.T) {
	valid := func() LogRecord {
		return LogRecord{
			DeviceID: "sensor-1",
			Level:    "info",
			Message:  "temp above threshold",
			Data:     json.RawMessage(`{"temp": 81.2}`),
		}
	}

	tests := []struct {
		name    string
		mutate  func(*LogRecord)
		wantErr string
	}{
		{
			name:   "valid record",
			mutate: func(*LogRecord) {},
		},
		{
			name:   "no data payload",
			mutate: func(r *LogRecord) { r.Data = nil },
		},
		{
			name:   "device id at limit",
			mutate: func(r *LogRecord) { r.DeviceID = strings.Repeat("d", MaxDeviceIDLen) },
		},
		{
			name:   "message at limit",
			mutate: func(r *LogRecord) { r.Message = strings.Repeat("m", MaxMessageLen) },
		},
		{
			// Bounds count characters, not bytes.
			name:   "multibyte device id at limit",
			mutate: func(r *LogRecord) { r.DeviceID = strings.Repeat("ü", MaxDeviceIDLen) },
		},
		{
			name:   "multibyte message at limit",
			mutate: func(r *LogRecord) { r.Message = strings.Repeat("ü", MaxMessageLen) },
		},
		{
			name:    "multibyte device id too long",
			mutate:  func(r *LogRecord) { r.DeviceID = strings.Repeat("ü", MaxDeviceIDLen+1) },
			wantErr: "device_id",
		},
		{
			name:    "empty device id",
			mutate:  func(r *LogRecord) { r.DeviceID = "" },
			wantErr: "device_id",
		},
		{
			name:    "device id too long",
			mutate:  func(r *LogRecord) { r.DeviceID = strings.Repeat("d", MaxDeviceIDLen+1) },
			wantErr: "device_id",
		},
		{
			name:    "unknown level",
			mutate:  func(r *LogRecord) { r.Level = "VERBOSE" },
			wantErr: "log_level",
		},
		{
			name:    "empty message",
			mutate:  func(r *LogRecord) { r.Message = "" },
			wantErr: "message",
		},
		{
			name:    "message too long",
			mutate:  func(r *LogRecord) { r.Message = strings.Repeat("m", MaxMessageLen+1) },
			wantErr: "message",
		},
		{
			name:    "malformed data payload",
			mutate:  func(r *LogRecord) { r.Data = json.RawMessage(`{"temp":`) },
			wantErr: "log_data",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rec := valid()
			tc.mutate(&rec)

			err := rec.Validate()
			if tc.wantErr == "" {
				require.NoError(t, err)
				return
			}

			var vErr *ValidationError
			require.ErrorAs(t, err, &vErr)
			require.Equal(t, tc.wantErr, vErr.Field)
		})
	}
}

func TestValidateNormalizesLevel(t *testing.T) {
	rec := LogRecord{DeviceID: "d", Level: "warning", Message: "m"}
	require.NoError(t, rec.Validate())
	require.Equal(t, LevelWarning, rec.Level)
}

func TestMarshalRoundTrip(t *testing.T) {
	rec := LogRecord{
		IngestID:  "1700000000000-0",
		DeviceID:  "sensor-1",
		Level:     LevelError,
		Message:   "disk full",
		Timestamp: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
		Data:      json.RawMessage(`{"free_bytes": 0}`),
	}

	b, err := rec.Marshal()
	require.NoError(t, err)

	got, err := Unmarshal(b)
	require.NoError(t, err)
	require.Equal(t, rec, got)
}

func TestUnmarshalRejectsGarbage(t *testing.T) {
	_, err := Unmarshal([]byte("not json"))
	require.Error(t, err)
}
