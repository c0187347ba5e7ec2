package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tris860/websocket-service/internal/config"
)

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"INFO":    slog.LevelInfo,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"bogus":   slog.LevelInfo,
	}
	for in, want := range tests {
		assert.Equal(t, want, ParseLevel(in), in)
	}
}

func TestNewLogger_JSONCarriesDefaultFields(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(&buf, config.LoggingConfig{Level: "info", Format: "json"}, "1.2.3")

	logger.Debug("hidden")
	logger.Info("device admitted", "device", "unit-7")

	var record map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	assert.Equal(t, "device admitted", record["msg"])
	assert.Equal(t, "relayd", record["service"])
	assert.Equal(t, "1.2.3", record["version"])
	assert.Equal(t, "unit-7", record["device"])
}

func TestNewLogger_Text(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(&buf, config.LoggingConfig{Level: "debug", Format: "text"}, "dev")

	logger.Debug("ping sent")
	assert.Contains(t, buf.String(), "msg=\"ping sent\"")
	assert.Contains(t, buf.String(), "service=relayd")
}
