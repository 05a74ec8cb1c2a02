package app

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoggerJSONCarriesService(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(&buf, &Config{LogFormat: "json"}, "worker")
	logger.Info("order saved", slog.String("order", "OS-1"))

	var record map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	assert.Equal(t, "order saved", record["msg"])
	assert.Equal(t, "worker", record["service"])
	assert.Equal(t, "OS-1", record["order"])
	assert.Contains(t, record, "source")
}

func TestLoggerHonoursLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(&buf, &Config{LogLevel: slog.LevelWarn}, "osd")
	logger.Info("quiet")
	assert.Zero(t, buf.Len())

	logger.Warn("loud")
	assert.Contains(t, buf.String(), "loud")
	assert.Contains(t, buf.String(), "service=osd")
}
