package logger

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"

	"anpr-edge/internal/config"
)

func TestNewWithWriterLevel(t *testing.T) {
	var buf bytes.Buffer
	log := NewWithWriter(config.LogConfig{Level: "warn"}, &buf)

	log.Info().Msg("hidden")
	assert.Empty(t, buf.String())

	log.Warn().Str("camera_id", "cam-1").Msg("frame read failed")
	assert.Contains(t, buf.String(), `"camera_id":"cam-1"`)
	assert.Contains(t, buf.String(), `"service":"anpr-edge"`)
}

func TestNewWithWriterBadLevelFallsBackToInfo(t *testing.T) {
	var buf bytes.Buffer
	log := NewWithWriter(config.LogConfig{Level: "loud"}, &buf)

	log.Debug().Msg("hidden")
	assert.Empty(t, buf.String())
	log.Info().Msg("shown")
	assert.Contains(t, buf.String(), "shown")
}
