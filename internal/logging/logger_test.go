package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_ServiceFieldAndLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, "jit-api", "warn")

	logger.Info().Msg("dropped")
	logger.Warn().Str("alert", "security").Msg("kept")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "jit-api", entry["service"])
	assert.Equal(t, "security", entry["alert"])
	assert.Equal(t, "kept", entry["message"])
}

func TestNew_InvalidLevelDefaultsToInfo(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, "", "loud")

	logger.Debug().Msg("hidden")
	assert.Zero(t, buf.Len())
	logger.Info().Msg("shown")
	assert.NotZero(t, buf.Len())
}
