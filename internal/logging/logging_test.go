package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewJSONIncludesServiceField(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, "json")
	logger.Info().Str("thread_id", "thr_1").Msg("created")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "margin-api", line["service"])
	assert.Equal(t, "thr_1", line["thread_id"])
	assert.Equal(t, "created", line["message"])
}

func TestSetupFallsBackToInfo(t *testing.T) {
	defer zerolog.SetGlobalLevel(zerolog.TraceLevel)

	Setup("nonsense", "json")
	assert.Equal(t, zerolog.InfoLevel, zerolog.GlobalLevel())

	Setup("debug", "console")
	assert.Equal(t, zerolog.DebugLevel, zerolog.GlobalLevel())
}
