package log

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitJSON(t *testing.T) {
	defer zerolog.SetGlobalLevel(zerolog.InfoLevel)

	var buf bytes.Buffer
	Init(Config{Level: WarnLevel, JSONOutput: true, Output: &buf})

	logger := ForNode(WithComponent("monitor"), "z6MkNode", "u1")
	logger.Info().Msg("suppressed")
	logger.Warn().Msg("poll failed")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry))
	assert.Equal(t, "warn", entry["level"])
	assert.Equal(t, "monitor", entry["component"])
	assert.Equal(t, "z6MkNode", entry["node_id"])
	assert.Equal(t, "u1", entry["user_id"])
	assert.Equal(t, "poll failed", entry["message"])
}

func TestInitUnknownLevel(t *testing.T) {
	defer zerolog.SetGlobalLevel(zerolog.InfoLevel)

	var buf bytes.Buffer
	Init(Config{Level: "verbose", JSONOutput: true, Output: &buf})
	assert.Equal(t, zerolog.InfoLevel, zerolog.GlobalLevel())

	logger := ForNode(Logger, "z6MkNode", "")
	logger.Info().Msg("no owner")
	assert.NotContains(t, buf.String(), "user_id")
}
