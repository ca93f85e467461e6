package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/machinefabric/clippy-go/config"
)

// TEST511: JSON format writes structured events at the configured level
func Test511_json_logger(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(config.LogConfig{Level: "warn", Format: "json", Name: "clippy"}, &buf)
	require.NoError(t, err)

	logger.Info().Msg("dropped")
	logger.Warn().Str("class", "Bag").Msg("collision")

	var event map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &event))
	assert.Equal(t, "warn", event["level"])
	assert.Equal(t, "Bag", event["class"])
	assert.Equal(t, "clippy", event["app"])
	assert.Equal(t, "collision", event["message"])
}

// TEST512: Unknown levels and formats are rejected
func Test512_bad_settings(t *testing.T) {
	_, err := New(config.LogConfig{Level: "loud"}, nil)
	assert.Error(t, err)
	_, err = New(config.LogConfig{Format: "xml"}, nil)
	assert.Error(t, err)

	lvl, ok := ParseLevel("OFF")
	assert.True(t, ok)
	assert.Equal(t, zerolog.Disabled, lvl)
}
