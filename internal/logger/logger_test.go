package logger

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInfoWritesStructuredFields(t *testing.T) {
	var buf bytes.Buffer
	InitWithWriter(&buf, "json", "info")
	buf.Reset()

	Info("account resolved", map[string]any{
		"account_id": "a-1",
		"matched_by": "subject_id",
	})

	var entry map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry))
	assert.Equal(t, "info", entry["level"])
	assert.Equal(t, "account resolved", entry["message"])
	assert.Equal(t, "a-1", entry["account_id"])
	assert.Equal(t, "subject_id", entry["matched_by"])
	assert.Equal(t, "portal-auth", entry["service"])
}

func TestLevelFiltersDebug(t *testing.T) {
	var buf bytes.Buffer
	InitWithWriter(&buf, "json", "warn")
	buf.Reset()

	Debug("hidden", nil)
	Info("hidden too", nil)
	Warn("shown", nil)

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Equal(t, 1, strings.Count(out, "\n"))
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, "debug", parseLevel("DEBUG").String())
	assert.Equal(t, "warn", parseLevel("warning").String())
	assert.Equal(t, "error", parseLevel(" error ").String())
	assert.Equal(t, "info", parseLevel("bogus").String())
}
