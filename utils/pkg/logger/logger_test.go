package logger

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPayouts_Logger_FormatRFC3339Millis(t *testing.T) {
	t.Parallel()
	ts := time.Date(2024, 3, 1, 10, 4, 5, 123_456_789, time.FixedZone("X", 3*3600))
	require.Equal(t, "2024-03-01T07:04:05.123Z", formatRFC3339Millis(ts))
}

func TestPayouts_Logger_NewWithOptions(t *testing.T) {
	t.Parallel()

	t.Run("json drops empty strings and formats time", func(t *testing.T) {
		t.Parallel()
		var buf bytes.Buffer
		log := NewWithOptions(Options{JSON: true, Writer: &buf})
		log.Info("settle: packed chunk", "list", "abc", "memo", "")

		var rec map[string]any
		require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
		require.Equal(t, "settle: packed chunk", rec["msg"])
		require.Equal(t, "abc", rec["list"])
		require.NotContains(t, rec, "memo")
		ts, ok := rec["time"].(string)
		require.True(t, ok)
		require.True(t, strings.HasSuffix(ts, "Z"))
	})

	t.Run("debug only when verbose", func(t *testing.T) {
		t.Parallel()
		var quiet, loud bytes.Buffer
		NewWithOptions(Options{Writer: &quiet}).Debug("hidden")
		NewWithOptions(Options{Writer: &loud, Verbose: true}).Debug("shown")
		require.Empty(t, quiet.String())
		require.Contains(t, loud.String(), "shown")
	})
}
