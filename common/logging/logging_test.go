package logging

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	// Initialize is package-global and one-shot; run this in its own
	// process-level test binary invocation only.
	if err := Initialize(&buf, LevelWarn, FmtLogfmt); err != nil {
		t.Skip("logging already initialized by an earlier test in this binary")
	}

	l := GetLogger("test/logging")
	l.Debug("should not appear")
	l.Info("should not appear either")
	l.Warn("this one should appear", "key", "value")

	out := buf.String()
	require.NotContains(t, out, "should not appear")
	require.Contains(t, out, "this one should appear")
	require.Contains(t, out, `key=value`)
}

func TestLogLevelParsing(t *testing.T) {
	lvl, err := LogLevel("warn")
	require.NoError(t, err)
	require.Equal(t, LevelWarn, lvl)

	_, err = LogLevel("bogus")
	require.Error(t, err)
}

func TestLogFormatParsing(t *testing.T) {
	f, err := LogFormat("json")
	require.NoError(t, err)
	require.Equal(t, FmtJSON, f)

	_, err = LogFormat("bogus")
	require.Error(t, err)
}
