package telemetry

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"

	"github.com/fatih/color"
	"github.com/stretchr/testify/require"
)

func TestConsoleHandlerPrefixes(t *testing.T) {
	color.NoColor = true
	var buf bytes.Buffer
	logger := slog.New(NewConsoleHandler(&buf, slog.LevelDebug))

	logger.Info("starting", "params.0", "shodan")
	logger.Info("authenticated", GoodKey, true)
	logger.Warn("warning", "id", "session.check")
	logger.Debug("fetching", "url", "https://example.com")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 4)
	require.Equal(t, "[*] starting shodan", lines[0])
	require.Equal(t, "[+] authenticated", lines[1])
	require.Equal(t, "[-] warning id=session.check", lines[2])
	require.Equal(t, "[DEBUG] fetching url=https://example.com", lines[3])
}

func TestConsoleHandlerLevel(t *testing.T) {
	color.NoColor = true
	var buf bytes.Buffer
	logger := slog.New(NewConsoleHandler(&buf, slog.LevelInfo))

	logger.Debug("hidden")
	require.Empty(t, buf.String())
}

func TestScopedRecorder(t *testing.T) {
	rec := &Recorder{}
	scoped := NewScopedAPI("fofa", rec)
	scoped.ReportWarning("session.check", "invalid")
	scoped.ReportGood("authenticated")

	require.Equal(t, 1, rec.Count("warning", "fofa: session.check"))
	require.Equal(t, 1, rec.Count("good", "fofa: authenticated"))
	require.Equal(t, 0, rec.Count("broken", "fofa"))
}
