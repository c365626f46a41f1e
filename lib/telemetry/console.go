package telemetry

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/fatih/color"
)

var (
	infoColor  = color.New(color.FgBlue, color.Bold)
	goodColor  = color.New(color.FgGreen, color.Bold)
	badColor   = color.New(color.FgRed, color.Bold)
	debugColor = color.New(color.FgGreen)
)

// ConsoleHandler is a slog.Handler that prints one line per record with the
// severity-coded prefixes users of the tool are used to.
type ConsoleHandler struct {
	out   io.Writer
	level slog.Leveler
	mu    *sync.Mutex
	attrs []slog.Attr
}

func NewConsoleHandler(out io.Writer, level slog.Leveler) *ConsoleHandler {
	return &ConsoleHandler{out: out, level: level, mu: &sync.Mutex{}}
}

func (h *ConsoleHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

func (h *ConsoleHandler) Handle(_ context.Context, r slog.Record) error {
	good := false
	var fields []string

	appendAttr := func(a slog.Attr) bool {
		if a.Key == GoodKey {
			good = a.Value.Bool()
			return true
		}
		if strings.HasPrefix(a.Key, "params.") {
			fields = append(fields, a.Value.String())
			return true
		}
		fields = append(fields, fmt.Sprintf("%s=%s", a.Key, a.Value.String()))
		return true
	}
	for _, a := range h.attrs {
		appendAttr(a)
	}
	r.Attrs(appendAttr)

	var prefix string
	switch {
	case r.Level >= slog.LevelWarn:
		prefix = badColor.Sprint("[-]")
	case r.Level < slog.LevelInfo:
		prefix = debugColor.Sprint("[DEBUG]")
	case good:
		prefix = goodColor.Sprint("[+]")
	default:
		prefix = infoColor.Sprint("[*]")
	}

	line := prefix + " " + r.Message
	if len(fields) > 0 {
		line += " " + strings.Join(fields, " ")
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := fmt.Fprintln(h.out, line)
	return err
}

func (h *ConsoleHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := *h
	next.attrs = append(append([]slog.Attr{}, h.attrs...), attrs...)
	return &next
}

// groups carry no meaning on a console line
func (h *ConsoleHandler) WithGroup(string) slog.Handler {
	return h
}
