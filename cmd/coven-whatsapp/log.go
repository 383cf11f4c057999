// ABOUTME: slog setup with a colorized text handler for terminals
// ABOUTME: JSON output is available for log shippers via logging.format

package main

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/fatih/color"

	"github.com/2389/coven-whatsapp/internal/config"
)

func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	return slog.New(newHandler(os.Stderr, cfg))
}

func newHandler(w io.Writer, cfg config.LoggingConfig) slog.Handler {
	level := parseLevel(cfg.Level)
	if cfg.Format == "json" {
		return slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})
	}
	return &colorHandler{out: w, mu: &sync.Mutex{}, level: level}
}

func parseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// colorHandler renders one line per record. The component and tenant attrs
// are pulled to the front so interleaved sessions stay readable.
type colorHandler struct {
	out       io.Writer
	mu        *sync.Mutex
	level     slog.Level
	component string
	tenant    string
	attrs     []slog.Attr
	groups    []string
}

func (h *colorHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *colorHandler) Handle(_ context.Context, r slog.Record) error {
	var buf strings.Builder

	buf.WriteString(color.HiBlackString(r.Time.Format("15:04:05") + " "))
	buf.WriteString(levelTag(r.Level))

	tenant := h.tenant
	var recAttrs []slog.Attr
	r.Attrs(func(a slog.Attr) bool {
		if a.Key == "tenant" && len(h.groups) == 0 {
			tenant = a.Value.String()
			return true
		}
		recAttrs = append(recAttrs, a)
		return true
	})

	if h.component != "" {
		buf.WriteString(color.BlueString("[" + h.component + "] "))
	}
	if tenant != "" {
		buf.WriteString(color.GreenString(tenant + " "))
	}
	buf.WriteString(r.Message)

	for _, a := range h.attrs {
		writeAttr(&buf, a.Key, a.Value)
	}
	prefix := h.groupPrefix()
	for _, a := range recAttrs {
		writeAttr(&buf, prefix+a.Key, a.Value)
	}
	buf.WriteString("\n")

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := io.WriteString(h.out, buf.String())
	return err
}

func levelTag(l slog.Level) string {
	switch {
	case l < slog.LevelInfo:
		return color.MagentaString("DBG ")
	case l < slog.LevelWarn:
		return color.CyanString("INF ")
	case l < slog.LevelError:
		return color.YellowString("WRN ")
	default:
		return color.New(color.FgRed, color.Bold).Sprint("ERR ")
	}
}

func writeAttr(buf *strings.Builder, key string, v slog.Value) {
	buf.WriteString(color.HiBlackString(" " + key + "="))
	s := v.String()
	if strings.ContainsAny(s, " \t\n\"") {
		s = `"` + strings.ReplaceAll(s, `"`, `\"`) + `"`
	}
	buf.WriteString(s)
}

func (h *colorHandler) groupPrefix() string {
	if len(h.groups) == 0 {
		return ""
	}
	return strings.Join(h.groups, ".") + "."
}

func (h *colorHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := *h
	next.attrs = make([]slog.Attr, len(h.attrs), len(h.attrs)+len(attrs))
	copy(next.attrs, h.attrs)

	prefix := h.groupPrefix()
	for _, a := range attrs {
		switch {
		case prefix == "" && a.Key == "component":
			next.component = a.Value.String()
		case prefix == "" && a.Key == "tenant":
			next.tenant = a.Value.String()
		default:
			next.attrs = append(next.attrs, slog.Attr{Key: prefix + a.Key, Value: a.Value})
		}
	}
	return &next
}

func (h *colorHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	next := *h
	next.groups = append(append([]string(nil), h.groups...), name)
	return &next
}
