package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// PrettyHandler renders one compact line per record for local development:
//
//	15:04:05.000 INFO  broker.connect conn_id=01J... user=alice
//
// It is not meant for production; the JSON handler is.
type PrettyHandler struct {
	mu    *sync.Mutex
	out   io.Writer
	level slog.Level
	attrs []slog.Attr
}

// NewPrettyHandler constructs a PrettyHandler writing to out.
func NewPrettyHandler(out io.Writer, level slog.Level) *PrettyHandler {
	return &PrettyHandler{
		mu:    &sync.Mutex{},
		out:   out,
		level: level,
	}
}

// Enabled implements slog.Handler.
func (h *PrettyHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

// Handle implements slog.Handler.
func (h *PrettyHandler) Handle(_ context.Context, rec slog.Record) error {
	var b strings.Builder

	b.WriteString(rec.Time.Format("15:04:05.000"))
	b.WriteByte(' ')
	b.WriteString(fmt.Sprintf("%-5s", rec.Level.String()))
	b.WriteByte(' ')
	b.WriteString(rec.Message)

	for _, a := range h.attrs {
		writeAttr(&b, a)
	}
	rec.Attrs(func(a slog.Attr) bool {
		writeAttr(&b, a)
		return true
	})
	b.WriteByte('\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := io.WriteString(h.out, b.String())
	return err
}

// WithAttrs implements slog.Handler.
func (h *PrettyHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := *h
	next.attrs = append(append([]slog.Attr{}, h.attrs...), attrs...)
	return &next
}

// WithGroup implements slog.Handler. Groups are flattened; the pretty
// output is for human eyes, not parsers.
func (h *PrettyHandler) WithGroup(_ string) slog.Handler { return h }

func writeAttr(b *strings.Builder, a slog.Attr) {
	if a.Equal(slog.Attr{}) {
		return
	}
	b.WriteByte(' ')
	b.WriteString(a.Key)
	b.WriteByte('=')

	v := a.Value.Resolve()
	switch v.Kind() {
	case slog.KindTime:
		b.WriteString(v.Time().Format(time.RFC3339))
	case slog.KindString:
		s := v.String()
		if strings.ContainsAny(s, " \t") {
			fmt.Fprintf(b, "%q", s)
		} else {
			b.WriteString(s)
		}
	default:
		b.WriteString(v.String())
	}
}
