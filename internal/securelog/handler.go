package securelog

import (
	"context"
	"log/slog"
)

// Handler adapts a Logger to slog so services can log with the usual
// key/value API while every record is still sealed before it leaves the process.
type Handler struct {
	logger *Logger
	level  slog.Leveler
	attrs  []slog.Attr
	group  string
}

func NewHandler(logger *Logger, level Level) *Handler {
	return &Handler{logger: logger, level: toSlogLevel(level)}
}

// NewSlog returns a *slog.Logger writing through logger.
func NewSlog(logger *Logger, level Level) *slog.Logger {
	return slog.New(NewHandler(logger, level))
}

func (h *Handler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

func (h *Handler) Handle(_ context.Context, r slog.Record) error {
	fields := make(map[string]any, len(h.attrs)+r.NumAttrs())
	for _, a := range h.attrs {
		addAttr(fields, "", a)
	}
	r.Attrs(func(a slog.Attr) bool {
		addAttr(fields, h.group, a)
		return true
	})
	if len(fields) == 0 {
		fields = nil
	}
	return h.logger.Log(Entry{Level: fromSlogLevel(r.Level), Message: r.Message, Context: fields})
}

func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := *h
	next.attrs = make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	next.attrs = append(next.attrs, h.attrs...)
	for _, a := range attrs {
		if h.group != "" {
			a.Key = h.group + "." + a.Key
		}
		next.attrs = append(next.attrs, a)
	}
	return &next
}

func (h *Handler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	next := *h
	if h.group != "" {
		next.group = h.group + "." + name
	} else {
		next.group = name
	}
	return &next
}

func addAttr(fields map[string]any, prefix string, a slog.Attr) {
	a.Value = a.Value.Resolve()
	if a.Equal(slog.Attr{}) {
		return
	}
	key := a.Key
	if prefix != "" {
		key = prefix + "." + key
	}
	if a.Value.Kind() == slog.KindGroup {
		for _, ga := range a.Value.Group() {
			addAttr(fields, key, ga)
		}
		return
	}
	switch v := a.Value.Any().(type) {
	case error:
		fields[key] = v.Error()
	default:
		fields[key] = a.Value.Any()
	}
}

func toSlogLevel(l Level) slog.Level {
	switch l {
	case LevelDebug:
		return slog.LevelDebug
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func fromSlogLevel(l slog.Level) Level {
	switch {
	case l >= slog.LevelError:
		return LevelError
	case l >= slog.LevelWarn:
		return LevelWarn
	case l >= slog.LevelInfo:
		return LevelInfo
	default:
		return LevelDebug
	}
}
