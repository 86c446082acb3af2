package echolink

import "log/slog"

// Logger is a minimal logging interface accepted by the client.
type Logger interface {
	Debug(msg string, fields map[string]any)
	Info(msg string, fields map[string]any)
	Warn(msg string, fields map[string]any)
	Error(msg string, fields map[string]any)
}

// noopLogger discards all logs.
type noopLogger struct{}

func (noopLogger) Debug(string, map[string]any) {}
func (noopLogger) Info(string, map[string]any)  {}
func (noopLogger) Warn(string, map[string]any)  {}
func (noopLogger) Error(string, map[string]any) {}

// SlogLogger adapts a *slog.Logger to the Logger interface.
type SlogLogger struct {
	L *slog.Logger
}

// NewSlogLogger wraps l; a nil l uses slog.Default().
func NewSlogLogger(l *slog.Logger) SlogLogger {
	if l == nil {
		l = slog.Default()
	}
	return SlogLogger{L: l}
}

func (s SlogLogger) Debug(msg string, fields map[string]any) { s.L.Debug(msg, args(fields)...) }
func (s SlogLogger) Info(msg string, fields map[string]any)  { s.L.Info(msg, args(fields)...) }
func (s SlogLogger) Warn(msg string, fields map[string]any)  { s.L.Warn(msg, args(fields)...) }
func (s SlogLogger) Error(msg string, fields map[string]any) { s.L.Error(msg, args(fields)...) }

func args(fields map[string]any) []any {
	out := make([]any, 0, len(fields)*2)
	for k, v := range fields {
		out = append(out, k, v)
	}
	return out
}
