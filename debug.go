package ethcomm

import (
	"context"
	"log/slog"
)

// levelTrace is used for per-segment logs.
const levelTrace slog.Level = slog.LevelDebug - 1

func (s *Server) logerr(msg string, attrs ...slog.Attr) {
	s.logattrs(slog.LevelError, msg, attrs...)
}

func (s *Server) info(msg string, attrs ...slog.Attr) {
	s.logattrs(slog.LevelInfo, msg, attrs...)
}

func (s *Server) debug(msg string, attrs ...slog.Attr) {
	s.logattrs(slog.LevelDebug, msg, attrs...)
}

func (s *Server) trace(msg string, attrs ...slog.Attr) {
	if s._trace {
		s.logattrs(levelTrace, msg, attrs...)
	}
}

func (s *Server) logattrs(level slog.Level, msg string, attrs ...slog.Attr) {
	if s.logger != nil {
		s.logger.LogAttrs(context.Background(), level, msg, attrs...)
	}
}

func errstr(err error) string {
	if err == nil {
		return "<nil>"
	}
	return err.Error()
}
