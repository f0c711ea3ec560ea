package auth

import (
	"io"
	"log/slog"
	"os"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/featherbase/featherbase/internal/config"
)

// Audit writes security-relevant events as JSON lines to a rotating
// log file. Disabled audit logging discards everything.
type Audit struct {
	enabled bool
	logger  *slog.Logger
	closer  io.Closer
}

// NewAudit creates an audit logger per the configuration.
func NewAudit(cfg config.AuditConfig) *Audit {
	if !cfg.Enabled {
		return &Audit{logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
	}

	var w io.Writer = os.Stdout
	var closer io.Closer
	if cfg.LogFile != "" {
		lj := &lumberjack.Logger{
			Filename:   cfg.LogFile,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   true,
		}
		w = lj
		closer = lj
	}

	return &Audit{
		enabled: true,
		logger:  slog.New(slog.NewJSONHandler(w, nil)),
		closer:  closer,
	}
}

// Event records one audit entry.
func (a *Audit) Event(action string, attrs ...slog.Attr) {
	if !a.enabled {
		return
	}
	args := make([]any, 0, len(attrs)+1)
	args = append(args, slog.String("event", action))
	for _, attr := range attrs {
		args = append(args, attr)
	}
	a.logger.Info("audit", args...)
}

// Close flushes and closes the underlying log file.
func (a *Audit) Close() error {
	if a.closer != nil {
		return a.closer.Close()
	}
	return nil
}
