// Package logging builds the process-wide zap logger.
package logging

import (
	"fmt"
	"log/syslog"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// SyslogTag is the identifier attached to syslog-destined entries.
const SyslogTag = "tecproxy"

type Config struct {
	// Level is a zap level name ("debug", "info", ...). Empty means info.
	Level string

	// Destination selects where entries go: "stderr" (default) or
	// "syslog".
	Destination string
}

// New constructs a logger per cfg. The syslog destination drops zap's own
// timestamps since syslog stamps every entry itself.
func New(cfg Config) (*zap.Logger, error) {
	level := zapcore.InfoLevel
	if cfg.Level != "" {
		var err error
		level, err = zapcore.ParseLevel(cfg.Level)
		if err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
		}
	}

	switch cfg.Destination {
	case "", "stderr":
		encCfg := zap.NewProductionEncoderConfig()
		encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
		core := zapcore.NewCore(
			zapcore.NewConsoleEncoder(encCfg),
			zapcore.Lock(os.Stderr),
			level,
		)
		return zap.New(core), nil
	case "syslog":
		w, err := syslog.New(syslog.LOG_DAEMON|syslog.LOG_INFO, SyslogTag)
		if err != nil {
			return nil, fmt.Errorf("open syslog: %w", err)
		}
		encCfg := zap.NewProductionEncoderConfig()
		encCfg.TimeKey = zapcore.OmitKey
		core := zapcore.NewCore(
			zapcore.NewConsoleEncoder(encCfg),
			zapcore.AddSync(w),
			level,
		)
		return zap.New(core), nil
	default:
		return nil, fmt.Errorf("invalid log destination %q (want stderr or syslog)", cfg.Destination)
	}
}
