// Package observability holds the process-wide loggers of the gomobility
// binary.
package observability

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// CLILogger is the logger used by commands. It writes to stderr so that
// stdout stays reserved for JSONL records.
var CLILogger = zap.NewNop()

// InitCLILogger replaces CLILogger. Verbose lowers the level to debug.
func InitCLILogger(name string, verbose bool) {
	CLILogger = NewCLILogger(name, verbose)
}

// NewCLILogger builds a console logger named name.
func NewCLILogger(name string, verbose bool) *zap.Logger {
	level := zapcore.InfoLevel
	if verbose {
		level = zapcore.DebugLevel
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = ""
	encCfg.CallerKey = ""
	encCfg.NameKey = ""
	encCfg.LevelKey = ""
	if verbose {
		encCfg.TimeKey = "ts"
		encCfg.LevelKey = "level"
		encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
		encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
	}

	core := zapcore.NewCore(
		zapcore.NewConsoleEncoder(encCfg),
		zapcore.Lock(os.Stderr),
		level,
	)
	return zap.New(core).Named(name)
}

// NewServiceLogger builds the structured JSON logger of long-running
// commands such as serve.
func NewServiceLogger(name, level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	if level != "" {
		lvl, err := zapcore.ParseLevel(level)
		if err != nil {
			return nil, err
		}
		cfg.Level = zap.NewAtomicLevelAt(lvl)
	}
	cfg.OutputPaths = []string{"stderr"}
	cfg.ErrorOutputPaths = []string{"stderr"}
	logger, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	return logger.Named(name), nil
}
