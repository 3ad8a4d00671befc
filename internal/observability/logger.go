// Package observability builds the zap loggers used by the server and CLI.
package observability

import (
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// LoggerConfig selects the encoder, level and optional rotating file sink.
type LoggerConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	// File enables a rotating JSON sink next to the console output.
	File       string `mapstructure:"file"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"`
	Compress   bool   `mapstructure:"compress"`
	AddSource  bool   `mapstructure:"add_source"`
	Name       string `mapstructure:"name"`
}

// DefaultLoggerConfig logs info and above as console lines.
func DefaultLoggerConfig() LoggerConfig {
	return LoggerConfig{
		Level:      "info",
		Format:     "console",
		MaxSize:    100,
		MaxBackups: 3,
		MaxAge:     28,
		Name:       "duplex",
	}
}

// NewLogger builds a logger writing to stdout.
func NewLogger(cfg LoggerConfig) *zap.Logger {
	return New(cfg, zapcore.Lock(os.Stdout))
}

// New builds a logger writing console output to w. An unknown level falls
// back to info.
func New(cfg LoggerConfig, w zapcore.WriteSyncer) *zap.Logger {
	level := zap.NewAtomicLevel()
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level.SetLevel(zap.InfoLevel)
	}

	cores := []zapcore.Core{zapcore.NewCore(encoder(cfg.Format), w, level)}
	if cfg.File != "" {
		// the file sink is always JSON
		sink := zapcore.AddSync(&lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSize,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAge,
			Compress:   cfg.Compress,
		})
		cores = append(cores, zapcore.NewCore(encoder("json"), sink, level))
	}

	opts := []zap.Option{zap.AddStacktrace(zap.ErrorLevel)}
	if cfg.AddSource {
		opts = append(opts, zap.AddCaller())
	}
	logger := zap.New(zapcore.NewTee(cores...), opts...)
	if cfg.Name != "" {
		logger = logger.Named(cfg.Name)
	}
	return logger
}

func encoder(format string) zapcore.Encoder {
	ec := zap.NewProductionEncoderConfig()
	ec.EncodeTime = zapcore.TimeEncoderOfLayout("2006-01-02T15:04:05.000Z07:00")
	if strings.EqualFold(format, "console") {
		ec.EncodeLevel = zapcore.CapitalColorLevelEncoder
		return zapcore.NewConsoleEncoder(ec)
	}
	ec.EncodeLevel = zapcore.CapitalLevelEncoder
	return zapcore.NewJSONEncoder(ec)
}

// Sync flushes logger, ignoring the errors stdout returns on some platforms.
func Sync(logger *zap.Logger) {
	if err := logger.Sync(); err != nil && !strings.Contains(err.Error(), "/dev/stdout") &&
		!strings.Contains(err.Error(), "invalid argument") {
		_, _ = os.Stderr.WriteString("failed to sync logger: " + err.Error() + "\n")
	}
}

// GnetLogger adapts a zap logger to the logging interface of the gnet engine.
type GnetLogger struct {
	s *zap.SugaredLogger
}

// NewGnetLogger wraps logger; a nil logger discards everything.
func NewGnetLogger(logger *zap.Logger) GnetLogger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return GnetLogger{s: logger.Named("gnet").Sugar()}
}

func (l GnetLogger) Debugf(format string, args ...any) { l.s.Debugf(format, args...) }
func (l GnetLogger) Infof(format string, args ...any)  { l.s.Infof(format, args...) }
func (l GnetLogger) Warnf(format string, args ...any)  { l.s.Warnf(format, args...) }
func (l GnetLogger) Errorf(format string, args ...any) { l.s.Errorf(format, args...) }

// Fatalf logs at error level; the engine must not exit the process.
func (l GnetLogger) Fatalf(format string, args ...any) { l.s.Errorf(format, args...) }
