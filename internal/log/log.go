package log

import (
	"errors"
	"os"

	"github.com/natefinch/lumberjack"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config controls where and how verbosely the resolver logs.
type Config struct {
	STDOUT     bool   // also write to stdout
	File       string // rotated log file path, empty disables file output
	Level      int8   // debug -1 | info 0 (default) | warn 1 | error 2
	MaxAge     int    // days to retain rotated files
	MaxSize    int    // megabytes per file before rotation
	MaxBackups int    // rotated files to keep
	Compress   bool
	JSONFormat bool
}

var (
	Logger *zap.Logger
	Sugar  *zap.SugaredLogger
)

func init() {
	// a usable default so packages can log before Init runs (e.g. in tests).
	l, _ := zap.NewDevelopment()
	Logger = l
	Sugar = l.Sugar()
}

// LevelFromEnv maps the LOG=debug|info|warn|error convention onto a
// zapcore level, defaulting to info for an unset or unknown value.
func LevelFromEnv(raw string) int8 {
	switch raw {
	case "debug":
		return int8(zapcore.DebugLevel)
	case "warn":
		return int8(zapcore.WarnLevel)
	case "error":
		return int8(zapcore.ErrorLevel)
	default:
		return int8(zapcore.InfoLevel)
	}
}

// Init (re)configures the package-level Logger/Sugar. It is called once at
// process start by cmd/zerodns; server and filter packages only ever use
// the package-level Sugar, never their own logger instance.
func Init(config Config) error {
	var wss []zapcore.WriteSyncer
	if len(config.File) > 0 {
		hook := lumberjack.Logger{
			Filename:   config.File,
			MaxSize:    config.MaxSize,
			MaxAge:     config.MaxAge,
			MaxBackups: config.MaxBackups,
			LocalTime:  false,
			Compress:   config.Compress,
		}
		wss = append(wss, zapcore.AddSync(&hook))
	}

	if config.STDOUT || len(wss) == 0 {
		wss = append(wss, zapcore.AddSync(os.Stdout))
	}

	cfg := zapcore.EncoderConfig{
		TimeKey:        "T",
		LevelKey:       "L",
		NameKey:        "N",
		CallerKey:      "C",
		MessageKey:     "M",
		StacktraceKey:  "S",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.SecondsDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
		EncodeName:     zapcore.FullNameEncoder,
	}

	var enc zapcore.Encoder
	if config.JSONFormat {
		enc = zapcore.NewJSONEncoder(cfg)
	} else {
		enc = zapcore.NewConsoleEncoder(cfg)
	}

	switch zapcore.Level(config.Level) {
	case zapcore.DebugLevel, zapcore.InfoLevel, zapcore.WarnLevel, zapcore.ErrorLevel:
	default:
		config.Level = int8(zapcore.InfoLevel)
	}

	Logger = zap.New(zapcore.NewCore(enc, zapcore.NewMultiWriteSyncer(wss...), zapcore.Level(config.Level)), zap.AddCaller())
	Sugar = Logger.Sugar()

	return nil
}

// Sync flushes buffered log entries; call via defer from main.
func Sync() error {
	if Logger == nil {
		return errors.New("logger not initialized")
	}
	return Logger.Sync()
}
