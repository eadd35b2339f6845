package logger

import (
	"os"
	"strings"

	"github.com/hozunlee/bit-moon/internal/models"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

var sugaredLogger *zap.SugaredLogger

// Bootstrap installs a console logger at info level so code that runs
// before the config file is read can log. Configure replaces it.
func Bootstrap() {
	Configure(models.LogConfig{Level: "info", Output: "console"})
}

// Configure rebuilds the global logger from the given settings and returns
// a flush function for main to defer.
func Configure(cfg models.LogConfig) func() {
	core := zapcore.NewTee(buildCores(cfg)...)
	sugaredLogger = zap.New(core, zap.AddCaller()).Sugar()
	return func() { _ = sugaredLogger.Sync() }
}

// S returns the global sugared logger. Before Bootstrap it hands out an
// emergency development logger.
func S() *zap.SugaredLogger {
	if sugaredLogger == nil {
		logger, _ := zap.NewDevelopment()
		return logger.Sugar()
	}
	return sugaredLogger
}

// buildCores maps the output setting onto zap cores: "file" and "both" get
// a rotating file via lumberjack, "console" and "both" get stdout. Anything
// else falls back to the console.
func buildCores(cfg models.LogConfig) []zapcore.Core {
	level := parseLevel(cfg.Level)

	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	encoder := zapcore.NewConsoleEncoder(encoderConfig)

	var cores []zapcore.Core
	output := strings.ToLower(cfg.Output)
	if output == "file" || output == "both" {
		rotating := zapcore.AddSync(&lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSize,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAge,
			Compress:   cfg.Compress,
		})
		cores = append(cores, zapcore.NewCore(encoder, rotating, level))
	}
	if output == "console" || output == "both" || len(cores) == 0 {
		cores = append(cores, zapcore.NewCore(encoder, zapcore.AddSync(os.Stdout), level))
	}
	return cores
}

func parseLevel(text string) zap.AtomicLevel {
	level := zap.NewAtomicLevel()
	if err := level.UnmarshalText([]byte(text)); err != nil {
		level.SetLevel(zap.InfoLevel)
	}
	return level
}
