package logger

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"

	"ledger-api/internal/config"
)

const timestampFormat = "2006-01-02T15:04:05.000Z"

// Init configures the global logrus logger.
func Init(cfg config.LoggingConfig) {
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	logrus.SetLevel(level)

	switch cfg.Format {
	case "text":
		logrus.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: timestampFormat,
		})
	default:
		logrus.SetFormatter(jsonFormatter())
	}

	logrus.SetOutput(outputFor(cfg))
}

func jsonFormatter() *logrus.JSONFormatter {
	return &logrus.JSONFormatter{
		TimestampFormat: timestampFormat,
		FieldMap: logrus.FieldMap{
			logrus.FieldKeyTime:  "timestamp",
			logrus.FieldKeyLevel: "level",
			logrus.FieldKeyMsg:   "message",
			logrus.FieldKeyFunc:  "function",
		},
	}
}

func outputFor(cfg config.LoggingConfig) io.Writer {
	if cfg.Filename == "" {
		return os.Stdout
	}
	switch cfg.Output {
	case "file":
		return fileWriter(cfg.Filename, cfg.MaxSize, cfg.MaxAge, cfg.MaxBackups, cfg.Compress)
	case "both":
		return io.MultiWriter(os.Stdout, fileWriter(cfg.Filename, cfg.MaxSize, cfg.MaxAge, cfg.MaxBackups, cfg.Compress))
	default:
		return os.Stdout
	}
}

func fileWriter(filename string, maxSize, maxAge, maxBackups int, compress bool) io.Writer {
	return &lumberjack.Logger{
		Filename:   filename,
		MaxSize:    maxSize,
		MaxAge:     maxAge,
		MaxBackups: maxBackups,
		Compress:   compress,
	}
}

// AuditLogger creates the logger that receives webhook and settlement audit
// records. It always writes JSON and keeps rotated files twice as long.
func AuditLogger(cfg config.LoggingConfig) *logrus.Logger {
	auditLogger := logrus.New()
	auditLogger.SetFormatter(jsonFormatter())
	auditLogger.SetLevel(logrus.InfoLevel)

	if cfg.EnableAudit && cfg.AuditFile != "" {
		auditLogger.SetOutput(fileWriter(cfg.AuditFile, cfg.MaxSize, cfg.MaxAge*2, cfg.MaxBackups*2, cfg.Compress))
	} else {
		auditLogger.SetOutput(os.Stdout)
	}

	return auditLogger
}
