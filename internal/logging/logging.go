// Package logging configures logrus output for the proxy and provides the
// in-memory ring buffer and broadcast hooks that feed the management log
// endpoints.
package logging

import (
	"io"
	"os"
	"path/filepath"
	"strings"

	log "github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// SetupBaseLogger installs the default formatter and hooks. Called once from
// main before any configuration is loaded so early failures are captured too.
func SetupBaseLogger() {
	log.SetFormatter(&log.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05",
	})
	log.SetLevel(log.InfoLevel)
	log.AddHook(GlobalBuffer)
	log.AddHook(GlobalBroadcaster)
}

// FileOutputOptions controls rotating file output.
type FileOutputOptions struct {
	// Path is the log file location. Empty selects ~/.kiro-proxy/logs/kiro-proxy.log.
	Path string
	// MaxSizeMB rotates the file once it exceeds this size. Zero means 100.
	MaxSizeMB int
	// MaxBackups caps retained rotated files. Zero means 7.
	MaxBackups int
	// MaxAgeDays prunes rotated files older than this. Zero means 30.
	MaxAgeDays int
}

// ConfigureLogOutput routes logrus output to a rotating file in addition to
// stderr when enabled, or back to stderr alone when disabled.
func ConfigureLogOutput(toFile bool, opts FileOutputOptions) error {
	if !toFile {
		log.SetOutput(os.Stderr)
		return nil
	}
	path := opts.Path
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return err
		}
		path = filepath.Join(home, ".kiro-proxy", "logs", "kiro-proxy.log")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	rotator := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    valueOr(opts.MaxSizeMB, 100),
		MaxBackups: valueOr(opts.MaxBackups, 7),
		MaxAge:     valueOr(opts.MaxAgeDays, 30),
		Compress:   true,
	}
	log.SetOutput(io.MultiWriter(os.Stderr, rotator))
	return nil
}

func valueOr(v, def int) int {
	if v > 0 {
		return v
	}
	return def
}

// SetLogLevel applies a level name to the global logger. Unknown names fall
// back to info.
func SetLogLevel(level string) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug", "verbose":
		log.SetLevel(log.DebugLevel)
	case "info":
		log.SetLevel(log.InfoLevel)
	case "warn", "warning":
		log.SetLevel(log.WarnLevel)
	case "error":
		log.SetLevel(log.ErrorLevel)
	case "quiet", "silent":
		log.SetLevel(log.FatalLevel)
	default:
		log.SetLevel(log.InfoLevel)
	}
}
