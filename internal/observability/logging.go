// Package observability centralizes logging setup (spec SPEC_FULL §4.8):
// every package in this module logs through a single configured
// logrus.Logger rather than calling logrus' package-level functions
// with default settings. Grounded on the teacher's
// feature/config.go LoggerConfig/InitLog.
package observability

import (
	"fmt"
	"io"
	"os"
	"path"
	"runtime"

	log "github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Config mirrors the teacher's LoggerConfig fields, loaded from the
// same .ini section as the rest of cmd/'s bootstrap config.
type Config struct {
	LogFile    string `ini:"log_file" json:"log_file"`
	LogWay     string `ini:"log_way" json:"log_way"`
	LogLevel   string `ini:"log_level" json:"log_level"`
	LogMaxDays int    `ini:"log_max_days" json:"log_max_days"`
}

// Defaults fills in the teacher's defaults for any zero-valued field.
func (c *Config) Defaults() {
	if c.LogFile == "" {
		c.LogFile = "node-frp.log"
	}
	if c.LogWay == "" {
		c.LogWay = "console"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}

// Init configures the standard logrus logger: text format with caller
// info, console or rotated-file output depending on c.LogWay. Call
// once at process startup, never from a connection/session code path
// (spec SPEC_FULL §4.8: cmd/ is the only place allowed to call
// log.Fatal; everything else returns errors).
func Init(c Config) error {
	c.Defaults()

	log.SetReportCaller(true)
	log.SetFormatter(&log.TextFormatter{
		TimestampFormat: "2006-01-02 15:04:05",
		CallerPrettyfier: func(frame *runtime.Frame) (function string, file string) {
			return fmt.Sprintf("%s:%d", frame.Function, frame.Line), path.Base(frame.File)
		},
	})

	if c.LogWay == "console" {
		log.SetOutput(os.Stdout)
	} else {
		ljack := &lumberjack.Logger{
			Filename:   c.LogFile,
			MaxSize:    100,
			MaxBackups: 52,
			MaxAge:     c.LogMaxDays,
			Compress:   false,
		}
		log.SetOutput(io.MultiWriter(ljack, os.Stdout))
	}

	level, err := log.ParseLevel(c.LogLevel)
	if err != nil {
		return err
	}
	log.SetLevel(level)
	return nil
}
