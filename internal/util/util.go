package util

import (
	"io"
	"os"

	nested "github.com/antonfisher/nested-logrus-formatter"
	log "github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	DefaultConfigPath   string
	DefaultManifestPath string
	DefaultStateFile    string
	DefaultSocketPath   string
)

func init() {
	DefaultConfigPath = "/etc/powersched/config.yaml"
	DefaultManifestPath = "/etc/powersched/manifest.yaml"
	DefaultStateFile = "/var/lib/powersched/state.json"
	DefaultSocketPath = "/var/run/powersched/powersched.sock"
}

func InitLogger(level string) {
	logLevel, err := log.ParseLevel(level)
	if err != nil {
		logLevel = log.InfoLevel
	}
	log.SetLevel(logLevel)
	log.SetFormatter(&nested.Formatter{})
}

// InitFileLogger routes log output to both stdout and a rotated log file.
func InitFileLogger(level string, logFile string) {
	InitLogger(level)

	if logFile == "" {
		return
	}

	rotator := &lumberjack.Logger{
		Filename:   logFile,
		MaxSize:    50, // MB
		MaxBackups: 5,
		MaxAge:     30, // days
	}
	log.SetOutput(io.MultiWriter(os.Stdout, rotator))
	log.Infof("Log file configured at: %s", logFile)
}
