package helpers

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"sjsage522/shopwatch/logger"
)

// LoggerInterface is the error trail port used by the job runner
type LoggerInterface interface {
	LogError(component string, err error)
}

// Logger forwards to the structured logger and keeps an error trail on disk
type Logger struct {
	errorFile string
	log       *logger.Logger
	mu        sync.Mutex
}

// NewLogger creates a new logger instance
func NewLogger(errorFile string, log *logger.Logger) *Logger {
	return &Logger{
		errorFile: errorFile,
		log:       log,
	}
}

// LogError logs an error and appends it to the error file with a timestamp
func (l *Logger) LogError(component string, err error) {
	l.log.Error().Str("source", component).Err(err).Msg("operation failed")

	if l.errorFile == "" {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if dir := filepath.Dir(l.errorFile); dir != "" {
		_ = os.MkdirAll(dir, 0o755)
	}
	f, fileErr := os.OpenFile(l.errorFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if fileErr != nil {
		l.log.Warn().Err(fileErr).Str("file", l.errorFile).Msg("cannot open error log")
		return
	}
	defer f.Close()

	timestamp := time.Now().Format("2006-01-02 15:04:05")
	fmt.Fprintf(f, "[%s] [%s] %s\n", timestamp, component, err.Error())
}
