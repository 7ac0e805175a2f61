// Package logging provides the minimal printf-style logging contract used
// across agentd components.
package logging

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"
)

// Level represents the severity of a log message.
type Level int

const (
	DEBUG Level = iota
	INFO
	WARN
	ERROR
)

// Logger defines a minimal, printf-style logging contract.
type Logger interface {
	Debug(format string, args ...any)
	Info(format string, args ...any)
	Warn(format string, args ...any)
	Error(format string, args ...any)
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}

// Nop returns a logger that discards all output.
func Nop() Logger { return nopLogger{} }

// OrNop returns logger when non-nil, otherwise a no-op logger.
func OrNop(logger Logger) Logger {
	if logger == nil {
		return Nop()
	}
	return logger
}

type componentLogger struct {
	component string
	core      *core
}

type core struct {
	mu    sync.Mutex
	out   io.Writer
	file  *os.File
	level Level
}

var (
	coreInstance *core
	coreOnce     sync.Once
)

func sharedCore() *core {
	coreOnce.Do(func() {
		coreInstance = &core{out: os.Stdout, level: INFO}
		if path := os.Getenv("AGENTD_LOG_FILE"); path != "" {
			if f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644); err == nil {
				coreInstance.file = f
			} else {
				log.Printf("failed to open log file %s: %v", path, err)
			}
		}
		if os.Getenv("AGENTD_DEBUG") != "" {
			coreInstance.level = DEBUG
		}
	})
	return coreInstance
}

// SetLevel sets the minimum level for the shared logger core.
func SetLevel(level Level) {
	c := sharedCore()
	c.mu.Lock()
	c.level = level
	c.mu.Unlock()
}

// NewComponentLogger creates a logger scoped to a component name.
func NewComponentLogger(component string) Logger {
	return &componentLogger{component: component, core: sharedCore()}
}

func (l *componentLogger) log(level Level, format string, args ...any) {
	c := l.core
	c.mu.Lock()
	defer c.mu.Unlock()
	if level < c.level {
		return
	}

	_, file, line, ok := runtime.Caller(2)
	if ok {
		file = filepath.Base(file)
	} else {
		file = "???"
		line = 0
	}

	component := l.component
	if component == "" {
		component = "AGENTD"
	}
	msg := fmt.Sprintf(format, args...)
	out := fmt.Sprintf("%s [%s] [%s] %s:%d - %s\n",
		time.Now().Format("2006-01-02 15:04:05"), levelString(level), component, file, line, msg)

	fmt.Fprint(c.out, out)
	if c.file != nil {
		fmt.Fprint(c.file, out)
	}
}

func (l *componentLogger) Debug(format string, args ...any) { l.log(DEBUG, format, args...) }
func (l *componentLogger) Info(format string, args ...any)  { l.log(INFO, format, args...) }
func (l *componentLogger) Warn(format string, args ...any)  { l.log(WARN, format, args...) }
func (l *componentLogger) Error(format string, args ...any) { l.log(ERROR, format, args...) }

func levelString(level Level) string {
	switch level {
	case DEBUG:
		return "DEBUG"
	case INFO:
		return "INFO"
	case WARN:
		return "WARN"
	case ERROR:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}
