// Package logger is the daemon's log sink: leveled lines to stdout, plus an
// optional size-rotated file so field units with small flash don't fill up.
package logger

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"
)

// Logger writes to stdout and, when a path is configured, mirrors every line
// into a rotated file. Debug lines are dropped unless debug mode is on.
type Logger struct {
	mu       sync.Mutex
	debug    bool
	path     string
	maxBytes int64
	backups  int
	size     int64
	file     *os.File
	out      *log.Logger
}

// New opens a logger. An empty path disables file logging; maxSizeMB <= 0
// disables rotation.
func New(path string, maxSizeMB, maxBackups int, debug bool) (*Logger, error) {
	l := &Logger{
		debug:    debug,
		path:     path,
		maxBytes: int64(maxSizeMB) * 1024 * 1024,
		backups:  maxBackups,
	}
	if path == "" {
		l.out = log.New(os.Stdout, "", log.LstdFlags)
		return l, nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	if err := l.open(); err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	l.out = log.New(io.MultiWriter(os.Stdout, l.file), "", log.LstdFlags)
	return l, nil
}

// open (re)opens the log file and seeds the size counter. Caller holds mu
// except during construction.
func (l *Logger) open() error {
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return err
	}
	l.file = f
	l.size = info.Size()
	return nil
}

// rotate shifts the backup chain (log -> log.1 -> log.2 ...) up to the backup
// budget and reopens a fresh file. Caller holds mu.
func (l *Logger) rotate() error {
	l.file.Close()
	for i := l.backups - 1; i >= 1; i-- {
		os.Rename(fmt.Sprintf("%s.%d", l.path, i), fmt.Sprintf("%s.%d", l.path, i+1))
	}
	if l.backups > 0 {
		os.Rename(l.path, l.path+".1")
	}
	if err := l.open(); err != nil {
		return err
	}
	l.out.SetOutput(io.MultiWriter(os.Stdout, l.file))
	return nil
}

// emit writes one already-formatted line, rotating first when the file is
// over budget. msg is never interpreted as a format string.
func (l *Logger) emit(level, msg string) {
	if level != "" {
		msg = level + " " + msg
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file != nil && l.maxBytes > 0 && l.size >= l.maxBytes {
		if err := l.rotate(); err != nil {
			fmt.Fprintf(os.Stderr, "log rotation failed: %v\n", err)
		}
	}
	l.out.Println(msg)
	if l.file != nil {
		l.size += int64(len(msg)) + 1
	}
}

// Printf writes an unleveled formatted line.
func (l *Logger) Printf(format string, v ...interface{}) {
	l.emit("", fmt.Sprintf(format, v...))
}

// Println writes its arguments as one unleveled line.
func (l *Logger) Println(v ...interface{}) {
	l.emit("", fmt.Sprint(v...))
}

// Debug writes a debug line when debug mode is enabled.
func (l *Logger) Debug(format string, v ...interface{}) {
	if !l.IsDebug() {
		return
	}
	l.emit("[DEBUG]", fmt.Sprintf(format, v...))
}

func (l *Logger) Info(format string, v ...interface{}) {
	l.emit("[INFO]", fmt.Sprintf(format, v...))
}

func (l *Logger) Warn(format string, v ...interface{}) {
	l.emit("[WARN]", fmt.Sprintf(format, v...))
}

func (l *Logger) Error(format string, v ...interface{}) {
	l.emit("[ERROR]", fmt.Sprintf(format, v...))
}

// Fatal logs the line and exits.
func (l *Logger) Fatal(format string, v ...interface{}) {
	l.emit("[FATAL]", fmt.Sprintf(format, v...))
	os.Exit(1)
}

// SetDebug toggles debug mode at runtime (driven by the /api/debug endpoint).
func (l *Logger) SetDebug(enabled bool) {
	l.mu.Lock()
	l.debug = enabled
	l.mu.Unlock()
	if enabled {
		l.emit("[INFO]", "Debug logging enabled")
	} else {
		l.emit("[INFO]", "Debug logging disabled")
	}
}

// IsDebug reports whether debug mode is enabled.
func (l *Logger) IsDebug() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.debug
}

// GetFilePath returns the log file path, or "" when file logging is off.
func (l *Logger) GetFilePath() string {
	return l.path
}

// Close closes the log file. Stdout output keeps working afterwards.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file != nil {
		return l.file.Close()
	}
	return nil
}

var (
	globalMu     sync.RWMutex
	globalLogger *Logger
)

// Init installs the global logger, replacing any previous one.
func Init(filePath string, maxSizeMB, maxBackups int, debug bool) error {
	l, err := New(filePath, maxSizeMB, maxBackups, debug)
	if err != nil {
		return err
	}

	globalMu.Lock()
	defer globalMu.Unlock()
	if globalLogger != nil {
		globalLogger.Close()
	}
	globalLogger = l
	return nil
}

// Get returns the global logger, or nil before Init.
func Get() *Logger {
	globalMu.RLock()
	defer globalMu.RUnlock()
	return globalLogger
}

// Package-level functions log through the global logger and are no-ops
// before Init, so library code never has to nil-check.

func Printf(format string, v ...interface{}) {
	if l := Get(); l != nil {
		l.Printf(format, v...)
	}
}

func Println(v ...interface{}) {
	if l := Get(); l != nil {
		l.Println(v...)
	}
}

func Debug(format string, v ...interface{}) {
	if l := Get(); l != nil {
		l.Debug(format, v...)
	}
}

func Info(format string, v ...interface{}) {
	if l := Get(); l != nil {
		l.Info(format, v...)
	}
}

func Warn(format string, v ...interface{}) {
	if l := Get(); l != nil {
		l.Warn(format, v...)
	}
}

func Error(format string, v ...interface{}) {
	if l := Get(); l != nil {
		l.Error(format, v...)
	}
}

func Fatal(format string, v ...interface{}) {
	if l := Get(); l != nil {
		l.Fatal(format, v...)
	}
}

func SetDebug(enabled bool) {
	if l := Get(); l != nil {
		l.SetDebug(enabled)
	}
}

func IsDebug() bool {
	if l := Get(); l != nil {
		return l.IsDebug()
	}
	return false
}
