package logging

import (
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/obe711/realm-inspector-go/pkg/config"
)

// Levels. Debug is for frequent per-message events; Info should be quiet in
// normal operation; Error covers unrecoverable failures.
const (
	LevelDebug = iota
	LevelInfo
	LevelError
)

// Logger wraps the standard log.Logger with a level gate.
type Logger struct {
	*log.Logger
	level int
}

// New returns a logger writing to stdout at info level.
func New(prefix string) *Logger {
	return &Logger{
		Logger: log.New(os.Stdout, prefix+" ", log.LstdFlags|log.Lshortfile),
		level:  LevelInfo,
	}
}

// Configure applies logging settings from config.
func (l *Logger) Configure(cfg config.LoggingConfig) error {
	if l == nil || l.Logger == nil {
		return nil
	}
	switch strings.ToLower(cfg.Level) {
	case "debug":
		l.level = LevelDebug
	case "error":
		l.level = LevelError
	default:
		l.level = LevelInfo
	}
	if cfg.FilePath != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.FilePath), 0o700); err != nil {
			return err
		}
		writer, err := newRollingFile(cfg.FilePath, cfg.FileMaxSize)
		if err != nil {
			return err
		}
		l.SetOutput(io.MultiWriter(os.Stdout, writer))
	}
	return nil
}

// Debugf logs at debug level.
func (l *Logger) Debugf(format string, v ...any) {
	if l != nil && l.level <= LevelDebug {
		l.Printf("DEBUG "+format, v...)
	}
}

// Infof logs at info level.
func (l *Logger) Infof(format string, v ...any) {
	if l != nil && l.level <= LevelInfo {
		l.Printf(format, v...)
	}
}

// Errorf logs at error level.
func (l *Logger) Errorf(format string, v ...any) {
	if l != nil {
		l.Printf("ERROR "+format, v...)
	}
}

type rollingFile struct {
	path string
	max  int
	file *os.File
}

func newRollingFile(path string, maxMB int) (*rollingFile, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, err
	}
	return &rollingFile{path: path, max: maxMB, file: f}, nil
}

func (r *rollingFile) Write(p []byte) (int, error) {
	if r.max > 0 {
		if info, err := r.file.Stat(); err == nil && info.Size()+int64(len(p)) > int64(r.max)*1024*1024 {
			r.file.Close()
			os.Rename(r.path, r.path+".1")
			newFile, err := os.OpenFile(r.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
			if err != nil {
				return 0, err
			}
			r.file = newFile
		}
	}
	return r.file.Write(p)
}
