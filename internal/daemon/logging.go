package daemon

import (
	"io"
	"log"
	"os"
	"path/filepath"

	"gopkg.in/natefinch/lumberjack.v2"
)

// LogOutput returns the destination for component loggers. With [log] file
// set, output goes to a size-rotated file; otherwise to stderr.
func LogOutput(cfg LogConfig) io.Writer {
	if cfg.File == "" {
		return os.Stderr
	}
	path := resolve(cfg.File, "tasbih.log")
	os.MkdirAll(filepath.Dir(path), 0o700)
	return &lumberjack.Logger{
		Filename:   path,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		Compress:   true,
	}
}

// Loggers builds "[component] " prefixed loggers sharing one output.
type Loggers struct {
	out io.Writer
}

// NewLoggers creates a logger factory writing to out.
func NewLoggers(out io.Writer) *Loggers {
	if out == nil {
		out = os.Stderr
	}
	return &Loggers{out: out}
}

// For returns a logger for component.
func (l *Loggers) For(component string) *log.Logger {
	return log.New(l.out, "["+component+"] ", log.LstdFlags)
}

// Close releases the rotating file, if any.
func (l *Loggers) Close() error {
	if c, ok := l.out.(io.Closer); ok && l.out != os.Stderr {
		return c.Close()
	}
	return nil
}
