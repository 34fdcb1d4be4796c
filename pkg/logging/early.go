package logging

import (
	"fmt"
	"io"
	"os"
)

// EarlyLog writes plain lines before the zap logger exists, while the config is
// still being resolved.
type EarlyLog struct {
	out io.Writer
}

func NewEarlyLog() *EarlyLog {
	return &EarlyLog{out: os.Stderr}
}

// NewEarlyLogTo writes to w, typically a cobra command's stderr.
func NewEarlyLogTo(w io.Writer) *EarlyLog {
	return &EarlyLog{out: w}
}

func (l *EarlyLog) Error(msg string, args ...interface{}) {
	l.write("ERROR", msg, args...)
}

func (l *EarlyLog) Warn(msg string, args ...interface{}) {
	l.write("WARN", msg, args...)
}

func (l *EarlyLog) Info(msg string, args ...interface{}) {
	l.write("INFO", msg, args...)
}

func (l *EarlyLog) write(level, msg string, args ...interface{}) {
	fmt.Fprintf(l.out, "%s: %s\n", level, fmt.Sprintf(msg, args...))
}
