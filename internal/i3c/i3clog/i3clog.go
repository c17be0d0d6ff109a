// Package i3clog provides a per-device logger shim around the standard
// library's log.Logger. The reference driver logs globally with
// log.Printf everywhere (controller.go, usb_device.go, eBPF_driver.go);
// this library instead hands each opened bridge its own *Logger so that
// multiple concurrently-open devices don't interleave unlabeled lines,
// per §9's "global mutable state must become per-device state" note.
package i3clog

import (
	"log"
	"os"
)

// Logger wraps a *log.Logger tagged with the owning device's label.
type Logger struct {
	base *log.Logger
}

// New creates a Logger that prefixes every line with label.
func New(label string) *Logger {
	return &Logger{base: log.New(os.Stderr, "usbi3c["+label+"] ", log.LstdFlags)}
}

// Discard returns a Logger that drops everything, for tests.
func Discard() *Logger {
	return &Logger{base: log.New(discardWriter{}, "", 0)}
}

func (l *Logger) Printf(format string, args ...interface{}) {
	if l == nil || l.base == nil {
		return
	}
	l.base.Printf(format, args...)
}

func (l *Logger) Println(args ...interface{}) {
	if l == nil || l.base == nil {
		return
	}
	l.base.Println(args...)
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }
