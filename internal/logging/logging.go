package logging

import (
	log "github.com/sirupsen/logrus"
)

// Logger is the sink all components write to. Implementations must be
// fire-and-forget: they never block the caller and never panic outward.
type Logger interface {
	Debug(component, msg string)
	Info(component, msg string)
	Warn(component, msg string)
	Error(component, msg string, err error)
}

// Logrus adapts a logrus logger to the Logger interface.
type Logrus struct {
	l *log.Logger
}

func NewLogrus(l *log.Logger) *Logrus {
	if l == nil {
		l = log.StandardLogger()
	}
	return &Logrus{l: l}
}

func (a *Logrus) Debug(component, msg string) {
	defer swallow()
	a.l.WithField("component", component).Debug(msg)
}

func (a *Logrus) Info(component, msg string) {
	defer swallow()
	a.l.WithField("component", component).Info(msg)
}

func (a *Logrus) Warn(component, msg string) {
	defer swallow()
	a.l.WithField("component", component).Warn(msg)
}

func (a *Logrus) Error(component, msg string, err error) {
	defer swallow()
	entry := a.l.WithField("component", component)
	if err != nil {
		entry = entry.WithError(err)
	}
	entry.Error(msg)
}

// A broken log sink must never take the caller down with it.
func swallow() {
	_ = recover()
}

// Nop discards everything. Useful in tests and as a safe default.
type Nop struct{}

func (Nop) Debug(string, string)        {}
func (Nop) Info(string, string)         {}
func (Nop) Warn(string, string)         {}
func (Nop) Error(string, string, error) {}
