// Package logging wires the orchestrator.Logger interface to a concrete
// zap-backed implementation, matching the structured-logging density the
// rest of the corpus uses instead of the standard log package.
package logging

import (
	"go.uber.org/zap"

	"github.com/lokutor-ai/callorch/pkg/orchestrator"
)

// ZapLogger adapts a *zap.SugaredLogger to orchestrator.Logger. The
// sugared logger's Debugw/Infow/Warnw/Errorw already take the
// msg-then-key-value-pairs shape every component in this module logs
// with.
type ZapLogger struct {
	sugar *zap.SugaredLogger
}

// New builds a production zap logger (JSON encoding, Info level) unless
// dev is true, in which case it builds a human-readable development
// logger.
func New(dev bool) (*ZapLogger, error) {
	var z *zap.Logger
	var err error
	if dev {
		z, err = zap.NewDevelopment()
	} else {
		z, err = zap.NewProduction()
	}
	if err != nil {
		return nil, err
	}
	return &ZapLogger{sugar: z.Sugar()}, nil
}

func (l *ZapLogger) Debug(msg string, args ...interface{}) { l.sugar.Debugw(msg, args...) }
func (l *ZapLogger) Info(msg string, args ...interface{})  { l.sugar.Infow(msg, args...) }
func (l *ZapLogger) Warn(msg string, args ...interface{})  { l.sugar.Warnw(msg, args...) }
func (l *ZapLogger) Error(msg string, args ...interface{}) { l.sugar.Errorw(msg, args...) }

// Sync flushes any buffered log entries; call it on process shutdown.
func (l *ZapLogger) Sync() error { return l.sugar.Sync() }

var _ orchestrator.Logger = (*ZapLogger)(nil)
