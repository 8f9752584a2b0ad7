package durable

import (
	"context"

	"github.com/goliatone/go-logger/glog"
)

// GlogAdapter bridges a go-logger BaseLogger into the runtime Logger
// contract so services can wire their existing logger.
type GlogAdapter struct {
	logger glog.Logger
}

// NewGlogAdapter wraps a glog.Logger. A nil logger falls back to FmtLogger.
func NewGlogAdapter(logger glog.Logger) Logger {
	if logger == nil {
		return NewFmtLogger(nil)
	}
	return GlogAdapter{logger: logger}
}

func (l GlogAdapter) Trace(msg string, args ...any) { l.logger.Trace(msg, args...) }
func (l GlogAdapter) Debug(msg string, args ...any) { l.logger.Debug(msg, args...) }
func (l GlogAdapter) Info(msg string, args ...any)  { l.logger.Info(msg, args...) }
func (l GlogAdapter) Warn(msg string, args ...any)  { l.logger.Warn(msg, args...) }
func (l GlogAdapter) Error(msg string, args ...any) { l.logger.Error(msg, args...) }
func (l GlogAdapter) Fatal(msg string, args ...any) { l.logger.Fatal(msg, args...) }

func (l GlogAdapter) WithContext(ctx context.Context) Logger {
	return GlogAdapter{logger: l.logger.WithContext(ctx)}
}

// WithFields attaches structured fields when the underlying logger supports
// them.
func (l GlogAdapter) WithFields(fields map[string]any) Logger {
	if fl, ok := l.logger.(glog.FieldsLogger); ok {
		return GlogAdapter{logger: fl.WithFields(fields)}
	}
	return l
}
