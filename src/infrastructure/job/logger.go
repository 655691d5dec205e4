package job

import (
	"sort"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/go-logr/logr"
)

// logrAdapter routes watermill logs into the process logr logger.
type logrAdapter struct {
	logger logr.Logger
}

func NewLoggerAdapter(l logr.Logger) watermill.LoggerAdapter {
	return &logrAdapter{logger: l}
}

func (a *logrAdapter) Error(msg string, err error, fields watermill.LogFields) {
	a.logger.Error(err, msg, keysAndValues(fields)...)
}

func (a *logrAdapter) Info(msg string, fields watermill.LogFields) {
	a.logger.Info(msg, keysAndValues(fields)...)
}

func (a *logrAdapter) Debug(msg string, fields watermill.LogFields) {
	a.logger.V(1).Info(msg, keysAndValues(fields)...)
}

func (a *logrAdapter) Trace(msg string, fields watermill.LogFields) {
	a.logger.V(2).Info(msg, keysAndValues(fields)...)
}

func (a *logrAdapter) With(fields watermill.LogFields) watermill.LoggerAdapter {
	return &logrAdapter{logger: a.logger.WithValues(keysAndValues(fields)...)}
}

func keysAndValues(fields watermill.LogFields) []interface{} {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	kv := make([]interface{}, 0, 2*len(keys))
	for _, k := range keys {
		kv = append(kv, k, fields[k])
	}
	return kv
}
