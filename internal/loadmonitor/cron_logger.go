package loadmonitor

import (
	"fmt"

	"admission-gateway/internal/common/logging"

	"github.com/robfig/cron/v3"
)

// cronLogger routes scheduler events to our logger.
type cronLogger struct {
	logger logging.Logger
}

var _ cron.Logger = cronLogger{}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug("scheduler: "+msg, toFields(keysAndValues)...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error("scheduler: "+msg, err, toFields(keysAndValues)...)
}

func toFields(keysAndValues []interface{}) []logging.Field {
	fields := make([]logging.Field, 0, len(keysAndValues)/2)
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		fields = append(fields, logging.Field{Key: fmt.Sprint(keysAndValues[i]), Value: keysAndValues[i+1]})
	}
	return fields
}
