package logger

import (
	"fmt"

	"github.com/hibiken/asynq"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// cronLogger routes robfig/cron scheduler messages through zerolog.
type cronLogger struct {
	component string
}

// CronLogger returns a cron.Logger tagged with the given component name.
func CronLogger(component string) cron.Logger {
	return cronLogger{component: component}
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	withFields(log.Debug(), keysAndValues).Str("component", l.component).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	withFields(log.Error().Err(err), keysAndValues).Str("component", l.component).Msg(msg)
}

func withFields(event *zerolog.Event, keysAndValues []interface{}) *zerolog.Event {
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		key, ok := keysAndValues[i].(string)
		if !ok {
			key = fmt.Sprint(keysAndValues[i])
		}
		event = event.Interface(key, keysAndValues[i+1])
	}
	return event
}

// asynqLogger routes asynq server and scheduler messages through zerolog.
type asynqLogger struct {
	component string
}

// AsynqLogger returns an asynq.Logger tagged with the given component name.
func AsynqLogger(component string) asynq.Logger {
	return asynqLogger{component: component}
}

func (l asynqLogger) Debug(args ...interface{}) {
	log.Debug().Str("component", l.component).Msg(fmt.Sprint(args...))
}

func (l asynqLogger) Info(args ...interface{}) {
	log.Info().Str("component", l.component).Msg(fmt.Sprint(args...))
}

func (l asynqLogger) Warn(args ...interface{}) {
	log.Warn().Str("component", l.component).Msg(fmt.Sprint(args...))
}

func (l asynqLogger) Error(args ...interface{}) {
	log.Error().Str("component", l.component).Msg(fmt.Sprint(args...))
}

func (l asynqLogger) Fatal(args ...interface{}) {
	log.Fatal().Str("component", l.component).Msg(fmt.Sprint(args...))
}
