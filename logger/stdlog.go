package logger

import (
	"fmt"
	"log/slog"
)

type stdLoggerish struct {
	key   string
	log   *slog.Logger
	debug bool
}

// NewStdLog wraps a slog.Logger in a Println/Printf interface for
// libraries that expect a standard library style logger.
func NewStdLog(key string, debug bool, log *slog.Logger) *stdLoggerish {
	if log == nil {
		log = Setup()
	}
	return &stdLoggerish{
		key:   key,
		log:   log,
		debug: debug,
	}
}

func (l stdLoggerish) Println(msg ...interface{}) {
	if l.debug {
		l.log.Debug(l.key, "msg", msg)
		return
	}
	l.log.Info(l.key, "msg", msg)
}

func (l stdLoggerish) Printf(msg string, args ...interface{}) {
	if l.debug {
		l.log.Debug(l.key, "msg", fmt.Sprintf(msg, args...))
		return
	}
	l.log.Info(l.key, "msg", fmt.Sprintf(msg, args...))
}
