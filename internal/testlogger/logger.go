package testlogger

import (
	"testing"
)

type Logger struct {
	T *testing.T
}

func (s *Logger) Error(err error, text, topic, method, value string) {
	s.T.Logf("ERROR %s on topic %s in method %s: '%s' error %s\r\n", text, topic, method, value, err)
}

func (s *Logger) Info(text string, topic string, method string) {
	s.T.Logf("INFO topic %s; method %s; text '%s'\r\n", topic, method, text)
}

func (s *Logger) Debug(text string, topic string, method string) {
	s.T.Logf("DEBUG topic %s; method %s; text '%s'\r\n", topic, method, text)
}

func New(t *testing.T) *Logger {
	return &Logger{T: t}
}
