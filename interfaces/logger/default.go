package logger

import (
	"fmt"
)

type DefaultLogger struct {
}

func (d *DefaultLogger) Error(err error, text, topic, method, value string) {
	fmt.Printf("ERROR %s on topic %s in method %s: '%s' error %s\r\n", text, topic, method, value, err)
}

func (d *DefaultLogger) Info(text string, topic string, method string) {
	fmt.Printf("INFO topic %s; method %s; text '%s'\r\n", topic, method, text)
}

func (d *DefaultLogger) Debug(text string, topic string, method string) {
	fmt.Printf("DEBUG topic %s; method %s; text '%s'\r\n", topic, method, text)
}
