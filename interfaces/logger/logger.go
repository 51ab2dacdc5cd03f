package logger

type Logger interface {
	Error(err error, text, topic string, method, value string)
	Info(text string, topic string, method string)
	Debug(text string, topic string, method string)
}
