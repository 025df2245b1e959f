package monitor

import "github.com/sirupsen/logrus"

// AlertSink interface for pluggable alert delivery.
type AlertSink interface {
	Send(message string) error
}

// LogSink writes alerts to the application log.
type LogSink struct {
	Logger *logrus.Logger
}

func (s LogSink) Send(message string) error {
	s.Logger.WithField("component", "monitor").Warn(message)
	return nil
}
