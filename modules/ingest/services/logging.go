package services

import "github.com/sirupsen/logrus"

func logrusNop() *logrus.Entry {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return logrus.NewEntry(l)
}

func componentLogger(log *logrus.Entry, component string) *logrus.Entry {
	if log == nil {
		log = logrusNop()
	}
	return log.WithField("component", component)
}
