// Package log provides leveled logging for the SDK.
//
// It is a thin façade over logrus so that applications embedding the SDK can
// redirect or silence its output with SetOutput / SetDebug without the SDK
// packages knowing anything about the logging backend.
package log

import (
	"fmt"
	"io"

	"github.com/sirupsen/logrus"
)

var logger = func() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.InfoLevel)
	return l
}()

// Logger returns the underlying logrus logger for further customization.
func Logger() *logrus.Logger {
	return logger
}

// SetOutput redirects all SDK log output.
func SetOutput(w io.Writer) {
	logger.SetOutput(w)
}

// SetDebug turns debug logging on or off.
func SetDebug(debug bool) {
	if debug {
		logger.SetLevel(logrus.DebugLevel)
	} else {
		logger.SetLevel(logrus.InfoLevel)
	}
}

// prefix formats the object doing the work in front of the message, if any.
func prefix(o interface{}, text string) string {
	if o == nil {
		return text
	}
	return fmt.Sprintf("%v: %s", o, text)
}

// Debugf writes debug level output for the object o.
func Debugf(o interface{}, format string, args ...interface{}) {
	logger.Debug(prefix(o, fmt.Sprintf(format, args...)))
}

// Infof writes info level output for the object o.
func Infof(o interface{}, format string, args ...interface{}) {
	logger.Info(prefix(o, fmt.Sprintf(format, args...)))
}

// Errorf writes error level output for the object o.
func Errorf(o interface{}, format string, args ...interface{}) {
	logger.Error(prefix(o, fmt.Sprintf(format, args...)))
}
