package fs

import (
	"fmt"

	"github.com/sirupsen/logrus"
)

type logf func(format string, args ...interface{})

func logLine(emit logf, o interface{}, text string, args []interface{}) {
	out := fmt.Sprintf(text, args...)
	if o != nil {
		out = fmt.Sprintf("%v: %s", o, out)
	}
	emit("%s", out)
}

// Errorf writes error log output for this Object or Fs. It should always
// be seen by the user.
func Errorf(o interface{}, text string, args ...interface{}) {
	if logrus.IsLevelEnabled(logrus.ErrorLevel) {
		logLine(logrus.Errorf, o, text, args)
	}
}

// Logf writes log output for this Object or Fs. This should be seen by the
// user with the default log level.
func Logf(o interface{}, text string, args ...interface{}) {
	if logrus.IsLevelEnabled(logrus.WarnLevel) {
		logLine(logrus.Warnf, o, text, args)
	}
}

// Infof writes info on informational events.
func Infof(o interface{}, text string, args ...interface{}) {
	if logrus.IsLevelEnabled(logrus.InfoLevel) {
		logLine(logrus.Infof, o, text, args)
	}
}

// Debugf writes debugging output for this Object or Fs.
func Debugf(o interface{}, text string, args ...interface{}) {
	if logrus.IsLevelEnabled(logrus.DebugLevel) {
		logLine(logrus.Debugf, o, text, args)
	}
}
