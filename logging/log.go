package logging

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

type prefixFormatter struct {
	prefix    string
	formatter logrus.Formatter
}

// Init options for logging.
type Options struct {

	// Prefix for application log entries. Primarily used to be
	// able to select between access log and application log
	// entries.
	ApplicationLogPrefix string

	// Output for the application log entries, when nil,
	// os.Stderr is used.
	ApplicationLogOutput io.Writer

	// When set, application log entries are printed in JSON
	// format.
	ApplicationLogJSONEnabled bool

	// Output for the access log entries, when nil, os.Stderr is
	// used.
	AccessLogOutput io.Writer

	// When set, no access log is printed.
	AccessLogDisabled bool

	// When set, the access log is printed in JSON format.
	AccessLogJSONEnabled bool

	// Level of the application log, e.g. "debug". Defaults to
	// "info".
	Level string
}

func (f *prefixFormatter) Format(e *logrus.Entry) ([]byte, error) {
	b, err := f.formatter.Format(e)
	if err != nil {
		return nil, err
	}

	return append([]byte(f.prefix), b...), nil
}

func initApplicationLog(o Options) {
	if o.ApplicationLogJSONEnabled {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	}

	if o.ApplicationLogPrefix != "" {
		logrus.SetFormatter(&prefixFormatter{
			o.ApplicationLogPrefix, logrus.StandardLogger().Formatter})
	}

	if o.ApplicationLogOutput != nil {
		logrus.SetOutput(o.ApplicationLogOutput)
	}

	if o.Level != "" {
		l, err := logrus.ParseLevel(o.Level)
		if err != nil {
			logrus.Warnf("invalid log level %q, using info", o.Level)
			l = logrus.InfoLevel
		}
		logrus.SetLevel(l)
	}
}

func initAccessLog(output io.Writer, accessLogJSONEnabled bool) {
	l := logrus.New()
	if accessLogJSONEnabled {
		l.Formatter = &logrus.JSONFormatter{TimestampFormat: dateFormat, DisableTimestamp: true}
	} else {
		l.Formatter = &accessLogFormatter{accessLogFormat}
	}
	l.Out = output
	l.Level = logrus.InfoLevel
	accessLog = l
}

// Init initializes the application and the access log.
func Init(o Options) {
	initApplicationLog(o)

	if !o.AccessLogDisabled {
		if o.AccessLogOutput == nil {
			o.AccessLogOutput = os.Stderr
		}

		initAccessLog(o.AccessLogOutput, o.AccessLogJSONEnabled)
	}
}
