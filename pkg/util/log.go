package util

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

// Logger is the process-wide logger. Entries about a switch, a nic or a
// journal action carry them as fields so one resource's history can be
// grepped out of the log.
var Logger = logrus.New()

func init() {
	Logger.SetOutput(os.Stderr)
	Logger.SetLevel(logrus.InfoLevel)
	Logger.SetFormatter(textFormat())
}

func textFormat() logrus.Formatter {
	return &logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05",
	}
}

// LogOptions configures Logger
type LogOptions struct {
	Level  string
	JSON   bool
	Output io.Writer // nil keeps the current output
}

// ConfigureLogging applies opts to Logger. An unknown level leaves the
// logger untouched.
func ConfigureLogging(opts LogOptions) error {
	level := logrus.InfoLevel
	if opts.Level != "" {
		lvl, err := logrus.ParseLevel(opts.Level)
		if err != nil {
			return err
		}
		level = lvl
	}
	Logger.SetLevel(level)
	if opts.Output != nil {
		Logger.SetOutput(opts.Output)
	}
	if opts.JSON {
		Logger.SetFormatter(&logrus.JSONFormatter{TimestampFormat: "2006-01-02T15:04:05Z07:00"})
	} else {
		Logger.SetFormatter(textFormat())
	}
	return nil
}

// WithField returns a logger with a field
func WithField(key string, value interface{}) *logrus.Entry {
	return Logger.WithField(key, value)
}

// WithFields returns a logger with several fields
func WithFields(fields logrus.Fields) *logrus.Entry {
	return Logger.WithFields(fields)
}

// WithSwitch scopes entries to a switch
func WithSwitch(label string) *logrus.Entry {
	return Logger.WithField("switch", label)
}

// WithNic scopes entries to one nic of a node
func WithNic(node, nic string) *logrus.Entry {
	return Logger.WithFields(logrus.Fields{"node": node, "nic": nic})
}

// WithAction scopes entries to a journal action. node and nic may be empty
// when the action row is gone.
func WithAction(id, node, nic string) *logrus.Entry {
	fields := logrus.Fields{"action": id}
	if node != "" {
		fields["node"], fields["nic"] = node, nic
	}
	return Logger.WithFields(fields)
}
