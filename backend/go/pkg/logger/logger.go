package logger

import (
	"io"
	"os"

	"mcp_gateway/backend/go/internal/models"

	"github.com/sirupsen/logrus"
)

// Logger wraps a logrus entry with the gateway's structured fields.
// Every With* method returns a new Logger; the receiver is never modified,
// so one base logger can be shared by concurrent requests.
type Logger struct {
	entry *logrus.Entry
}

// Init configures the global logrus formatter, output and level.
// The MCP stdio transport owns stdout, so logs go to stderr.
func Init(level logrus.Level) {
	InitWithOutput(level, os.Stderr)
}

// InitWithOutput is Init with an explicit writer.
func InitWithOutput(level logrus.Level, out io.Writer) {
	logrus.SetFormatter(&logrus.JSONFormatter{
		FieldMap: logrus.FieldMap{
			logrus.FieldKeyTime:  "timestamp",
			logrus.FieldKeyLevel: "level",
			logrus.FieldKeyMsg:   "message",
		},
	})
	logrus.SetOutput(out)
	logrus.SetLevel(level)
}

// ParseLevel parses a level name, falling back to info.
func ParseLevel(name string) logrus.Level {
	level, err := logrus.ParseLevel(name)
	if err != nil {
		return logrus.InfoLevel
	}
	return level
}

// New creates a Logger preset with the service name and trace id.
func New(serviceName, traceID string) *Logger {
	return &Logger{
		entry: logrus.WithFields(logrus.Fields{
			"service_name": serviceName,
			"trace_id":     traceID,
		}),
	}
}

// FromEntry wraps an existing logrus entry. Tests use it with a hooked logger.
func FromEntry(entry *logrus.Entry) *Logger {
	return &Logger{entry: entry}
}

// Nop returns a Logger that discards everything.
func Nop() *Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return &Logger{entry: logrus.NewEntry(l)}
}

// WithField adds a single field.
func (l *Logger) WithField(key string, value interface{}) *Logger {
	return &Logger{entry: l.entry.WithField(key, value)}
}

// WithTrace replaces the trace id.
func (l *Logger) WithTrace(traceID string) *Logger {
	return l.WithField("trace_id", traceID)
}

// WithRequest adds the inbound request description.
func (l *Logger) WithRequest(req models.RequestInfo) *Logger {
	return l.WithField("request_info", req)
}

// WithError adds structured error information.
func (l *Logger) WithError(err models.ErrorInfo) *Logger {
	return l.WithField("error", err)
}

// WithPayload adds arbitrary business data.
func (l *Logger) WithPayload(payload map[string]interface{}) *Logger {
	return l.WithField("payload", payload)
}

func (l *Logger) Info(message string)  { l.entry.Info(message) }
func (l *Logger) Warn(message string)  { l.entry.Warn(message) }
func (l *Logger) Error(message string) { l.entry.Error(message) }
func (l *Logger) Debug(message string) { l.entry.Debug(message) }

// Fatal logs the message and exits the process.
func (l *Logger) Fatal(message string) { l.entry.Fatal(message) }
