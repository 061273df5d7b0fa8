// Package logging provides structured logging with trace ID support.
package logging

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/n3flow/platform/infrastructure/security"
)

// ContextKey is the type for context keys.
type ContextKey string

const (
	// TraceIDKey is the context key for trace ID.
	TraceIDKey ContextKey = "trace_id"
	// UserIDKey is the context key for user ID.
	UserIDKey ContextKey = "user_id"
	// ExecutionIDKey is the context key for the current execution id.
	ExecutionIDKey ContextKey = "execution_id"
	// NodeIDKey is the context key for the current node id.
	NodeIDKey ContextKey = "node_id"
	// DeviceIDKey is the context key for the current device id.
	DeviceIDKey ContextKey = "device_id"
	// ServiceKey is the context key for service name.
	ServiceKey ContextKey = "service"
)

// Logger wraps logrus.Logger with additional functionality.
type Logger struct {
	*logrus.Logger
	service string
}

// New creates a new Logger instance.
func New(service, level, format string) *Logger {
	logger := logrus.New()

	logLevel, err := logrus.ParseLevel(level)
	if err != nil {
		logLevel = logrus.InfoLevel
	}
	logger.SetLevel(logLevel)

	if format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: time.RFC3339Nano,
			FieldMap: logrus.FieldMap{
				logrus.FieldKeyTime:  "timestamp",
				logrus.FieldKeyLevel: "level",
				logrus.FieldKeyMsg:   "message",
			},
		})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{
			TimestampFormat: time.RFC3339,
			FullTimestamp:   true,
		})
	}

	logger.SetOutput(os.Stdout)

	return &Logger{
		Logger:  logger,
		service: service,
	}
}

// NewFromEnv constructs a logger using LOG_LEVEL and LOG_FORMAT environment
// variables. Defaults to "info" and "json" when unset.
func NewFromEnv(service string) *Logger {
	level := strings.TrimSpace(os.Getenv("LOG_LEVEL"))
	if level == "" {
		level = "info"
	}
	format := strings.TrimSpace(os.Getenv("LOG_FORMAT"))
	if format == "" {
		format = "json"
	}
	return New(service, level, format)
}

// WithContext creates a new logger entry carrying whatever trace/user/
// execution/node/device identifiers are present on ctx.
func (l *Logger) WithContext(ctx context.Context) *logrus.Entry {
	entry := l.Logger.WithField("service", l.service)

	if traceID := ctx.Value(TraceIDKey); traceID != nil {
		entry = entry.WithField("trace_id", traceID)
	}
	if userID := ctx.Value(UserIDKey); userID != nil {
		entry = entry.WithField("user_id", userID)
	}
	if executionID := ctx.Value(ExecutionIDKey); executionID != nil {
		entry = entry.WithField("execution_id", executionID)
	}
	if nodeID := ctx.Value(NodeIDKey); nodeID != nil {
		entry = entry.WithField("node_id", nodeID)
	}
	if deviceID := ctx.Value(DeviceIDKey); deviceID != nil {
		entry = entry.WithField("device_id", deviceID)
	}

	return entry
}

// WithFields creates a new logger entry with custom fields. Values are
// redacted via infrastructure/security before they reach the sink, so a
// node handler that logs its own input/output map can't leak a credential
// it received in a header or secret binding.
func (l *Logger) WithFields(fields map[string]interface{}) *logrus.Entry {
	sanitized := security.SanitizeMap(fields)
	if sanitized == nil {
		sanitized = make(map[string]interface{})
	}
	sanitized["service"] = l.service
	return l.Logger.WithFields(sanitized)
}

// WithError creates a new logger entry with error.
func (l *Logger) WithError(err error) *logrus.Entry {
	return l.Logger.WithFields(logrus.Fields{
		"service": l.service,
		"error":   security.SanitizeError(err),
	})
}

// SetOutput sets the logger output.
func (l *Logger) SetOutput(output io.Writer) {
	l.Logger.SetOutput(output)
}

// Context helper functions.

// NewTraceID generates a new trace ID.
func NewTraceID() string {
	return uuid.New().String()
}

func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, TraceIDKey, traceID)
}

func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, UserIDKey, userID)
}

func GetUserID(ctx context.Context) string {
	s, _ := ctx.Value(UserIDKey).(string)
	return s
}

func WithExecutionID(ctx context.Context, executionID string) context.Context {
	return context.WithValue(ctx, ExecutionIDKey, executionID)
}

func WithNodeID(ctx context.Context, nodeID string) context.Context {
	return context.WithValue(ctx, NodeIDKey, nodeID)
}

func WithDeviceID(ctx context.Context, deviceID string) context.Context {
	return context.WithValue(ctx, DeviceIDKey, deviceID)
}

func GetTraceID(ctx context.Context) string {
	s, _ := ctx.Value(TraceIDKey).(string)
	return s
}

// Structured logging helpers.

// LogNodeTransition logs a node status transition (per §4.4's node.status
// event) for operational visibility independent of the stream hub.
func (l *Logger) LogNodeTransition(ctx context.Context, nodeID, fromStatus, toStatus string, attempts int) {
	l.WithContext(ctx).WithFields(logrus.Fields{
		"node_id":     nodeID,
		"from_status": fromStatus,
		"to_status":   toStatus,
		"attempts":    attempts,
	}).Info("node status transition")
}

// LogExecutionTransition logs an execution status transition.
func (l *Logger) LogExecutionTransition(ctx context.Context, executionID, status string, durationMs int64, err error) {
	entry := l.WithContext(ctx).WithFields(logrus.Fields{
		"execution_id": executionID,
		"status":       status,
		"duration_ms":  durationMs,
	})
	if err != nil {
		entry.WithError(err).Warn("execution status transition")
		return
	}
	entry.Info("execution status transition")
}

// LogSecureChannelEvent logs a secure-channel event with the device id
// attached. Per §7, secure-channel failures are logged with the device id
// but never return internal detail to unauthenticated peers.
func (l *Logger) LogSecureChannelEvent(ctx context.Context, deviceID, event string, err error) {
	entry := l.WithContext(ctx).WithFields(logrus.Fields{
		"device_id": deviceID,
		"event":     event,
	})
	if err != nil {
		entry.WithError(err).Warn("secure channel event")
		return
	}
	entry.Debug("secure channel event")
}

// LogSecurityEvent logs a security-relevant event (rate-limit rejection,
// replay/tamper detection, auth failure). details is redacted the same way
// WithFields redacts arbitrary caller-supplied maps.
func (l *Logger) LogSecurityEvent(ctx context.Context, eventType string, details map[string]interface{}) {
	fields := security.SanitizeMap(details)
	if fields == nil {
		fields = make(map[string]interface{})
	}
	fields["event_type"] = eventType
	fields["severity"] = "security"
	l.WithContext(ctx).WithFields(fields).Warn("security event")
}

// LogAudit logs an audit event (e.g. an import).
func (l *Logger) LogAudit(ctx context.Context, action, resource, resourceID, result string) {
	l.WithContext(ctx).WithFields(logrus.Fields{
		"action":      action,
		"resource":    resource,
		"resource_id": resourceID,
		"result":      result,
		"audit":       true,
	}).Info("audit log")
}

// Fatal logs a fatal error and exits.
func (l *Logger) Fatal(ctx context.Context, message string, err error) {
	l.WithContext(ctx).WithError(err).Fatal(message)
}

// Global logger instance (initialized once at process startup).
var defaultLogger *Logger

// InitDefault initializes the default logger.
func InitDefault(service, level, format string) {
	defaultLogger = New(service, level, format)
}

// Default returns the default logger, lazily falling back to a basic one.
func Default() *Logger {
	if defaultLogger == nil {
		defaultLogger = New("unknown", "info", "json")
	}
	return defaultLogger
}

// FormatDuration formats a duration in milliseconds for log fields.
func FormatDuration(d time.Duration) string {
	return fmt.Sprintf("%.2fms", float64(d.Nanoseconds())/1e6)
}
