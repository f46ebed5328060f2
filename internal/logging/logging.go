// Package logging implements the logger shared by the attestation flow, the
// gateways and the CLI. Logs go to a local slog handler and, optionally, to
// Cloud Logging.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"cloud.google.com/go/compute/metadata"
	clogging "cloud.google.com/go/logging"
	"google.golang.org/api/option"
	mrpb "google.golang.org/genproto/googleapis/api/monitoredres"
)

const (
	// LogName is the Cloud Logging log name.
	LogName = "attestflow"

	payloadMessageKey = "MESSAGE"
)

// Logger takes a message and alternating key/value args, like slog.
type Logger interface {
	Log(severity clogging.Severity, msg string, args ...any)

	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)

	Close()
}

type cLogger interface {
	Log(clogging.Entry)
	Flush() error
}

type logger struct {
	cloudLogger cLogger
	localLogger *slog.Logger
	resource    *mrpb.MonitoredResource

	cloudClient *clogging.Client
}

type payload map[string]any

// NewCloudLogger returns a Logger writing to Cloud Logging in projectID and
// to w. An empty projectID is looked up on the metadata server.
func NewCloudLogger(ctx context.Context, projectID string, w io.Writer, opts ...option.ClientOption) (Logger, error) {
	if projectID == "" {
		var err error
		projectID, err = metadata.ProjectIDWithContext(ctx)
		if err != nil {
			return nil, fmt.Errorf("cannot get projectID from the metadata server: %w", err)
		}
	}

	cloggingClient, err := clogging.NewClient(ctx, projectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create cloud logging client: %w", err)
	}

	return &logger{
		cloudLogger: cloggingClient.Logger(LogName),
		localLogger: slog.New(slog.NewTextHandler(w, nil)),
		resource: &mrpb.MonitoredResource{
			Type: "global",
			Labels: map[string]string{
				"project_id": projectID,
			},
		},
		cloudClient: cloggingClient,
	}, nil
}

func (l *logger) Close() {
	if l.cloudClient != nil {
		l.cloudClient.Close()
	}
}

// Given a list of args, recursively converts it to a payload.
// Assumes alternating keys and values (mirroring slog's behavior).
func addArgs(pl payload, args []any) {
	if len(args) == 0 {
		return
	}

	if len(args) == 1 {
		// A trailing key is kept with an empty value.
		key, ok := args[0].(string)
		if ok {
			pl[key] = ""
		}
		return
	}

	key, ok := args[0].(string)
	if ok {
		// Pairs with a non-string key are skipped.
		pl[key] = args[1]
	}

	addArgs(pl, args[2:])
}

func (l *logger) writeLog(severity clogging.Severity, msg string, args ...any) {
	pl := payload{}
	addArgs(pl, args)
	if len(msg) > 0 {
		pl[payloadMessageKey] = msg
	}

	l.cloudLogger.Log(clogging.Entry{
		Severity: severity,
		Resource: l.resource,
		Payload:  pl,
	})
	if err := l.cloudLogger.Flush(); err != nil {
		l.localLogger.Error(fmt.Sprintf("cloud.Logger.Flush returned error: %v", err))
	}

	l.localLogger.Log(context.Background(), levelFor(severity), msg, args...)
}

func levelFor(severity clogging.Severity) slog.Level {
	switch severity {
	case clogging.Info, clogging.Notice:
		return slog.LevelInfo
	case clogging.Warning:
		return slog.LevelWarn
	case clogging.Error, clogging.Critical, clogging.Alert, clogging.Emergency:
		return slog.LevelError
	}
	return slog.LevelDebug
}

// Log logs msg and args with the provided severity.
func (l *logger) Log(severity clogging.Severity, msg string, args ...any) {
	l.writeLog(severity, msg, args...)
}

// Info logs msg and args at 'Info' severity.
func (l *logger) Info(msg string, args ...any) {
	l.writeLog(clogging.Info, msg, args...)
}

// Warn logs msg and args at 'Warn' severity.
func (l *logger) Warn(msg string, args ...any) {
	l.writeLog(clogging.Warning, msg, args...)
}

// Error logs msg and args at 'Error' severity.
func (l *logger) Error(msg string, args ...any) {
	l.writeLog(clogging.Error, msg, args...)
}

// SimpleLogger returns a lightweight implementation that wraps a slog.Default() logger.
// Suitable for testing.
func SimpleLogger() Logger {
	return &slogger{slog.Default()}
}

// NewTextLogger returns a Logger writing slog text records at or above level to w.
func NewTextLogger(w io.Writer, level slog.Level) Logger {
	return &slogger{slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))}
}

type slogger struct {
	slg *slog.Logger
}

// Log logs msg and args with the provided severity.
func (l *slogger) Log(severity clogging.Severity, msg string, args ...any) {
	l.slg.Log(context.Background(), levelFor(severity), msg, args...)
}

// Info logs msg and args at 'Info' severity.
func (l *slogger) Info(msg string, args ...any) {
	l.slg.Info(msg, args...)
}

// Warn logs msg and args at 'Warn' severity.
func (l *slogger) Warn(msg string, args ...any) {
	l.slg.Warn(msg, args...)
}

// Error logs msg and args at 'Error' severity.
func (l *slogger) Error(msg string, args ...any) {
	l.slg.Error(msg, args...)
}

func (l *slogger) Close() {}
