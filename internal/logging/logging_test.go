package logging

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"

	clogging "cloud.google.com/go/logging"
	"github.com/google/go-cmp/cmp"
	"google.golang.org/api/option"
)

func TestAddArgs(t *testing.T) {
	testcases := []struct {
		name     string
		args     []any
		expected payload
	}{
		{
			name: "regular payload",
			args: []any{"session", "0b7c", "state", "Verifying", "attempt", 1},
			expected: payload{
				"session": "0b7c",
				"state":   "Verifying",
				"attempt": 1,
			},
		},
		{
			name:     "missing value at end",
			args:     []any{"backend", "backendB", "digest"},
			expected: payload{"backend": "backendB", "digest": ""},
		},
		{
			name:     "empty args",
			args:     []any{},
			expected: payload{},
		},
		{
			name:     "incompatible key omitted",
			args:     []any{"backend", "backendB", 2, "two", "ok", false},
			expected: payload{"backend": "backendB", "ok": false},
		},
		{
			name:     "single arg, not valid key",
			args:     []any{true},
			expected: payload{},
		},
	}

	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			pl := payload{}
			addArgs(pl, tc.args)
			if diff := cmp.Diff(tc.expected, pl); diff != "" {
				t.Errorf("addArgs() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

type fakeCloudLogger struct {
	entries  []clogging.Entry
	flushErr error
}

func (f *fakeCloudLogger) Log(e clogging.Entry) {
	f.entries = append(f.entries, e)
}

func (f *fakeCloudLogger) Flush() error {
	return f.flushErr
}

func TestWriteLog(t *testing.T) {
	var local bytes.Buffer
	cloud := &fakeCloudLogger{flushErr: errors.New("offline")}
	l := &logger{
		cloudLogger: cloud,
		localLogger: slog.New(slog.NewTextHandler(&local, nil)),
	}

	l.Warn("provider discovery failed", "code", "Unavailable")

	if len(cloud.entries) != 1 {
		t.Fatalf("got %d cloud entries, want 1", len(cloud.entries))
	}
	entry := cloud.entries[0]
	if entry.Severity != clogging.Warning {
		t.Errorf("severity = %v, want Warning", entry.Severity)
	}
	want := payload{"code": "Unavailable", payloadMessageKey: "provider discovery failed"}
	if diff := cmp.Diff(want, entry.Payload); diff != "" {
		t.Errorf("payload mismatch (-want +got):\n%s", diff)
	}

	out := local.String()
	if !strings.Contains(out, "level=WARN") || !strings.Contains(out, "code=Unavailable") {
		t.Errorf("local log missing record: %q", out)
	}
	if !strings.Contains(out, "cloud.Logger.Flush returned error: offline") {
		t.Errorf("local log missing flush error: %q", out)
	}
}

func TestTextLoggerLevel(t *testing.T) {
	var buf bytes.Buffer
	l := NewTextLogger(&buf, slog.LevelWarn)
	l.Info("hidden")
	l.Log(clogging.Critical, "shown")
	if strings.Contains(buf.String(), "hidden") {
		t.Errorf("info record written below level: %q", buf.String())
	}
	if !strings.Contains(buf.String(), "level=ERROR msg=shown") {
		t.Errorf("critical record not mapped to ERROR: %q", buf.String())
	}
}

func TestCloudLogger(t *testing.T) {
	newFakeMetadataServer(t, testProjectID)
	svc, conn := newFakeLoggingService(t)

	var local bytes.Buffer
	l, err := NewCloudLogger(context.Background(), "", &local, option.WithGRPCConn(conn))
	if err != nil {
		t.Fatalf("NewCloudLogger() failed: %v", err)
	}
	l.Info("backend selected", "session", "0b7c", "backend", "backendB")
	l.Close()

	entries := svc.entries("projects/" + testProjectID + "/logs/" + LogName)
	if len(entries) != 1 {
		t.Fatalf("got %d entries, want 1", len(entries))
	}
	want := map[string]any{"session": "0b7c", "backend": "backendB", payloadMessageKey: "backend selected"}
	if diff := cmp.Diff(want, entries[0].GetJsonPayload().AsMap()); diff != "" {
		t.Errorf("payload mismatch (-want +got):\n%s", diff)
	}
	if got := entries[0].GetSeverity().String(); got != "INFO" {
		t.Errorf("severity = %s, want INFO", got)
	}
	res := entries[0].GetResource()
	if res.GetType() != "global" || res.GetLabels()["project_id"] != testProjectID {
		t.Errorf("resource = %v, want global resource of %s", res, testProjectID)
	}
	if !strings.Contains(local.String(), "msg=\"backend selected\"") {
		t.Errorf("local log missing record: %q", local.String())
	}
}
