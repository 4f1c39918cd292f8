package logger

import (
	"bytes"
	"errors"
	"os"
	"strings"
	"testing"
)

func captureOutput(t *testing.T, level string) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	SetOutput(&buf)
	Init(level)
	t.Cleanup(func() {
		SetOutput(os.Stdout)
		Init("info")
	})
	return &buf
}

func TestSetInstance_AddsAppID(t *testing.T) {
	buf := captureOutput(t, "info")
	SetInstance("instance-42")

	Info().Msg("hello")

	if !strings.Contains(buf.String(), `"app_id":"instance-42"`) {
		t.Errorf("log line should carry app_id, got %s", buf.String())
	}
}

func TestCronLogger_Error(t *testing.T) {
	buf := captureOutput(t, "info")

	CronLogger("cron-trigger").Error(errors.New("boom"), "job panicked", "entry", 3)

	out := buf.String()
	for _, want := range []string{`"component":"cron-trigger"`, `"error":"boom"`, `"entry":3`, "job panicked"} {
		if !strings.Contains(out, want) {
			t.Errorf("output %s should contain %s", out, want)
		}
	}
}

func TestCronLogger_InfoIsDebugLevel(t *testing.T) {
	buf := captureOutput(t, "info")

	CronLogger("cron-trigger").Info("wake", "now", "x")

	if buf.Len() != 0 {
		t.Errorf("cron info messages should be suppressed at info level, got %s", buf.String())
	}
}

func TestAsynqLogger_Warn(t *testing.T) {
	buf := captureOutput(t, "info")

	AsynqLogger("worker").Warn("retrying ", "task")

	if !strings.Contains(buf.String(), "retrying task") {
		t.Errorf("unexpected output %s", buf.String())
	}
}
