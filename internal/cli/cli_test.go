package cli

import (
	"testing"
	"time"
)

func TestParseExportTime(t *testing.T) {
	day, err := parseExportTime("2026-09-01")
	if err != nil {
		t.Fatalf("date: %v", err)
	}
	if !day.Equal(time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("date parsed as %s", day)
	}

	ts, err := parseExportTime("2026-09-01T09:30:00+09:00")
	if err != nil {
		t.Fatalf("rfc3339: %v", err)
	}
	if !ts.Equal(time.Date(2026, 9, 1, 0, 30, 0, 0, time.UTC)) {
		t.Fatalf("timestamp parsed as %s", ts)
	}

	if _, err := parseExportTime("yesterday"); err == nil {
		t.Fatal("free-form input should fail")
	}
}

func TestCommandsRegistered(t *testing.T) {
	want := []string{"run", "scan", "dispatch", "show", "export", "simulate-alert", "migrate", "version"}
	for _, name := range want {
		cmd, _, err := rootCmd.Find([]string{name})
		if err != nil || cmd.Name() != name {
			t.Fatalf("command %q not registered", name)
		}
	}
}
