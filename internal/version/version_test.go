package version

import "testing"

func TestString(t *testing.T) {
	Version, Commit, BuildDate = "v1.0.0", "abc123", "2026-09-01"
	t.Cleanup(func() { Version, Commit, BuildDate = "dev", "unknown", "unknown" })

	if got, want := String(), "ratealert v1.0.0 (commit abc123, built 2026-09-01)"; got != want {
		t.Fatalf("String() = %q, want %q", got, want)
	}
}
