package minilog

import (
	"bufio"
	"os"
	"strings"
	"testing"
)

func tempLogFile(t *testing.T) *os.File {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "minilog")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { f.Close() })
	return f
}

func readAll(t *testing.T, f *os.File) string {
	t.Helper()
	if _, err := f.Seek(0, 0); err != nil {
		t.Fatal(err)
	}
	var sb strings.Builder
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		sb.WriteString(sc.Text())
		sb.WriteString("\n")
	}
	return sb.String()
}

func TestParseLevel(t *testing.T) {
	cases := map[string]Level{
		"debug": DEBUG,
		"info":  INFO,
		"warn":  WARN,
		"error": ERROR,
		"fatal": FATAL,
	}
	for s, want := range cases {
		got, err := ParseLevel(s)
		if err != nil {
			t.Errorf("ParseLevel(%q): %v", s, err)
		}
		if got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", s, got, want)
		}
	}
	if _, err := ParseLevel("bogus"); err == nil {
		t.Error("expected error for invalid level")
	}
}

func TestLevelString(t *testing.T) {
	if DEBUG.String() != "DEBUG" || Level(99).String() != "UNKNOWN" {
		t.Errorf("DEBUG.String() = %q, Level(99).String() = %q", DEBUG.String(), Level(99).String())
	}
}

func TestAddLoggerFiltersBelowLevel(t *testing.T) {
	defer DelLogger("test")
	f := tempLogFile(t)
	AddLogger("test", f, WARN)

	Info("this should be filtered out")
	Warn("this should appear")

	out := readAll(t, f)
	if strings.Contains(out, "filtered out") {
		t.Errorf("INFO message should not appear at WARN level: %q", out)
	}
	if !strings.Contains(out, "this should appear") {
		t.Errorf("WARN message missing from output: %q", out)
	}
}

func TestSetLevelRejectsUnknownLogger(t *testing.T) {
	if err := SetLevel("no-such-logger", DEBUG); err == nil {
		t.Error("expected error setting level on an unregistered logger")
	}
}

func TestAddFilterSuppressesMatchingMessages(t *testing.T) {
	defer DelLogger("test-filter")
	f := tempLogFile(t)
	AddLogger("test-filter", f, DEBUG)

	if err := AddFilter("test-filter", "secret"); err != nil {
		t.Fatalf("AddFilter: %v", err)
	}

	Info("contains secret token")
	Info("safe to log")

	out := readAll(t, f)
	if strings.Contains(out, "secret") {
		t.Errorf("filtered message leaked into output: %q", out)
	}
	if !strings.Contains(out, "safe to log") {
		t.Errorf("unfiltered message missing: %q", out)
	}
}

func TestAddFilterRejectsUnknownLogger(t *testing.T) {
	if err := AddFilter("no-such-logger", "x"); err == nil {
		t.Error("expected error adding a filter to an unregistered logger")
	}
}
