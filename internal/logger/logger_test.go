package logger

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func readLog(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	return string(data)
}

func TestPrintlnKeepsPercentLiterals(t *testing.T) {
	path := filepath.Join(t.TempDir(), "coyoted.log")
	l, err := New(path, 1, 1, false)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer l.Close()

	l.Println("battery at 88% of capacity")

	got := readLog(t, path)
	if !strings.Contains(got, "battery at 88% of capacity") {
		t.Fatalf("log = %q, message missing", got)
	}
	if strings.Contains(got, "%!") {
		t.Fatalf("log = %q, percent literal mangled as a format verb", got)
	}
}

func TestDebugGatedByMode(t *testing.T) {
	path := filepath.Join(t.TempDir(), "coyoted.log")
	l, err := New(path, 1, 1, false)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer l.Close()

	l.Debug("hidden %d", 1)
	l.Info("always shown")
	l.SetDebug(true)
	l.Debug("visible %d", 2)

	got := readLog(t, path)
	if strings.Contains(got, "hidden") {
		t.Fatalf("log = %q, debug line leaked with debug off", got)
	}
	if !strings.Contains(got, "always shown") {
		t.Fatalf("log = %q, info line missing", got)
	}
	if !strings.Contains(got, "visible 2") {
		t.Fatalf("log = %q, debug line missing with debug on", got)
	}
}

func TestRotationKeepsBackup(t *testing.T) {
	path := filepath.Join(t.TempDir(), "coyoted.log")
	l, err := New(path, 1, 2, false)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer l.Close()
	l.maxBytes = 256

	for i := 0; i < 20; i++ {
		l.Printf("session state change number %02d with some padding", i)
	}

	if _, err := os.Stat(path + ".1"); err != nil {
		t.Fatalf("no rotated backup after exceeding the size budget: %v", err)
	}
	got := readLog(t, path)
	if !strings.Contains(got, "number 19") {
		t.Fatalf("active log = %q, latest line missing after rotation", got)
	}
}
