package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func useTempCrashDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	SetCrashLogDir(dir)
	t.Cleanup(func() { SetCrashLogDir("") })
	return dir
}

func TestCrashLogDir(t *testing.T) {
	if CrashLogDir() == "" {
		t.Error("CrashLogDir returned empty string")
	}

	dir := useTempCrashDir(t)
	if got := CrashLogDir(); got != dir {
		t.Errorf("CrashLogDir() = %q, want override %q", got, dir)
	}
}

func TestWriteAndReadCrashLog(t *testing.T) {
	useTempCrashDir(t)

	path, err := WriteCrashLog("relay engine exploded", []byte("goroutine 1 [running]"))
	if err != nil {
		t.Fatalf("WriteCrashLog() error = %v", err)
	}

	name := filepath.Base(path)
	content, err := ReadCrashLog(name)
	if err != nil {
		t.Fatalf("ReadCrashLog(%q) error = %v", name, err)
	}
	if !strings.Contains(content, "Tacho Gateway Crash Report") {
		t.Error("crash log is missing its header")
	}
	if !strings.Contains(content, "relay engine exploded") {
		t.Error("crash log is missing the panic value")
	}

	logs, err := GetCrashLogs(10)
	if err != nil {
		t.Fatalf("GetCrashLogs() error = %v", err)
	}
	if len(logs) != 1 || logs[0].Name != name {
		t.Fatalf("GetCrashLogs() = %+v, want one entry named %q", logs, name)
	}
}

func TestReadCrashLogRejectsPaths(t *testing.T) {
	useTempCrashDir(t)

	for _, name := range []string{"../settings.json", "/etc/passwd", "notes.txt"} {
		if _, err := ReadCrashLog(name); err == nil {
			t.Errorf("ReadCrashLog(%q) should fail", name)
		}
	}
}

func TestGetCrashLogsMissingDir(t *testing.T) {
	SetCrashLogDir(filepath.Join(t.TempDir(), "missing"))
	t.Cleanup(func() { SetCrashLogDir("") })

	logs, err := GetCrashLogs(5)
	if err != nil {
		t.Fatalf("GetCrashLogs() error = %v", err)
	}
	if len(logs) != 0 {
		t.Errorf("expected no crash logs, got %d", len(logs))
	}
}

func TestCleanupOldCrashLogs(t *testing.T) {
	tmpDir := t.TempDir()

	numFiles := MaxCrashLogs + 5
	for i := 0; i < numFiles; i++ {
		timestamp := time.Now().Add(time.Duration(-numFiles+i) * time.Hour).Format("2006-01-02_15-04-05")
		path := filepath.Join(tmpDir, "crash_"+timestamp+".log")
		if err := os.WriteFile(path, []byte("test"), 0644); err != nil {
			t.Fatalf("Failed to create test file: %v", err)
		}
	}

	nonCrashFile := filepath.Join(tmpDir, "other.log")
	if err := os.WriteFile(nonCrashFile, []byte("test"), 0644); err != nil {
		t.Fatalf("Failed to create non-crash file: %v", err)
	}

	cleanupOldCrashLogs(tmpDir, time.Now())

	entries, err := os.ReadDir(tmpDir)
	if err != nil {
		t.Fatalf("Failed to read temp dir: %v", err)
	}

	crashLogCount := 0
	hasNonCrashFile := false
	for _, entry := range entries {
		if entry.Name() == "other.log" {
			hasNonCrashFile = true
		} else if isCrashLog(entry.Name()) {
			crashLogCount++
		}
	}

	if crashLogCount != MaxCrashLogs {
		t.Errorf("Expected %d crash logs, got %d", MaxCrashLogs, crashLogCount)
	}
	if !hasNonCrashFile {
		t.Error("Non-crash file was incorrectly deleted")
	}
}

func TestCleanupOldCrashLogsByAge(t *testing.T) {
	tmpDir := t.TempDir()

	oldFile := filepath.Join(tmpDir, "crash_2020-01-01_00-00-00.log")
	if err := os.WriteFile(oldFile, []byte("old"), 0644); err != nil {
		t.Fatalf("Failed to create old file: %v", err)
	}
	oldTime := time.Now().Add(-60 * 24 * time.Hour)
	if err := os.Chtimes(oldFile, oldTime, oldTime); err != nil {
		t.Fatalf("Failed to set mod time: %v", err)
	}

	recentFile := filepath.Join(tmpDir, "crash_2099-01-01_00-00-00.log")
	if err := os.WriteFile(recentFile, []byte("recent"), 0644); err != nil {
		t.Fatalf("Failed to create recent file: %v", err)
	}

	cleanupOldCrashLogs(tmpDir, time.Now())

	if _, err := os.Stat(oldFile); !os.IsNotExist(err) {
		t.Error("Old crash log was not deleted")
	}
	if _, err := os.Stat(recentFile); os.IsNotExist(err) {
		t.Error("Recent crash log was incorrectly deleted")
	}
}

func TestRecoverAndLogFunc(t *testing.T) {
	useTempCrashDir(t)
	Init(10, LevelDebug)
	Get().SetStderr(false)

	var gotValue interface{}
	var gotFile string
	func() {
		defer RecoverAndLogFunc("test worker", false, func(v interface{}, file string) {
			gotValue = v
			gotFile = file
		})
		panic("boom")
	}()

	if gotValue != "boom" {
		t.Errorf("onPanic value = %v, want boom", gotValue)
	}
	if gotFile == "" {
		t.Error("expected a crash file to be written")
	}

	cat := CatSystem
	if entries := Get().GetEntries(10, nil, &cat); len(entries) == 0 {
		t.Error("expected the panic to be logged")
	}
}
