//go:build darwin

package service

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestInstallUninstall(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	var calls [][]string
	running := false
	orig := launchctl
	launchctl = func(args ...string) (string, error) {
		calls = append(calls, args)
		switch args[0] {
		case "load":
			running = true
		case "list":
			if running {
				return `{ "PID" = 4242; };`, nil
			}
			return "", errors.New("not loaded")
		}
		return "", nil
	}
	t.Cleanup(func() { launchctl = orig })

	svc := New(Options{Env: map[string]string{}})
	if status, _ := svc.Status(); status != "not installed" {
		t.Errorf("Status() = %q", status)
	}
	if err := svc.Install(); err != nil {
		t.Fatalf("Install() error = %v", err)
	}
	plist, err := os.ReadFile(filepath.Join(home, "Library", "LaunchAgents", launchAgentLabel+".plist"))
	if err != nil {
		t.Fatalf("plist not written: %v", err)
	}
	if !strings.Contains(string(plist), "<string>-no-tray</string>") {
		t.Errorf("plist should run headless:\n%s", plist)
	}
	if status, _ := svc.Status(); status != "running" {
		t.Errorf("Status() = %q, want running", status)
	}
	if err := svc.Install(); !errors.Is(err, ErrAlreadyInstalled) {
		t.Errorf("second Install() error = %v", err)
	}

	if err := svc.Uninstall(); err != nil {
		t.Fatalf("Uninstall() error = %v", err)
	}
	if svc.IsInstalled() {
		t.Error("IsInstalled() = true after uninstall")
	}
	if len(calls) == 0 || calls[0][0] != "list" {
		t.Errorf("launchctl calls = %v", calls)
	}
}
