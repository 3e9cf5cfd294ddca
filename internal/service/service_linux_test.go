//go:build linux

package service

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func stubSystemctl(t *testing.T) *[][]string {
	t.Helper()
	var calls [][]string
	orig := systemctl
	systemctl = func(args ...string) error {
		calls = append(calls, args)
		if args[0] == "is-active" {
			return errors.New("inactive")
		}
		return nil
	}
	t.Cleanup(func() { systemctl = orig })
	return &calls
}

func TestInstallUninstall(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)
	calls := stubSystemctl(t)

	svc := New(Options{
		ConfigPath: "/srv/tacho/config.json",
		Env:        map[string]string{"TACHO_GATEWAY_PORT": "9000"},
	})
	if svc.IsInstalled() {
		t.Fatal("IsInstalled() = true before install")
	}
	if status, _ := svc.Status(); status != "not installed" {
		t.Errorf("Status() = %q", status)
	}

	if err := svc.Install(); err != nil {
		t.Fatalf("Install() error = %v", err)
	}
	unit, err := os.ReadFile(filepath.Join(dir, "systemd", "user", "tacho-gateway.service"))
	if err != nil {
		t.Fatalf("unit file not written: %v", err)
	}
	for _, want := range []string{
		`"-no-tray" "-config" "/srv/tacho/config.json"`,
		`Environment="TACHO_GATEWAY_PORT=9000"`,
	} {
		if !strings.Contains(string(unit), want) {
			t.Errorf("unit missing %s:\n%s", want, unit)
		}
	}
	if len(*calls) != 2 || (*calls)[1][0] != "enable" {
		t.Errorf("systemctl calls = %v, want daemon-reload then enable", *calls)
	}

	if err := svc.Install(); !errors.Is(err, ErrAlreadyInstalled) {
		t.Errorf("second Install() error = %v, want ErrAlreadyInstalled", err)
	}
	if status, _ := svc.Status(); status != "installed but not running" {
		t.Errorf("Status() = %q", status)
	}

	if err := svc.Uninstall(); err != nil {
		t.Fatalf("Uninstall() error = %v", err)
	}
	if svc.IsInstalled() {
		t.Error("IsInstalled() = true after uninstall")
	}
	if err := svc.Uninstall(); !errors.Is(err, ErrNotInstalled) {
		t.Errorf("second Uninstall() error = %v, want ErrNotInstalled", err)
	}
}
