//go:build darwin

package service

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// launchctl runs launchctl; tests replace it.
var launchctl = func(args ...string) (string, error) {
	out, err := exec.Command("launchctl", args...).CombinedOutput()
	if err != nil {
		return string(out), fmt.Errorf("launchctl %v: %s: %w", args, out, err)
	}
	return string(out), nil
}

type darwinService struct {
	opts Options
}

// New creates a new platform-specific service manager
func New(opts Options) Service {
	return &darwinService{opts: opts}
}

func (s *darwinService) plistPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, "Library", "LaunchAgents", launchAgentLabel+".plist")
}

func (s *darwinService) logDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, "Library", "Logs", appName)
}

func (s *darwinService) Install() error {
	if s.IsInstalled() {
		return ErrAlreadyInstalled
	}

	execPath, err := executablePath()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(s.logDir(), 0755); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}

	agent := newLaunchAgent(execPath, s.logDir(), s.opts)
	if err := writeTemplate(s.plistPath(), plistTemplate, agent); err != nil {
		return err
	}

	_, err = launchctl("load", "-w", s.plistPath())
	return err
}

func (s *darwinService) Uninstall() error {
	if !s.IsInstalled() {
		return ErrNotInstalled
	}

	// Not loaded is fine.
	_, _ = launchctl("unload", "-w", s.plistPath())

	if err := os.Remove(s.plistPath()); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove plist file: %w", err)
	}
	return nil
}

func (s *darwinService) IsInstalled() bool {
	_, err := os.Stat(s.plistPath())
	return err == nil
}

func (s *darwinService) Status() (string, error) {
	if !s.IsInstalled() {
		return "not installed", nil
	}
	out, err := launchctl("list", launchAgentLabel)
	if err == nil && strings.Contains(out, `"PID"`) {
		return "running", nil
	}
	return "installed but not running", nil
}
