// Package service installs the gateway as a per-user auto-start service.
package service

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/template"
)

const (
	appName   = "tacho-gateway"
	envPrefix = "TACHO_GATEWAY_"
)

var (
	ErrAlreadyInstalled = errors.New("service already installed")
	ErrNotInstalled     = errors.New("service not installed")
	ErrUnsupported      = errors.New("auto-start is not supported on this platform")
)

// Service manages the platform's auto-start entry for the gateway.
type Service interface {
	Install() error
	Uninstall() error
	IsInstalled() bool
	Status() (string, error)
}

// Options shape the installed entry so the service starts the gateway the
// way it is running now.
type Options struct {
	// ConfigPath is passed as -config when set. It should be absolute.
	ConfigPath string
	// Env is set in the service environment. Nil captures the
	// TACHO_GATEWAY_* variables of the installing process.
	Env map[string]string
}

// args returns the gateway arguments; the service always runs headless.
func (o Options) args() []string {
	args := []string{"-no-tray"}
	if o.ConfigPath != "" {
		args = append(args, "-config", o.ConfigPath)
	}
	return args
}

func (o Options) environment() map[string]string {
	if o.Env != nil {
		return o.Env
	}
	return gatewayEnv(os.Environ())
}

// gatewayEnv picks the gateway's own variables out of environ.
func gatewayEnv(environ []string) map[string]string {
	env := make(map[string]string)
	for _, kv := range environ {
		k, v, ok := strings.Cut(kv, "=")
		if ok && strings.HasPrefix(k, envPrefix) {
			env[k] = v
		}
	}
	return env
}

func executablePath() (string, error) {
	execPath, err := os.Executable()
	if err != nil {
		return "", fmt.Errorf("failed to get executable path: %w", err)
	}
	execPath, err = filepath.EvalSymlinks(execPath)
	if err != nil {
		return "", fmt.Errorf("failed to resolve executable path: %w", err)
	}
	return execPath, nil
}

// writeTemplate renders tmpl into path, creating its directory.
func writeTemplate(path string, tmpl *template.Template, data any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create %s: %w", filepath.Dir(path), err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	if err := tmpl.Execute(f, data); err != nil {
		f.Close()
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return f.Close()
}
