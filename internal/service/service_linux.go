//go:build linux

package service

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"text/template"
)

var unitTemplate = template.Must(template.New("unit").Funcs(template.FuncMap{
	"quote": strconv.Quote,
}).Parse(`[Unit]
Description=Tacho Gateway - tachograph card access gateway
After=pcscd.service network-online.target

[Service]
Type=simple
ExecStart={{quote .ExecutablePath}}{{range .Args}} {{quote .}}{{end}}
{{- range $k, $v := .Env}}
Environment={{quote (printf "%s=%s" $k $v)}}
{{- end}}
Restart=on-failure
RestartSec=5

[Install]
WantedBy=default.target
`))

// systemctl runs "systemctl --user"; tests replace it.
var systemctl = func(args ...string) error {
	out, err := exec.Command("systemctl", append([]string{"--user"}, args...)...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("systemctl %v: %s: %w", args, out, err)
	}
	return nil
}

type linuxService struct {
	opts Options
}

// New creates a new platform-specific service manager
func New(opts Options) Service {
	return &linuxService{opts: opts}
}

func (s *linuxService) unitPath() string {
	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		home, _ := os.UserHomeDir()
		configDir = filepath.Join(home, ".config")
	}
	return filepath.Join(configDir, "systemd", "user", appName+".service")
}

func (s *linuxService) Install() error {
	if s.IsInstalled() {
		return ErrAlreadyInstalled
	}

	execPath, err := executablePath()
	if err != nil {
		return err
	}

	data := struct {
		ExecutablePath string
		Args           []string
		Env            map[string]string
	}{execPath, s.opts.args(), s.opts.environment()}
	if err := writeTemplate(s.unitPath(), unitTemplate, data); err != nil {
		return err
	}

	if err := systemctl("daemon-reload"); err != nil {
		return err
	}
	return systemctl("enable", "--now", appName+".service")
}

func (s *linuxService) Uninstall() error {
	if !s.IsInstalled() {
		return ErrNotInstalled
	}

	// Not running is fine.
	_ = systemctl("disable", "--now", appName+".service")

	if err := os.Remove(s.unitPath()); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove unit file: %w", err)
	}
	return systemctl("daemon-reload")
}

func (s *linuxService) IsInstalled() bool {
	_, err := os.Stat(s.unitPath())
	return err == nil
}

func (s *linuxService) Status() (string, error) {
	if !s.IsInstalled() {
		return "not installed", nil
	}
	if err := systemctl("is-active", "--quiet", appName+".service"); err == nil {
		return "running", nil
	}
	return "installed but not running", nil
}
