//go:build linux

package tray

// TrayApp is inert on Linux; the gateway runs headless under systemd.
type TrayApp struct{}

func New(serverAddr string, onQuit func()) *TrayApp {
	return &TrayApp{}
}

func (t *TrayApp) RunWithServer(serverStart func()) {
	if serverStart != nil {
		serverStart()
	}
}

func (t *TrayApp) SetReaderCount(count int) {}

func Quit() {}

// IsSupported returns false; there is no tray on Linux.
func IsSupported() bool {
	return false
}
