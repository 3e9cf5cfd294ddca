//go:build !linux

package tray

import (
	"fmt"
	"os/exec"
	"runtime"
	"sync"

	"github.com/getlantern/systray"
	"github.com/pinme/tacho-gateway/internal/api"
	"github.com/pinme/tacho-gateway/internal/welcome"
)

// TrayApp manages the system tray icon and menu
type TrayApp struct {
	serverAddr  string
	onQuit      func()
	readerCount int
	mu          sync.Mutex

	// Menu items for updating
	mStatus  *systray.MenuItem
	mReaders *systray.MenuItem
}

// New creates a new TrayApp instance
func New(serverAddr string, onQuit func()) *TrayApp {
	return &TrayApp{
		serverAddr:  serverAddr,
		onQuit:      onQuit,
		readerCount: -1,
	}
}

// RunWithServer runs the tray on the main thread and starts the server in a goroutine.
// This function BLOCKS - it must be called from the main goroutine on macOS.
func (t *TrayApp) RunWithServer(serverStart func()) {
	systray.Run(func() {
		t.onReady()
		if serverStart != nil {
			go serverStart()
		}
	}, t.onExit)
}

// Quit closes the tray; RunWithServer returns afterwards.
func Quit() {
	systray.Quit()
}

func (t *TrayApp) onReady() {
	systray.SetIcon(iconData)
	systray.SetTitle("") // Empty title for cleaner menu bar (macOS)
	systray.SetTooltip("Tacho Gateway")

	// Only add "v" prefix for release versions, not for dev builds
	versionStr := api.Version
	if len(versionStr) > 0 && versionStr[0] >= '0' && versionStr[0] <= '9' {
		versionStr = "v" + versionStr
	}
	mVersion := systray.AddMenuItem(fmt.Sprintf("Tacho Gateway %s", versionStr), "")
	mVersion.Disable()

	systray.AddSeparator()

	t.mu.Lock()
	t.mStatus = systray.AddMenuItem("Status: Running", "Server status")
	t.mStatus.Disable()
	t.mReaders = systray.AddMenuItem(readerTitle(t.readerCount), "Card readers with a card inserted")
	t.mReaders.Disable()
	t.mu.Unlock()

	systray.AddSeparator()

	mOpenUI := systray.AddMenuItem("Open Status Page", "Open health page in browser")
	mAbout := systray.AddMenuItem("About", "About Tacho Gateway")

	systray.AddSeparator()

	mQuit := systray.AddMenuItem("Quit", "Exit Tacho Gateway")

	go func() {
		for {
			select {
			case <-mOpenUI.ClickedCh:
				t.openBrowser(fmt.Sprintf("http://%s/v1/health", t.serverAddr))
			case <-mAbout.ClickedCh:
				go welcome.ShowAbout(api.Version, t.serverAddr)
			case <-mQuit.ClickedCh:
				systray.Quit()
				return
			}
		}
	}()
}

func (t *TrayApp) onExit() {
	if t.onQuit != nil {
		t.onQuit()
	}
}

// SetReaderCount updates the displayed reader count. It is a scan observer.
func (t *TrayApp) SetReaderCount(count int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.readerCount = count
	if t.mReaders != nil {
		t.mReaders.SetTitle(readerTitle(count))
	}
}

func readerTitle(count int) string {
	switch {
	case count < 0:
		return "Readers: Checking..."
	case count == 0:
		return "Readers: None connected"
	case count == 1:
		return "Readers: 1 connected"
	default:
		return fmt.Sprintf("Readers: %d connected", count)
	}
}

func (t *TrayApp) openBrowser(url string) {
	var cmd *exec.Cmd

	switch runtime.GOOS {
	case "darwin":
		cmd = exec.Command("open", url)
	case "windows":
		cmd = exec.Command("rundll32", "url.dll,FileProtocolHandler", url)
	default:
		cmd = exec.Command("xdg-open", url)
	}

	cmd.Start()
}

// IsSupported returns true if the system tray is supported on this platform
func IsSupported() bool {
	return true
}
