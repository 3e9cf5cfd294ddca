// Package welcome shows native informational dialogs for the tray app.
package welcome

import "fmt"

// AboutText is the body of the about dialog.
func AboutText(version, addr string) string {
	return fmt.Sprintf(`Tacho Gateway

Gives fleet software access to the tachograph company cards plugged into this computer, and relays them to the download server.

Status page: http://%s/v1/health
Version: %s`, addr, version)
}
