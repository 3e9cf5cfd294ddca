//go:build darwin

package welcome

import (
	"os/exec"
	"strings"
)

const aboutTitle = "About Tacho Gateway"

// ShowAbout displays a native about dialog on macOS
func ShowAbout(version, addr string) {
	script := `display dialog "` + escapeAppleScript(AboutText(version, addr)) + `" with title "` + aboutTitle + `" buttons {"OK"} default button 1 with icon note`
	exec.Command("osascript", "-e", script).Run()
}

func escapeAppleScript(s string) string {
	return strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(s)
}
