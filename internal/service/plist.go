package service

import (
	"bytes"
	"encoding/xml"
	"text/template"
)

const launchAgentLabel = "com.pinme.tacho-gateway"

var plistTemplate = template.Must(template.New("plist").Funcs(template.FuncMap{
	"xml": xmlEscape,
}).Parse(`<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
<dict>
    <key>Label</key>
    <string>{{xml .Label}}</string>
    <key>ProgramArguments</key>
    <array>
{{- range .Args}}
        <string>{{xml .}}</string>
{{- end}}
    </array>
{{- if .Env}}
    <key>EnvironmentVariables</key>
    <dict>
{{- range $k, $v := .Env}}
        <key>{{xml $k}}</key>
        <string>{{xml $v}}</string>
{{- end}}
    </dict>
{{- end}}
    <key>RunAtLoad</key>
    <true/>
    <key>KeepAlive</key>
    <dict>
        <key>SuccessfulExit</key>
        <false/>
    </dict>
    <key>ProcessType</key>
    <string>Background</string>
    <key>StandardOutPath</key>
    <string>{{xml .LogDir}}/tacho-gateway.log</string>
    <key>StandardErrorPath</key>
    <string>{{xml .LogDir}}/tacho-gateway.err</string>
</dict>
</plist>
`))

// launchAgent is the data behind a launchd property list.
type launchAgent struct {
	Label  string
	Args   []string // executable first
	Env    map[string]string
	LogDir string
}

func newLaunchAgent(execPath, logDir string, opts Options) launchAgent {
	return launchAgent{
		Label:  launchAgentLabel,
		Args:   append([]string{execPath}, opts.args()...),
		Env:    opts.environment(),
		LogDir: logDir,
	}
}

func xmlEscape(s string) string {
	var b bytes.Buffer
	xml.EscapeText(&b, []byte(s))
	return b.String()
}
