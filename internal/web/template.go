package web

import (
	"fmt"
	"html/template"
	"io"
	"math"
	"time"

	"github.com/sweeney/iono-daq/internal/status"
)

var indexTmpl = template.Must(template.New("index").Funcs(template.FuncMap{
	"uptime": func(d time.Duration) string {
		d = d.Truncate(time.Second)
		days := int(d.Hours()) / 24
		h := int(d.Hours()) % 24
		m := int(d.Minutes()) % 60
		s := int(d.Seconds()) % 60
		if days > 0 {
			return fmt.Sprintf("%dd %dh %dm %ds", days, h, m, s)
		}
		if h > 0 {
			return fmt.Sprintf("%dh %dm %ds", h, m, s)
		}
		if m > 0 {
			return fmt.Sprintf("%dm %ds", m, s)
		}
		return fmt.Sprintf("%ds", s)
	},
	"value": func(v float64) string {
		if math.IsNaN(v) {
			return "n/a"
		}
		return fmt.Sprintf("%.3f", v)
	},
	"onOff": func(b bool) string {
		if b {
			return "ON"
		}
		return "OFF"
	},
	"when": func(t time.Time) string {
		if t.IsZero() {
			return "never"
		}
		return t.UTC().Format("2006-01-02T15:04:05Z")
	},
}).Parse(indexHTML))

const indexHTML = `<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<meta http-equiv="refresh" content="10">
<title>{{.Config.Station}} - iono-daq</title>
<style>
body { font-family: monospace; max-width: 700px; margin: 2em auto; padding: 0 1em; }
h1 { font-size: 1.4em; }
table { border-collapse: collapse; width: 100%; margin: 1em 0; }
td, th { text-align: left; padding: 4px 8px; border-bottom: 1px solid #ddd; }
th { width: 40%; }
.on { color: green; font-weight: bold; }
.off { color: #888; }
.unknown { color: orange; }
.connected { color: green; }
.disconnected { color: red; }
.alarm { color: red; font-weight: bold; }
</style>
</head>
<body>
<h1>{{.Config.Station}}</h1>

{{if .Enabled.Analog}}<h2>Analog Inputs</h2>
<table>
{{range .Channels.AnalogInputs}}<tr><th>{{.Name}}</th><td class="{{if eq (value .Value) "n/a"}}unknown{{end}}">{{value .Value}}</td></tr>
{{end}}</table>{{end}}

{{if .Enabled.OneWire}}<h2>Temperatures</h2>
<table>
{{range .Channels.OneWire}}<tr><th>{{.Name}}{{if .Code}} ({{.Code}}){{end}}</th><td class="{{if eq (value .Value) "n/a"}}unknown{{end}}">{{value .Value}}</td></tr>
{{end}}</table>{{end}}

{{if .Enabled.Digital}}<h2>Digital Inputs</h2>
<table>
{{range .Channels.DigitalInputs}}<tr><th>{{.Name}}</th><td class="{{if .Status.Bool}}on{{else}}off{{end}}">{{.Status}}</td></tr>
{{end}}</table>{{end}}

<h2>Outputs</h2>
<table>
{{if .Enabled.Relays}}{{range .Channels.Relays}}<tr><th>{{.Name}}</th><td class="{{if .Status}}on{{else}}off{{end}}">{{onOff .Status}}</td></tr>
{{end}}{{end}}{{if .Enabled.OpenCollectors}}{{range .Channels.OpenCollectors}}<tr><th>{{.Name}}</th><td class="{{if .Status}}on{{else}}off{{end}}">{{onOff .Status}}</td></tr>
{{end}}{{end}}{{if and .Enabled.LED .Channels.LED}}<tr><th>{{.Channels.LED.Name}}</th><td class="{{if .Channels.LED.Status}}on{{else}}off{{end}}">{{onOff .Channels.LED.Status}}</td></tr>
{{end}}</table>

{{if .ActiveAlarms}}<h2>Alarms</h2>
<table>
{{range $series, $bound := .ActiveAlarms}}<tr><th>{{$series}}</th><td class="alarm">{{$bound}}</td></tr>
{{end}}</table>{{end}}

<h2>Connectivity</h2>
<table>
<tr><th>MQTT</th><td class="{{if .MQTTConnected}}connected{{else}}disconnected{{end}}">{{if .MQTTConnected}}connected{{else}}disconnected{{end}}</td></tr>
<tr><th>Broker</th><td>{{.Config.Broker}}</td></tr>
{{if .Network}}<tr><th>Network</th><td>{{.Network.Status}} ({{.Network.Type}}{{if .Network.SSID}}, {{.Network.SSID}}{{end}})</td></tr>
<tr><th>IP</th><td>{{.Network.IP}}</td></tr>{{end}}
</table>

<h2>Acquisition</h2>
<table>
<tr><th>Ready</th><td>{{if .Ready}}yes{{else}}no{{end}}</td></tr>
<tr><th>Last poll</th><td>{{when .LastPoll}}</td></tr>
<tr><th>Last mean</th><td>{{when .LastStore}}</td></tr>
<tr><th>Polls</th><td>{{.Counts.Polls}} ({{.Counts.PollErrors}} failed)</td></tr>
<tr><th>Means</th><td>{{.Counts.Stores}} ({{.Counts.StoreErrors}} failed)</td></tr>
<tr><th>Input events</th><td>{{.Counts.Events}}</td></tr>
<tr><th>Alarm transitions</th><td>{{.Counts.Alarms}}</td></tr>
</table>

<h2>System</h2>
<table>
<tr><th>Uptime</th><td>{{uptime .Uptime}}</td></tr>
<tr><th>Started</th><td>{{.StartTime.UTC.Format "2006-01-02T15:04:05Z"}}</td></tr>
<tr><th>Poll period</th><td>{{.Config.PollSeconds}}s</td></tr>
<tr><th>Mean period</th><td>{{.Config.MeanSeconds}}s</td></tr>
<tr><th>Debounce</th><td>{{.Config.DebounceMs}}ms ({{.Config.Edge}})</td></tr>
<tr><th>Data</th><td>{{.Config.DataDir}}</td></tr>
<tr><th>HTTP</th><td>{{.Config.HTTPAddr}}</td></tr>
</table>

<p><a href="/index.json">JSON</a> | <a href="/metrics">metrics</a></p>
</body>
</html>
`

func renderHTML(w io.Writer, snap status.Snapshot) error {
	// Snapshot has Uptime() method but template needs a Duration field.
	data := struct {
		status.Snapshot
		Uptime time.Duration
	}{
		Snapshot: snap,
		Uptime:   snap.Uptime(),
	}
	return indexTmpl.Execute(w, data)
}
