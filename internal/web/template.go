package web

import (
	"fmt"
	"html/template"
	"io"
	"log"
	"time"

	"github.com/sweeney/irrigation-controller/internal/status"
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
	"secs": func(d time.Duration) string {
		return d.Truncate(time.Second).String()
	},
	"depth": func(d *float64) string {
		if d == nil {
			return "no reading"
		}
		return fmt.Sprintf("%.1f cm", *d)
	},
}).Parse(indexHTML))

const indexHTML = `<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>Irrigation</title>
<style>
body { font-family: monospace; max-width: 600px; margin: 2em auto; padding: 0 1em; }
h1 { font-size: 1.4em; }
table { border-collapse: collapse; width: 100%; margin: 1em 0; }
td, th { text-align: left; padding: 4px 8px; border-bottom: 1px solid #ddd; }
th { width: 40%; }
.on { color: green; font-weight: bold; }
.off { color: #888; }
.connected { color: green; }
.disconnected { color: red; }
form { display: inline; }
</style>
</head>
<body>
<h1>Irrigation{{if .Controller.Simulated}} (simulated){{end}}</h1>

<h2>Reservoir</h2>
<table>
<tr><th>Depth</th><td id="depth">{{depth .Controller.Depth}}</td></tr>
<tr><th>Scheduler</th><td class="{{if .Controller.SchedulerEnabled}}on{{else}}off{{end}}">{{if .Controller.SchedulerEnabled}}enabled{{else}}disabled{{end}}</td></tr>
<tr><th>Sequence</th><td>{{.Controller.Sequence.Phase}}{{if .Controller.Sequence.Valve}} {{.Controller.Sequence.Valve}}{{end}}{{if .Controller.Sequence.Remaining}} ({{secs .Controller.Sequence.Remaining}} left){{end}}</td></tr>
<tr><th>Last 24h</th><td>{{printf "%.1f" .Controller.TotalMinutes24h}} min</td></tr>
</table>

<h2>Valves</h2>
<table>
<tr><th>Valve</th><td>State</td><td>Last run</td></tr>
{{range .Controller.Valves}}<tr><th>{{.Name}} ({{.ID}})</th><td class="{{.State}}">{{.State}}</td><td>{{secs .RunTime}}</td></tr>
{{end}}</table>

<h2>Connectivity</h2>
<table>
<tr><th>MQTT</th><td class="{{if .MQTTConnected}}connected{{else}}disconnected{{end}}">{{if .MQTTConnected}}connected{{else}}disconnected{{end}}</td></tr>
<tr><th>Broker</th><td>{{.Config.Broker}}</td></tr>
{{if .Network}}<tr><th>Network</th><td>{{.Network.Status}} ({{.Network.Type}}{{if .Network.SSID}}, {{.Network.SSID}}{{end}})</td></tr>
<tr><th>IP</th><td>{{.Network.IP}}</td></tr>{{end}}
</table>

<h2>System</h2>
<table>
<tr><th>Uptime</th><td>{{uptime .Uptime}}</td></tr>
<tr><th>Started</th><td>{{.StartTime.UTC.Format "2006-01-02T15:04:05Z"}}</td></tr>
<tr><th>Threshold</th><td>{{.Config.DepthThreshold}} cm{{if .Config.UseStabilityLogic}} (stability){{end}}</td></tr>
<tr><th>Critical</th><td>{{.Config.CriticalDepth}} cm</td></tr>
{{if .Config.Window}}<tr><th>Window</th><td>{{.Config.Window}}</td></tr>{{end}}
<tr><th>Heartbeat</th><td>{{if eq .Config.HeartbeatMs 0}}disabled{{else}}{{.Config.HeartbeatMs}}ms{{end}}</td></tr>
<tr><th>HTTP</th><td>{{.Config.HTTPAddr}}</td></tr>
</table>

<p><a href="/index.json">JSON</a> | <a href="/metrics">metrics</a></p>
</body>
</html>
`

func renderHTML(w io.Writer, snap status.Snapshot) {
	// Snapshot has Uptime() method but template needs a Duration field.
	data := struct {
		status.Snapshot
		Uptime time.Duration
	}{
		Snapshot: snap,
		Uptime:   snap.Uptime(),
	}
	if err := indexTmpl.Execute(w, data); err != nil {
		log.Printf("web: render: %v", err)
	}
}
