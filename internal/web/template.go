package web

import (
	"fmt"
	"html/template"
	"io"
	"time"

	"github.com/sweeney/terrarium-controller/internal/schedule"
	"github.com/sweeney/terrarium-controller/internal/status"
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
	"state": func(s schedule.State) string {
		return status.StateName(string(s))
	},
	"stateClass": func(s schedule.State) string {
		switch s {
		case schedule.StateOn:
			return "on"
		case schedule.StateOff:
			return "off"
		}
		return "unknown"
	},
	"clock": func(t time.Time, loc *time.Location) string {
		if t.IsZero() {
			return "-"
		}
		return t.In(loc).Format("15:04")
	},
	"age": func(t, now time.Time) string {
		return now.Sub(t).Truncate(time.Second).String()
	},
}).Parse(indexHTML))

const indexHTML = `<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>Terrarium Controller</title>
<style>
body { font-family: monospace; max-width: 720px; margin: 2em auto; padding: 0 1em; }
h1 { font-size: 1.4em; }
table { border-collapse: collapse; width: 100%; margin: 1em 0; }
td, th { text-align: left; padding: 4px 8px; border-bottom: 1px solid #ddd; }
th { width: 30%; }
.on { color: green; font-weight: bold; }
.off { color: #888; }
.unknown { color: orange; }
.stale { color: red; }
.connected { color: green; }
.disconnected { color: red; }
</style>
</head>
<body>
<h1>Terrarium Controller</h1>

<h2>Outputs</h2>
<table>
<tr><th>Output</th><td>State</td><td>Reason</td><td>Changes</td></tr>
{{range .Outputs}}<tr><th>{{.ID}} (pin {{.Pin}})</th><td class="{{stateClass .State}}">{{state .State}}{{if .Overridden}} (interlock){{end}}</td><td>{{.Reason}}{{if .LastError}}<br><span class="stale">{{.LastError}}</span>{{end}}</td><td>{{.Transitions}}</td></tr>
{{else}}<tr><td colspan="4">no outputs</td></tr>
{{end}}</table>

<h2>Sensors</h2>
<table>
{{range .Readings}}<tr><th>{{.Kind}}</th><td class="{{if .Stale}}stale{{end}}">{{printf "%.1f" .Value}} {{.Kind.Unit}}</td><td>{{age .ObservedAt $.Now}} ago{{if .Stale}} (stale){{end}}</td></tr>
{{else}}<tr><td>no readings</td></tr>
{{end}}</table>

<h2>Sun</h2>
<table>
{{if eq .Sun.Polar.String "normal"}}<tr><th>Sunrise</th><td>{{clock .Sun.Rise .Location}}</td></tr>
<tr><th>Sunset</th><td>{{clock .Sun.Set .Location}}</td></tr>
{{else}}<tr><th>Polar</th><td>{{.Sun.Polar}}</td></tr>{{end}}
<tr><th>Location</th><td>{{.Config.Latitude}}, {{.Config.Longitude}} ({{.Config.Timezone}})</td></tr>
</table>

<h2>Connectivity</h2>
<table>
<tr><th>MQTT</th><td class="{{if .MQTTConnected}}connected{{else}}disconnected{{end}}">{{if .MQTTConnected}}connected{{else}}disconnected{{end}}</td></tr>
<tr><th>Broker</th><td>{{.Config.Broker}}</td></tr>
{{if .Network}}<tr><th>Network</th><td>{{.Network.Status}} ({{.Network.Type}}{{if .Network.SSID}}, {{.Network.SSID}}{{end}})</td></tr>
<tr><th>IP</th><td>{{.Network.IP}}</td></tr>{{end}}
</table>

<h2>System</h2>
<table>
<tr><th>Phase</th><td>{{.Phase}}</td></tr>
<tr><th>Tick</th><td>{{.Tick}}</td></tr>
<tr><th>Write failures</th><td>{{.WriteFailures}}</td></tr>
<tr><th>Uptime</th><td>{{uptime .Uptime}}</td></tr>
<tr><th>Started</th><td>{{.StartTime.UTC.Format "2006-01-02T15:04:05Z"}}</td></tr>
<tr><th>Tick interval</th><td>{{.Config.TickMs}}ms</td></tr>
<tr><th>Heartbeat</th><td>{{if eq .Config.HeartbeatMs 0}}disabled{{else}}{{.Config.HeartbeatMs}}ms{{end}}</td></tr>
<tr><th>HTTP</th><td>{{.Config.HTTPAddr}}</td></tr>
</table>

<p><a href="/index.json">JSON</a> | <a href="/metrics">metrics</a></p>
</body>
</html>
`

func renderHTML(w io.Writer, snap status.Snapshot) {
	loc := time.Local
	if l, err := time.LoadLocation(snap.Config.Timezone); err == nil && snap.Config.Timezone != "" {
		loc = l
	}
	// Snapshot has Uptime() method but template needs a Duration field.
	data := struct {
		status.Snapshot
		Uptime   time.Duration
		Location *time.Location
	}{
		Snapshot: snap,
		Uptime:   snap.Uptime(),
		Location: loc,
	}
	indexTmpl.Execute(w, data)
}
