package emailsink

import (
	htmltemplate "html/template"
	"sort"
	"strings"
	"text/template"
	"time"

	"dnbwatch/internal/domain"
)

type view struct {
	Title         string
	Critical      bool
	Generated     string
	Counts        []typeCount
	Notifications []domain.Notification
}

type typeCount struct {
	Type     domain.NotificationType
	Count    int
	Critical bool
}

var funcs = map[string]any{
	"stamp": func(t time.Time) string { return t.UTC().Format(time.RFC3339) },
	"dash": func(s string) string {
		if s == "" {
			return "-"
		}
		return s
	},
}

var textTmpl = template.Must(template.New("text").Funcs(funcs).Parse(`{{.Title}}
Generated: {{.Generated}}
{{if .Critical}}
Critical notifications detected, immediate attention required.
{{end}}
Summary by type:
{{range .Counts}}  {{.Type}}: {{.Count}}{{if .Critical}} (critical){{end}}
{{end}}
{{range .Notifications}}--
{{.Type}} on DUNS {{.DUNS}}
  registration: {{.Registration}}
  delivered: {{stamp .DeliveredAt}}
  id: {{.ID}}
{{range .Elements}}  * {{.Element}}: {{dash .PreviousText}} -> {{dash .CurrentText}}
{{end}}{{end}}`))

var htmlTmpl = htmltemplate.Must(htmltemplate.New("html").Funcs(funcs).Parse(`<!DOCTYPE html>
<html><body style="font-family:sans-serif">
<h2>{{.Title}}</h2>
<p>Generated: {{.Generated}}</p>
{{if .Critical}}<p><strong>Critical notifications detected, immediate attention required.</strong></p>{{end}}
<table border="1" cellpadding="4" cellspacing="0">
<tr><th>Type</th><th>Count</th><th>Priority</th></tr>
{{range .Counts}}<tr><td>{{.Type}}</td><td>{{.Count}}</td><td>{{if .Critical}}critical{{else}}routine{{end}}</td></tr>
{{end}}</table>
{{range .Notifications}}
<div style="margin:12px 0;padding:8px;border-left:4px solid {{if .Critical}}#dc3545{{else}}#28a745{{end}}">
<p><strong>{{.Type}}</strong> on DUNS <code>{{.DUNS}}</code><br>
registration: {{.Registration}}<br>
delivered: {{stamp .DeliveredAt}}</p>
{{if .Elements}}<ul>
{{range .Elements}}<li>{{.Element}}: {{dash .PreviousText}} &rarr; {{dash .CurrentText}}</li>
{{end}}</ul>{{end}}
</div>
{{end}}
</body></html>
`))

func (s *Sink) render(group []domain.Notification, critical, individual bool) (Message, error) {
	v := view{
		Title:         s.subject(group, critical, individual),
		Critical:      critical,
		Generated:     time.Now().UTC().Format(time.RFC3339),
		Counts:        counts(group),
		Notifications: group,
	}
	var text, html strings.Builder
	if err := textTmpl.Execute(&text, v); err != nil {
		return Message{}, err
	}
	if err := htmlTmpl.Execute(&html, v); err != nil {
		return Message{}, err
	}
	return Message{
		Subject:  v.Title,
		Text:     text.String(),
		HTML:     html.String(),
		Critical: critical,
		Count:    len(group),
	}, nil
}

func counts(group []domain.Notification) []typeCount {
	idx := map[domain.NotificationType]int{}
	var out []typeCount
	for _, n := range group {
		i, ok := idx[n.Type]
		if !ok {
			i = len(out)
			idx[n.Type] = i
			out = append(out, typeCount{Type: n.Type})
		}
		out[i].Count++
		out[i].Critical = out[i].Critical || n.Critical()
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Type < out[b].Type })
	return out
}

func typeNames(group []domain.Notification) []string {
	var names []string
	for _, c := range counts(group) {
		names = append(names, string(c.Type))
	}
	return names
}
