package export

import (
	"bytes"
	"encoding/json"
	"html/template"
	"strings"
	"time"

	"signflow/api/internal/document"
	"signflow/api/internal/store"
)

var certificateTemplate = template.Must(template.New("certificate").Funcs(template.FuncMap{
	"formatTime": func(t *time.Time) string {
		if t == nil {
			return "-"
		}
		return t.UTC().Format("Jan 2, 2006 15:04 MST")
	},
}).Parse(certificateHTML))

// CertificateData holds data for certificate rendering
type CertificateData struct {
	DocumentID    string
	Name          string
	Sender        string
	Status        string
	Pages         int
	CreatedAt     *time.Time
	SentDate      *time.Time
	CompletedDate *time.Time
	Signers       []CertificateSigner
	Fields        []CertificateField
	Events        []CertificateEvent
	GeneratedAt   time.Time
}

type CertificateSigner struct {
	Name     string
	Email    string
	Role     string
	Status   string
	ViewedAt *time.Time
	SignedAt *time.Time
}

type CertificateField struct {
	Label    string
	Type     string
	Page     int
	Signer   string
	Text     string
	ImageURL template.URL
}

type CertificateEvent struct {
	At     string
	Kind   string
	Actor  string
	Detail string
}

// BuildCertificate gathers what the certificate shows from the document and
// its audit trail.
func BuildCertificate(doc document.Document, events []store.AuditEvent, now time.Time) CertificateData {
	created := doc.CreatedAt
	data := CertificateData{
		DocumentID:    doc.ID,
		Name:          doc.Name,
		Sender:        doc.Sender,
		Status:        string(doc.Status),
		Pages:         doc.Pages,
		CreatedAt:     &created,
		SentDate:      doc.SentDate,
		CompletedDate: doc.CompletedDate,
		GeneratedAt:   now.UTC(),
	}
	if data.CompletedDate == nil {
		data.CompletedDate = doc.SignedDate
	}

	for _, r := range doc.Recipients {
		data.Signers = append(data.Signers, CertificateSigner{
			Name:     r.Name,
			Email:    r.Email,
			Role:     string(r.Role),
			Status:   string(r.Status),
			ViewedAt: r.ViewedAt,
			SignedAt: r.SignedAt,
		})
	}

	for _, f := range doc.Fields {
		field := CertificateField{
			Label:  f.Label,
			Type:   string(f.Type),
			Page:   f.Page,
			Signer: "Owner",
		}
		if f.RecipientIndex != nil && *f.RecipientIndex < len(doc.Recipients) {
			field.Signer = doc.Recipients[*f.RecipientIndex].Name
		}
		field.Text, field.ImageURL = describeValue(f)
		data.Fields = append(data.Fields, field)
	}

	for _, e := range events {
		detail := e.To
		if e.From != "" && e.From != e.To {
			detail = e.From + " → " + e.To
		}
		data.Events = append(data.Events, CertificateEvent{
			At:     e.At.UTC().Format("2006-01-02 15:04:05 MST"),
			Kind:   e.Kind,
			Actor:  e.Actor,
			Detail: detail,
		})
	}
	return data
}

// describeValue renders a field value for display. Drawn signatures are
// image data URLs and are shown as images.
func describeValue(f document.Field) (string, template.URL) {
	if !f.Completed || len(f.Value) == 0 {
		return "(empty)", ""
	}
	var v any
	if err := json.Unmarshal(f.Value, &v); err != nil {
		return "(unreadable)", ""
	}
	switch value := v.(type) {
	case bool:
		if value {
			return "Checked", ""
		}
		return "Unchecked", ""
	case string:
		if strings.HasPrefix(value, "data:image/") {
			return "", template.URL(value)
		}
		if typed, ok := strings.CutPrefix(value, "TYPED:"); ok {
			return typed, ""
		}
		return value, ""
	}
	return string(f.Value), ""
}

// RenderCertificateHTML renders the certificate template.
func RenderCertificateHTML(data CertificateData) (string, error) {
	var buf bytes.Buffer
	if err := certificateTemplate.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

const certificateHTML = `<!DOCTYPE html>
<html>
<head>
  <meta charset="UTF-8">
  <title>Certificate of Completion: {{.Name}}</title>
  <style>
    body { font-family: Arial, sans-serif; line-height: 1.5; max-width: 800px; margin: 2rem auto; color: #222; }
    h1 { border-bottom: 2px solid #4f46e5; padding-bottom: 0.5rem; }
    h2 { margin-top: 2rem; font-size: 1.1em; text-transform: uppercase; color: #4f46e5; }
    table { width: 100%; border-collapse: collapse; font-size: 0.9em; }
    th, td { text-align: left; padding: 6px 8px; border-bottom: 1px solid #ddd; vertical-align: top; }
    .meta td:first-child { color: #666; width: 30%; }
    .signature { max-height: 48px; }
    .footer { margin-top: 2rem; color: #888; font-size: 0.8em; }
  </style>
</head>
<body>
  <h1>Certificate of Completion</h1>
  <table class="meta">
    <tr><td>Document</td><td>{{.Name}}</td></tr>
    <tr><td>Document ID</td><td>{{.DocumentID}}</td></tr>
    <tr><td>Sender</td><td>{{.Sender}}</td></tr>
    <tr><td>Status</td><td>{{.Status}}</td></tr>
    <tr><td>Pages</td><td>{{.Pages}}</td></tr>
    <tr><td>Created</td><td>{{formatTime .CreatedAt}}</td></tr>
    <tr><td>Sent</td><td>{{formatTime .SentDate}}</td></tr>
    <tr><td>Completed</td><td>{{formatTime .CompletedDate}}</td></tr>
  </table>

  {{if .Signers}}
  <h2>Signers</h2>
  <table>
    <tr><th>Name</th><th>Email</th><th>Role</th><th>Status</th><th>Viewed</th><th>Signed</th></tr>
    {{range .Signers}}
    <tr><td>{{.Name}}</td><td>{{.Email}}</td><td>{{.Role}}</td><td>{{.Status}}</td><td>{{formatTime .ViewedAt}}</td><td>{{formatTime .SignedAt}}</td></tr>
    {{end}}
  </table>
  {{end}}

  <h2>Fields</h2>
  <table>
    <tr><th>Field</th><th>Page</th><th>Assigned to</th><th>Value</th></tr>
    {{range .Fields}}
    <tr><td>{{.Label}}</td><td>{{.Page}}</td><td>{{.Signer}}</td>
      <td>{{if .ImageURL}}<img class="signature" src="{{.ImageURL}}" alt="signature">{{else}}{{.Text}}{{end}}</td></tr>
    {{end}}
  </table>

  {{if .Events}}
  <h2>Audit Trail</h2>
  <table>
    <tr><th>Time</th><th>Event</th><th>Actor</th><th>Detail</th></tr>
    {{range .Events}}
    <tr><td>{{.At}}</td><td>{{.Kind}}</td><td>{{.Actor}}</td><td>{{.Detail}}</td></tr>
    {{end}}
  </table>
  {{end}}

  <p class="footer">Generated {{.GeneratedAt.Format "Jan 2, 2006 15:04 MST"}} by SignFlow.</p>
</body>
</html>`
