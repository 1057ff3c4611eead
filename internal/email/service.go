// Package email provides email sending capabilities via SMTP.
package email

import (
	"bytes"
	"fmt"
	"html/template"
	"net/smtp"
	"strings"
)

const appName = "SignFlow"

// Config holds SMTP configuration
type Config struct {
	Host     string
	Port     string
	Username string
	Password string
	From     string
	FromName string
}

// Service provides email sending
type Service struct {
	config   Config
	server   string
	auth     smtp.Auth
	sendMail func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

// NewService creates a new email service
func NewService(config Config) *Service {
	var auth smtp.Auth
	if config.Username != "" {
		auth = smtp.PlainAuth("", config.Username, config.Password, config.Host)
	}

	return &Service{
		config:   config,
		server:   config.Host + ":" + config.Port,
		auth:     auth,
		sendMail: smtp.SendMail,
	}
}

// IsConfigured returns true if email is configured
func (s *Service) IsConfigured() bool {
	return s.config.Host != "" && s.config.Port != "" && s.config.From != ""
}

func (s *Service) fromHeader() string {
	if s.config.FromName != "" {
		return fmt.Sprintf("%s <%s>", s.config.FromName, s.config.From)
	}
	return s.config.From
}

// SendHTMLEmail sends an HTML email with a plain text alternative.
func (s *Service) SendHTMLEmail(to []string, subject, textBody, htmlBody string) error {
	if !s.IsConfigured() {
		return fmt.Errorf("email not configured")
	}
	msg := buildMessage(s.fromHeader(), to, subject, textBody, htmlBody)
	return s.sendMail(s.server, s.auth, s.config.From, to, msg)
}

func buildMessage(from string, to []string, subject, textBody, htmlBody string) []byte {
	boundary := "boundary-signflow"

	var msg bytes.Buffer
	fmt.Fprintf(&msg, "To: %s\r\n", strings.Join(to, ", "))
	fmt.Fprintf(&msg, "From: %s\r\n", from)
	fmt.Fprintf(&msg, "Subject: %s\r\n", subject)
	fmt.Fprintf(&msg, "MIME-Version: 1.0\r\n")
	fmt.Fprintf(&msg, "Content-Type: multipart/alternative; boundary=\"%s\"\r\n", boundary)
	fmt.Fprintf(&msg, "\r\n")

	fmt.Fprintf(&msg, "--%s\r\n", boundary)
	fmt.Fprintf(&msg, "Content-Type: text/plain; charset=UTF-8\r\n")
	fmt.Fprintf(&msg, "\r\n")
	fmt.Fprintf(&msg, "%s\r\n", textBody)
	fmt.Fprintf(&msg, "\r\n")

	fmt.Fprintf(&msg, "--%s\r\n", boundary)
	fmt.Fprintf(&msg, "Content-Type: text/html; charset=UTF-8\r\n")
	fmt.Fprintf(&msg, "\r\n")
	fmt.Fprintf(&msg, "%s\r\n", htmlBody)
	fmt.Fprintf(&msg, "\r\n")
	fmt.Fprintf(&msg, "--%s--\r\n", boundary)
	return msg.Bytes()
}

type VerificationData struct {
	AppName  string
	UserName string
	Code     string
}

// SignatureRequestData fills the signature request template.
type SignatureRequestData struct {
	AppName       string
	RecipientName string
	Sender        string
	DocumentName  string
	Message       string
	SignURL       string
	DueDate       string
}

type CompletionData struct {
	AppName      string
	UserName     string
	DocumentName string
	SignerName   string
	DocumentURL  string
	AllSigned    bool
}

// SendVerificationEmail sends the six digit sign-up code.
func (s *Service) SendVerificationEmail(to, userName, code string) error {
	data := VerificationData{AppName: appName, UserName: userName, Code: code}

	html, err := renderTemplate(verificationEmailTemplate, data)
	if err != nil {
		return fmt.Errorf("render verification template: %w", err)
	}
	text := fmt.Sprintf("Your %s verification code is %s. It expires in 24 hours.", appName, code)
	return s.SendHTMLEmail([]string{to}, "Verify your "+appName+" account", text, html)
}

// SendSignatureRequest asks a recipient to review and sign a document.
func (s *Service) SendSignatureRequest(to string, data SignatureRequestData) error {
	data.AppName = appName
	html, err := renderTemplate(signatureRequestTemplate, data)
	if err != nil {
		return fmt.Errorf("render signature request template: %w", err)
	}
	subject := fmt.Sprintf("%s requests your signature on %s", data.Sender, data.DocumentName)
	text := fmt.Sprintf("%s sent you %s to sign: %s", data.Sender, data.DocumentName, data.SignURL)
	return s.SendHTMLEmail([]string{to}, subject, text, html)
}

// SendCompletionEmail tells the owner a recipient signed, or that everyone has.
func (s *Service) SendCompletionEmail(to string, data CompletionData) error {
	data.AppName = appName
	html, err := renderTemplate(completionTemplate, data)
	if err != nil {
		return fmt.Errorf("render completion template: %w", err)
	}
	subject := fmt.Sprintf("%s signed %s", data.SignerName, data.DocumentName)
	if data.AllSigned {
		subject = fmt.Sprintf("%s is complete", data.DocumentName)
	}
	return s.SendHTMLEmail([]string{to}, subject, subject+": "+data.DocumentURL, html)
}

func renderTemplate(tmpl string, data interface{}) (string, error) {
	t, err := template.New("email").Parse(tmpl)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

const baseStyle = `
        body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; line-height: 1.6; color: #333; max-width: 600px; margin: 0 auto; padding: 20px; }
        .header { border-bottom: 2px solid #4f46e5; padding-bottom: 10px; margin-bottom: 20px; }
        .button { display: inline-block; padding: 12px 24px; background: #4f46e5; color: white; text-decoration: none; border-radius: 4px; margin: 20px 0; }
        .footer { margin-top: 30px; padding-top: 20px; border-top: 1px solid #eee; font-size: 12px; color: #666; }
        .link { word-break: break-all; color: #4f46e5; }
        .code { font-size: 28px; letter-spacing: 6px; font-weight: bold; }
        .message { background: #f5f5f7; padding: 12px; border-radius: 4px; margin: 20px 0; }`

const verificationEmailTemplate = `<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <title>Verify your {{.AppName}} account</title>
    <style>` + baseStyle + `
    </style>
</head>
<body>
    <div class="header">
        <h1>{{.AppName}}</h1>
    </div>

    <h2>Welcome, {{.UserName}}!</h2>

    <p>Enter this code to verify your email address:</p>
    <p class="code">{{.Code}}</p>

    <p>The code expires in 24 hours.</p>

    <div class="footer">
        <p>If you didn't create an account with {{.AppName}}, you can safely ignore this email.</p>
    </div>
</body>
</html>`

const signatureRequestTemplate = `<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <title>Signature requested: {{.DocumentName}}</title>
    <style>` + baseStyle + `
    </style>
</head>
<body>
    <div class="header">
        <h1>{{.AppName}}</h1>
    </div>

    <p>Hi {{.RecipientName}},</p>

    <p>{{.Sender}} has sent you <strong>{{.DocumentName}}</strong> to review and sign.</p>
    {{if .Message}}
    <div class="message">{{.Message}}</div>
    {{end}}
    {{if .DueDate}}<p>Please sign by {{.DueDate}}.</p>{{end}}

    <p>
        <a href="{{.SignURL}}" class="button">Review &amp; Sign</a>
    </p>

    <p>Or copy and paste this link into your browser:</p>
    <p class="link">{{.SignURL}}</p>

    <div class="footer">
        <p>This request was sent through {{.AppName}} on behalf of {{.Sender}}.</p>
    </div>
</body>
</html>`

const completionTemplate = `<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <title>{{.DocumentName}}</title>
    <style>` + baseStyle + `
    </style>
</head>
<body>
    <div class="header">
        <h1>{{.AppName}}</h1>
    </div>

    <p>Hi {{.UserName}},</p>
    {{if .AllSigned}}
    <p>Everyone has signed <strong>{{.DocumentName}}</strong>. The document is complete.</p>
    {{else}}
    <p>{{.SignerName}} signed <strong>{{.DocumentName}}</strong>.</p>
    {{end}}
    <p>
        <a href="{{.DocumentURL}}" class="button">View Document</a>
    </p>
</body>
</html>`
