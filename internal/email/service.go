// Package email sends notification emails via SMTP.
package email

import (
	"bytes"
	"fmt"
	"html/template"
	"net/smtp"
	"strings"
)

type Config struct {
	Host     string
	Port     string
	Username string
	Password string
	From     string
	FromName string
}

type sendFunc func(addr string, auth smtp.Auth, from string, to []string, msg []byte) error

type Service struct {
	config Config
	server string
	auth   smtp.Auth
	send   sendFunc
}

func NewService(config Config) *Service {
	var auth smtp.Auth
	if config.Username != "" {
		auth = smtp.PlainAuth("", config.Username, config.Password, config.Host)
	}

	return &Service{
		config: config,
		server: config.Host + ":" + config.Port,
		auth:   auth,
		send:   smtp.SendMail,
	}
}

// IsConfigured returns true if email is configured
func (s *Service) IsConfigured() bool {
	return s.config.Host != "" && s.config.Port != "" && s.config.From != ""
}

// SendHTMLEmail sends a multipart message with a plain text fallback.
func (s *Service) SendHTMLEmail(to []string, subject, textBody, htmlBody string) error {
	if !s.IsConfigured() {
		return fmt.Errorf("email not configured")
	}

	from := s.config.From
	if s.config.FromName != "" {
		from = fmt.Sprintf("%s <%s>", s.config.FromName, s.config.From)
	}

	boundary := "boundary-margin"

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

	return s.send(s.server, s.auth, s.config.From, to, msg.Bytes())
}

// NotificationData feeds the notification template. BodyHTML must already
// be escaped; it is produced by the document renderer.
type NotificationData struct {
	AppName       string
	RecipientName string
	ActorName     string
	Kind          string
	ProblemTitle  string
	BodyHTML      template.HTML
	BodyText      string
	ThreadURL     string
}

func (d NotificationData) headline() string {
	switch d.Kind {
	case "reply":
		return fmt.Sprintf("%s replied to your thread", d.ActorName)
	case "dispute_resolved":
		return fmt.Sprintf("%s resolved your dispute", d.ActorName)
	default:
		return fmt.Sprintf("%s mentioned you", d.ActorName)
	}
}

// SendNotificationEmail renders and sends one notification email.
func (s *Service) SendNotificationEmail(to string, data NotificationData) error {
	if data.AppName == "" {
		data.AppName = "Margin"
	}
	headline := data.headline()
	subject := headline
	if data.ProblemTitle != "" {
		subject = fmt.Sprintf("%s on %s", headline, data.ProblemTitle)
	}

	html, err := renderTemplate(notificationTemplate, struct {
		NotificationData
		Headline string
	}{data, headline})
	if err != nil {
		return fmt.Errorf("render notification template: %w", err)
	}

	text := fmt.Sprintf("%s\n\n%s\n\n%s", headline, data.BodyText, data.ThreadURL)
	return s.SendHTMLEmail([]string{to}, subject, text, html)
}

var notificationTemplate = template.Must(template.New("notification").Parse(notificationEmailTemplate))

func renderTemplate(t *template.Template, data interface{}) (string, error) {
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

const notificationEmailTemplate = `<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <title>{{.Headline}}</title>
    <style>
        body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; line-height: 1.6; color: #333; max-width: 600px; margin: 0 auto; padding: 20px; }
        .header { border-bottom: 2px solid #0066cc; padding-bottom: 10px; margin-bottom: 20px; }
        .comment { border-left: 3px solid #ddd; padding: 4px 12px; margin: 16px 0; }
        .button { display: inline-block; padding: 12px 24px; background: #0066cc; color: white; text-decoration: none; border-radius: 4px; margin: 20px 0; }
        .footer { margin-top: 30px; padding-top: 20px; border-top: 1px solid #eee; font-size: 12px; color: #666; }
    </style>
</head>
<body>
    <div class="header">
        <h1>{{.AppName}}</h1>
    </div>

    <p>Hi {{.RecipientName}},</p>
    <p>{{.Headline}}{{if .ProblemTitle}} on <strong>{{.ProblemTitle}}</strong>{{end}}.</p>

    {{if .BodyHTML}}<div class="comment">{{.BodyHTML}}</div>{{end}}

    {{if .ThreadURL}}<p><a href="{{.ThreadURL}}" class="button">Open thread</a></p>{{end}}

    <div class="footer">
        <p>You received this because of activity on a class you belong to in {{.AppName}}.</p>
    </div>
</body>
</html>`
