package email

import (
	"bytes"
	"fmt"
	"html/template"
	"log/slog"
	"net/smtp"
)

type Sender struct {
	Host     string
	Port     string
	Username string
	Password string
	From     string
	BaseURL  string

	// send is smtp.SendMail unless replaced in tests.
	send func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

func NewSender(host, port, username, password, from, baseURL string) *Sender {
	return &Sender{
		Host:     host,
		Port:     port,
		Username: username,
		Password: password,
		From:     from,
		BaseURL:  baseURL,
		send:     smtp.SendMail,
	}
}

var invitationTemplate = template.Must(template.New("invitation").Parse(`
<!DOCTYPE html>
<html>
<head>
    <style>
        body { font-family: Arial, sans-serif; line-height: 1.6; color: #333; }
        .container { max-width: 600px; margin: 0 auto; padding: 20px; border: 1px solid #ddd; border-radius: 5px; }
        .header { background-color: #1e293b; color: white; padding: 10px; text-align: center; border-radius: 5px 5px 0 0; }
        .content { padding: 20px; }
        .button { display: inline-block; padding: 10px 20px; background-color: #38bdf8; color: black; text-decoration: none; border-radius: 4px; font-weight: bold; }
        .footer { margin-top: 20px; font-size: 0.8em; color: #777; text-align: center; }
    </style>
</head>
<body>
    <div class="container">
        <div class="header">
            <h1>You're invited to DevFusion</h1>
        </div>
        <div class="content">
            <p>Hi {{.Email}},</p>
            <p>{{.Inviter}} invited you to collaborate on <strong>{{.Project}}</strong>.</p>
            <p>Your request is waiting for the project owner's approval. Sign in once it is accepted.</p>
            <p style="text-align: center;">
                <a href="{{.Link}}" class="button">Open DevFusion</a>
            </p>
        </div>
        <div class="footer">
            <p>If you weren't expecting this invitation, you can safely ignore this email.</p>
        </div>
    </div>
</body>
</html>
`))

// Invitation describes a project invitation mail.
type Invitation struct {
	To      string
	Inviter string
	Project string
}

// Render returns the subject and HTML body of an invitation.
func (s *Sender) Render(inv Invitation) (string, string, error) {
	var body bytes.Buffer
	err := invitationTemplate.Execute(&body, map[string]string{
		"Email":   inv.To,
		"Inviter": inv.Inviter,
		"Project": inv.Project,
		"Link":    s.BaseURL + "/login",
	})
	if err != nil {
		return "", "", fmt.Errorf("failed to execute template: %w", err)
	}
	return fmt.Sprintf("You've been invited to %s on DevFusion", inv.Project), body.String(), nil
}

func (s *Sender) SendInvitation(inv Invitation) error {
	subject, body, err := s.Render(inv)
	if err != nil {
		return err
	}

	// If no host is configured, just log it (for development)
	if s.Host == "" {
		slog.Info("Email not sent, no SMTP host configured", "to", inv.To, "subject", subject)
		slog.Debug("Email body", "to", inv.To, "body", body)
		return nil
	}

	// Email headers, in a fixed order
	headers := [][2]string{
		{"From", s.From},
		{"To", inv.To},
		{"Subject", subject},
		{"MIME-Version", "1.0"},
		{"Content-Type", "text/html; charset=\"UTF-8\""},
	}

	message := ""
	for _, h := range headers {
		message += fmt.Sprintf("%s: %s\r\n", h[0], h[1])
	}
	message += "\r\n" + body

	var auth smtp.Auth
	if s.Username != "" {
		auth = smtp.PlainAuth("", s.Username, s.Password, s.Host)
	}
	addr := fmt.Sprintf("%s:%s", s.Host, s.Port)

	if err := s.send(addr, auth, s.From, []string{inv.To}, []byte(message)); err != nil {
		return fmt.Errorf("failed to send invitation to %s: %w", inv.To, err)
	}
	return nil
}
