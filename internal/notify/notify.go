// Package notify delivers classification verdicts by email.
//
// Two transports are available: direct SMTP submission and the Gmail
// REST API. Both render the same subject and body for a verdict kind
// and are invoked best-effort; the pipeline logs failures and moves on.
package notify

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"text/template"
	"time"
)

// Kind selects the wording of a notification.
type Kind string

const (
	KindDelivered Kind = "delivered"
	KindThief     Kind = "thief"
)

// Notifier is the contract the pipeline invokes after a verdict.
type Notifier interface {
	Notify(ctx context.Context, kind Kind, description string) error
}

const (
	subjectDelivered = "Package Delivered"
	subjectThief     = "ALERT: Possible Package Thief Detected"
)

const deliveredTemplate = `A package was delivered at {{.Time}}.

Camera: {{.Site}}

{{.Description}}`

const thiefTemplate = `Suspicious activity detected at {{.Time}}.

Camera: {{.Site}}

{{.Description}}

Review the saved frame as soon as possible.`

// Subject returns the fixed subject line for a kind.
func Subject(kind Kind) string {
	if kind == KindThief {
		return subjectThief
	}
	return subjectDelivered
}

func renderBody(kind Kind, site, description string, at time.Time) (string, error) {
	raw := deliveredTemplate
	if kind == KindThief {
		raw = thiefTemplate
	}

	tmpl, err := template.New("email").Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse email template: %w", err)
	}

	var body bytes.Buffer
	err = tmpl.Execute(&body, map[string]string{
		"Time":        at.Format(time.RFC1123),
		"Site":        site,
		"Description": description,
	})
	if err != nil {
		return "", fmt.Errorf("execute email template: %w", err)
	}
	return body.String(), nil
}

// buildMessage assembles the raw message both transports submit. From
// may be empty, in which case the transport's authenticated identity
// fills it in.
func buildMessage(from string, to []string, subject, body string) []byte {
	msg := ""
	if from != "" {
		msg += "From: " + from + "\r\n"
	}
	msg += "To: " + strings.Join(to, ", ") + "\r\n" +
		"Subject: " + subject + "\r\n" +
		"MIME-Version: 1.0\r\n" +
		`Content-Type: text/plain; charset="UTF-8"` + "\r\n" +
		"\r\n" +
		body + "\r\n"
	return []byte(msg)
}
