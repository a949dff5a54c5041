package notify

import (
	"context"
	"fmt"
	"net/smtp"
	"time"

	"go.uber.org/zap"
)

// SMTPConfig describes a plain SMTP submission account.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	To       []string
	Site     string
}

// SMTPNotifier sends email through a single SMTP account.
type SMTPNotifier struct {
	cfg    SMTPConfig
	auth   smtp.Auth
	logger *zap.Logger
}

// NewSMTPNotifier validates addressing and prepares the auth handshake.
// An empty username means the relay accepts unauthenticated submission.
func NewSMTPNotifier(cfg SMTPConfig) (*SMTPNotifier, error) {
	if cfg.Host == "" {
		return nil, fmt.Errorf("smtp host is required")
	}
	if cfg.From == "" {
		return nil, fmt.Errorf("smtp sender address is required")
	}
	if len(cfg.To) == 0 {
		return nil, fmt.Errorf("smtp recipient address is required")
	}
	if cfg.Port == 0 {
		cfg.Port = 587
	}
	if cfg.Site == "" {
		cfg.Site = "front door"
	}

	var auth smtp.Auth
	if cfg.Username != "" {
		auth = smtp.PlainAuth("", cfg.Username, cfg.Password, cfg.Host)
	}

	return &SMTPNotifier{
		cfg:    cfg,
		auth:   auth,
		logger: zap.L().Named("notify-smtp"),
	}, nil
}

// Notify renders and submits one message. net/smtp does not take a
// context, so the send runs on its own goroutine and is abandoned when
// ctx expires.
func (n *SMTPNotifier) Notify(ctx context.Context, kind Kind, description string) error {
	body, err := renderBody(kind, n.cfg.Site, description, time.Now())
	if err != nil {
		return err
	}
	msg := buildMessage(n.cfg.From, n.cfg.To, Subject(kind), body)
	addr := fmt.Sprintf("%s:%d", n.cfg.Host, n.cfg.Port)

	errCh := make(chan error, 1)
	go func() {
		errCh <- smtp.SendMail(addr, n.auth, n.cfg.From, n.cfg.To, msg)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("smtp send via %s: %w", addr, ctx.Err())
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("smtp send via %s: %w", addr, err)
		}
	}

	n.logger.Info("notification sent",
		zap.String("kind", string(kind)),
		zap.Int("recipients", len(n.cfg.To)))
	return nil
}
