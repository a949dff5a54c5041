package notify

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	gmail "google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"

	"github.com/porchwatch/porchwatch/internal/crypto"
)

const gmailSendTimeout = 30 * time.Second

// GmailConfig describes a pre-authorized Gmail API sender. The token
// file must already hold a refresh token; this process never runs an
// interactive consent flow.
type GmailConfig struct {
	ClientID     string
	ClientSecret string
	TokenFile    string
	TokenKey     string // unseals TokenFile; empty means plaintext
	From         string // empty means the authenticated account
	To           []string
	Site         string
}

// GmailNotifier sends email through the Gmail REST API.
type GmailNotifier struct {
	cfg    GmailConfig
	svc    *gmail.Service
	logger *zap.Logger
}

// NewGmailNotifier loads the persisted token and builds the API client.
func NewGmailNotifier(ctx context.Context, cfg GmailConfig) (*GmailNotifier, error) {
	if cfg.ClientID == "" || cfg.ClientSecret == "" {
		return nil, fmt.Errorf("gmail oauth client id and secret are required")
	}
	if len(cfg.To) == 0 {
		return nil, fmt.Errorf("gmail recipient address is required")
	}
	if cfg.TokenFile == "" {
		cfg.TokenFile = "gmail_token.json"
	}
	if cfg.Site == "" {
		cfg.Site = "front door"
	}

	token, err := loadGmailToken(cfg.TokenFile, cfg.TokenKey)
	if err != nil {
		return nil, err
	}

	oauthCfg := &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		Endpoint:     google.Endpoint,
		Scopes:       []string{gmail.GmailSendScope},
	}
	httpClient := oauthCfg.Client(ctx, token)
	httpClient.Timeout = gmailSendTimeout

	svc, err := gmail.NewService(ctx, option.WithHTTPClient(httpClient))
	if err != nil {
		return nil, fmt.Errorf("init gmail service: %w", err)
	}

	return &GmailNotifier{
		cfg:    cfg,
		svc:    svc,
		logger: zap.L().Named("notify-gmail"),
	}, nil
}

// Notify renders one message and submits it base64url-encoded, the
// shape the messages.send endpoint expects.
func (n *GmailNotifier) Notify(ctx context.Context, kind Kind, description string) error {
	body, err := renderBody(kind, n.cfg.Site, description, time.Now())
	if err != nil {
		return err
	}
	msg := buildMessage(n.cfg.From, n.cfg.To, Subject(kind), body)
	raw := base64.URLEncoding.WithPadding(base64.NoPadding).EncodeToString(msg)

	_, err = n.svc.Users.Messages.Send("me", &gmail.Message{Raw: raw}).Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("gmail send: %w", err)
	}

	n.logger.Info("notification sent",
		zap.String("kind", string(kind)),
		zap.Int("recipients", len(n.cfg.To)))
	return nil
}

// loadGmailToken reads a token persisted by an out-of-band consent
// step: the JSON encoding of an oauth2.Token, optionally sealed.
func loadGmailToken(path, masterKey string) (*oauth2.Token, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read gmail token %s: %w", path, err)
	}
	if crypto.IsSealed(raw) {
		if masterKey == "" {
			return nil, fmt.Errorf("gmail token %s is sealed but no master key is configured", path)
		}
		raw, err = crypto.Open(string(raw), masterKey)
		if err != nil {
			return nil, fmt.Errorf("unseal gmail token %s: %w", path, err)
		}
	}
	var token oauth2.Token
	if err := json.Unmarshal(raw, &token); err != nil {
		return nil, fmt.Errorf("parse gmail token %s: %w", path, err)
	}
	if token.AccessToken == "" && token.RefreshToken == "" {
		return nil, fmt.Errorf("gmail token %s has no usable credentials", path)
	}
	return &token, nil
}
