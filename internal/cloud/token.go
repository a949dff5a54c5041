package cloud

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/porchwatch/porchwatch/internal/crypto"
)

// Token files hold oauth2 tokens provisioned out of band, as plain JSON or
// sealed with a master key.
const tokenFilePerms = 0o600

func readTokenFile(path, masterKey string) (*oauth2.Token, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load cloud token from %s: %w (provision credentials before starting)", path, err)
	}
	if crypto.IsSealed(raw) {
		if masterKey == "" {
			return nil, fmt.Errorf("cloud token %s is sealed but no master key is configured", path)
		}
		raw, err = crypto.Open(string(raw), masterKey)
		if err != nil {
			return nil, fmt.Errorf("unseal cloud token %s: %w", path, err)
		}
	}
	var token oauth2.Token
	if err := json.Unmarshal(raw, &token); err != nil {
		return nil, fmt.Errorf("parse cloud token %s: %w", path, err)
	}
	if token.AccessToken == "" && token.RefreshToken == "" {
		return nil, fmt.Errorf("cloud token %s has no usable credentials", path)
	}
	return &token, nil
}

func writeTokenFile(path string, token *oauth2.Token, masterKey string) error {
	raw, err := json.Marshal(token)
	if err != nil {
		return fmt.Errorf("marshal cloud token: %w", err)
	}
	if masterKey != "" {
		sealed, err := crypto.Seal(raw, masterKey)
		if err != nil {
			return fmt.Errorf("seal cloud token: %w", err)
		}
		raw = []byte(sealed)
	}
	if err := os.WriteFile(path, raw, tokenFilePerms); err != nil {
		return fmt.Errorf("write cloud token %s: %w", path, err)
	}
	return nil
}

// persistingTokenSource wraps a refreshing source and writes every new
// access token back to the token file, so a restart picks up the most
// recent refresh instead of replaying a stale token.
type persistingTokenSource struct {
	path      string
	masterKey string
	logger    *zap.Logger

	mu   sync.Mutex
	src  oauth2.TokenSource
	last string // last persisted access token
}

func (s *persistingTokenSource) Token() (*oauth2.Token, error) {
	token, err := s.src.Token()
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if token.AccessToken != s.last {
		if err := writeTokenFile(s.path, token, s.masterKey); err != nil {
			s.logger.Warn("failed to persist refreshed token", zap.Error(err))
		} else {
			s.logger.Debug("refreshed token persisted")
		}
		s.last = token.AccessToken
	}
	return token, nil
}
