package vision

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	DefaultBaseURL   = "https://api.openai.com"
	DefaultModel     = "gpt-4o"
	DefaultMaxTokens = 1024

	defaultRequestTimeout = 60 * time.Second

	// maxResponseBytes bounds how much of a reply we are willing to buffer.
	maxResponseBytes = 1 << 20
)

// analysisPrompt instructs the model to judge a single doorstep still and
// answer with one JSON object. The listed scenarios anchor the model so that
// couriers and residents are not flagged as thieves.
const analysisPrompt = `You are a home security analyst reviewing a single frame from a doorbell camera pointed at a front porch.

Assess whether the frame shows suspicious activity around delivered packages. Suspicious behavior includes:
- someone picking up or carrying away a package who does not appear to be delivering it
- someone approaching the door while concealing their face or wearing gloves out of season
- someone looking around furtively, crouching near packages, or checking for observers
- a person lingering near the door without knocking, ringing, or delivering anything

Innocent scenarios you must NOT flag:
- couriers dropping off packages, taking proof-of-delivery photos, or scanning labels
- residents or guests collecting their own deliveries in a relaxed, unhurried manner
- neighbors, children, pets, or passers-by who do not interact with packages
- an empty porch

Respond with ONLY a JSON object, no prose before or after, in exactly this shape:
{
  "is_suspicious": <true or false>,
  "confidence": "<high, medium, or low>",
  "is_delivery": <true if the frame shows a delivery in progress or a freshly delivered package>,
  "description": "<one sentence describing what the frame shows>",
  "reason": "<one sentence justifying the is_suspicious call>"
}`

// Classifier is anything that can turn a JPEG still into a Result. The
// pipeline depends on this rather than on the concrete HTTP client.
type Classifier interface {
	Classify(ctx context.Context, image []byte) (Result, error)
}

// ClientConfig carries the knobs for the hosted vision endpoint.
type ClientConfig struct {
	APIKey    string
	BaseURL   string
	Model     string
	MaxTokens int
	Timeout   time.Duration
}

// Client talks to an OpenAI-compatible chat completions endpoint. Transport
// and HTTP-level failures surface as errors; a reply that arrives but cannot
// be decoded degrades to SafeDefault so the caller always gets a verdict.
type Client struct {
	cfg        ClientConfig
	httpClient *http.Client
	logger     *zap.Logger
}

func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("vision: api key is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = DefaultMaxTokens
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultRequestTimeout
	}

	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     zap.L().Named("vision"),
	}, nil
}

type chatRequest struct {
	Model     string        `json:"model"`
	MaxTokens int           `json:"max_tokens"`
	Messages  []chatMessage `json:"messages"`
}

type chatMessage struct {
	Role    string        `json:"role"`
	Content []contentPart `json:"content"`
}

type contentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *imageURL `json:"image_url,omitempty"`
}

type imageURL struct {
	URL string `json:"url"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// Classify submits one JPEG still and returns the normalized verdict.
func (c *Client) Classify(ctx context.Context, image []byte) (Result, error) {
	if len(image) == 0 {
		return Result{}, errors.New("vision: empty image")
	}

	reqBody := chatRequest{
		Model:     c.cfg.Model,
		MaxTokens: c.cfg.MaxTokens,
		Messages: []chatMessage{{
			Role: "user",
			Content: []contentPart{
				{
					Type: "image_url",
					ImageURL: &imageURL{
						URL: "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(image),
					},
				},
				{Type: "text", Text: analysisPrompt},
			},
		}},
	}

	payload, err := json.Marshal(reqBody)
	if err != nil {
		return Result{}, fmt.Errorf("vision: encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.cfg.BaseURL+"/v1/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return Result{}, fmt.Errorf("vision: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("vision: request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return Result{}, fmt.Errorf("vision: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return Result{}, fmt.Errorf("vision: endpoint returned %s: %s",
			resp.Status, truncate(string(body), 200))
	}

	var parsed chatResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		c.logger.Warn("undecodable completion envelope",
			zap.Error(err),
			zap.String("body", truncate(string(body), 200)))
		return SafeDefault(err), nil
	}
	if len(parsed.Choices) == 0 {
		c.logger.Warn("completion had no choices")
		return SafeDefault(errors.New("no choices in response")), nil
	}

	result := ParseResult(parsed.Choices[0].Message.Content)
	c.logger.Debug("frame classified",
		zap.Bool("suspicious", result.IsSuspicious),
		zap.Bool("delivery", result.IsDelivery),
		zap.String("confidence", string(result.Confidence)),
		zap.Duration("took", time.Since(start)))
	return result, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
