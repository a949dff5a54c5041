// Package vision classifies captured stills through an OpenAI-compatible
// vision endpoint and normalizes whatever comes back into a fixed-shape
// result the pipeline can branch on.
package vision

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Confidence grades how sure the classifier is about a suspicion call.
type Confidence string

const (
	ConfidenceHigh   Confidence = "high"
	ConfidenceMedium Confidence = "medium"
	ConfidenceLow    Confidence = "low"
)

// Result is the classifier's judgment of one still image. Missing or extra
// keys in the raw response are tolerated; absent fields keep their zero
// value and an absent confidence defaults to low.
type Result struct {
	IsSuspicious bool
	Confidence   Confidence
	IsDelivery   bool
	Description  string
	Reason       string
}

// SafeDefault is the result substituted for any unparseable classifier
// response so that a bad response can never take down a monitoring run.
func SafeDefault(parseErr error) Result {
	return Result{
		IsSuspicious: false,
		Confidence:   ConfidenceLow,
		Description:  "analysis failed",
		Reason:       fmt.Sprintf("parse error: %v", parseErr),
	}
}

// resultPayload is the tolerant wire shape. Some model revisions answer with
// confidence_of_suspicion instead of confidence; both are accepted.
type resultPayload struct {
	IsSuspicious          bool   `json:"is_suspicious"`
	Confidence            string `json:"confidence"`
	ConfidenceOfSuspicion string `json:"confidence_of_suspicion"`
	IsDelivery            bool   `json:"is_delivery"`
	Description           string `json:"description"`
	Reason                string `json:"reason"`
}

func (p resultPayload) normalize() Result {
	confidence := p.Confidence
	if confidence == "" {
		confidence = p.ConfidenceOfSuspicion
	}

	result := Result{
		IsSuspicious: p.IsSuspicious,
		IsDelivery:   p.IsDelivery,
		Description:  p.Description,
		Reason:       p.Reason,
	}
	switch Confidence(strings.ToLower(strings.TrimSpace(confidence))) {
	case ConfidenceHigh:
		result.Confidence = ConfidenceHigh
	case ConfidenceMedium:
		result.Confidence = ConfidenceMedium
	default:
		result.Confidence = ConfidenceLow
	}
	return result
}

// ParseResult extracts the structured payload from a raw model reply and
// decodes it. Replies may wrap the JSON in ```json fences, bare ``` fences,
// or send it unwrapped; anything that still fails to decode yields the safe
// default instead of an error.
func ParseResult(content string) Result {
	payload := extractPayload(content)

	var wire resultPayload
	if err := json.Unmarshal([]byte(payload), &wire); err != nil {
		return SafeDefault(err)
	}
	return wire.normalize()
}

func extractPayload(s string) string {
	if i := strings.Index(s, "```json"); i >= 0 {
		rest := s[i+len("```json"):]
		if j := strings.Index(rest, "```"); j >= 0 {
			rest = rest[:j]
		}
		return strings.TrimSpace(rest)
	}
	if i := strings.Index(s, "```"); i >= 0 {
		rest := s[i+3:]
		if j := strings.Index(rest, "```"); j >= 0 {
			rest = rest[:j]
		}
		return strings.TrimSpace(rest)
	}
	return strings.TrimSpace(s)
}
