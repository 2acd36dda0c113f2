package summary

import (
	"encoding/json"
	"errors"
	"strings"

	"github.com/harunnryd/callpilot/pkg/errorsx"
	"github.com/harunnryd/callpilot/pkg/llm"
	"github.com/harunnryd/callpilot/pkg/session"
)

// DefaultPrompt is the instruction sent with every transcript.
const DefaultPrompt = "You are assisting a home-services receptionist. Summarize the call so far and respond with JSON " +
	"containing summary, sentiment (positive|neutral|negative), urgency (low|medium|high), and action_items (array)."

var ErrSchema = errors.New("summary does not match card schema")

type rawCard struct {
	Summary          *string  `json:"summary"`
	Sentiment        string   `json:"sentiment"`
	Urgency          string   `json:"urgency"`
	ActionItems      []string `json:"action_items"`
	ActionItemsCamel []string `json:"actionItems"`
}

// ParseCard decodes an engine reply into a card. Schema violations are
// permanent: retrying the same transcript is not expected to help.
func ParseCard(text string) (session.Card, error) {
	cleaned := cleanJSON(text)
	if cleaned == "" {
		return session.Card{}, schemaError(errors.New("empty reply"))
	}
	var raw rawCard
	if err := json.Unmarshal([]byte(cleaned), &raw); err != nil {
		return session.Card{}, schemaError(err)
	}
	if raw.Summary == nil {
		return session.Card{}, schemaError(errors.New("missing summary"))
	}
	items := raw.ActionItems
	if items == nil {
		items = raw.ActionItemsCamel
	}
	card, err := session.Card{
		Summary:     raw.Summary,
		Sentiment:   raw.Sentiment,
		Urgency:     raw.Urgency,
		ActionItems: items,
	}.Normalize()
	if err != nil {
		return session.Card{}, schemaError(err)
	}
	return card, nil
}

func schemaError(err error) error {
	return llm.PermanentError{Err: errorsx.Errorf(errorsx.ReasonSummarySchema, "%w: %v", ErrSchema, err)}
}

// cleanJSON strips markdown fences and any prose around the JSON object.
func cleanJSON(text string) string {
	text = strings.TrimSpace(text)
	if text == "" {
		return text
	}
	if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```json")
		text = strings.TrimPrefix(text, "```")
		text = strings.TrimSuffix(text, "```")
		text = strings.TrimSpace(text)
	}
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start >= 0 && end > start {
		return text[start : end+1]
	}
	return text
}
