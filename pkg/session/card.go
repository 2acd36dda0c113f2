package session

import (
	"fmt"
	"strings"
)

const (
	SentimentPositive = "positive"
	SentimentNeutral  = "neutral"
	SentimentNegative = "negative"

	UrgencyLow    = "low"
	UrgencyMedium = "medium"
	UrgencyHigh   = "high"
)

// Card is the structured summary shown on the dashboard. A nil Summary marks a
// placeholder: the summary is still processing or the last attempt failed.
type Card struct {
	Summary     *string  `json:"summary"`
	Sentiment   string   `json:"sentiment"`
	Urgency     string   `json:"urgency"`
	ActionItems []string `json:"actionItems"`
}

func PlaceholderCard() Card {
	return Card{
		Sentiment:   SentimentNeutral,
		Urgency:     UrgencyMedium,
		ActionItems: []string{},
	}
}

func (c Card) IsPlaceholder() bool { return c.Summary == nil }

func (c Card) SummaryText() string {
	if c.Summary == nil {
		return ""
	}
	return *c.Summary
}

// Normalize lower-cases enum values, trims action items and checks the result
// against the fixed vocabularies.
func (c Card) Normalize() (Card, error) {
	out := Card{
		Sentiment:   strings.ToLower(strings.TrimSpace(c.Sentiment)),
		Urgency:     strings.ToLower(strings.TrimSpace(c.Urgency)),
		ActionItems: make([]string, 0, len(c.ActionItems)),
	}
	if c.Summary != nil {
		s := strings.TrimSpace(*c.Summary)
		if s == "" {
			return Card{}, fmt.Errorf("empty summary")
		}
		out.Summary = &s
	}
	switch out.Sentiment {
	case SentimentPositive, SentimentNeutral, SentimentNegative:
	default:
		return Card{}, fmt.Errorf("sentiment %q not in vocabulary", c.Sentiment)
	}
	switch out.Urgency {
	case UrgencyLow, UrgencyMedium, UrgencyHigh:
	default:
		return Card{}, fmt.Errorf("urgency %q not in vocabulary", c.Urgency)
	}
	for _, item := range c.ActionItems {
		if item = strings.TrimSpace(item); item != "" {
			out.ActionItems = append(out.ActionItems, item)
		}
	}
	return out, nil
}

func (c Card) clone() Card {
	out := c
	if c.Summary != nil {
		s := *c.Summary
		out.Summary = &s
	}
	out.ActionItems = append([]string{}, c.ActionItems...)
	return out
}
