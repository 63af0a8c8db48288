// Package extract turns raw conversational messages into MemCells using a
// generative model capability.
package extract

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/kaptinlin/jsonrepair"
	"github.com/rs/zerolog"
	"github.com/samber/lo"

	"github.com/aschepis/backscratcher/recall/capability"
	"github.com/aschepis/backscratcher/recall/memory"
)

// ErrMalformedOutput marks model output that could not be parsed even after
// repair. The pipeline retries these a bounded number of times before
// marking the message failed.
var ErrMalformedOutput = errors.New("extract: malformed model output")

const systemPrompt = `You are a memory extraction module for a conversational assistant.

You must extract durable, self-contained facts from a single message.

Output MUST be valid JSON with this exact shape and no extra keys:
{
  "facts": [
    {
      "content": string,
      "entity": string,
      "predicate": string,
      "value": string,
      "confidence": number
    }
  ]
}

Requirements:
- "content" must be a third-person, self-contained statement naming the speaker.
- "entity"/"predicate"/"value" form a structured attribute when the fact is a
  stable property of a person (e.g. "alice" / "likes_sport" / "basketball").
  Leave all three empty for narrative facts that are not attributes.
- "predicate" must be a short lowercase token without spaces.
- "confidence" is between 0 and 1.
- Extract nothing from greetings, acknowledgements, or small talk: return
  {"facts": []}.
- Do NOT include secrets (API keys, passwords, tokens).

You must output ONLY the JSON object. Do not include explanations, comments, or surrounding text.`

// Extractor is stateless aside from its capability wiring.
type Extractor struct {
	gen    capability.Generator
	logger zerolog.Logger
}

func NewExtractor(gen capability.Generator, logger zerolog.Logger) *Extractor {
	return &Extractor{
		gen:    gen,
		logger: logger.With().Str("component", "extractor").Logger(),
	}
}

// Extract derives zero or more MemCells from one message. Zero facts is a
// valid outcome, not an error. Transient capability failures are retried
// with exponential backoff before bubbling up to the queue.
func (e *Extractor) Extract(ctx context.Context, msg memory.Message) ([]memory.MemCell, error) {
	if strings.TrimSpace(msg.Content) == "" {
		return nil, errors.New("extract: message content is empty")
	}

	prompt := fmt.Sprintf(`Extract long-term memory facts from the following message.

Sender: %s
Sent at: %s
Message:
%s`, senderLabel(msg), msg.CreateTime.Format(time.RFC3339), msg.Content)

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = 1 * time.Second
	eb.MaxInterval = 30 * time.Second
	eb.MaxElapsedTime = 2 * time.Minute
	b := backoff.WithMaxRetries(eb, 3)

	var raw string
	operation := func() error {
		out, err := e.gen.Generate(ctx, systemPrompt, prompt)
		if err != nil {
			e.logger.Warn().Err(err).Str("message_id", msg.ID).Msg("Extract: model call failed, retrying")
			return err
		}
		raw = out
		return nil
	}
	if err := backoff.Retry(operation, backoff.WithContext(b, ctx)); err != nil {
		return nil, fmt.Errorf("extract: model call: %w", err)
	}

	facts, err := parseFacts(raw)
	if err != nil {
		e.logger.Error().Err(err).Str("message_id", msg.ID).Msg("Extract: unparseable model output")
		return nil, err
	}

	cells := lo.FilterMap(facts, func(f fact, _ int) (memory.MemCell, bool) {
		content := strings.TrimSpace(f.Content)
		if content == "" {
			return memory.MemCell{}, false
		}
		cell := memory.MemCell{
			ID:          uuid.NewString(),
			MessageID:   msg.ID,
			Sender:      msg.Sender,
			MessageTime: msg.CreateTime,
			Scope:       msg.Scope(),
			Content:     content,
			Confidence:  clamp01(f.Confidence),
			ContentHash: memory.HashContent(msg.ID, content),
			CreatedAt:   time.Now(),
		}
		if attr := f.attribute(); attr != nil {
			cell.Attribute = attr
		}
		return cell, true
	})
	// The same fact stated twice in one message collapses to one cell.
	cells = lo.UniqBy(cells, func(c memory.MemCell) string { return c.ContentHash })

	e.logger.Info().
		Str("message_id", msg.ID).
		Int("facts", len(cells)).
		Msg("Extract: message extracted")
	return cells, nil
}

type fact struct {
	Content    string  `json:"content"`
	Entity     string  `json:"entity"`
	Predicate  string  `json:"predicate"`
	Value      string  `json:"value"`
	Confidence float64 `json:"confidence"`
}

func (f fact) attribute() *memory.Attribute {
	entity := strings.TrimSpace(f.Entity)
	predicate := sanitizePredicate(f.Predicate)
	value := strings.TrimSpace(f.Value)
	if entity == "" || predicate == "" || value == "" {
		return nil
	}
	return &memory.Attribute{Entity: entity, Predicate: predicate, Value: value}
}

func parseFacts(raw string) ([]fact, error) {
	repaired, err := jsonrepair.JSONRepair(strings.TrimSpace(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedOutput, err)
	}
	var out struct {
		Facts []fact `json:"facts"`
	}
	if err := json.Unmarshal([]byte(repaired), &out); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedOutput, err)
	}
	return out.Facts, nil
}

func sanitizePredicate(p string) string {
	p = strings.ToLower(strings.TrimSpace(p))
	return strings.ReplaceAll(p, " ", "_")
}

func senderLabel(msg memory.Message) string {
	if msg.SenderName != "" {
		return fmt.Sprintf("%s (%s)", msg.SenderName, msg.Sender)
	}
	return msg.Sender
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
