// Package facilitator implements the Facilitator Service: a
// reentrant collaborator that asks the Gateway for a JSON-schema-shaped
// round summary, retries on parse failure, and falls back to a sentinel
// "no facilitator output" result when all attempts are exhausted.
//
// The Facilitator never writes to votes and never layers the mock-provider
// fallback the orchestrator applies to discussion/vote calls — a
// broken facilitator pass is allowed to simply not produce a message.
package facilitator

import (
	"context"
	"time"

	"github.com/multi-agent/go-meeting-orchestrator/internal/gateway"
	"github.com/multi-agent/go-meeting-orchestrator/internal/promptbuilder"
	"github.com/multi-agent/go-meeting-orchestrator/internal/store"
	apperrors "github.com/multi-agent/go-meeting-orchestrator/pkg/errors"
	"github.com/multi-agent/go-meeting-orchestrator/pkg/logger"
	"github.com/multi-agent/go-meeting-orchestrator/pkg/util"
)

// MaxAttempts is the number of generate+parse passes before the facilitator
// gives up on a round.
const MaxAttempts = 3

// Output is the structured round summary.
type Output struct {
	Disagreements []string `json:"disagreements"`
	ProposedPatch string   `json:"proposed_patch"`
	NextFocus     []string `json:"next_focus"`
	RoundSummary  string   `json:"round_summary"`
}

// Markdown renders the structured output as the fixed
// "round summary → disagreements → proposed patch → next focus" layout
// the orchestrator appends as a system message.
func (o Output) Markdown() string {
	md := "### Round Summary\n" + o.RoundSummary + "\n\n### Disagreements\n"
	for _, d := range o.Disagreements {
		md += "- " + d + "\n"
	}
	md += "\n### Proposed Patch\n" + o.ProposedPatch + "\n\n### Next Focus\n"
	for _, n := range o.NextFocus {
		md += "- " + n + "\n"
	}
	return md
}

// Service wraps a Gateway to produce Facilitator output.
type Service struct {
	gw *gateway.Gateway
}

// New creates a Facilitator Service over gw.
func New(gw *gateway.Gateway) *Service {
	return &Service{gw: gw}
}

// Input carries everything Summarize needs to build a facilitator prompt
// and route the call.
type Input struct {
	Topic          string
	Round          int
	RollingSummary string
	Messages       []store.Message
	ProposalDraft  string
	Provider       string // cfg.Facilitator.Provider, falls back to "auto"
	Model          string // cfg.Facilitator.Model, falls back to "auto"
	Temperature    float64
	Timeout        time.Duration
}

// Summarize runs up to MaxAttempts generate+parse passes and returns the
// parsed Output, or an error if every attempt produced the fallback
// sentinel (unparseable JSON or schema violation). Callers treat a non-nil
// error as "skip the facilitator message for this round".
func (s *Service) Summarize(ctx context.Context, in Input) (*Output, error) {
	providerID := util.FirstNonEmpty(in.Provider, gateway.AutoProviderID)
	model := util.FirstNonEmpty(in.Model, gateway.AutoProviderID)
	timeout := in.Timeout
	if timeout <= 0 {
		timeout = 90 * time.Second
	}

	system, user := promptbuilder.BuildFacilitatorPrompt(promptbuilder.FacilitatorPromptInput{
		Topic:          in.Topic,
		Round:          in.Round,
		RollingSummary: in.RollingSummary,
		Messages:       in.Messages,
		ProposalDraft:  in.ProposalDraft,
	})

	var lastErr error
	for attempt := 1; attempt <= MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, apperrors.Wrap(err, "facilitator.Summarize", "context done")
		}

		resp, err := s.gw.GenerateText(ctx, gateway.Request{
			ProviderID:     providerID,
			Model:          model,
			Messages:       []gateway.Message{{Role: "system", Content: system}, {Role: "user", Content: user}},
			Temperature:    in.Temperature,
			MaxTokens:      1024,
			Timeout:        timeout,
			ResponseFormat: "json_object",
		})
		if err != nil {
			if apperrors.IsCancellation(err) {
				return nil, err
			}
			lastErr = err
			logger.Warnw("facilitator attempt failed", logger.FieldRound, in.Round, "attempt", attempt, logger.FieldError, err)
			continue
		}

		out, err := parseOutput(resp.Text)
		if err != nil {
			lastErr = err
			logger.Warnw("facilitator output failed to parse", logger.FieldRound, in.Round, "attempt", attempt, logger.FieldError, err)
			continue
		}
		return out, nil
	}

	return nil, apperrors.Wrapf(lastErr, "facilitator.Summarize", "all %d attempts yielded the fallback sentinel", MaxAttempts)
}

func parseOutput(text string) (*Output, error) {
	parsed := promptbuilder.ExtractJSON(text)
	if parsed == nil {
		return nil, apperrors.New("facilitator.parseOutput", "no JSON object found in response")
	}

	disagreements := toStringSlice(parsed["disagreements"])
	nextFocus := toStringSlice(parsed["next_focus"])
	proposedPatch, _ := parsed["proposed_patch"].(string)
	roundSummary, _ := parsed["round_summary"].(string)

	if len(disagreements) == 0 || len(disagreements) > 3 {
		return nil, apperrors.Newf("facilitator.parseOutput", "disagreements must have 1-3 items, got %d", len(disagreements))
	}
	if len(nextFocus) == 0 || len(nextFocus) > 2 {
		return nil, apperrors.Newf("facilitator.parseOutput", "next_focus must have 1-2 items, got %d", len(nextFocus))
	}

	out := &Output{
		Disagreements: disagreements,
		ProposedPatch: promptbuilder.Truncate(proposedPatch, promptbuilder.MaxDissenterRationaleChars*10),
		NextFocus:     nextFocus,
		RoundSummary:  promptbuilder.Truncate(roundSummary, 2000),
	}
	return out, nil
}

func toStringSlice(v any) []string {
	items, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, it := range items {
		if s, ok := it.(string); ok && s != "" {
			out = append(out, s)
		}
	}
	return out
}
