// finaldoc.go — Final Result Document drafting and revision.
//
// The Facilitator's configured provider/model is the primary editor; when
// it fails or the meeting has no Facilitator configured, drafting falls
// back across the enabled Agents' own providers in config order, up to
// maxFinalDocEditorPasses passes total.
package orchestrator

import (
	"context"
	"time"

	"github.com/multi-agent/go-meeting-orchestrator/internal/gateway"
	"github.com/multi-agent/go-meeting-orchestrator/internal/promptbuilder"
	"github.com/multi-agent/go-meeting-orchestrator/internal/store"
	apperrors "github.com/multi-agent/go-meeting-orchestrator/pkg/errors"
	"github.com/multi-agent/go-meeting-orchestrator/pkg/logger"
)

// finalDocEditors returns the ordered list of (provider, model) candidates
// a Final Result Document draft is attempted against: the Facilitator's
// configured provider/model first (if Facilitator is enabled), then each
// enabled Agent's provider/model in config order.
func finalDocEditors(cfg store.MeetingConfig) []struct{ Provider, Model string } {
	var editors []struct{ Provider, Model string }
	if cfg.Facilitator.Enabled && cfg.Facilitator.Provider != "" {
		editors = append(editors, struct{ Provider, Model string }{cfg.Facilitator.Provider, cfg.Facilitator.Model})
	}
	for _, a := range cfg.EnabledAgents() {
		editors = append(editors, struct{ Provider, Model string }{a.Provider, a.Model})
	}
	if len(editors) == 0 {
		editors = append(editors, struct{ Provider, Model string }{gateway.AutoProviderID, gateway.AutoProviderID})
	}
	return editors
}

// finalDocTimeout is the final-document editor call bound: max(90s, vote_timeout_ms).
func finalDocTimeout(cfg store.MeetingConfig) time.Duration {
	return maxDuration(MinFinalDocTimeout, time.Duration(cfg.Threshold.VoteTimeoutMS)*time.Millisecond)
}

// maxFinalDocEditorPasses caps Final-Document drafting at 3 passes total,
// regardless of how many candidate editors are configured.
const maxFinalDocEditorPasses = 3

// draftFinalDocument produces the first Final Result Document draft,
// trying each candidate editor in order until one succeeds, falling back
// to the original proposal text if every candidate fails.
func (o *Orchestrator) draftFinalDocument(ctx context.Context, cfg store.MeetingConfig, topic, proposal string, recentMessages []store.Message) (string, error) {
	system, user := promptbuilder.BuildFinalDocumentPrompt(promptbuilder.FinalDocumentPromptInput{
		Topic: topic, ProposalText: proposal, RecentDiscussion: recentDiscussionText(recentMessages),
	})
	return o.generateWithEditorFallback(ctx, cfg, system, user, proposal)
}

// reviseFinalDocument regenerates the draft so it addresses every
// dissenting reviewer's rationale, trying each candidate editor in order,
// falling back to the current draft unchanged if every candidate fails.
func (o *Orchestrator) reviseFinalDocument(ctx context.Context, cfg store.MeetingConfig, topic, currentDraft string, dissenterRationales []string) (string, error) {
	if len(dissenterRationales) > promptbuilder.MaxDissenterItems {
		dissenterRationales = dissenterRationales[:promptbuilder.MaxDissenterItems]
	}
	system, user := promptbuilder.BuildFinalDocumentRevisionPrompt(promptbuilder.FinalDocumentRevisionInput{
		Topic: topic, CurrentDraft: currentDraft, DissenterRationales: dissenterRationales,
	})
	return o.generateWithEditorFallback(ctx, cfg, system, user, currentDraft)
}

// generateWithEditorFallback tries up to maxFinalDocEditorPasses candidate
// editors in order. If every pass fails (and neither cancellation token
// fired), it returns fallback — the proposal text or prior draft — rather
// than erroring the meeting into FINISHED_ABORTED. ctx is the vote-scoped
// context, so both vote_cancel and meeting_cancel cut a pass short.
func (o *Orchestrator) generateWithEditorFallback(ctx context.Context, cfg store.MeetingConfig, system, user, fallback string) (string, error) {
	timeout := finalDocTimeout(cfg)
	editors := finalDocEditors(cfg)
	if len(editors) > maxFinalDocEditorPasses {
		editors = editors[:maxFinalDocEditorPasses]
	}
	for _, editor := range editors {
		if err := ctx.Err(); err != nil {
			return "", apperrors.Wrap(apperrors.ErrCancelled, "Orchestrator.generateWithEditorFallback", "cancelled")
		}
		resp, _, err := o.deps.Gateway.GenerateTextWithMockFallback(ctx, gateway.Request{
			ProviderID: editor.Provider, Model: editor.Model,
			Messages:    []gateway.Message{{Role: "system", Content: system}, {Role: "user", Content: user}},
			Temperature: 0.3, MaxTokens: 4096, Timeout: timeout,
		})
		if err != nil {
			if apperrors.IsCancellation(err) {
				return "", err
			}
			logger.Warnw("final document editor failed, trying next candidate",
				logger.FieldProvider, editor.Provider, logger.FieldError, err)
			continue
		}
		return resp.Text, nil
	}
	logger.Warnw("final document drafting exhausted all candidate editors, falling back to prior text")
	return fallback, nil
}

// recentDiscussionText concatenates the tail of the discussion as context
// for the Final-Document draft, bounded by promptbuilder's content-per-
// message cap; BuildFinalDocumentPrompt applies the overall char cap.
func recentDiscussionText(messages []store.Message) string {
	start := 0
	if len(messages) > promptbuilder.MaxDiscussionHistoryMessages {
		start = len(messages) - promptbuilder.MaxDiscussionHistoryMessages
	}
	joined := ""
	for _, m := range messages[start:] {
		if m.Role != store.RoleAgent && m.Role != store.RoleSystem {
			continue
		}
		if joined != "" {
			joined += "\n\n"
		}
		joined += promptbuilder.Truncate(m.Content, promptbuilder.MaxMessageContentChars)
	}
	return joined
}
