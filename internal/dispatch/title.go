package dispatch

import (
	"context"
	"strings"
	"time"

	"github.com/strandlabs/strand/internal/engine"
	"github.com/strandlabs/strand/pkg/models"
)

const (
	titleTimeout   = 30 * time.Second
	titleMaxTokens = 60
	titleMaxLength = 80
)

const titleInstruction = "Write a short title for this conversation, at most six words. " +
	"Reply with the title only, no quotes and no trailing punctuation."

// maybeGenerateTitle kicks off async title generation after a completed turn.
// It runs only while the thread still carries its autogenerated placeholder
// and the conversation has a first exchange to summarize. The turn's event
// stream never waits on it.
func (d *Dispatcher) maybeGenerateTitle(thread *models.Thread, state *models.AgentState) {
	if !thread.TitleAutogenerated {
		return
	}
	user, assistant := firstExchange(state.Messages)
	if user == "" || assistant == "" {
		return
	}
	go d.generateTitle(thread.ID, thread.Owner, thread.AgentBinding, user, assistant)
}

func (d *Dispatcher) generateTitle(threadID string, owner models.Principal, binding, user, assistant string) {
	ctx, cancel := context.WithTimeout(context.Background(), titleTimeout)
	defer cancel()

	model := d.opts.FastModel
	if model == "" {
		model = d.opts.DefaultModel
	}

	res, err := d.opts.Arbiter.Authorize(ctx, owner.Key(), ProviderForModel(model), models.CapabilityText)
	if err != nil {
		d.logger.Debug("skipping title generation", "thread_id", threadID, "error", err)
		return
	}
	provider, err := d.opts.Providers(res, model)
	if err != nil {
		d.logger.Warn("title provider construction failed", "thread_id", threadID, "error", err)
		return
	}

	prompt := titleInstruction + "\n\nUser: " + clip(user, 500) + "\nAssistant: " + clip(assistant, 500)
	chunks, err := provider.Complete(ctx, &engine.CompletionRequest{
		Model:     model,
		Messages:  []models.ChatMessage{{Role: models.RoleUser, Content: prompt}},
		MaxTokens: titleMaxTokens,
	})
	if err != nil {
		d.logger.Warn("title generation failed", "thread_id", threadID, "error", err)
		return
	}

	var b strings.Builder
	for chunk := range chunks {
		if chunk.Err != nil {
			d.logger.Warn("title generation failed", "thread_id", threadID, "error", chunk.Err)
			return
		}
		b.WriteString(chunk.Text)
	}

	title := sanitizeTitle(b.String())
	if title == "" {
		return
	}

	// Re-read before patching; a user may have named the thread meanwhile.
	thread, err := d.opts.Stores.Threads.Get(ctx, threadID)
	if err != nil || !thread.TitleAutogenerated {
		return
	}
	thread.Title = title
	thread.TitleAutogenerated = false
	thread.UpdatedAt = time.Now()
	if err := d.opts.Stores.Threads.Update(ctx, thread); err != nil {
		d.logger.Warn("failed to save generated title", "thread_id", threadID, "error", err)
		return
	}
	d.logger.Debug("thread titled", "thread_id", threadID, "title", title)
}

// firstExchange returns the first user message and the first non-empty
// assistant reply that follows it.
func firstExchange(messages []models.ChatMessage) (user, assistant string) {
	for _, msg := range messages {
		switch msg.Role {
		case models.RoleUser:
			if user == "" {
				user = msg.Content
			}
		case models.RoleAssistant:
			if user != "" && msg.Content != "" {
				return user, msg.Content
			}
		}
	}
	return user, ""
}

func sanitizeTitle(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	s = strings.Trim(s, `"'`)
	s = strings.TrimRight(s, ".")
	s = strings.TrimSpace(s)
	if len(s) > titleMaxLength {
		s = strings.TrimSpace(s[:titleMaxLength])
	}
	return s
}

func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
