package engine

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/oj-sh/oj/internal/effect"
	"github.com/oj-sh/oj/internal/event"
)

// escalation is the trigger-shaped input to the decision builder; the
// builder turns it into a DecisionCreated with a stable option table.
type escalation struct {
	source    event.DecisionSource
	context   string
	options   []event.DecisionOption
	questions []event.DecisionQuestion
}

func opts(recommended int, labels ...string) []event.DecisionOption {
	out := make([]event.DecisionOption, len(labels))
	for i, l := range labels {
		out[i] = event.DecisionOption{Label: l, Recommended: i == recommended}
	}
	return out
}

func escIdle() *escalation {
	return &escalation{
		source:  event.SourceIdle,
		context: "agent appears idle",
		options: opts(0, "Nudge", "Done", "Cancel", "Dismiss"),
	}
}

func escDead(exitCode int, lastMessage string) *escalation {
	ctx := fmt.Sprintf("agent died (exit %d)", exitCode)
	if lastMessage != "" {
		ctx += "\n\nlast message:\n" + lastMessage
	}
	return &escalation{
		source:  event.SourceDead,
		context: ctx,
		options: opts(0, "Retry", "Skip", "Cancel", "Dismiss"),
	}
}

func escError(category event.ErrorCategory, detail string) *escalation {
	ctx := "agent error: " + string(category)
	if detail != "" {
		ctx += "\n" + detail
	}
	return &escalation{
		source:  event.SourceError,
		context: ctx,
		options: opts(0, "Retry", "Skip", "Cancel", "Dismiss"),
	}
}

func escGate(command string, exitCode int, stderr string) *escalation {
	ctx := fmt.Sprintf("gate failed: %s (exit %d)", command, exitCode)
	if stderr != "" {
		ctx += "\n" + truncate(stderr, 500)
	}
	return &escalation{
		source:  event.SourceGate,
		context: ctx,
		options: opts(0, "Retry", "Skip", "Cancel", "Dismiss"),
	}
}

func escSignal(message string, options []string) *escalation {
	e := &escalation{source: event.SourceEscalation, context: message}
	for _, l := range options {
		e.options = append(e.options, event.DecisionOption{Label: l})
	}
	if len(e.options) == 0 {
		e.options = opts(-1, "Dismiss")
	}
	return e
}

// escFromPrompt maps a sidecar prompt to plan approval, grouped questions,
// or a plain approval.
func escFromPrompt(p *event.PromptInfo, lastMessage string) *escalation {
	switch {
	case p.Type == "plan":
		ctx := lastMessage
		if plan, ok := p.Input["plan"].(string); ok && plan != "" {
			ctx = plan
		}
		return &escalation{
			source:  event.SourcePlan,
			context: ctx,
			options: opts(0,
				"Accept (clear context)",
				"Accept (auto edits)",
				"Accept (manual edits)",
				"Revise",
				"Cancel",
			),
		}
	case len(p.Questions) > 0:
		e := &escalation{source: event.SourceQuestion}
		var lines []string
		for _, q := range p.Questions {
			if q.Header != "" {
				lines = append(lines, q.Header)
			}
			lines = append(lines, q.Question)
			e.questions = append(e.questions, event.DecisionQuestion{
				Header:      q.Header,
				Question:    q.Question,
				Options:     q.Options,
				MultiSelect: q.MultiSelect,
			})
			for _, o := range q.Options {
				e.options = append(e.options, event.DecisionOption{Label: o})
			}
		}
		e.context = strings.Join(lines, "\n")
		e.options = append(e.options, opts(-1, "Other", "Cancel", "Dismiss")...)
		return e
	default:
		return &escalation{
			source:  event.SourceApproval,
			context: lastMessage,
			options: opts(-1, "Approve", "Deny", "Cancel", "Dismiss"),
		}
	}
}

// exhausted marks an escalation that fired because a reaction ran out of
// attempts.
func (e *escalation) exhausted(trigger string) *escalation {
	out := *e
	out.context = fmt.Sprintf("attempts for %q exhausted", trigger)
	if e.context != "" {
		out.context += "\n" + e.context
	}
	return &out
}

// escalate raises a decision for the owner and parks it in waiting. A new
// escalation dominated by the owner's existing unresolved decision is
// dropped here so the waiting pointer never references a dropped id.
func (e *Engine) escalate(owner event.Owner, agentID string, esc *escalation) []effect.Effect {
	if esc == nil {
		return nil
	}
	e.mu.Lock()
	dominated := false
	if existing := e.st.UnresolvedDecision(owner); existing != nil {
		dominated = event.Dominates(existing.Source, esc.source)
	}
	e.mu.Unlock()
	if dominated {
		e.logger.Debug("escalation dominated by pending decision",
			zap.String("owner", owner.String()),
			zap.String("source", string(esc.source)))
		return nil
	}

	decisionID := uuid.New().String()
	effects := []effect.Effect{effect.Emit{Event: &event.DecisionCreated{
		DecisionID: decisionID,
		Owner:      owner,
		AgentID:    agentID,
		Source:     esc.source,
		Context:    esc.context,
		Options:    esc.options,
		Questions:  esc.questions,
	}}}
	switch owner.Kind {
	case event.OwnerJob:
		effects = append(effects, effect.Emit{Event: &event.JobStatusChanged{
			JobID:      owner.ID,
			Status:     event.StatusWaiting,
			DecisionID: decisionID,
		}})
	case event.OwnerCrew:
		effects = append(effects, effect.Emit{Event: &event.CrewUpdated{
			CrewID: owner.ID,
			Status: event.CrewEscalated,
		}})
	}
	effects = append(effects, effect.Notify{
		Title:   fmt.Sprintf("%s needs attention (%s)", ownerRef(owner), esc.source),
		Message: truncate(esc.context, 200),
	})
	return effects
}

// handleDecisionResolved translates a recorded resolution into its action.
// Apply has already written the choices, so this handler only routes.
func (e *Engine) handleDecisionResolved(p *event.DecisionResolved) ([]effect.Effect, error) {
	e.mu.Lock()
	d, ok := e.st.Decisions[p.DecisionID]
	var owner event.Owner
	var agentID string
	var source event.DecisionSource
	var options []event.DecisionOption
	var questions []event.DecisionQuestion
	if ok {
		owner, agentID, source = d.Owner, d.AgentID, d.Source
		options, questions = d.Options, d.Questions
	}
	e.mu.Unlock()
	if !ok || len(p.Choices) == 0 {
		// Superseded or auto-dismissed; nothing to act on.
		return nil, nil
	}

	if source == event.SourceQuestion && len(questions) > 0 && len(p.Choices) == len(questions) && len(questions) > 1 {
		return e.answerQuestions(owner, agentID, questions, p.Choices), nil
	}

	idx := p.Choices[0]
	if idx < 0 || idx >= len(options) {
		return nil, fmt.Errorf("decision %s: choice %d out of range", p.DecisionID, idx)
	}
	label := options[idx].Label

	switch label {
	case "Nudge":
		msg := p.Message
		if msg == "" {
			msg = "continue"
		}
		return withResume(owner, effect.SendToAgent{AgentID: agentID, Owner: owner, Text: msg}), nil
	case "Done":
		return e.ownerDone(owner), nil
	case "Cancel":
		switch owner.Kind {
		case event.OwnerJob:
			return []effect.Effect{effect.Emit{Event: &event.JobCancelRequested{JobID: owner.ID}}}, nil
		case event.OwnerCrew:
			return e.terminateCrew(owner.ID, event.CrewCancelled, "cancelled by decision"), nil
		}
		return nil, nil
	case "Dismiss":
		return nil, nil
	case "Retry":
		return e.ownerRetry(owner, agentID, "decision: retry"), nil
	case "Skip":
		return e.ownerDone(owner), nil
	case "Approve":
		return withResume(owner, effect.RespondToAgent{AgentID: agentID, Accept: true, Text: p.Message}), nil
	case "Deny":
		return withResume(owner, effect.RespondToAgent{AgentID: agentID, Accept: false, Text: p.Message}), nil
	case "Accept (clear context)", "Accept (auto edits)", "Accept (manual edits)":
		return withResume(owner, effect.RespondToAgent{AgentID: agentID, Accept: true, Option: label}), nil
	case "Revise", "Other":
		msg := p.Message
		if msg == "" {
			return nil, fmt.Errorf("decision %s: %q requires a message", p.DecisionID, label)
		}
		return withResume(owner, effect.SendToAgent{AgentID: agentID, Owner: owner, Text: msg}), nil
	}
	if source == event.SourceQuestion {
		// Single-question shortcut: the flat option label IS the answer.
		return withResume(owner, effect.RespondToAgent{AgentID: agentID, Accept: true, Option: label}), nil
	}
	if source == event.SourceEscalation {
		// Agent-supplied option labels go back verbatim.
		return withResume(owner, effect.SendToAgent{AgentID: agentID, Owner: owner, Text: label}), nil
	}
	e.logger.Warn("unmapped decision option", zap.String("label", label))
	return nil, nil
}

// answerQuestions composes one response line per grouped question.
func (e *Engine) answerQuestions(owner event.Owner, agentID string, qs []event.DecisionQuestion, choices []int) []effect.Effect {
	var lines []string
	for i, q := range qs {
		c := choices[i]
		if c < 0 || c >= len(q.Options) {
			continue
		}
		lines = append(lines, fmt.Sprintf("%s: %s", q.Question, q.Options[c]))
	}
	if len(lines) == 0 {
		return nil
	}
	return withResume(owner, effect.SendToAgent{AgentID: agentID, Owner: owner, Text: strings.Join(lines, "\n")})
}

// withResume flips the owner back to running after an action that answers
// the blocking decision.
func withResume(owner event.Owner, action effect.Effect) []effect.Effect {
	effects := []effect.Effect{action}
	switch owner.Kind {
	case event.OwnerJob:
		effects = append(effects, effect.Emit{Event: &event.JobStatusChanged{
			JobID:  owner.ID,
			Status: event.StatusRunning,
		}})
	case event.OwnerCrew:
		effects = append(effects, effect.Emit{Event: &event.CrewUpdated{
			CrewID: owner.ID,
			Status: event.CrewRunning,
		}})
	}
	return effects
}
