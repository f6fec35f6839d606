package team

import (
	"context"
	"fmt"
	"strings"

	"riskteam/pkg/eventlog"
	"riskteam/pkg/llm"
	"riskteam/pkg/logx"
)

// Step names a state of the team state machine.
type Step string

// Team steps. StepDone is the terminal marker returned by finalize.
const (
	StepCoordinatorDecide Step = "coordinator_decide"
	StepExpertDeliberate  Step = "expert_deliberate"
	StepGenerateSummary   Step = "generate_summary"
	StepFinalize          Step = "finalize"
	StepDone              Step = "done"
)

// StepFunc performs one step. It must not mutate its input.
type StepFunc func(ctx context.Context, state State) (State, Step, error)

// validTransitions defines the team state machine.
//
//nolint:gochecknoglobals // state machine definition
var validTransitions = map[Step][]Step{
	StepCoordinatorDecide: {StepExpertDeliberate, StepGenerateSummary, StepFinalize},
	StepExpertDeliberate:  {StepCoordinatorDecide},
	StepGenerateSummary:   {StepFinalize},
	StepFinalize:          {StepDone},
	StepDone:              {},
}

// IsValidTransition checks a transition against the state machine.
func IsValidTransition(from, to Step) bool {
	for _, allowed := range validTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Transcript speakers that are not experts.
const (
	SpeakerCoordinator = "Coordinator"
	SpeakerSummary     = "SummaryAgent"
)

func (t *Team) stepFunc(step Step) (StepFunc, bool) {
	switch step {
	case StepCoordinatorDecide:
		return t.coordinatorDecide, true
	case StepExpertDeliberate:
		return t.expertDeliberate, true
	case StepGenerateSummary:
		return t.generateSummary, true
	case StepFinalize:
		return t.finalize, true
	default:
		return nil, false
	}
}

// acting names the component making the next model calls and debug logs.
func acting(ctx context.Context, component string) context.Context {
	return logx.ContextWithComponent(llm.WithComponent(ctx, component), component)
}

// coordinatorDecide asks for a decision, enforcing the ceiling: once the
// budget is spent an expert decision becomes end and the count stops.
func (t *Team) coordinatorDecide(ctx context.Context, state State) (State, Step, error) {
	exhausted := state.Exhausted()

	out, err := t.coordinator.DecideNextAction(acting(ctx, "coordinator"), state.Clone())
	if err != nil {
		return state, "", fmt.Errorf("coordinator: %w", err)
	}

	decision := out.Decision
	if !decision.Valid(t.order) {
		fallback := FallbackDecision(state.MessageCount, state.MaxMessages)
		t.logger.Warn("unrecognized decision %q, falling back to %s", decision.String(), fallback)
		decision = fallback
	}
	if exhausted && decision.Kind == KindExpert {
		t.logger.Warn("message ceiling %d reached, ending instead of routing to %s", state.MaxMessages, decision.Expert)
		decision = End()
	}

	next := state.Clone()
	if !exhausted {
		next.MessageCount++
	}
	next.CoordinatorDecision = decision
	next.CoordinatorInstructions = out.Instructions
	next.ConversationKeywords.Merge(out.Keywords...)
	next.appendMessage(SpeakerCoordinator, fmt.Sprintf("Decision: %s | Reasoning: %s", decision, out.Reasoning))

	emit(ctx, eventlog.CoordinatorDecision, SpeakerCoordinator, map[string]any{
		"decision":      decision.String(),
		"kind":          string(decision.Kind),
		"reasoning":     out.Reasoning,
		"instructions":  out.Instructions,
		"keywords":      out.Keywords,
		"message_count": next.MessageCount,
		"max_messages":  next.MaxMessages,
	})

	switch decision.Kind {
	case KindExpert:
		return next, StepExpertDeliberate, nil
	case KindSummarize:
		return next, StepGenerateSummary, nil
	default:
		return next, StepFinalize, nil
	}
}

func (t *Team) expertDeliberate(ctx context.Context, state State) (State, Step, error) {
	name := state.CoordinatorDecision.Expert
	expert, ok := t.experts[name]
	if !ok {
		return state, "", fmt.Errorf("no expert named %q", name)
	}
	ctx = acting(ctx, "expert")
	logx.DebugFlow(ctx, "expert", name, "started")

	if len(state.ConversationKeywords) > 0 {
		if err := expert.UpdateKeywords(ctx, state.ConversationKeywords.Clone()); err != nil {
			return state, "", fmt.Errorf("expert %s keywords: %w", name, err)
		}
	}

	instruction := CurrentInstruction(state)
	emit(ctx, eventlog.ExpertStarting, name, map[string]any{"instruction": instruction})

	response, err := expert.ProcessMessage(ctx, instruction, BuildTeamContext(state))
	if err != nil {
		return state, "", fmt.Errorf("expert %s: %w", name, err)
	}

	next := state.Clone()
	next.ExpertResponses[name] = response
	next.appendMessage(name, response)

	logx.DebugFlow(ctx, "expert", name, "finished", fmt.Sprintf("%d chars", len(response)))
	emit(ctx, eventlog.ExpertFinished, name, map[string]any{
		"response":      response,
		"contributions": next.Contributions(name),
	})
	return next, StepCoordinatorDecide, nil
}

func (t *Team) generateSummary(ctx context.Context, state State) (State, Step, error) {
	emit(ctx, eventlog.SummaryStarting, SpeakerSummary, map[string]any{
		"experts": len(state.ExpertResponses),
	})

	report, err := t.summarizer.GenerateSummary(acting(ctx, "summary"), state.Clone())
	if err != nil {
		return state, "", fmt.Errorf("summary: %w", err)
	}

	next := state.Clone()
	next.FinalReport = report
	next.appendMessage(SpeakerSummary, report)
	return next, StepFinalize, nil
}

func (t *Team) finalize(_ context.Context, state State) (State, Step, error) {
	next := state.Clone()
	next.Concluded = true
	return next, StepDone, nil
}

// BuildTeamContext renders the shared conversation an expert sees: the query,
// the coordinator's reasoning and prior expert answers. Internal lobe turns
// never appear here.
func BuildTeamContext(state State) string {
	var sb strings.Builder
	sb.WriteString("User Query: ")
	sb.WriteString(state.Query)
	sb.WriteString("\n\n")
	for _, m := range state.Messages {
		content := m.Content
		if m.Speaker == SpeakerCoordinator {
			content = coordinatorReasoning(content)
		}
		fmt.Fprintf(&sb, "%s: %s\n\n", m.Speaker, content)
	}
	return sb.String()
}

// CurrentInstruction is the guidance for the expert about to speak: the
// coordinator's instructions, else the reasoning of its latest decision,
// else the query itself.
func CurrentInstruction(state State) string {
	if s := strings.TrimSpace(state.CoordinatorInstructions); s != "" {
		return s
	}
	for i := len(state.Messages) - 1; i >= 0; i-- {
		m := state.Messages[i]
		if m.Speaker == SpeakerCoordinator && strings.Contains(m.Content, "Reasoning:") {
			if r := coordinatorReasoning(m.Content); r != "" {
				return r
			}
			break
		}
	}
	return state.Query
}

func coordinatorReasoning(content string) string {
	if !strings.Contains(content, "Decision:") {
		return content
	}
	_, reasoning, found := strings.Cut(content, "Reasoning:")
	if !found {
		return content
	}
	return strings.TrimSpace(reasoning)
}
