// Package team implements the expert-team deliberation: a coordinator routes
// turns between experts until it decides to summarize, then a summary agent
// writes the final report.
//
// A run is an explicit loop over pure step functions. Each step receives a
// State snapshot and returns a new one together with the next step, and every
// transition is checked against a fixed transition table.
package team

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/google/uuid"

	"riskteam/pkg/eventlog"
	"riskteam/pkg/llm"
	"riskteam/pkg/logx"
)

// DefaultMaxMessages is the coordinator cycle ceiling when none is configured.
const DefaultMaxMessages = 20

// Messages returned by Consult when no report was produced.
const (
	NoSummaryMessage         = "No summary generated"
	ForcedTerminationMessage = "The assessment was terminated before a report was produced. The expert contributions are available in the transcript."
	ConsultErrorMessage      = "The risk assessment team encountered an error and could not complete the consultation."
)

// Outcome classifies how a run ended.
type Outcome string

// Run outcomes.
const (
	OutcomeReport     Outcome = "report"
	OutcomeForcedEnd  Outcome = "forced_end"
	OutcomeIncomplete Outcome = "incomplete"
)

// Outcome reports how the run that produced s ended.
func (s State) Outcome() Outcome {
	switch {
	case !s.Concluded:
		return OutcomeIncomplete
	case s.CoordinatorDecision.Kind == KindEnd:
		return OutcomeForcedEnd
	default:
		return OutcomeReport
	}
}

// Team ties a coordinator, experts and a summary agent into one state machine.
// A Team holds no per-run state and may run several queries concurrently.
type Team struct {
	experts     map[string]Expert
	order       []string
	coordinator Coordinator
	summarizer  Summarizer
	sink        eventlog.Sink
	logger      *logx.Logger
	narration   io.Writer
	seed        []string
	maxMessages int
	verbose     bool
}

// Option configures a Team.
type Option func(*Team)

// WithMaxMessages sets the ceiling. Negative values select the default.
func WithMaxMessages(n int) Option {
	return func(t *Team) {
		if n < 0 {
			n = DefaultMaxMessages
		}
		t.maxMessages = n
	}
}

// WithVerbose narrates each step to stdout.
func WithVerbose(verbose bool) Option {
	return func(t *Team) { t.verbose = verbose }
}

// WithNarrationWriter narrates to w instead of stdout when verbose.
func WithNarrationWriter(w io.Writer) Option {
	return func(t *Team) { t.narration = w }
}

// WithSeedKeywords starts every run with words as conversation keywords.
func WithSeedKeywords(words ...string) Option {
	return func(t *Team) { t.seed = append(t.seed, words...) }
}

// WithSink sends run events to sink.
func WithSink(sink eventlog.Sink) Option {
	return func(t *Team) {
		if sink != nil {
			t.sink = sink
		}
	}
}

// WithLogger replaces the team logger.
func WithLogger(l *logx.Logger) Option {
	return func(t *Team) {
		if l != nil {
			t.logger = l
		}
	}
}

// New creates a team. Experts keep their order for prompts and reports.
func New(coordinator Coordinator, summarizer Summarizer, experts []Expert, opts ...Option) (*Team, error) {
	if coordinator == nil {
		return nil, errors.New("team requires a coordinator")
	}
	if summarizer == nil {
		return nil, errors.New("team requires a summarizer")
	}
	if len(experts) == 0 {
		return nil, errors.New("team requires at least one expert")
	}

	t := &Team{
		experts:     make(map[string]Expert, len(experts)),
		coordinator: coordinator,
		summarizer:  summarizer,
		sink:        eventlog.Nop(),
		logger:      logx.NewLogger("team"),
		narration:   os.Stdout,
		maxMessages: DefaultMaxMessages,
	}
	for _, e := range experts {
		if e == nil {
			return nil, errors.New("nil expert")
		}
		name := e.Name()
		switch name {
		case "", SpeakerCoordinator, SpeakerSummary, string(KindSummarize), string(KindEnd):
			return nil, fmt.Errorf("invalid expert name %q", name)
		}
		if _, dup := t.experts[name]; dup {
			return nil, fmt.Errorf("duplicate expert %q", name)
		}
		t.experts[name] = e
		t.order = append(t.order, name)
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.verbose {
		t.sink = eventlog.Multi(t.sink, NewNarrator(t.narration))
	}
	return t, nil
}

// ExpertNames returns the configured experts in order.
func (t *Team) ExpertNames() []string {
	return append([]string(nil), t.order...)
}

// MaxMessages returns the configured ceiling.
func (t *Team) MaxMessages() int { return t.maxMessages }

// Consult runs a query and returns the final report. It never fails: a run
// ended by the coordinator yields ForcedTerminationMessage, and any error is
// logged and replaced by ConsultErrorMessage.
func (t *Team) Consult(ctx context.Context, query string) string {
	state, err := t.Run(ctx, query)
	if err != nil {
		t.logger.Error("team consultation failed: %v", err)
	}
	return Report(state, err)
}

// Report maps the result of Run onto the text handed to callers. Error
// detail never reaches the returned text.
func Report(state State, err error) string {
	switch {
	case err != nil:
		return ConsultErrorMessage
	case state.Outcome() == OutcomeForcedEnd:
		return ForcedTerminationMessage
	case state.FinalReport == "":
		return NoSummaryMessage
	default:
		return state.FinalReport
	}
}

// Run drives the state machine to completion and returns the final state.
// On error the last good state is returned with Concluded false. The run id
// is taken from the caller attribution on ctx, or generated.
func (t *Team) Run(ctx context.Context, query string) (State, error) {
	caller := llm.CallerFrom(ctx)
	runID := caller.RunID
	if runID == "" || runID == "unknown" {
		runID = uuid.NewString()
	}
	ctx = llm.WithCaller(ctx, llm.Caller{RunID: runID, Component: "team"})
	ctx = logx.ContextWithComponent(ctx, "team")
	ctx = withScope(ctx, runID, t.sink)

	state := NewState(query, t.maxMessages)
	state.ConversationKeywords.Merge(t.seed...)
	emit(ctx, eventlog.RunStarted, "", map[string]any{
		"query":        query,
		"experts":      t.ExpertNames(),
		"max_messages": t.maxMessages,
	})
	t.logger.Info("run %s started with %d experts, max %d messages", runID, len(t.order), t.maxMessages)

	step := StepCoordinatorDecide
	for step != StepDone {
		if err := ctx.Err(); err != nil {
			return t.fail(ctx, state, step, fmt.Errorf("run cancelled before %s: %w", step, err))
		}
		fn, ok := t.stepFunc(step)
		if !ok {
			return t.fail(ctx, state, step, fmt.Errorf("unknown step %s", step))
		}

		next, nextStep, err := fn(ctx, state)
		if err != nil {
			return t.fail(ctx, state, step, err)
		}
		if !IsValidTransition(step, nextStep) {
			return t.fail(ctx, state, step, fmt.Errorf("invalid transition %s -> %s", step, nextStep))
		}

		logx.DebugState(ctx, "team", "transition", string(nextStep), "from", string(step))
		emit(ctx, eventlog.StatusChange, "", map[string]any{"from": string(step), "to": string(nextStep)})
		state, step = next, nextStep
	}

	emit(ctx, eventlog.RunFinished, "", map[string]any{
		"outcome":       string(state.Outcome()),
		"message_count": state.MessageCount,
		"experts":       len(state.ExpertResponses),
		"report_chars":  len(state.FinalReport),
	})
	t.logger.Info("run %s finished: %s after %d/%d messages", runID, state.Outcome(), state.MessageCount, state.MaxMessages)
	return state, nil
}

func (t *Team) fail(ctx context.Context, state State, step Step, err error) (State, error) {
	emit(ctx, eventlog.RunFailed, "", map[string]any{
		"step":  string(step),
		"error": err.Error(),
	})
	return state, err
}
