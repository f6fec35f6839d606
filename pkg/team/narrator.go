package team

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/fatih/color"

	"riskteam/pkg/eventlog"
)

// narrationPreview bounds how much of a lobe turn is printed.
const narrationPreview = 400

// Narrator prints run events as human-readable console output.
type Narrator struct {
	out io.Writer
	mu  sync.Mutex

	header   *color.Color
	decision *color.Color
	expert   *color.Color
	lobe     *color.Color
	failure  *color.Color
}

// NewNarrator creates a narrator writing to w.
func NewNarrator(w io.Writer) *Narrator {
	return &Narrator{
		out:      w,
		header:   color.New(color.FgCyan, color.Bold),
		decision: color.New(color.FgYellow),
		expert:   color.New(color.FgGreen),
		lobe:     color.New(color.FgHiBlack),
		failure:  color.New(color.FgRed, color.Bold),
	}
}

// Emit prints ev.
func (n *Narrator) Emit(ev eventlog.Event) {
	n.mu.Lock()
	defer n.mu.Unlock()

	switch ev.Type {
	case eventlog.RunStarted:
		rule := strings.Repeat("=", 80)
		n.header.Fprintln(n.out, rule)
		n.header.Fprintln(n.out, "SWIFT RISK ASSESSMENT STARTING")
		n.header.Fprintln(n.out, rule)
		fmt.Fprintf(n.out, "Query: %v\nExperts: %v\nMax messages: %v\n", ev.Data["query"], ev.Data["experts"], ev.Data["max_messages"])
	case eventlog.CoordinatorDecision:
		n.decision.Fprintf(n.out, "\nCoordinator (%v/%v): %v\n", ev.Data["message_count"], ev.Data["max_messages"], ev.Data["decision"])
		fmt.Fprintf(n.out, "  Reasoning: %v\n", ev.Data["reasoning"])
		if kw, ok := ev.Data["keywords"].([]string); ok && len(kw) > 0 {
			fmt.Fprintf(n.out, "  Keywords: %s\n", strings.Join(kw, ", "))
		}
	case eventlog.ExpertStarting:
		n.expert.Fprintf(n.out, "\n%s starting deliberation...\n", ev.Speaker)
	case eventlog.LobeTurn:
		n.lobe.Fprintf(n.out, "  [%s] %s\n", ev.Speaker, preview(fmt.Sprint(ev.Data["content"])))
	case eventlog.ExpertFinished:
		n.expert.Fprintf(n.out, "%s finished (%d chars)\n", ev.Speaker, len(fmt.Sprint(ev.Data["response"])))
	case eventlog.SummaryStarting:
		n.header.Fprintln(n.out, "\nSummary agent generating final report...")
	case eventlog.RunFinished:
		n.header.Fprintf(n.out, "\nTeam consultation completed: %v after %v messages\n", ev.Data["outcome"], ev.Data["message_count"])
	case eventlog.RunFailed:
		n.failure.Fprintf(n.out, "\nTeam consultation failed at %v: %v\n", ev.Data["step"], ev.Data["error"])
	case eventlog.StatusChange:
		// transitions are implied by the events above
	}
}

func preview(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) <= narrationPreview {
		return s
	}
	cut := narrationPreview
	for cut > 0 && !isRuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}

func isRuneStart(b byte) bool { return b&0xC0 != 0x80 }
