package eventlog

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSinks(t *testing.T) {
	rec := NewRecorder()
	var seen []Type
	fn := SinkFunc(func(ev Event) { seen = append(seen, ev.Type) })

	sink := Multi(rec, nil, fn, Nop())
	sink.Emit(New(RunStarted, "r", "", nil))
	sink.Emit(New(LobeTurn, "r", "SecurityExpert_Creative", map[string]any{"round": 1}))
	sink.Emit(New(LobeTurn, "r", "SecurityExpert_VoReason", nil))

	assert.Equal(t, []Type{RunStarted, LobeTurn, LobeTurn}, rec.Types())
	assert.Equal(t, rec.Types(), seen)
	assert.Equal(t, 2, rec.Count(LobeTurn))
	assert.Equal(t, 0, rec.Count(RunFailed))

	events := rec.Events()
	events[0].RunID = "changed"
	assert.Equal(t, "r", rec.Events()[0].RunID)
}

func TestTerminal(t *testing.T) {
	tests := []struct {
		typ  Type
		want bool
	}{
		{RunStarted, false},
		{ExpertFinished, false},
		{RunFinished, true},
		{RunFailed, true},
	}
	for _, tt := range tests {
		t.Run(string(tt.typ), func(t *testing.T) {
			assert.Equal(t, tt.want, New(tt.typ, "r", "", nil).Terminal())
		})
	}
}
