// Package bench implements the latency ledger: named init-phase
// start/end balance checks, per-turn prefill/decode timing records,
// named mark deltas, and tokens-per-second, per spec.md §4.8.
// Ledger implements slog.LogValuer (grounded on the teacher's
// filteredEnv.LogValue() idiom in llm/server_types.go) so a turn
// summary can be logged in one structured call instead of
// field-by-field logging.
package bench

import (
	"log/slog"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/onloop/npuexec/status"
)

// TurnRecord is one timed unit of work: either a whole prefill chunk
// sequence or a single decode step.
type TurnRecord struct {
	Index    int
	Tokens   int
	Duration time.Duration
}

// TokensPerSecond returns tokens/seconds, or 0 for non-positive
// durations (spec.md §4.8).
func TokensPerSecond(tokens int, d time.Duration) float64 {
	secs := d.Seconds()
	if secs <= 0 {
		return 0
	}
	return float64(tokens) / secs
}

// TurnSummary groups one turn's prefill record with every decode step
// recorded while that turn was current, per SPEC_FULL.md §10's
// supplemented "per-turn latency ledger summary" feature.
type TurnSummary struct {
	Index           int
	PrefillTokens   int
	PrefillDuration time.Duration
	DecodeTokens    int
	DecodeDuration  time.Duration
}

// PrefillTokensPerSecond returns the turn's prefill throughput.
func (s TurnSummary) PrefillTokensPerSecond() float64 {
	return TokensPerSecond(s.PrefillTokens, s.PrefillDuration)
}

// DecodeTokensPerSecond returns the turn's decode throughput.
func (s TurnSummary) DecodeTokensPerSecond() float64 {
	return TokensPerSecond(s.DecodeTokens, s.DecodeDuration)
}

// String renders a human-readable one-line summary, formatting token
// counts with thousands separators the way gomlx's checkpoint summary
// table does via go-humanize.
func (s TurnSummary) String() string {
	return "turn " + humanize.Comma(int64(s.Index)) +
		": prefill " + humanize.Comma(int64(s.PrefillTokens)) + " tok" +
		" (" + formatRate(s.PrefillTokensPerSecond()) + " tok/s), decode " +
		humanize.Comma(int64(s.DecodeTokens)) + " tok" +
		" (" + formatRate(s.DecodeTokensPerSecond()) + " tok/s)"
}

func formatRate(r float64) string {
	return humanize.FtoaWithDigits(r, 2)
}

// Ledger accumulates per-phase and per-turn durations as time.Duration
// values (nanosecond resolution). All methods are safe for concurrent use, even though the
// executor itself is single-threaded cooperative (spec.md §5) — a
// caller may still want to read a ledger snapshot for logging from a
// different goroutine while a turn is in flight.
type Ledger struct {
	mu sync.Mutex

	phaseStarts    map[string]time.Time
	phaseDurations map[string]time.Duration

	marks map[string]time.Time

	prefillTurns []TurnRecord
	decodeTurns  [][]TurnRecord
}

// NewLedger returns an empty Ledger.
func NewLedger() *Ledger {
	return &Ledger{
		phaseStarts:    make(map[string]time.Time),
		phaseDurations: make(map[string]time.Duration),
		marks:          make(map[string]time.Time),
	}
}

// TimeInitPhaseStart arms the named init-phase timer. A second start
// before the matching end is a balance violation (status.Internal),
// per spec.md §8 property 8 / scenario E6.
func (l *Ledger) TimeInitPhaseStart(name string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, started := l.phaseStarts[name]; started {
		return status.Internalf("bench: init phase %q already started", name)
	}
	l.phaseStarts[name] = time.Now()
	return nil
}

// TimeInitPhaseEnd records and returns the named phase's duration. An
// end with no matching start is a balance violation (status.Internal).
func (l *Ledger) TimeInitPhaseEnd(name string) (time.Duration, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	start, started := l.phaseStarts[name]
	if !started {
		return 0, status.Internalf("bench: init phase %q ended without a matching start", name)
	}
	delete(l.phaseStarts, name)
	d := time.Since(start)
	l.phaseDurations[name] = d
	return d, nil
}

// PhaseDuration returns the recorded duration for a completed init
// phase, or false if it never completed.
func (l *Ledger) PhaseDuration(name string) (time.Duration, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	d, ok := l.phaseDurations[name]
	return d, ok
}

// Mark arms or resolves a named interval: the first call for name
// arms the timer and returns (0, false); the second call returns the
// elapsed interval and (true), then clears the arm so name can be
// reused.
func (l *Ledger) Mark(name string) (time.Duration, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	start, armed := l.marks[name]
	if !armed {
		l.marks[name] = time.Now()
		return 0, false
	}
	delete(l.marks, name)
	return time.Since(start), true
}

// RecordPrefillTurn records one prefill call's token count and
// duration, starting a new turn, and returns the new turn's index.
func (l *Ledger) RecordPrefillTurn(tokens int, d time.Duration) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	idx := len(l.prefillTurns)
	l.prefillTurns = append(l.prefillTurns, TurnRecord{Index: idx, Tokens: tokens, Duration: d})
	l.decodeTurns = append(l.decodeTurns, nil)
	return idx
}

// RecordDecodeTurn records one decode step's token count (always 1 in
// this core, since decode emits one token per call) and duration,
// attaching it to whichever turn is current (the most recent
// RecordPrefillTurn, or turn 0 if Decode is called before any
// Prefill). Returns the current turn index.
func (l *Ledger) RecordDecodeTurn(tokens int, d time.Duration) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.decodeTurns) == 0 {
		l.prefillTurns = append(l.prefillTurns, TurnRecord{Index: 0})
		l.decodeTurns = append(l.decodeTurns, nil)
	}
	idx := len(l.decodeTurns) - 1
	step := TurnRecord{Index: len(l.decodeTurns[idx]), Tokens: tokens, Duration: d}
	l.decodeTurns[idx] = append(l.decodeTurns[idx], step)
	return idx
}

// SummarizeTurn returns the combined prefill/decode summary for turn
// index i.
func (l *Ledger) SummarizeTurn(i int) (TurnSummary, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if i < 0 || i >= len(l.prefillTurns) {
		return TurnSummary{}, status.InvalidArgumentf("bench: no turn %d recorded", i)
	}
	s := TurnSummary{
		Index:           i,
		PrefillTokens:   l.prefillTurns[i].Tokens,
		PrefillDuration: l.prefillTurns[i].Duration,
	}
	for _, step := range l.decodeTurns[i] {
		s.DecodeTokens += step.Tokens
		s.DecodeDuration += step.Duration
	}
	return s, nil
}

// Turns returns the number of turns recorded so far.
func (l *Ledger) Turns() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.prefillTurns)
}

// LogValue renders the ledger as a structured slog group, letting
// callers write slog.Info("turn complete", "stats", ledger) instead of
// logging each field by hand.
func (l *Ledger) LogValue() slog.Value {
	l.mu.Lock()
	defer l.mu.Unlock()

	attrs := make([]slog.Attr, 0, len(l.phaseDurations)+2)
	for name, d := range l.phaseDurations {
		attrs = append(attrs, slog.Duration(name, d))
	}
	attrs = append(attrs,
		slog.Int("turns", len(l.prefillTurns)),
		slog.Int("in_flight_phases", len(l.phaseStarts)),
	)
	return slog.GroupValue(attrs...)
}
