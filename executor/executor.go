// Package executor implements the state machine that drives the five
// compiled subgraphs (embedder, rope, mask, LLM, cache-update) through
// one prefill chunk or one decode step, per spec.md §4.4. It owns the
// current-step counter and the one-token carry-over between phases,
// collapsing the teacher's "N concurrent sequences in a continuous
// batch" shape (runner/ollamarunner's forwardBatch/computeBatch) down
// to "one sequence, five fixed-order subgraphs", since this core is
// single sequence / single-threaded cooperative (spec.md §5).
package executor

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/onloop/npuexec/bench"
	"github.com/onloop/npuexec/chunker"
	"github.com/onloop/npuexec/config"
	"github.com/onloop/npuexec/ml"
	"github.com/onloop/npuexec/sample"
	"github.com/onloop/npuexec/signature"
	"github.com/onloop/npuexec/status"
	"github.com/onloop/npuexec/wiring"
)

// subgraphOrder is the fixed invocation order for one chunk or decode
// step (spec.md §5 "Ordering guarantees").
var subgraphOrder = []signature.Name{
	signature.Embedder,
	signature.Rope,
	signature.Mask,
	signature.LLM,
	signature.CacheUpdate,
}

// Options configures an Executor beyond the wiring inputs (registry,
// provider, supported prefill lengths). Every field is optional; zero
// values fall back to sane defaults. Passed as an explicit collaborator
// struct rather than positional arguments, the same "pass the observer
// as an explicit collaborator, not a global" rule spec.md §9 states for
// the session layer's streaming observer, applied identically here to
// the logger and ledger.
type Options struct {
	Ledger  *bench.Ledger
	Logger  *slog.Logger
	Sampler sample.Sampler

	// Config is the backend configuration this executor is constructed
	// with (spec.md §6). It is validated at construction time when a
	// Backend is set; the zero value (Backend == nil) skips validation
	// so callers that only care about wiring, not backend selection,
	// can leave it unset.
	Config config.Options
}

// Executor drives the prefill/decode state machine against a wired
// signature.Set. It is single-threaded cooperative: Prefill and Decode
// must not be invoked concurrently on the same Executor (spec.md §5);
// a semaphore guards against accidental reentrant/concurrent calls the
// way runner/ollamarunner guards concurrent sequence slots.
type Executor struct {
	reg *ml.Registry
	set *signature.Set

	sem     *semaphore.Weighted
	state   State
	logger  *slog.Logger
	ledger  *bench.Ledger
	sampler sample.Sampler
	config  config.Options

	currentStep uint64
	hasNext     bool
	nextToken   int32
}

// New wires the five subgraphs via wiring.Wire (which includes the
// mandatory warmup, spec.md §4.2) and returns an Idle Executor,
// current_step initialized to 0 per spec.md §3.
func New(ctx context.Context, reg *ml.Registry, provider signature.Provider, prefillLengths []int, opts Options) (*Executor, error) {
	if opts.Config.Backend != nil {
		if err := opts.Config.Validate(); err != nil {
			return nil, err
		}
	}

	set, err := wiring.Wire(ctx, reg, provider, prefillLengths)
	if err != nil {
		return nil, err
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ledger := opts.Ledger
	if ledger == nil {
		ledger = bench.NewLedger()
	}
	sampler := opts.Sampler
	if sampler == nil {
		sampler = sample.Greedy{}
	}

	return &Executor{
		reg:     reg,
		set:     set,
		sem:     semaphore.NewWeighted(1),
		logger:  logger,
		ledger:  ledger,
		sampler: sampler,
		config:  opts.Config,
	}, nil
}

// Config returns the backend configuration this executor was
// constructed with.
func (e *Executor) Config() config.Options { return e.config }

// State returns the executor's current position in the state diagram.
func (e *Executor) State() State { return e.state }

// CurrentStep returns the number of tokens already materialized into
// the KV cache (spec.md §3 ExecutorState.current_step).
func (e *Executor) CurrentStep() uint64 { return e.currentStep }

// NextInputTokenID returns the token carried from the last Prefill or
// Decode call into the next one, and whether one is present.
func (e *Executor) NextInputTokenID() (int32, bool) { return e.nextToken, e.hasNext }

// Ledger returns the executor's latency ledger.
func (e *Executor) Ledger() *bench.Ledger { return e.ledger }

func (e *Executor) acquire(next State) (func(), error) {
	if !e.sem.TryAcquire(1) {
		return nil, status.Internalf("executor: Prefill/Decode already in flight (state=%s)", e.state)
	}
	e.state = next
	return func() {
		e.state = Idle
		e.sem.Release(1)
	}, nil
}

func contextFor(set *signature.Set, name signature.Name, variant signature.Variant) (*signature.Context, error) {
	return set.Context(name, variant)
}

// Prefill ingests ids (batch dimension 1, len(ids) >= 1) in chunker-
// planned groups, writing every token but the last into the KV cache,
// per spec.md §4.4. The last token is reserved as the next call's
// carry. A prompt whose length doesn't evenly divide the supported
// prefill lengths runs its final group zero-padded rather than
// failing.
func (e *Executor) Prefill(ctx context.Context, ids []int32) error {
	if len(ids) == 0 {
		return status.InvalidArgumentf("prefill: ids must be non-empty")
	}

	release, err := e.acquire(PrefillRunning)
	if err != nil {
		return err
	}
	defer release()

	start := time.Now()
	initialStep := e.currentStep

	// Total positions this call spans: any carry still pending from a
	// previous call, written first, followed by every token of ids.
	// The chunker is handed that whole span — never pre-shrunk by the
	// one position this call reserves as its own new carry — so it can
	// freely emit a final partial, zero-padded group the way the
	// original runtime's GetOptimizedPrefillWorkGroups does. The carry
	// reservation itself is applied while walking the resulting groups
	// below, not folded into what's handed to the chunker.
	total := len(ids)
	if e.hasNext {
		total++
	}

	groups, err := chunker.Chunk(total, e.lengths())
	if err != nil {
		return err
	}

	written := 0
	cursor := 0
	toWrite := total - 1 // the call's own last token is always the new carry.
	for _, g := range groups {
		writeCount := g.Count
		if writeCount > toWrite-written {
			writeCount = toWrite - written
		}
		if writeCount <= 0 {
			break
		}
		if err := e.runPrefillChunk(ctx, g.Length, writeCount, ids, &cursor); err != nil {
			return err
		}
		written += writeCount
	}

	e.nextToken = ids[len(ids)-1]
	e.hasNext = true

	e.ledger.RecordPrefillTurn(written, time.Since(start))
	e.logger.Debug("prefill chunk sequence complete",
		"initial_step", initialStep, "current_step", e.currentStep, "chunks", len(groups))
	return nil
}

func (e *Executor) lengths() []int {
	variants := e.set.Variants(signature.LLM)
	out := make([]int, 0, len(variants))
	for _, v := range variants {
		if v.Phase == signature.Prefill {
			out = append(out, v.Length)
		}
	}
	return out
}

// runPrefillChunk drives one chunk on the signature compiled for
// capacity length, writing writeCount real tokens (writeCount <=
// length) starting at *cursor/the pending carry and zero-padding the
// rest of the chunk's tensors — the counterpart to Chunk's partial
// final group, which can be smaller than the signature it runs on.
func (e *Executor) runPrefillChunk(ctx context.Context, length, writeCount int, ids []int32, cursor *int) error {
	variant := signature.PrefillVariant(length)

	ctxEmbedder, err := contextFor(e.set, signature.Embedder, variant)
	if err != nil {
		return err
	}
	ctxRope, err := contextFor(e.set, signature.Rope, variant)
	if err != nil {
		return err
	}
	ctxMask, err := contextFor(e.set, signature.Mask, variant)
	if err != nil {
		return err
	}

	tokensBuf, err := ctxEmbedder.Input("tokens")
	if err != nil {
		return err
	}
	posBuf, err := ctxRope.Input("input_pos")
	if err != nil {
		return err
	}
	stepBuf, err := ctxMask.Input("time_step")
	if err != nil {
		return err
	}

	tokensLock := ml.ScopedLock(tokensBuf)
	posLock := ml.ScopedLock(posBuf)
	stepLock := ml.ScopedLock(stepBuf)

	tokens := tokensLock.Int32s()
	positions := posLock.Int32s()
	for i := range tokens {
		tokens[i] = 0
	}
	for i := range positions {
		positions[i] = 0
	}
	for i := range stepLock.Int32s() {
		stepLock.Int32s()[i] = 0
	}

	stepLock.Int32s()[0] = int32(e.currentStep)

	for i := 0; i < writeCount; i++ {
		var tok int32
		if e.hasNext {
			tok = e.nextToken
			e.hasNext = false
		} else {
			tok = ids[*cursor]
			*cursor = *cursor + 1
		}
		tokens[i] = tok
		positions[i] = int32(e.currentStep)
		e.currentStep++
	}

	tokensLock.Release()
	posLock.Release()
	stepLock.Release()

	e.logger.Debug("prefill chunk writing input positions complete",
		"length", length, "write_count", writeCount, "current_step", e.currentStep)

	for _, name := range subgraphOrder {
		if err := e.set.Invoke(ctx, name, variant); err != nil {
			return err
		}
		e.logger.Debug("subgraph invoked", "subgraph", name, "variant", variant.String())
	}
	return nil
}

// Decode produces one token. If override names exactly one token id,
// it is used as the input regardless of any carried
// next_input_token_id; otherwise the carried id is used. With neither
// available, Decode fails with InvalidArgument (spec.md §4.4 step 1,
// §8 scenario E4).
func (e *Executor) Decode(ctx context.Context, override ...int32) (int32, error) {
	if len(override) > 1 {
		return 0, status.InvalidArgumentf("decode: batch dimension must be 1, got %d input tokens", len(override))
	}

	release, err := e.acquire(DecodeRunning)
	if err != nil {
		return 0, err
	}
	defer release()

	start := time.Now()

	var tok int32
	switch {
	case len(override) == 1:
		tok = override[0]
	case e.hasNext:
		tok = e.nextToken
	default:
		return 0, status.InvalidArgumentf("invalid argument: no id available to be decoded")
	}
	e.hasNext = false // invalidated regardless of which source was used (step 2).

	variant := signature.DecodeVariant

	ctxEmbedder, err := contextFor(e.set, signature.Embedder, variant)
	if err != nil {
		return 0, err
	}
	ctxRope, err := contextFor(e.set, signature.Rope, variant)
	if err != nil {
		return 0, err
	}
	ctxMask, err := contextFor(e.set, signature.Mask, variant)
	if err != nil {
		return 0, err
	}

	tokensBuf, err := ctxEmbedder.Input("tokens")
	if err != nil {
		return 0, err
	}
	posBuf, err := ctxRope.Input("input_pos")
	if err != nil {
		return 0, err
	}
	stepBuf, err := ctxMask.Input("time_step")
	if err != nil {
		return 0, err
	}

	tokensLock := ml.ScopedLock(tokensBuf)
	posLock := ml.ScopedLock(posBuf)
	stepLock := ml.ScopedLock(stepBuf)

	tokensLock.Int32s()[0] = tok
	posLock.Int32s()[0] = int32(e.currentStep)
	stepLock.Int32s()[0] = int32(e.currentStep)

	tokensLock.Release()
	posLock.Release()
	stepLock.Release()

	for _, name := range subgraphOrder {
		if err := e.set.Invoke(ctx, name, variant); err != nil {
			return 0, err
		}
		e.logger.Debug("subgraph invoked", "subgraph", name, "variant", variant.String())
	}

	ctxLLM, err := contextFor(e.set, signature.LLM, variant)
	if err != nil {
		return 0, err
	}
	logitsBuf, err := ctxLLM.Output("logits")
	if err != nil {
		return 0, err
	}

	logitsLock := ml.ScopedLock(logitsBuf)
	logits := append([]int16(nil), logitsLock.Int16s()...)
	logitsLock.Release()

	sampled, err := e.sampler.Sample(logits)
	if err != nil {
		return 0, err
	}

	e.nextToken = sampled
	e.hasNext = true
	e.currentStep++

	e.ledger.RecordDecodeTurn(1, time.Since(start))
	e.logger.Debug("decode step complete", "current_step", e.currentStep, "sampled", sampled)

	return sampled, nil
}
