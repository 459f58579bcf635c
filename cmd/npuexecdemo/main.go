// Command npuexecdemo drives one prefill call followed by a handful
// of decode steps against a mock signature.Provider and prints the
// resulting latency ledger. It exists to exercise the executor
// end-to-end without a real compiled model bundle; wiring a real
// subgraph provider from a model artifact is an explicit non-goal
// collaborator of this module, the same way ollama's cmd/ package
// (removed from this tree) is out of scope for the engine underneath
// it. Adapted from runner/ollamarunner's Execute entrypoint shape
// (flag parsing, logger setup, then handing off to the stateful
// server): here, to "run one generation and exit" instead of serving
// HTTP, since CLI/session orchestration is a non-goal.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/onloop/npuexec/executor"
	"github.com/onloop/npuexec/internal/logutil"
	"github.com/onloop/npuexec/internal/mockmodel"
	"github.com/onloop/npuexec/ml"
)

func main() {
	numTokens := flag.Int("tokens", 17, "number of prompt tokens to prefill")
	prefillLength := flag.Int("chunk", 8, "supported prefill chunk length")
	decodeSteps := flag.Int("decode", 4, "number of decode steps to run after prefill")
	verbose := flag.Bool("verbose", false, "enable trace-level logging")
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = logutil.LevelTrace
	}
	slog.SetDefault(logutil.NewLogger(os.Stderr, level))

	if err := run(*numTokens, *prefillLength, *decodeSteps); err != nil {
		slog.Error("npuexecdemo failed", "error", err)
		os.Exit(1)
	}
}

func run(numTokens, prefillLength, decodeSteps int) error {
	ctx := context.Background()

	reg := ml.NewRegistry()
	defer reg.Close()

	provider := mockmodel.New(reg, mockmodel.DefaultConfig())

	exec, err := executor.New(ctx, reg, provider, []int{prefillLength}, executor.Options{})
	if err != nil {
		return fmt.Errorf("construct executor: %w", err)
	}

	ids := make([]int32, numTokens)
	for i := range ids {
		ids[i] = int32(i + 1)
	}

	if err := exec.Prefill(ctx, ids); err != nil {
		return fmt.Errorf("prefill: %w", err)
	}
	slog.Info("prefill complete", "current_step", exec.CurrentStep())

	for i := 0; i < decodeSteps; i++ {
		tok, err := exec.Decode(ctx)
		if err != nil {
			return fmt.Errorf("decode step %d: %w", i, err)
		}
		slog.Info("decode step", "step", i, "token", tok, "current_step", exec.CurrentStep())
	}

	ledger := exec.Ledger()
	for i := 0; i < ledger.Turns(); i++ {
		summary, err := ledger.SummarizeTurn(i)
		if err != nil {
			return fmt.Errorf("summarize turn %d: %w", i, err)
		}
		fmt.Println(summary.String())
	}
	return nil
}
