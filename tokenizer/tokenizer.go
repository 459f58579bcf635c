// Package tokenizer adapts an injected byte-pair-encoder collaborator
// to the contract spec.md §4.6 requires: encode, decode, and an
// "incomplete BPE sequence" signal distinguishable as status.DataLoss.
// The BPE merge table and pre-tokenizer themselves are an explicit
// non-goal (spec.md §1) — this package never implements them; Engine
// is the seam a real tokenizer library satisfies, the same way the
// original implementation's Tokenizer base class is a thin
// absl::Status wrapper around an injected `tokenizers::Tokenizer`
// (see _examples/original_source/runtime/components/tokenizer.h and
// huggingface_tokenizer.h).
package tokenizer

import (
	"strings"
	"unicode/utf8"

	"github.com/onloop/npuexec/status"
)

// TokenId mirrors spec.md §3's signed 32-bit token id type.
type TokenId = int32

// Engine is the injected byte-pair-encoder collaborator: it maps text
// to token ids and back. Implementations are free to use whatever
// vocabulary/merge-table representation they like; Adapter only needs
// these three operations.
type Engine interface {
	Encode(text string) ([]TokenId, error)
	Decode(ids []TokenId) (string, error)
}

// BOSEOSEngine is an optional extension of Engine for tokenizers that
// carry beginning/end-of-sequence ids. Absence of this interface (or
// a false second return) is itself a valid state (spec.md §4.6).
type BOSEOSEngine interface {
	BOSID() (TokenId, bool)
	EOSID() (TokenId, bool)
}

// Adapter wraps an Engine with the U+FFFD "incomplete BPE sequence"
// signal spec.md §4.6 / §7 requires: a decode whose result ends with
// the Unicode replacement character (U+FFFD, UTF-8 `EF BF BD`) returns
// status.DataLoss instead of a plain string, so callers can
// distinguish "accumulate more tokens and retry" from every other
// error kind.
type Adapter struct {
	engine Engine
}

// New wraps engine in an Adapter. This is the primary constructor: the
// tokenizer is consumed purely as an interface (spec.md §1's explicit
// non-goal), so the caller owns constructing engine however its model
// package's tokenizer asset dictates.
func New(engine Engine) *Adapter {
	return &Adapter{engine: engine}
}

// Encode converts text to a token id sequence. Engine errors that
// already carry a status.Kind (e.g. a malformed-input
// InvalidArgument) pass through unchanged; anything else is wrapped
// as Internal, matching the executor's "never swallow, never
// recategorize a known error" propagation policy (spec.md §7).
func (a *Adapter) Encode(text string) ([]TokenId, error) {
	ids, err := a.engine.Encode(text)
	if err != nil {
		if status.KindOf(err) != status.Unknown {
			return nil, err
		}
		return nil, status.Wrap(status.Internal, err)
	}
	return ids, nil
}

// Decode converts a token id sequence back to text. If the result
// ends with U+FFFD — meaning the tail of ids is an incomplete
// multi-byte byte-pair fragment — Decode returns the partial text
// alongside a status.DataLoss error; callers typically accumulate
// more tokens and retry the same (now longer) sequence.
func (a *Adapter) Decode(ids []TokenId) (string, error) {
	text, err := a.engine.Decode(ids)
	if err != nil {
		if status.KindOf(err) != status.Unknown {
			return "", err
		}
		return "", status.Wrap(status.Internal, err)
	}
	if strings.HasSuffix(text, string(utf8.RuneError)) {
		return text, status.DataLossf("tokenizer: decode ends with an incomplete byte-pair sequence")
	}
	return text, nil
}

// BOSID returns the engine's beginning-of-sequence id, or
// status.Unimplemented if the engine doesn't carry one.
func (a *Adapter) BOSID() (TokenId, error) {
	e, ok := a.engine.(BOSEOSEngine)
	if !ok {
		return 0, status.Unimplementedf("tokenizer: engine has no BOS id")
	}
	id, ok := e.BOSID()
	if !ok {
		return 0, status.Unimplementedf("tokenizer: BOS id not present")
	}
	return id, nil
}

// EOSID returns the engine's end-of-sequence id, or
// status.Unimplemented if the engine doesn't carry one.
func (a *Adapter) EOSID() (TokenId, error) {
	e, ok := a.engine.(BOSEOSEngine)
	if !ok {
		return 0, status.Unimplementedf("tokenizer: engine has no EOS id")
	}
	id, ok := e.EOSID()
	if !ok {
		return 0, status.Unimplementedf("tokenizer: EOS id not present")
	}
	return id, nil
}

// IncompleteSequence reports whether err is the recoverable
// "incomplete BPE sequence" condition (status.DataLoss), mirroring the
// original implementation's IsIncompleteBpeSequence<T> helper.
func IncompleteSequence(err error) bool {
	return status.KindOf(err) == status.DataLoss
}
