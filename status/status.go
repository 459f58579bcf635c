// Package status defines the error taxonomy shared by every package in
// this module: InvalidArgument, NotFound, DataLoss, Internal, and
// Unimplemented. Every error the executor, wiring, chunker, tokenizer,
// and response packages return is one of these, wrapped with
// context via fmt.Errorf("...: %w", ...) so callers can still recover
// the kind with errors.Is.
package status

import (
	"errors"
	"fmt"
)

// Kind classifies an error the way the rest of the module needs to
// react to it: retry (DataLoss), fail the request (InvalidArgument,
// NotFound), fail the turn (Internal), or fail the build (Unimplemented).
type Kind int

const (
	// Unknown is returned by KindOf for errors that were never
	// wrapped through this package.
	Unknown Kind = iota
	InvalidArgument
	NotFound
	DataLoss
	Internal
	Unimplemented
)

func (k Kind) String() string {
	switch k {
	case InvalidArgument:
		return "invalid argument"
	case NotFound:
		return "not found"
	case DataLoss:
		return "data loss"
	case Internal:
		return "internal"
	case Unimplemented:
		return "unimplemented"
	default:
		return "unknown"
	}
}

// Sentinel base errors. Use errors.Is(err, status.ErrInternal) etc. to
// test; wrapped errors built with the constructors below satisfy this.
var (
	ErrInvalidArgument = errors.New("invalid argument")
	ErrNotFound        = errors.New("not found")
	ErrDataLoss        = errors.New("data loss")
	ErrInternal        = errors.New("internal")
	ErrUnimplemented   = errors.New("unimplemented")
)

var sentinels = map[Kind]error{
	InvalidArgument: ErrInvalidArgument,
	NotFound:        ErrNotFound,
	DataLoss:        ErrDataLoss,
	Internal:        ErrInternal,
	Unimplemented:   ErrUnimplemented,
}

// wrapped lets KindOf recover the Kind without re-parsing message text.
type wrapped struct {
	kind Kind
	err  error
}

func (w *wrapped) Error() string { return w.err.Error() }
func (w *wrapped) Unwrap() error { return w.err }

func newf(kind Kind, format string, args ...any) error {
	base := sentinels[kind]
	return &wrapped{kind: kind, err: fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), base)}
}

// InvalidArgumentf builds an InvalidArgument error, e.g. an empty
// prompt, a batch dimension other than 1, an out-of-range index, an
// unsupported backend, or a decode call with no token id available.
func InvalidArgumentf(format string, args ...any) error { return newf(InvalidArgument, format, args...) }

// NotFoundf builds a NotFound error for a named asset missing from the
// model bundle (e.g. a signature the provider does not export).
func NotFoundf(format string, args ...any) error { return newf(NotFound, format, args...) }

// DataLossf builds a DataLoss error — the tokenizer-only recoverable
// condition signaling an incomplete trailing byte-pair sequence.
func DataLossf(format string, args ...any) error { return newf(DataLoss, format, args...) }

// Internalf builds an Internal error for subgraph invocation failures,
// wiring/registry inconsistencies, and benchmark-ledger ordering
// violations.
func Internalf(format string, args ...any) error { return newf(Internal, format, args...) }

// Unimplementedf builds an Unimplemented error for optional operations
// the caller's collaborator doesn't support (e.g. missing BOS/EOS).
func Unimplementedf(format string, args ...any) error { return newf(Unimplemented, format, args...) }

// Wrap attaches kind to an existing error without discarding its
// message or chain, so errors.Is/As on the original err still work.
func Wrap(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &wrapped{kind: kind, err: fmt.Errorf("%w: %w", err, sentinels[kind])}
}

// KindOf returns the Kind the error was constructed or wrapped with,
// or Unknown if it never passed through this package.
func KindOf(err error) Kind {
	var w *wrapped
	if errors.As(err, &w) {
		return w.kind
	}
	for k, sentinel := range sentinels {
		if errors.Is(err, sentinel) {
			return k
		}
	}
	return Unknown
}
