// Package signature defines the per-subgraph, per-phase buffer
// mappings threaded between the five compiled subgraphs (embedder,
// rope, mask, LLM, cache-update), and the small provider interface the
// model-package loader (a non-goal collaborator) must satisfy.
package signature

import (
	"context"
	"fmt"

	"github.com/onloop/npuexec/ml"
	"github.com/onloop/npuexec/status"
)

// Name identifies one of the five logical subgraphs. The concrete
// signature name passed to a Provider additionally encodes the phase
// and, for prefill, the chunk length (e.g. "prefill_128", "decode",
// "prefill_rope_128", "decode_mask").
type Name string

const (
	Embedder    Name = "embedder"
	Rope        Name = "rope"
	Mask        Name = "mask"
	LLM         Name = "llm"
	CacheUpdate Name = "cache_update"
)

// Phase distinguishes the bulk prefill variant of a subgraph from its
// single-token decode variant.
type Phase int

const (
	Prefill Phase = iota
	Decode
)

func (p Phase) String() string {
	if p == Decode {
		return "decode"
	}
	return "prefill"
}

// Declaration describes one tensor a subgraph declares by name in its
// signature: its element type and shape.
type Declaration struct {
	Name  string
	DType ml.DType
	Shape []int
}

// Subgraph is a compiled computation unit addressable by signature
// name, invoked once per prefill chunk or decode step. Invoke blocks
// until the accelerator completes the subgraph (spec.md §5).
type Subgraph interface {
	SignatureName() string
	Inputs() []Declaration
	Outputs() []Declaration
	Invoke(ctx context.Context) error
}

// Provider yields compiled subgraphs by logical signature name. It is
// the seam this module shares with the compiled-model loader, which
// is an explicit non-goal collaborator — this module only depends on
// the interface, never on how signatures are produced from a bundle.
type Provider interface {
	// Subgraph returns the compiled subgraph for signatureName, or a
	// status.NotFound error if the bundle has no such signature.
	Subgraph(signatureName string) (Subgraph, error)
}

// Context is the (InputMap, OutputMap) pair for one subgraph in one
// phase: every name in the subgraph's declared signature must be
// present (spec.md §3 "SignatureContext" invariant).
type Context struct {
	Inputs  map[string]*ml.Buffer
	Outputs map[string]*ml.Buffer
}

// NewContext returns an empty Context ready to be populated by the
// wiring package.
func NewContext() *Context {
	return &Context{
		Inputs:  make(map[string]*ml.Buffer),
		Outputs: make(map[string]*ml.Buffer),
	}
}

// Input looks up a named input buffer, returning status.NotFound if
// the subgraph's signature never declared it or wiring never filled
// it in.
func (c *Context) Input(name string) (*ml.Buffer, error) {
	b, ok := c.Inputs[name]
	if !ok {
		return nil, status.NotFoundf("signature context: no input buffer %q", name)
	}
	return b, nil
}

// Output looks up a named output buffer.
func (c *Context) Output(name string) (*ml.Buffer, error) {
	b, ok := c.Outputs[name]
	if !ok {
		return nil, status.NotFoundf("signature context: no output buffer %q", name)
	}
	return b, nil
}

// Validate checks that every declared input and output name is
// present in c, satisfying the SignatureContext invariant from
// spec.md §3.
func (c *Context) Validate(sg Subgraph) error {
	for _, d := range sg.Inputs() {
		if _, ok := c.Inputs[d.Name]; !ok {
			return status.Internalf("signature %q: missing declared input %q", sg.SignatureName(), d.Name)
		}
	}
	for _, d := range sg.Outputs() {
		if _, ok := c.Outputs[d.Name]; !ok {
			return status.Internalf("signature %q: missing declared output %q", sg.SignatureName(), d.Name)
		}
	}
	return nil
}

// Variant identifies one concrete compiled signature within a phase:
// the decode variant (Length == 0), or the prefill variant for one
// particular supported chunk length. Most models export a single
// supported prefill length (commonly 128); a few export several, each
// with its own I/O shapes, which is why Variant carries Length rather
// than collapsing every prefill chunk size into one context.
type Variant struct {
	Phase  Phase
	Length int
}

// DecodeVariant is the Variant for the single decode signature.
var DecodeVariant = Variant{Phase: Decode}

// PrefillVariant is the Variant for the prefill signature handling
// chunks of length.
func PrefillVariant(length int) Variant { return Variant{Phase: Prefill, Length: length} }

func (v Variant) String() string {
	if v.Phase == Decode {
		return "decode"
	}
	return fmt.Sprintf("prefill_%d", v.Length)
}

// Set holds the signature contexts (five subgraphs times one decode
// variant plus one variant per supported prefill length) the wiring
// package builds and the executor drives.
type Set struct {
	contexts map[Name]map[Variant]*Context
	graphs   map[Name]map[Variant]Subgraph
}

// NewSet returns an empty Set.
func NewSet() *Set {
	return &Set{
		contexts: make(map[Name]map[Variant]*Context),
		graphs:   make(map[Name]map[Variant]Subgraph),
	}
}

// Put records the subgraph and its signature context for (name, variant).
func (s *Set) Put(name Name, variant Variant, sg Subgraph, ctx *Context) {
	if s.contexts[name] == nil {
		s.contexts[name] = make(map[Variant]*Context)
		s.graphs[name] = make(map[Variant]Subgraph)
	}
	s.contexts[name][variant] = ctx
	s.graphs[name][variant] = sg
}

// Context returns the signature context for (name, variant).
func (s *Set) Context(name Name, variant Variant) (*Context, error) {
	m, ok := s.contexts[name]
	if !ok {
		return nil, status.NotFoundf("signature set: no subgraph %q", name)
	}
	ctx, ok := m[variant]
	if !ok {
		return nil, status.NotFoundf("signature set: no %s context for %q", variant, name)
	}
	return ctx, nil
}

// Subgraph returns the compiled subgraph for (name, variant).
func (s *Set) Subgraph(name Name, variant Variant) (Subgraph, error) {
	m, ok := s.graphs[name]
	if !ok {
		return nil, status.NotFoundf("signature set: no subgraph %q", name)
	}
	sg, ok := m[variant]
	if !ok {
		return nil, status.NotFoundf("signature set: no %s subgraph for %q", variant, name)
	}
	return sg, nil
}

// Invoke runs the subgraph registered for (name, variant), wrapping
// any failure as status.Internal per spec.md §4.4's fatal-subgraph-
// failure rule.
func (s *Set) Invoke(ctx context.Context, name Name, variant Variant) error {
	sg, err := s.Subgraph(name, variant)
	if err != nil {
		return err
	}
	if err := sg.Invoke(ctx); err != nil {
		return status.Wrap(status.Internal, fmt.Errorf("%s %s: %w", name, variant, err))
	}
	return nil
}

// Variants reports every variant recorded for name, decode last for
// readability in logs.
func (s *Set) Variants(name Name) []Variant {
	out := make([]Variant, 0, len(s.contexts[name]))
	for v := range s.contexts[name] {
		if v.Phase == Prefill {
			out = append(out, v)
		}
	}
	if _, ok := s.contexts[name][DecodeVariant]; ok {
		out = append(out, DecodeVariant)
	}
	return out
}
