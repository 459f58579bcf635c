// Package mockmodel is a demonstration-only signature.Provider: it
// compiles no artifact and runs no accelerator, but declares the same
// input/output shapes a real five-subgraph bundle would and produces
// deterministic outputs, so cmd/npuexecdemo has something concrete to
// wire an Executor against. Loading real subgraphs from a compiled
// model bundle is an explicit non-goal collaborator of this module.
package mockmodel

import (
	"context"
	"fmt"

	"github.com/onloop/npuexec/ml"
	"github.com/onloop/npuexec/signature"
	"github.com/onloop/npuexec/status"
)

// Config sizes the mock model's declared tensors.
type Config struct {
	HiddenSize int
	VocabSize  int
	KVCapacity int
	NumLayers  int
}

// DefaultConfig returns a small, fast-to-wire configuration.
func DefaultConfig() Config {
	return Config{HiddenSize: 8, VocabSize: 32, KVCapacity: 64, NumLayers: 2}
}

type provider struct {
	cfg Config
	reg *ml.Registry
}

// New returns a signature.Provider backed by cfg, reading and writing
// its buffers through reg at Invoke time.
func New(reg *ml.Registry, cfg Config) signature.Provider {
	return &provider{cfg: cfg, reg: reg}
}

func decl(name string, dtype ml.DType, n int) signature.Declaration {
	return signature.Declaration{Name: name, DType: dtype, Shape: []int{n}}
}

type subgraph struct {
	reg     *ml.Registry
	name    string
	inputs  []signature.Declaration
	outputs []signature.Declaration
	run     func(reg *ml.Registry, name string) error
}

func (s *subgraph) SignatureName() string           { return s.name }
func (s *subgraph) Inputs() []signature.Declaration  { return s.inputs }
func (s *subgraph) Outputs() []signature.Declaration { return s.outputs }
func (s *subgraph) Invoke(ctx context.Context) error {
	if s.run == nil {
		return nil
	}
	return s.run(s.reg, s.name)
}

// Subgraph resolves a concrete signature name to a compiled unit, per
// signature.Provider. Names follow the tensor-naming contract this
// module's wiring package expects ("prefill_<length>", "decode",
// "prefill_rope_<length>", and so on).
func (p *provider) Subgraph(sigName string) (signature.Subgraph, error) {
	c := p.cfg
	h, v, kv := c.HiddenSize, c.VocabSize, c.KVCapacity

	switch {
	case sigName == "decode_embedder" || isPrefillName(sigName, "prefill_embedder_"):
		n := lengthOf(sigName, "prefill_embedder_", 1)
		return &subgraph{reg: p.reg, name: sigName,
			inputs:  []signature.Declaration{decl("tokens", ml.DTypeInt32, n)},
			outputs: []signature.Declaration{decl("embeds", ml.DTypeFloat32, n*h)},
			run:     copyCast,
		}, nil

	case sigName == "decode_rope" || isPrefillName(sigName, "prefill_rope_"):
		n := lengthOf(sigName, "prefill_rope_", 1)
		return &subgraph{reg: p.reg, name: sigName,
			inputs: []signature.Declaration{decl("input_pos", ml.DTypeInt32, n)},
			outputs: []signature.Declaration{
				decl("pos_emb_cos", ml.DTypeFloat32, n), decl("pos_emb_sin", ml.DTypeFloat32, n),
			},
		}, nil

	case sigName == "decode_mask" || isPrefillName(sigName, "prefill_mask_"):
		n := lengthOf(sigName, "prefill_mask_", 1)
		return &subgraph{reg: p.reg, name: sigName,
			inputs:  []signature.Declaration{decl("time_step", ml.DTypeInt32, 1), decl("input_tokens", ml.DTypeInt32, n)},
			outputs: []signature.Declaration{decl("mask_local", ml.DTypeFloat32, n)},
		}, nil

	case sigName == "decode_cache_update" || isPrefillName(sigName, "prefill_cache_update_"):
		n := lengthOf(sigName, "prefill_cache_update_", 1)
		inputs := []signature.Declaration{decl("input_pos", ml.DTypeInt32, n)}
		outputs := make([]signature.Declaration, 0, c.NumLayers*2)
		for l := 0; l < c.NumLayers; l++ {
			inputs = append(inputs,
				decl(fmt.Sprintf("kv_cache_k_%d", l), ml.DTypeFloat32, kv),
				decl(fmt.Sprintf("kv_cache_v_%d", l), ml.DTypeFloat32, kv),
				decl(fmt.Sprintf("kv_slice_k_%d", l), ml.DTypeFloat32, n),
				decl(fmt.Sprintf("kv_slice_v_%d", l), ml.DTypeFloat32, n),
			)
			outputs = append(outputs,
				decl(fmt.Sprintf("kv_cache_k_%d", l), ml.DTypeFloat32, kv),
				decl(fmt.Sprintf("kv_cache_v_%d", l), ml.DTypeFloat32, kv),
			)
		}
		return &subgraph{reg: p.reg, name: sigName, inputs: inputs, outputs: outputs}, nil

	case sigName == "decode" || isPrefillName(sigName, "prefill_"):
		decode := sigName == "decode"
		n := 1
		if !decode {
			n = lengthOf(sigName, "prefill_", 1)
		}
		inputs := []signature.Declaration{
			decl("input_embeds", ml.DTypeFloat32, n*h),
			decl("pos_emb_cos", ml.DTypeFloat32, n), decl("pos_emb_sin", ml.DTypeFloat32, n),
			decl("mask_local", ml.DTypeFloat32, n),
		}
		outputs := []signature.Declaration{}
		for l := 0; l < c.NumLayers; l++ {
			inputs = append(inputs, decl(fmt.Sprintf("kv_cache_k_%d", l), ml.DTypeFloat32, kv), decl(fmt.Sprintf("kv_cache_v_%d", l), ml.DTypeFloat32, kv))
			outputs = append(outputs, decl(fmt.Sprintf("kv_slice_k_%d", l), ml.DTypeFloat32, n), decl(fmt.Sprintf("kv_slice_v_%d", l), ml.DTypeFloat32, n))
		}
		var run func(reg *ml.Registry, name string) error
		if decode {
			outputs = append(outputs, decl("logits", ml.DTypeInt16, v))
			run = writeLogits(v)
		}
		return &subgraph{reg: p.reg, name: sigName, inputs: inputs, outputs: outputs, run: run}, nil

	default:
		return nil, status.NotFoundf("mockmodel: no signature %q", sigName)
	}
}

func isPrefillName(sigName, prefix string) bool {
	if len(sigName) <= len(prefix) {
		return false
	}
	return sigName[:len(prefix)] == prefix
}

func lengthOf(sigName, prefix string, fallback int) int {
	var n int
	if _, err := fmt.Sscanf(sigName[len(prefix):], "%d", &n); err != nil || n <= 0 {
		return fallback
	}
	return n
}

// copyCast widens each input token id into a constant-valued embedding
// row, just enough arithmetic to exercise the buffer pipeline end to
// end without modeling real attention.
func copyCast(reg *ml.Registry, name string) error {
	// wiring files a subgraph's inputs under "<subgraph>_<variant>"
	// (e.g. "embedder_decode", "embedder_prefill_8"); only its declared
	// outputs live under the concrete signature name.
	inputKey := "embedder_decode"
	if name != "decode_embedder" {
		inputKey = "embedder_prefill_" + name[len("prefill_embedder_"):]
	}
	tokensBuf, err := reg.Lookup(inputKey, "tokens")
	if err != nil {
		return err
	}
	embedsBuf, err := reg.Lookup(name, "embeds")
	if err != nil {
		return err
	}

	tokensLock := ml.ScopedLock(tokensBuf)
	tokens := append([]int32(nil), tokensLock.Int32s()...)
	tokensLock.Release()

	hidden := embedsBuf.Size() / 4 / len(tokens)
	embeds := make([]float32, 0, len(tokens)*hidden)
	for _, tok := range tokens {
		for i := 0; i < hidden; i++ {
			embeds = append(embeds, float32(tok))
		}
	}
	return ml.Write(embedsBuf, embeds)
}

// writeLogits returns a run func producing a deterministic logits
// vector from the decode step's input embedding, so repeated decode
// calls make visible, if arbitrary, progress.
func writeLogits(vocabSize int) func(reg *ml.Registry, name string) error {
	return func(reg *ml.Registry, name string) error {
		// The decode LLM's inputs are filed under "llm_decode" by wiring.
		embedsBuf, err := reg.Lookup("llm_decode", "input_embeds")
		if err != nil {
			return err
		}
		embedsLock := ml.ScopedLock(embedsBuf)
		var seed float32
		if len(embedsLock.Float32s()) > 0 {
			seed = embedsLock.Float32s()[0]
		}
		embedsLock.Release()

		logitsBuf, err := reg.Lookup(name, "logits")
		if err != nil {
			return err
		}
		logits := make([]int16, vocabSize)
		winner := int(seed+1) % vocabSize
		if winner < 0 {
			winner += vocabSize
		}
		for i := range logits {
			logits[i] = 1
		}
		logits[winner] = 100
		return ml.Write(logitsBuf, logits)
	}
}
