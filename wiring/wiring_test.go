package wiring

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/onloop/npuexec/ml"
	"github.com/onloop/npuexec/signature"
	"github.com/onloop/npuexec/status"
)

type stubSubgraph struct {
	name    string
	inputs  []signature.Declaration
	outputs []signature.Declaration
	invoke  func() error
}

func (s *stubSubgraph) SignatureName() string           { return s.name }
func (s *stubSubgraph) Inputs() []signature.Declaration  { return s.inputs }
func (s *stubSubgraph) Outputs() []signature.Declaration { return s.outputs }
func (s *stubSubgraph) Invoke(ctx context.Context) error {
	if s.invoke != nil {
		return s.invoke()
	}
	return nil
}

func d(name string, dtype ml.DType, n int) signature.Declaration {
	return signature.Declaration{Name: name, DType: dtype, Shape: []int{n}}
}

// stubProvider is a single-layer, single-prefill-length fixture
// covering the full aliasing table of spec.md §4.2: embedder->llm
// embeds, rope->llm pos_emb_{cos,sin}, mask->llm mask_local,
// llm->cache_update kv_slice_{k,v}, and the persistent kv_cache_{k,v}
// cell shared between llm and cache_update across phases.
type stubProvider struct {
	kvCacheDType func(decode bool) ml.DType // lets tests force a mismatch
	fail         map[string]error
}

func newStubProvider() *stubProvider {
	return &stubProvider{
		kvCacheDType: func(decode bool) ml.DType { return ml.DTypeFloat32 },
		fail:         map[string]error{},
	}
}

func (p *stubProvider) Subgraph(sigName string) (signature.Subgraph, error) {
	if err, ok := p.fail[sigName]; ok {
		return nil, err
	}

	switch sigName {
	case "prefill_embedder_3":
		return &stubSubgraph{name: sigName, inputs: []signature.Declaration{d("tokens", ml.DTypeInt32, 3)}, outputs: []signature.Declaration{d("embeds", ml.DTypeFloat32, 3)}}, nil
	case "decode_embedder":
		return &stubSubgraph{name: sigName, inputs: []signature.Declaration{d("tokens", ml.DTypeInt32, 1)}, outputs: []signature.Declaration{d("embeds", ml.DTypeFloat32, 1)}}, nil
	case "prefill_rope_3":
		return &stubSubgraph{name: sigName, inputs: []signature.Declaration{d("input_pos", ml.DTypeInt32, 3)}, outputs: []signature.Declaration{d("pos_emb_cos", ml.DTypeFloat32, 3), d("pos_emb_sin", ml.DTypeFloat32, 3)}}, nil
	case "decode_rope":
		return &stubSubgraph{name: sigName, inputs: []signature.Declaration{d("input_pos", ml.DTypeInt32, 1)}, outputs: []signature.Declaration{d("pos_emb_cos", ml.DTypeFloat32, 1), d("pos_emb_sin", ml.DTypeFloat32, 1)}}, nil
	case "prefill_mask_3":
		return &stubSubgraph{name: sigName, inputs: []signature.Declaration{d("time_step", ml.DTypeInt32, 1), d("input_tokens", ml.DTypeInt32, 3)}, outputs: []signature.Declaration{d("mask_local", ml.DTypeFloat32, 3)}}, nil
	case "decode_mask":
		return &stubSubgraph{name: sigName, inputs: []signature.Declaration{d("time_step", ml.DTypeInt32, 1), d("input_tokens", ml.DTypeInt32, 1)}, outputs: []signature.Declaration{d("mask_local", ml.DTypeFloat32, 1)}}, nil
	case "prefill_3":
		return &stubSubgraph{name: sigName, inputs: []signature.Declaration{
			d("input_embeds", ml.DTypeFloat32, 3), d("pos_emb_cos", ml.DTypeFloat32, 3), d("pos_emb_sin", ml.DTypeFloat32, 3),
			d("mask_local", ml.DTypeFloat32, 3), d("kv_cache_k_0", p.kvCacheDType(false), 8), d("kv_cache_v_0", p.kvCacheDType(false), 8),
		}, outputs: []signature.Declaration{d("kv_slice_k_0", ml.DTypeFloat32, 3), d("kv_slice_v_0", ml.DTypeFloat32, 3)}}, nil
	case "decode":
		return &stubSubgraph{name: sigName, inputs: []signature.Declaration{
			d("input_embeds", ml.DTypeFloat32, 1), d("pos_emb_cos", ml.DTypeFloat32, 1), d("pos_emb_sin", ml.DTypeFloat32, 1),
			d("mask_local", ml.DTypeFloat32, 1), d("kv_cache_k_0", p.kvCacheDType(true), 8), d("kv_cache_v_0", p.kvCacheDType(true), 8),
		}, outputs: []signature.Declaration{d("kv_slice_k_0", ml.DTypeFloat32, 1), d("kv_slice_v_0", ml.DTypeFloat32, 1), d("logits", ml.DTypeInt16, 4)}}, nil
	case "prefill_cache_update_3":
		return &stubSubgraph{name: sigName, inputs: []signature.Declaration{
			d("input_pos", ml.DTypeInt32, 3), d("kv_cache_k_0", p.kvCacheDType(false), 8), d("kv_cache_v_0", p.kvCacheDType(false), 8),
			d("kv_slice_k_0", ml.DTypeFloat32, 3), d("kv_slice_v_0", ml.DTypeFloat32, 3),
		}, outputs: []signature.Declaration{d("kv_cache_k_0", p.kvCacheDType(false), 8), d("kv_cache_v_0", p.kvCacheDType(false), 8)}}, nil
	case "decode_cache_update":
		return &stubSubgraph{name: sigName, inputs: []signature.Declaration{
			d("input_pos", ml.DTypeInt32, 1), d("kv_cache_k_0", p.kvCacheDType(true), 8), d("kv_cache_v_0", p.kvCacheDType(true), 8),
			d("kv_slice_k_0", ml.DTypeFloat32, 1), d("kv_slice_v_0", ml.DTypeFloat32, 1),
		}, outputs: []signature.Declaration{d("kv_cache_k_0", p.kvCacheDType(true), 8), d("kv_cache_v_0", p.kvCacheDType(true), 8)}}, nil
	default:
		return nil, status.NotFoundf("stubProvider: no signature %q", sigName)
	}
}

func TestWireAliasesEmbedderOutputIntoLLMInput(t *testing.T) {
	reg := ml.NewRegistry()
	set, err := Wire(context.Background(), reg, newStubProvider(), []int{3})
	require.NoError(t, err)

	embedCtx, err := set.Context(signature.Embedder, signature.PrefillVariant(3))
	require.NoError(t, err)
	llmCtx, err := set.Context(signature.LLM, signature.PrefillVariant(3))
	require.NoError(t, err)

	embeds, err := embedCtx.Output("embeds")
	require.NoError(t, err)
	inputEmbeds, err := llmCtx.Input("input_embeds")
	require.NoError(t, err)
	require.True(t, embeds.Aliases(inputEmbeds))
}

func TestWireSharesMaskAndEmbedderTokenBuffer(t *testing.T) {
	reg := ml.NewRegistry()
	set, err := Wire(context.Background(), reg, newStubProvider(), []int{3})
	require.NoError(t, err)

	embedCtx, err := set.Context(signature.Embedder, signature.PrefillVariant(3))
	require.NoError(t, err)
	maskCtx, err := set.Context(signature.Mask, signature.PrefillVariant(3))
	require.NoError(t, err)

	tokens, err := embedCtx.Input("tokens")
	require.NoError(t, err)
	inputTokens, err := maskCtx.Input("input_tokens")
	require.NoError(t, err)
	require.True(t, tokens.Aliases(inputTokens))
}

func TestWireKVCachePersistsAcrossPrefillAndDecodeWhenDTypesMatch(t *testing.T) {
	reg := ml.NewRegistry()
	set, err := Wire(context.Background(), reg, newStubProvider(), []int{3})
	require.NoError(t, err)

	prefillLLM, err := set.Context(signature.LLM, signature.PrefillVariant(3))
	require.NoError(t, err)
	decodeLLM, err := set.Context(signature.LLM, signature.DecodeVariant)
	require.NoError(t, err)

	prefillCache, err := prefillLLM.Input("kv_cache_k_0")
	require.NoError(t, err)
	decodeCache, err := decodeLLM.Input("kv_cache_k_0")
	require.NoError(t, err)
	require.True(t, prefillCache.Aliases(decodeCache), "matching-dtype KV cache must be the same persistent cell across phases")
}

func TestWireKVCacheSplitsPersistentCellOnDTypeMismatch(t *testing.T) {
	p := newStubProvider()
	p.kvCacheDType = func(decode bool) ml.DType {
		if decode {
			return ml.DTypeInt16
		}
		return ml.DTypeFloat32
	}

	reg := ml.NewRegistry()
	set, err := Wire(context.Background(), reg, p, []int{3})
	require.NoError(t, err)

	prefillLLM, err := set.Context(signature.LLM, signature.PrefillVariant(3))
	require.NoError(t, err)
	decodeLLM, err := set.Context(signature.LLM, signature.DecodeVariant)
	require.NoError(t, err)

	prefillCache, err := prefillLLM.Input("kv_cache_k_0")
	require.NoError(t, err)
	decodeCache, err := decodeLLM.Input("kv_cache_k_0")
	require.NoError(t, err)

	require.False(t, prefillCache.Aliases(decodeCache), "dtype-mismatched layer must not alias prefill and decode cells")
	require.Equal(t, ml.DTypeFloat32, prefillCache.DType())
	require.Equal(t, ml.DTypeInt16, decodeCache.DType())
}

func TestWireCacheUpdateWritesKVCacheInPlace(t *testing.T) {
	reg := ml.NewRegistry()
	set, err := Wire(context.Background(), reg, newStubProvider(), []int{3})
	require.NoError(t, err)

	cacheCtx, err := set.Context(signature.CacheUpdate, signature.PrefillVariant(3))
	require.NoError(t, err)

	in, err := cacheCtx.Input("kv_cache_k_0")
	require.NoError(t, err)
	out, err := cacheCtx.Output("kv_cache_k_0")
	require.NoError(t, err)
	require.True(t, in.Aliases(out))
}

func TestWireFailsNotFoundWhenSignatureMissing(t *testing.T) {
	p := newStubProvider()
	p.fail["prefill_rope_3"] = status.NotFoundf("bundle: no such signature")

	reg := ml.NewRegistry()
	_, err := Wire(context.Background(), reg, p, []int{3})
	require.Error(t, err)
	require.Equal(t, status.NotFound, status.KindOf(err))
}

func TestWireFailsWhenWarmupInvocationErrors(t *testing.T) {
	reg := ml.NewRegistry()
	p := newStubProvider()

	// stubProvider builds fresh subgraphs per call, so the failure is
	// injected by wrapping the provider: the decode_mask subgraph it
	// returns fails every Invoke, which warmup reaches.
	failing := &invokeFailingProvider{stubProvider: p, target: "decode_mask"}
	_, err := Wire(context.Background(), reg, failing, []int{3})
	require.Error(t, err)
	require.Equal(t, status.Internal, status.KindOf(err))
}

type invokeFailingProvider struct {
	*stubProvider
	target string
}

func (p *invokeFailingProvider) Subgraph(sigName string) (signature.Subgraph, error) {
	sg, err := p.stubProvider.Subgraph(sigName)
	if err != nil {
		return nil, err
	}
	if sigName == p.target {
		if stub, ok := sg.(*stubSubgraph); ok {
			stub.invoke = func() error { return status.Internalf("compute engine fault") }
		}
	}
	return sg, nil
}

func TestWireRejectsEmptyPrefillLengths(t *testing.T) {
	reg := ml.NewRegistry()
	_, err := Wire(context.Background(), reg, newStubProvider(), nil)
	require.Error(t, err)
	require.Equal(t, status.InvalidArgument, status.KindOf(err))
}
