package executor

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/onloop/npuexec/ml"
	"github.com/onloop/npuexec/signature"
	"github.com/onloop/npuexec/status"
)

// fakeSubgraph is a minimal compiled-unit stand-in: its Invoke looks
// up its own buffers from the shared registry by name at call time
// (the same (signatureName, tensorName) addressing the real wiring
// package uses), rather than closing over buffer pointers captured
// before wiring exists.
type fakeSubgraph struct {
	reg     *ml.Registry
	name    string
	inputs  []signature.Declaration
	outputs []signature.Declaration
	compute func(reg *ml.Registry, sigName string) error
	calls   *int
}

func (f *fakeSubgraph) SignatureName() string                  { return f.name }
func (f *fakeSubgraph) Inputs() []signature.Declaration         { return f.inputs }
func (f *fakeSubgraph) Outputs() []signature.Declaration        { return f.outputs }
func (f *fakeSubgraph) Invoke(ctx context.Context) error {
	if f.calls != nil {
		*f.calls++
	}
	if f.compute != nil {
		return f.compute(f.reg, f.name)
	}
	return nil
}

const (
	testChunkLength = 2
	testVocabSize   = 4
	testKVCapacity  = 8
)

// fakeModel builds a two-layer-free (single KV layer) five-subgraph
// fixture with one supported prefill length, wired the same way a
// real model package would declare prefill_2/decode signatures.
type fakeModel struct {
	reg        *ml.Registry
	calls      map[string]int
	decodeLogits []int16
}

func newFakeModel(reg *ml.Registry) *fakeModel {
	return &fakeModel{reg: reg, calls: make(map[string]int), decodeLogits: []int16{1, 2, 9, 3}}
}

func decl(name string, dtype ml.DType, n int) signature.Declaration {
	return signature.Declaration{Name: name, DType: dtype, Shape: []int{n}}
}

func (m *fakeModel) Subgraph(sigName string) (signature.Subgraph, error) {
	calls := new(int)
	sg := &fakeSubgraph{reg: m.reg, name: sigName, calls: calls}

	switch sigName {
	case "prefill_embedder_2":
		sg.inputs = []signature.Declaration{decl("tokens", ml.DTypeInt32, 2)}
		sg.outputs = []signature.Declaration{decl("embeds", ml.DTypeFloat32, 2)}
	case "decode_embedder":
		sg.inputs = []signature.Declaration{decl("tokens", ml.DTypeInt32, 1)}
		sg.outputs = []signature.Declaration{decl("embeds", ml.DTypeFloat32, 1)}
	case "prefill_rope_2":
		sg.inputs = []signature.Declaration{decl("input_pos", ml.DTypeInt32, 2)}
		sg.outputs = []signature.Declaration{decl("pos_emb_cos", ml.DTypeFloat32, 2), decl("pos_emb_sin", ml.DTypeFloat32, 2)}
	case "decode_rope":
		sg.inputs = []signature.Declaration{decl("input_pos", ml.DTypeInt32, 1)}
		sg.outputs = []signature.Declaration{decl("pos_emb_cos", ml.DTypeFloat32, 1), decl("pos_emb_sin", ml.DTypeFloat32, 1)}
	case "prefill_mask_2":
		sg.inputs = []signature.Declaration{decl("time_step", ml.DTypeInt32, 1), decl("input_tokens", ml.DTypeInt32, 2)}
		sg.outputs = []signature.Declaration{decl("mask_local", ml.DTypeFloat32, 2)}
	case "decode_mask":
		sg.inputs = []signature.Declaration{decl("time_step", ml.DTypeInt32, 1), decl("input_tokens", ml.DTypeInt32, 1)}
		sg.outputs = []signature.Declaration{decl("mask_local", ml.DTypeFloat32, 1)}
	case "prefill_2":
		sg.inputs = []signature.Declaration{
			decl("input_embeds", ml.DTypeFloat32, 2), decl("pos_emb_cos", ml.DTypeFloat32, 2), decl("pos_emb_sin", ml.DTypeFloat32, 2),
			decl("mask_local", ml.DTypeFloat32, 2), decl("kv_cache_k_0", ml.DTypeFloat32, testKVCapacity), decl("kv_cache_v_0", ml.DTypeFloat32, testKVCapacity),
		}
		sg.outputs = []signature.Declaration{decl("kv_slice_k_0", ml.DTypeFloat32, 2), decl("kv_slice_v_0", ml.DTypeFloat32, 2)}
	case "decode":
		sg.inputs = []signature.Declaration{
			decl("input_embeds", ml.DTypeFloat32, 1), decl("pos_emb_cos", ml.DTypeFloat32, 1), decl("pos_emb_sin", ml.DTypeFloat32, 1),
			decl("mask_local", ml.DTypeFloat32, 1), decl("kv_cache_k_0", ml.DTypeFloat32, testKVCapacity), decl("kv_cache_v_0", ml.DTypeFloat32, testKVCapacity),
		}
		sg.outputs = []signature.Declaration{
			decl("kv_slice_k_0", ml.DTypeFloat32, 1), decl("kv_slice_v_0", ml.DTypeFloat32, 1), decl("logits", ml.DTypeInt16, testVocabSize),
		}
		logits := m.decodeLogits
		sg.compute = func(reg *ml.Registry, name string) error {
			buf, err := reg.Lookup(name, "logits")
			if err != nil {
				return err
			}
			return ml.Write(buf, append([]int16(nil), logits...))
		}
	case "prefill_cache_update_2":
		sg.inputs = []signature.Declaration{
			decl("input_pos", ml.DTypeInt32, 2), decl("kv_cache_k_0", ml.DTypeFloat32, testKVCapacity), decl("kv_cache_v_0", ml.DTypeFloat32, testKVCapacity),
			decl("kv_slice_k_0", ml.DTypeFloat32, 2), decl("kv_slice_v_0", ml.DTypeFloat32, 2),
		}
		sg.outputs = []signature.Declaration{decl("kv_cache_k_0", ml.DTypeFloat32, testKVCapacity), decl("kv_cache_v_0", ml.DTypeFloat32, testKVCapacity)}
	case "decode_cache_update":
		sg.inputs = []signature.Declaration{
			decl("input_pos", ml.DTypeInt32, 1), decl("kv_cache_k_0", ml.DTypeFloat32, testKVCapacity), decl("kv_cache_v_0", ml.DTypeFloat32, testKVCapacity),
			decl("kv_slice_k_0", ml.DTypeFloat32, 1), decl("kv_slice_v_0", ml.DTypeFloat32, 1),
		}
		sg.outputs = []signature.Declaration{decl("kv_cache_k_0", ml.DTypeFloat32, testKVCapacity), decl("kv_cache_v_0", ml.DTypeFloat32, testKVCapacity)}
	default:
		return nil, status.NotFoundf("fakeModel: no signature %q", sigName)
	}
	return sg, nil
}

func newExecutor(t *testing.T) (*Executor, *ml.Registry) {
	t.Helper()
	reg := ml.NewRegistry()
	model := newFakeModel(reg)
	exec, err := New(context.Background(), reg, model, []int{testChunkLength}, Options{})
	require.NoError(t, err)
	return exec, reg
}

func TestE2PrefillFiveTokens(t *testing.T) {
	exec, _ := newExecutor(t)

	ids := []int32{100, 101, 102, 103, 104}
	require.NoError(t, exec.Prefill(context.Background(), ids))

	require.EqualValues(t, 4, exec.CurrentStep())
	next, ok := exec.NextInputTokenID()
	require.True(t, ok)
	require.EqualValues(t, 104, next)
	require.Equal(t, Idle, exec.State())
}

func TestE3DecodeAfterPrefill(t *testing.T) {
	exec, _ := newExecutor(t)
	require.NoError(t, exec.Prefill(context.Background(), []int32{100, 101, 102, 103, 104}))

	sampled, err := exec.Decode(context.Background())
	require.NoError(t, err)
	require.EqualValues(t, 2, sampled) // fixture logits [1,2,9,3] -> argmax index 2

	require.EqualValues(t, 5, exec.CurrentStep())
	next, ok := exec.NextInputTokenID()
	require.True(t, ok)
	require.EqualValues(t, 2, next)
}

func TestE4DecodeWithNoCarryIsInvalidArgument(t *testing.T) {
	exec, _ := newExecutor(t)
	_, err := exec.Decode(context.Background())
	require.Error(t, err)
	require.Equal(t, status.InvalidArgument, status.KindOf(err))
}

func TestE5MissingSignatureIsNotFoundAtConstruction(t *testing.T) {
	reg := ml.NewRegistry()
	model := newFakeModel(reg)
	broken := brokenProvider{model: model, missing: "prefill_embedder_2"}
	_, err := New(context.Background(), reg, broken, []int{testChunkLength}, Options{})
	require.Error(t, err)
	require.Equal(t, status.NotFound, status.KindOf(err))
}

type brokenProvider struct {
	model   *fakeModel
	missing string
}

func (b brokenProvider) Subgraph(name string) (signature.Subgraph, error) {
	if name == b.missing {
		return nil, status.NotFoundf("asset bundle: missing %q", name)
	}
	return b.model.Subgraph(name)
}

func TestDecodeWithExplicitOverrideToken(t *testing.T) {
	exec, _ := newExecutor(t)
	require.NoError(t, exec.Prefill(context.Background(), []int32{1, 2, 3, 4, 5}))

	sampled, err := exec.Decode(context.Background(), 999)
	require.NoError(t, err)
	require.EqualValues(t, 2, sampled)
	require.EqualValues(t, 5, exec.CurrentStep())
}

func TestPrefillEmptyIdsIsInvalidArgument(t *testing.T) {
	exec, _ := newExecutor(t)
	err := exec.Prefill(context.Background(), nil)
	require.Error(t, err)
	require.Equal(t, status.InvalidArgument, status.KindOf(err))
}

func TestInterleavedPrefillCarriesStepAndCarryForward(t *testing.T) {
	exec, _ := newExecutor(t)
	require.NoError(t, exec.Prefill(context.Background(), []int32{1, 2, 3}))
	require.EqualValues(t, 2, exec.CurrentStep())
	next, ok := exec.NextInputTokenID()
	require.True(t, ok)
	require.EqualValues(t, 3, next)

	// A second prefill call consumes the carried token as its first
	// write, then its own ids minus the new reserved last token.
	require.NoError(t, exec.Prefill(context.Background(), []int32{10, 11, 12}))
	require.EqualValues(t, 2+3, exec.CurrentStep())
	next, ok = exec.NextInputTokenID()
	require.True(t, ok)
	require.EqualValues(t, 12, next)
}
