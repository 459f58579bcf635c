// Package wiring builds the five signature contexts (embedder, rope,
// mask, LLM, cache-update) such that producer outputs alias consumer
// inputs with no copies, per the buffer-sharing table of spec.md §4.2.
package wiring

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/onloop/npuexec/ml"
	"github.com/onloop/npuexec/signature"
	"github.com/onloop/npuexec/status"
)

// signatureName returns the concrete signature name the provider
// exports for (name, variant), per the tensor-naming contract of
// spec.md §6.
func signatureName(name signature.Name, variant signature.Variant) (string, error) {
	decode := variant.Phase == signature.Decode
	switch name {
	case signature.LLM:
		if decode {
			return "decode", nil
		}
		return fmt.Sprintf("prefill_%d", variant.Length), nil
	case signature.Rope:
		if decode {
			return "decode_rope", nil
		}
		return fmt.Sprintf("prefill_rope_%d", variant.Length), nil
	case signature.Mask:
		if decode {
			return "decode_mask", nil
		}
		return fmt.Sprintf("prefill_mask_%d", variant.Length), nil
	case signature.CacheUpdate:
		if decode {
			return "decode_cache_update", nil
		}
		return fmt.Sprintf("prefill_cache_update_%d", variant.Length), nil
	case signature.Embedder:
		if decode {
			return "decode_embedder", nil
		}
		return fmt.Sprintf("prefill_embedder_%d", variant.Length), nil
	default:
		return "", status.Internalf("wiring: unknown subgraph name %q", name)
	}
}

func fetch(provider signature.Provider, name signature.Name, variant signature.Variant) (signature.Subgraph, error) {
	sigName, err := signatureName(name, variant)
	if err != nil {
		return nil, err
	}
	sg, err := provider.Subgraph(sigName)
	if err != nil {
		return nil, status.Wrap(status.NotFound, fmt.Errorf("wiring: %s %s (signature %q): %w", name, variant, sigName, err))
	}
	return sg, nil
}

func declOf(sg signature.Subgraph, name string, output bool) (signature.Declaration, bool) {
	decls := sg.Inputs()
	if output {
		decls = sg.Outputs()
	}
	for _, d := range decls {
		if d.Name == name {
			return d, true
		}
	}
	return signature.Declaration{}, false
}

func allocDeclared(reg *ml.Registry, sigName string, d signature.Declaration, output bool) (*ml.Buffer, error) {
	if output {
		return reg.CreateOutputBuffer(sigName, d.Name, d.DType, d.Shape...)
	}
	return reg.CreateInputBuffer(sigName, d.Name, d.DType, d.Shape...)
}

// kvLayer is one persistent KV cache cell shared across every
// variant, for K or V, at one layer.
type kvLayer struct {
	layer     int
	dtypeDiff bool // prefill dtype != decode dtype for this layer
	persist   *ml.Buffer
}

// Wire builds a signature.Set with every subgraph's signature context
// for the decode variant and for each of prefillLengths, aliasing
// buffers per spec.md §4.2, then runs the mandatory warmup (one
// invocation of every subgraph in every phase). prefillLengths need
// not be sorted; Wire sorts and deduplicates them. The returned Set's
// kv-cache buffers are shared storage, not copies, across every
// variant and phase, except for a layer whose dtype differs between
// prefill and decode: its decode variant gets a separate placeholder.
func Wire(ctx context.Context, reg *ml.Registry, provider signature.Provider, prefillLengths []int) (*signature.Set, error) {
	lengths := sortedUnique(prefillLengths)
	if len(lengths) == 0 {
		return nil, status.InvalidArgumentf("wiring: no supported prefill lengths")
	}

	set := signature.NewSet()

	decodeGraphs, err := fetchAll(provider, signature.DecodeVariant)
	if err != nil {
		return nil, err
	}
	firstPrefillVariant := signature.PrefillVariant(lengths[0])
	firstPrefillGraphs, err := fetchAll(provider, firstPrefillVariant)
	if err != nil {
		return nil, err
	}

	kvLayers, err := planKVCache(reg, firstPrefillGraphs[signature.LLM], decodeGraphs[signature.LLM])
	if err != nil {
		return nil, err
	}

	for _, length := range lengths {
		variant := signature.PrefillVariant(length)
		graphs := firstPrefillGraphs
		if length != lengths[0] {
			graphs, err = fetchAll(provider, variant)
			if err != nil {
				return nil, err
			}
		}
		if err := wireVariant(reg, set, variant, graphs, kvLayers); err != nil {
			return nil, err
		}
	}

	if err := wireVariant(reg, set, signature.DecodeVariant, decodeGraphs, kvLayers); err != nil {
		return nil, err
	}

	if err := Warmup(ctx, set, lengths); err != nil {
		return nil, err
	}

	return set, nil
}

func sortedUnique(in []int) []int {
	seen := make(map[int]bool, len(in))
	out := make([]int, 0, len(in))
	for _, v := range in {
		if !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	sort.Ints(out)
	return out
}

func fetchAll(provider signature.Provider, variant signature.Variant) (map[signature.Name]signature.Subgraph, error) {
	names := []signature.Name{signature.Embedder, signature.Rope, signature.Mask, signature.LLM, signature.CacheUpdate}
	out := make(map[signature.Name]signature.Subgraph, len(names))
	for _, n := range names {
		sg, err := fetch(provider, n, variant)
		if err != nil {
			return nil, err
		}
		out[n] = sg
	}
	return out, nil
}

// planKVCache inspects the declared kv_cache_k_<layer>/kv_cache_v_<layer>
// inputs on the LLM's prefill and decode signatures and allocates the
// persistent cache buffers for every layer whose dtype agrees across
// phases. Layers whose dtype disagrees (the "last layer" exception of
// spec.md §3/§9) are left unallocated here; wireVariant allocates the
// prefill-side persistent buffer and the decode-local placeholder for
// those lazily, once per K/V side, the first time it sees them.
func planKVCache(reg *ml.Registry, prefillLLM, decodeLLM signature.Subgraph) (map[string]*kvLayer, error) {
	layers := map[string]*kvLayer{}
	for _, side := range []string{"k", "v"} {
		indices, err := layerIndices(decodeLLM, side)
		if err != nil {
			return nil, err
		}
		for _, i := range indices {
			name := fmt.Sprintf("kv_cache_%s_%d", side, i)
			prefillDecl, ok := declOf(prefillLLM, name, false)
			if !ok {
				return nil, status.Internalf("wiring: LLM prefill signature missing input %q", name)
			}
			decodeDecl, ok := declOf(decodeLLM, name, false)
			if !ok {
				return nil, status.Internalf("wiring: LLM decode signature missing input %q", name)
			}

			key := side + "_" + strconv.Itoa(i)
			if prefillDecl.DType != decodeDecl.DType {
				layers[key] = &kvLayer{layer: i, dtypeDiff: true}
				continue
			}

			buf, err := reg.CreateInputBuffer("kv_cache", name, prefillDecl.DType, prefillDecl.Shape...)
			if err != nil {
				return nil, err
			}
			layers[key] = &kvLayer{layer: i, persist: buf}
		}
	}
	return layers, nil
}

func layerIndices(sg signature.Subgraph, side string) ([]int, error) {
	prefix := "kv_cache_" + side + "_"
	var out []int
	for _, d := range sg.Inputs() {
		if !strings.HasPrefix(d.Name, prefix) {
			continue
		}
		n, err := strconv.Atoi(strings.TrimPrefix(d.Name, prefix))
		if err != nil {
			return nil, status.Internalf("wiring: malformed KV cache tensor name %q", d.Name)
		}
		out = append(out, n)
	}
	sort.Ints(out)
	return out, nil
}

// wireVariant builds and aliases the five signature contexts for one
// (decode, or one prefill length) variant.
func wireVariant(reg *ml.Registry, set *signature.Set, variant signature.Variant, graphs map[signature.Name]signature.Subgraph, kvLayers map[string]*kvLayer) error {
	sigNames := map[signature.Name]string{}
	for n, sg := range graphs {
		sigNames[n] = sg.SignatureName()
	}

	contexts := map[signature.Name]*signature.Context{
		signature.Embedder:    signature.NewContext(),
		signature.Rope:        signature.NewContext(),
		signature.Mask:        signature.NewContext(),
		signature.LLM:         signature.NewContext(),
		signature.CacheUpdate: signature.NewContext(),
	}

	// 1. Allocate every declared output fresh (outputs are always
	// produced by their own subgraph; consumers alias them below).
	for n, sg := range graphs {
		for _, d := range sg.Outputs() {
			if isKVCacheTensor(d.Name) {
				continue // handled specially: identity with the input buffer.
			}
			buf, err := allocDeclared(reg, sigNames[n], d, true)
			if err != nil {
				return err
			}
			contexts[n].Outputs[d.Name] = buf
		}
	}

	// 2. mask.input_tokens / embedder.tokens share one fresh buffer
	// (duplicate, not alias of a producer — neither has a producer).
	if err := shareFreshInput(reg, contexts, variant, signature.Mask, "input_tokens", graphs[signature.Mask],
		signature.Embedder, "tokens"); err != nil {
		return err
	}

	// 3. rope.input_pos / cache_update.input_pos share one fresh buffer.
	if err := shareFreshInput(reg, contexts, variant, signature.Rope, "input_pos", graphs[signature.Rope],
		signature.CacheUpdate, "input_pos"); err != nil {
		return err
	}

	// 4. mask.time_step is a plain fresh input, no sharing.
	if d, ok := declOf(graphs[signature.Mask], "time_step", false); ok {
		buf, err := allocDeclared(reg, sigNames[signature.Mask], d, false)
		if err != nil {
			return err
		}
		contexts[signature.Mask].Inputs["time_step"] = buf
	}

	// 5. embedder.embeds -> llm.input_embeds (alias).
	if err := aliasOutputToInput(reg, contexts, variant, signature.Embedder, "embeds", signature.LLM, "input_embeds"); err != nil {
		return err
	}

	// 6. rope.pos_emb_{cos,sin,local_cos,local_sin} -> llm same-named inputs.
	for _, name := range []string{"pos_emb_cos", "pos_emb_sin", "pos_emb_local_cos", "pos_emb_local_sin"} {
		if _, ok := declOf(graphs[signature.Rope], name, true); !ok {
			continue
		}
		if err := aliasOutputToInput(reg, contexts, variant, signature.Rope, name, signature.LLM, name); err != nil {
			return err
		}
	}

	// 7. mask.{mask_local,mask_global} -> llm same-named inputs.
	for _, name := range []string{"mask_local", "mask_global"} {
		if _, ok := declOf(graphs[signature.Mask], name, true); !ok {
			continue
		}
		if err := aliasOutputToInput(reg, contexts, variant, signature.Mask, name, signature.LLM, name); err != nil {
			return err
		}
	}

	// 8. KV cache: persistent/placeholder buffers feed LLM and
	// cache-update as the *same* input on both sides; cache-update's
	// output is the identical buffer (it mutates in place).
	if err := wireKVCache(reg, contexts, variant, graphs, kvLayers); err != nil {
		return err
	}

	// 9. llm.kv_slice_{k,v}_<layer> -> cache_update same-named inputs.
	for _, d := range graphs[signature.LLM].Outputs() {
		if !strings.HasPrefix(d.Name, "kv_slice_") {
			continue
		}
		if err := aliasOutputToInput(reg, contexts, variant, signature.LLM, d.Name, signature.CacheUpdate, d.Name); err != nil {
			return err
		}
	}

	// 10. Validate every context covers its subgraph's full declared
	// signature (spec.md §3 SignatureContext invariant).
	for n, sg := range graphs {
		if err := contexts[n].Validate(sg); err != nil {
			return err
		}
		set.Put(n, variant, sg, contexts[n])
	}

	return nil
}

func isKVCacheTensor(name string) bool {
	return strings.HasPrefix(name, "kv_cache_k_") || strings.HasPrefix(name, "kv_cache_v_")
}

// variantKey prefixes a logical subgraph name with its variant, so a
// buffer created while wiring one (phase, length) variant never
// collides with the same subgraph's buffer from another variant —
// wireVariant runs once per prefill length plus once for decode, all
// against the same Registry. This mirrors the qualification
// wireKVCache already applies to its own duplicates.
func variantKey(name signature.Name, variant signature.Variant) string {
	return string(name) + "_" + variant.String()
}

// shareFreshInput allocates one buffer sized by aName's declaration on
// subgraph a, then duplicates it into both a's and b's input maps
// under their respective tensor names.
func shareFreshInput(reg *ml.Registry, contexts map[signature.Name]*signature.Context, variant signature.Variant, a signature.Name, aName string, aGraph signature.Subgraph, b signature.Name, bName string) error {
	d, ok := declOf(aGraph, aName, false)
	if !ok {
		return status.Internalf("wiring: %s missing declared input %q", a, aName)
	}
	buf, err := reg.CreateInputBuffer(variantKey(a, variant), aName, d.DType, d.Shape...)
	if err != nil {
		return err
	}
	contexts[a].Inputs[aName] = buf

	dup, err := reg.Duplicate(buf, variantKey(b, variant), bName)
	if err != nil {
		return err
	}
	contexts[b].Inputs[bName] = dup
	return nil
}

// aliasOutputToInput duplicates producer's already-allocated output
// buffer into consumer's input map under consumerName.
func aliasOutputToInput(reg *ml.Registry, contexts map[signature.Name]*signature.Context, variant signature.Variant, producer signature.Name, producerName string, consumer signature.Name, consumerName string) error {
	buf, ok := contexts[producer].Outputs[producerName]
	if !ok {
		return status.Internalf("wiring: %s has no allocated output %q to alias", producer, producerName)
	}
	dup, err := reg.Duplicate(buf, variantKey(consumer, variant), consumerName)
	if err != nil {
		return err
	}
	contexts[consumer].Inputs[consumerName] = dup
	return nil
}

func wireKVCache(reg *ml.Registry, contexts map[signature.Name]*signature.Context, variant signature.Variant, graphs map[signature.Name]signature.Subgraph, kvLayers map[string]*kvLayer) error {
	for key, kv := range kvLayers {
		side := key[:1]
		name := fmt.Sprintf("kv_cache_%s_%d", side, kv.layer)

		var buf *ml.Buffer
		if !kv.dtypeDiff {
			buf = kv.persist
		} else if variant.Phase == signature.Prefill {
			// Allocate (once) the prefill-side persistent buffer for
			// this mismatched layer, matching spec.md §9: prefill
			// keeps accumulating into its own float32 cell.
			if kv.persist == nil {
				d, ok := declOf(graphs[signature.LLM], name, false)
				if !ok {
					return status.Internalf("wiring: LLM prefill missing input %q", name)
				}
				allocated, err := reg.CreateInputBuffer("kv_cache", name, d.DType, d.Shape...)
				if err != nil {
					return err
				}
				kv.persist = allocated
			}
			buf = kv.persist
		} else {
			// Decode-local placeholder: fresh buffer per decode
			// variant, never aliased to the prefill-side persistent
			// cell (spec.md §4.2's explicit aliasing exception).
			d, ok := declOf(graphs[signature.LLM], name, false)
			if !ok {
				return status.Internalf("wiring: LLM decode missing input %q", name)
			}
			allocated, err := reg.CreateInputBuffer("kv_cache_decode", name, d.DType, d.Shape...)
			if err != nil {
				return err
			}
			buf = allocated
		}

		llmIn, err := reg.Duplicate(buf, string(signature.LLM)+"_"+variant.String(), name)
		if err != nil {
			return err
		}
		contexts[signature.LLM].Inputs[name] = llmIn

		cacheIn, err := reg.Duplicate(buf, string(signature.CacheUpdate)+"_"+variant.String(), name)
		if err != nil {
			return err
		}
		contexts[signature.CacheUpdate].Inputs[name] = cacheIn
		// cache-update writes this tensor in place: its declared
		// output of the same name is the identical buffer, not a
		// fresh allocation.
		contexts[signature.CacheUpdate].Outputs[name] = cacheIn
	}
	return nil
}

// Warmup invokes every subgraph once for the decode variant and once
// for each of lengths' prefill variant, per spec.md §4.2's mandatory
// post-wiring warmup. Any failure fails the whole call.
func Warmup(ctx context.Context, set *signature.Set, lengths []int) error {
	names := []signature.Name{signature.Embedder, signature.Rope, signature.Mask, signature.LLM, signature.CacheUpdate}
	variants := make([]signature.Variant, 0, len(lengths)+1)
	for _, l := range lengths {
		variants = append(variants, signature.PrefillVariant(l))
	}
	variants = append(variants, signature.DecodeVariant)

	for _, variant := range variants {
		for _, name := range names {
			if err := set.Invoke(ctx, name, variant); err != nil {
				return status.Wrap(status.Internal, fmt.Errorf("warmup %s %s: %w", name, variant, err))
			}
		}
	}
	return nil
}
