package tokenizer

import (
	"encoding/json"
	"os"

	"github.com/onloop/npuexec/status"
)

// Source names where a tokenizer definition's JSON blob comes from:
// either provided in memory, or a path to be read from disk — spec.md
// §6's "Tokenizer source" contract. Exactly one field should be set;
// Bytes takes precedence if both are.
type Source struct {
	Bytes []byte
	Path  string
}

func (s Source) load() ([]byte, error) {
	if s.Bytes != nil {
		return s.Bytes, nil
	}
	if s.Path == "" {
		return nil, status.InvalidArgumentf("tokenizer: source has neither Bytes nor Path set")
	}
	data, err := os.ReadFile(s.Path)
	if err != nil {
		return nil, status.NotFoundf("tokenizer: %v", err)
	}
	return data, nil
}

// vocabDefinition is the on-disk JSON shape a VocabEngine parses: a
// flat string->id vocabulary plus optional special-token ids. Real
// byte-pair-merge tables and the pre-tokenizer regex a production
// tokenizer needs are deliberately absent here (spec.md §1 non-goal);
// VocabEngine is a reference/test Engine exercising the external JSON
// contract of spec.md §6, not a production BPE implementation.
type vocabDefinition struct {
	Vocab map[string]TokenId `json:"vocab"`
	BOSID *TokenId           `json:"bos_id"`
	EOSID *TokenId           `json:"eos_id"`
}

// VocabEngine is a greedy-longest-match reference Engine: at each
// position it looks up the longest vocabulary entry that is a prefix
// of the remaining text (the same greedy strategy WordPiece-style
// tokenizers use), rather than applying a byte-pair merge-rank table.
// It exists so this module has something concrete to construct from
// spec.md §6's JSON blob / file-path source and to drive the
// round-trip tests of spec.md §8 property 3; production deployments
// inject a real BPE/SentencePiece engine instead (see package doc).
type VocabEngine struct {
	forward   map[string]TokenId
	reverse   map[TokenId]string
	maxTokLen int
	bosID     TokenId
	hasBOS    bool
	eosID     TokenId
	hasEOS    bool
}

// NewVocabEngine parses source's JSON vocabulary definition.
func NewVocabEngine(source Source) (*VocabEngine, error) {
	data, err := source.load()
	if err != nil {
		return nil, err
	}
	var def vocabDefinition
	if err := json.Unmarshal(data, &def); err != nil {
		return nil, status.InvalidArgumentf("tokenizer: malformed vocabulary JSON: %v", err)
	}
	if len(def.Vocab) == 0 {
		return nil, status.InvalidArgumentf("tokenizer: vocabulary is empty")
	}

	e := &VocabEngine{
		forward: make(map[string]TokenId, len(def.Vocab)),
		reverse: make(map[TokenId]string, len(def.Vocab)),
	}
	for tok, id := range def.Vocab {
		e.forward[tok] = id
		e.reverse[id] = tok
		if len(tok) > e.maxTokLen {
			e.maxTokLen = len(tok)
		}
	}
	if def.BOSID != nil {
		e.bosID, e.hasBOS = *def.BOSID, true
	}
	if def.EOSID != nil {
		e.eosID, e.hasEOS = *def.EOSID, true
	}
	return e, nil
}

// VocabSize returns the number of distinct tokens, needed by a
// sampler sizing its argmax scan defensively (SPEC_FULL.md §4.6).
func (e *VocabEngine) VocabSize() int { return len(e.forward) }

// Encode greedily matches the longest vocabulary entry at each
// position, failing with status.InvalidArgument if no entry matches
// (no byte-fallback table is maintained — see package doc).
func (e *VocabEngine) Encode(text string) ([]TokenId, error) {
	var ids []TokenId
	for len(text) > 0 {
		matched := false
		limit := e.maxTokLen
		if limit > len(text) {
			limit = len(text)
		}
		for l := limit; l >= 1; l-- {
			if id, ok := e.forward[text[:l]]; ok {
				ids = append(ids, id)
				text = text[l:]
				matched = true
				break
			}
		}
		if !matched {
			return nil, status.InvalidArgumentf("tokenizer: no vocabulary entry matches %q", text)
		}
	}
	return ids, nil
}

// Decode concatenates each id's token string. An id with no
// vocabulary entry yields a trailing replacement character (U+FFFD)
// on the partial result, signaling an incomplete/unknown-id run the
// same way a truncated multi-byte fragment would, per spec.md §4.6 —
// it does not abort the whole decode.
func (e *VocabEngine) Decode(ids []TokenId) (string, error) {
	var b []byte
	for _, id := range ids {
		tok, ok := e.reverse[id]
		if !ok {
			b = append(b, []byte(string(replacementRune))...)
			continue
		}
		b = append(b, tok...)
	}
	return string(b), nil
}

// BOSID returns the vocabulary's configured beginning-of-sequence id.
func (e *VocabEngine) BOSID() (TokenId, bool) { return e.bosID, e.hasBOS }

// EOSID returns the vocabulary's configured end-of-sequence id.
func (e *VocabEngine) EOSID() (TokenId, bool) { return e.eosID, e.hasEOS }

const replacementRune = '�'
