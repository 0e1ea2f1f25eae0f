// Package tokenizer turns prompts into model token ids using the vocabulary
// stored in a GGUF file's tokenizer.ggml.* keys.
package tokenizer

import (
	"errors"
	"fmt"
	"strings"

	"neuralmri-go/internal/gguf"
)

var ErrNoVocabulary = errors.New("tokenizer: missing tokenizer.ggml.tokens")

type Tokenizer struct {
	addBOS     bool
	bosTokenID int32
	unkTokenID int32
	model      string

	pieces   []string
	vocab    map[string]int32
	bpeRanks map[string]int
	trie     *trieNode
	byteTok  [256]int32

	byteEncode [256]string
	byteDecode map[rune]byte
}

func NewFromModelInfo(info gguf.ModelInfo) (*Tokenizer, error) {
	tokens, ok := info.KeyValues["tokenizer.ggml.tokens"].([]string)
	if !ok || len(tokens) == 0 {
		return nil, ErrNoVocabulary
	}

	t := &Tokenizer{
		addBOS:     false,
		bosTokenID: int32(uint32Value(info.KeyValues["tokenizer.ggml.bos_token_id"])),
		unkTokenID: int32(uint32Value(info.KeyValues["tokenizer.ggml.unknown_token_id"])),
		model:      stringValue(info.KeyValues["tokenizer.ggml.model"]),
		pieces:     tokens,
		vocab:      make(map[string]int32, len(tokens)),
		bpeRanks:   make(map[string]int),
		trie:       newTrieNode(),
		byteEncode: buildByteEncoder(),
	}
	if v, ok := info.KeyValues["tokenizer.ggml.add_bos_token"].(bool); ok {
		t.addBOS = v
	}
	t.byteDecode = make(map[rune]byte, 256)
	for b, s := range t.byteEncode {
		t.byteDecode[[]rune(s)[0]] = byte(b)
	}
	for i := range t.byteTok {
		t.byteTok[i] = t.unkTokenID
	}
	for i, piece := range tokens {
		id := int32(i)
		if _, dup := t.vocab[piece]; !dup {
			t.vocab[piece] = id
		}
		t.trie.insert(piece, id)
		if b, ok := parseByteToken(piece); ok {
			t.byteTok[b] = id
		}
	}

	if merges, ok := info.KeyValues["tokenizer.ggml.merges"].([]string); ok {
		for i, m := range merges {
			left, right, ok := strings.Cut(m, " ")
			if !ok {
				continue
			}
			t.bpeRanks[left+"\x00"+right] = i
		}
	}
	if t.model == "" && len(t.bpeRanks) > 0 {
		t.model = "gpt2"
	}
	return t, nil
}

func (t *Tokenizer) VocabSize() int { return len(t.pieces) }

func (t *Tokenizer) Tokenize(prompt string) []int32 {
	out := make([]int32, 0, len(prompt)+1)
	if t.addBOS {
		out = append(out, t.bosTokenID)
	}
	if prompt == "" {
		return out
	}
	if t.isByteLevel() {
		for _, chunk := range pretokenize(prompt) {
			out = append(out, t.encodeBPEWord(t.toByteSymbols(chunk))...)
		}
		return out
	}
	text := prompt
	if t.model == "llama" {
		text = "▁" + strings.ReplaceAll(prompt, " ", "▁")
	}
	return append(out, t.tokenizeGreedy(text)...)
}

// Piece returns the raw vocabulary entry for id, or "" when out of range.
func (t *Tokenizer) Piece(id int32) string {
	if id < 0 || int(id) >= len(t.pieces) {
		return ""
	}
	return t.pieces[id]
}

// TokenString renders a single token as display text.
func (t *Tokenizer) TokenString(id int32) string {
	return t.Decode([]int32{id})
}

// Pieces renders each token independently.
func (t *Tokenizer) Pieces(ids []int32) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = t.TokenString(id)
	}
	return out
}

// Decode maps ids back to text. Byte-level symbols are converted back into
// raw bytes; SentencePiece word markers become spaces.
func (t *Tokenizer) Decode(ids []int32) string {
	var sb strings.Builder
	for _, id := range ids {
		piece := t.Piece(id)
		if b, ok := parseByteToken(piece); ok {
			sb.WriteByte(b)
			continue
		}
		if t.isByteLevel() {
			for _, r := range piece {
				if b, ok := t.byteDecode[r]; ok {
					sb.WriteByte(b)
				} else {
					sb.WriteRune(r)
				}
			}
			continue
		}
		sb.WriteString(strings.ReplaceAll(piece, "▁", " "))
	}
	return sb.String()
}

func (t *Tokenizer) isByteLevel() bool {
	return t.model == "gpt2" && len(t.bpeRanks) > 0
}

func (t *Tokenizer) toByteSymbols(s string) []string {
	syms := make([]string, len(s))
	for i := 0; i < len(s); i++ {
		syms[i] = t.byteEncode[s[i]]
	}
	return syms
}

// encodeBPEWord repeatedly merges the lowest-ranked adjacent pair.
func (t *Tokenizer) encodeBPEWord(syms []string) []int32 {
	for len(syms) > 1 {
		best, bestRank := -1, int(^uint(0)>>1)
		for i := 0; i+1 < len(syms); i++ {
			if rank, ok := t.bpeRanks[syms[i]+"\x00"+syms[i+1]]; ok && rank < bestRank {
				best, bestRank = i, rank
			}
		}
		if best < 0 {
			break
		}
		syms[best] += syms[best+1]
		syms = append(syms[:best+1], syms[best+2:]...)
	}

	out := make([]int32, 0, len(syms))
	for _, s := range syms {
		if id, ok := t.vocab[s]; ok {
			out = append(out, id)
			continue
		}
		for _, r := range s {
			if id, ok := t.vocab[string(r)]; ok {
				out = append(out, id)
			} else {
				out = append(out, t.unkTokenID)
			}
		}
	}
	return out
}

func (t *Tokenizer) tokenizeGreedy(text string) []int32 {
	out := make([]int32, 0, len(text))
	for i := 0; i < len(text); {
		if n, id := t.trie.longest(text, i); n > 0 {
			out = append(out, id)
			i += n
			continue
		}
		out = append(out, t.byteTok[text[i]])
		i++
	}
	return out
}

// buildByteEncoder is the GPT-2 reversible byte to printable-rune table.
func buildByteEncoder() [256]string {
	var enc [256]string
	printable := func(b int) bool {
		return (b >= '!' && b <= '~') || (b >= 0xA1 && b <= 0xAC) || (b >= 0xAE && b <= 0xFF)
	}
	next := 256
	for b := 0; b < 256; b++ {
		if printable(b) {
			enc[b] = string(rune(b))
			continue
		}
		enc[b] = string(rune(next))
		next++
	}
	return enc
}

// ByteSymbols returns the byte-level alphabet in byte order, for building
// byte-level vocabularies.
func ByteSymbols() []string {
	enc := buildByteEncoder()
	return enc[:]
}

func uint32Value(v any) uint32 {
	switch x := v.(type) {
	case uint32:
		return x
	case uint64:
		if x <= uint64(^uint32(0)) {
			return uint32(x)
		}
	case int32:
		if x >= 0 {
			return uint32(x)
		}
	}
	return 0
}

func stringValue(v any) string {
	s, _ := v.(string)
	return s
}

func parseByteToken(piece string) (byte, bool) {
	if len(piece) != 6 || !strings.HasPrefix(piece, "<0x") || piece[5] != '>' {
		return 0, false
	}
	var v byte
	if _, err := fmt.Sscanf(piece[3:5], "%02X", &v); err != nil {
		return 0, false
	}
	return v, true
}
