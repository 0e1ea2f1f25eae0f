package tokenizer

type trieNode struct {
	children map[byte]*trieNode
	hasID    bool
	id       int32
}

func newTrieNode() *trieNode {
	return &trieNode{children: make(map[byte]*trieNode)}
}

func (n *trieNode) insert(piece string, id int32) {
	cur := n
	for i := 0; i < len(piece); i++ {
		child, ok := cur.children[piece[i]]
		if !ok {
			child = newTrieNode()
			cur.children[piece[i]] = child
		}
		cur = child
	}
	if !cur.hasID {
		cur.hasID = true
		cur.id = id
	}
}

// longest returns the byte length and id of the longest vocabulary entry
// starting at text[start:], or 0 when nothing matches.
func (n *trieNode) longest(text string, start int) (int, int32) {
	cur := n
	bestLen, bestID := 0, int32(0)
	for i := start; i < len(text); i++ {
		child, ok := cur.children[text[i]]
		if !ok {
			break
		}
		cur = child
		if cur.hasID {
			bestLen, bestID = i-start+1, cur.id
		}
	}
	return bestLen, bestID
}
