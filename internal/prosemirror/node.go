// Package prosemirror reads Tiptap/ProseMirror JSON documents: the solution
// documents that threads anchor into and the rich-text bodies of comments.
package prosemirror

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// BlockIDAttr is the node attribute carrying a stable block identifier.
const BlockIDAttr = "data-block-id"

// Node is one node of a ProseMirror document tree.
type Node struct {
	Type    string         `json:"type"`
	Attrs   map[string]any `json:"attrs,omitempty"`
	Content []Node         `json:"content,omitempty"`
	Text    string         `json:"text,omitempty"`
	Marks   []Mark         `json:"marks,omitempty"`
}

// Mark is inline formatting on a text node.
type Mark struct {
	Type  string         `json:"type"`
	Attrs map[string]any `json:"attrs,omitempty"`
}

// Parse decodes a document. Empty input and JSON null yield an empty node.
func Parse(raw []byte) (Node, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return Node{}, nil
	}
	var node Node
	if err := json.Unmarshal(trimmed, &node); err != nil {
		return Node{}, fmt.Errorf("parse prosemirror doc: %w", err)
	}
	return node, nil
}

// Attr returns a string attribute, or "" when absent or not a string.
func (n Node) Attr(key string) string {
	value, _ := n.Attrs[key].(string)
	return value
}

// BlockID returns the node's stable block identifier, if any.
func (n Node) BlockID() string {
	return n.Attr(BlockIDAttr)
}

// Walk visits n and its descendants in document order. Returning false from
// visit skips that node's children.
func (n Node) Walk(visit func(Node) bool) {
	if !visit(n) {
		return
	}
	for _, child := range n.Content {
		child.Walk(visit)
	}
}

// BlockIDs lists every block identifier in document order, first occurrence only.
func BlockIDs(doc Node) []string {
	seen := make(map[string]struct{})
	ids := make([]string, 0)
	doc.Walk(func(node Node) bool {
		id := node.BlockID()
		if id == "" {
			return true
		}
		if _, ok := seen[id]; !ok {
			seen[id] = struct{}{}
			ids = append(ids, id)
		}
		return true
	})
	return ids
}
