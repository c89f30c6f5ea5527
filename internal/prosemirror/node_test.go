package prosemirror

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const solutionDoc = `{
  "type": "doc",
  "content": [
    {"type": "heading", "attrs": {"level": 2, "data-block-id": "b-head"}, "content": [{"type": "text", "text": "Part (a)"}]},
    {"type": "paragraph", "attrs": {"data-block-id": "b1"}, "content": [
      {"type": "text", "text": "Let "},
      {"type": "inlineMath", "attrs": {"latex": "x^2"}},
      {"type": "text", "text": " be ", "marks": [{"type": "bold"}]}
    ]},
    {"type": "bulletList", "content": [
      {"type": "listItem", "attrs": {"data-block-id": "b2"}, "content": [
        {"type": "paragraph", "attrs": {"data-block-id": "b3"}, "content": [{"type": "text", "text": "nested"}]}
      ]}
    ]},
    {"type": "paragraph", "attrs": {"data-block-id": "b1"}},
    {"type": "paragraph", "attrs": {"data-block-id": 42}}
  ]
}`

func TestBlockIDsDocumentOrder(t *testing.T) {
	doc, err := Parse([]byte(solutionDoc))
	require.NoError(t, err)
	assert.Equal(t, []string{"b-head", "b1", "b2", "b3"}, BlockIDs(doc))
}

func TestParseEmptyAndNull(t *testing.T) {
	for _, raw := range []string{"", "  ", "null"} {
		doc, err := Parse([]byte(raw))
		require.NoError(t, err)
		assert.Empty(t, BlockIDs(doc))
	}
	_, err := Parse([]byte("{not json"))
	assert.Error(t, err)
}

func TestWalkCanSkipChildren(t *testing.T) {
	doc, err := Parse([]byte(solutionDoc))
	require.NoError(t, err)

	var visited []string
	doc.Walk(func(n Node) bool {
		if id := n.BlockID(); id != "" {
			visited = append(visited, id)
		}
		return n.Type != "bulletList"
	})
	assert.Equal(t, []string{"b-head", "b1", "b1"}, visited)
}

func TestPlainTextAndSnippet(t *testing.T) {
	doc, err := Parse([]byte(solutionDoc))
	require.NoError(t, err)
	assert.Equal(t, "Part (a)\nLet x^2 be\nnested", PlainText(doc))
	assert.Equal(t, "Part (a) Let…", Snippet(doc, 13))
}

func TestHTMLEscapesAndRendersMentions(t *testing.T) {
	comment := `{"type":"doc","content":[{"type":"paragraph","content":[
	  {"type":"mention","attrs":{"id":"usr_2","label":"Grace"}},
	  {"type":"text","text":" is <this> right?","marks":[{"type":"italic"}]}
	]}]}`
	doc, err := Parse([]byte(comment))
	require.NoError(t, err)
	assert.Equal(t, "<p><span class=\"mention\">@Grace</span><em> is &lt;this&gt; right?</em></p>\n", HTML(doc))
	assert.Equal(t, "@Grace is <this> right?", PlainText(doc))
}
