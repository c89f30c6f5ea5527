package prosemirror

import (
	"fmt"
	"html"
	"strings"
)

var blockTypes = map[string]struct{}{
	"paragraph":   {},
	"heading":     {},
	"listItem":    {},
	"blockquote":  {},
	"codeBlock":   {},
	"blockMath":   {},
	"tableCell":   {},
	"tableHeader": {},
}

// PlainText flattens a document to text, one line per block. Mentions render
// as @label and math nodes as their LaTeX source.
func PlainText(doc Node) string {
	var lines []string
	var current strings.Builder

	flush := func() {
		line := strings.TrimSpace(current.String())
		if line != "" {
			lines = append(lines, line)
		}
		current.Reset()
	}

	var visit func(Node)
	visit = func(node Node) {
		switch node.Type {
		case "text":
			current.WriteString(node.Text)
			return
		case "hardBreak":
			flush()
			return
		case "mention":
			current.WriteString("@" + firstNonBlank(node.Attr("label"), node.Attr("id")))
			return
		case "inlineMath", "blockMath":
			current.WriteString(node.Attr("latex"))
		}
		for _, child := range node.Content {
			visit(child)
		}
		if _, ok := blockTypes[node.Type]; ok {
			flush()
		}
	}
	visit(doc)
	flush()
	return strings.Join(lines, "\n")
}

// Snippet returns at most limit runes of the plain text, with an ellipsis when cut.
func Snippet(doc Node, limit int) string {
	return TruncateText(PlainText(doc), limit)
}

// TruncateText collapses whitespace and cuts text to limit runes.
func TruncateText(text string, limit int) string {
	text = strings.Join(strings.Fields(text), " ")
	runes := []rune(text)
	if limit <= 0 || len(runes) <= limit {
		return text
	}
	return strings.TrimSpace(string(runes[:limit])) + "…"
}

// HTML renders a comment body for email and export contexts.
func HTML(doc Node) string {
	var b strings.Builder
	renderNode(&b, doc)
	return b.String()
}

func renderNode(b *strings.Builder, node Node) {
	switch node.Type {
	case "":
		return
	case "text":
		b.WriteString(renderTextWithMarks(node.Text, node.Marks))
	case "paragraph":
		wrap(b, "p", node)
	case "heading":
		level := 1
		if lvl, ok := node.Attrs["level"].(float64); ok && lvl >= 1 && lvl <= 6 {
			level = int(lvl)
		}
		wrap(b, fmt.Sprintf("h%d", level), node)
	case "bulletList":
		wrap(b, "ul", node)
	case "orderedList":
		wrap(b, "ol", node)
	case "listItem":
		wrap(b, "li", node)
	case "blockquote":
		wrap(b, "blockquote", node)
	case "codeBlock":
		b.WriteString("<pre><code>")
		b.WriteString(html.EscapeString(PlainText(node)))
		b.WriteString("</code></pre>\n")
	case "hardBreak":
		b.WriteString("<br>")
	case "mention":
		fmt.Fprintf(b, `<span class="mention">@%s</span>`, html.EscapeString(firstNonBlank(node.Attr("label"), node.Attr("id"))))
	case "inlineMath":
		fmt.Fprintf(b, `<code class="math">%s</code>`, html.EscapeString(node.Attr("latex")))
	case "blockMath":
		fmt.Fprintf(b, "<pre class=\"math\">%s</pre>\n", html.EscapeString(node.Attr("latex")))
	default:
		for _, child := range node.Content {
			renderNode(b, child)
		}
	}
}

func wrap(b *strings.Builder, tag string, node Node) {
	fmt.Fprintf(b, "<%s>", tag)
	for _, child := range node.Content {
		renderNode(b, child)
	}
	fmt.Fprintf(b, "</%s>\n", tag)
}

// Marks apply from the outside in.
func renderTextWithMarks(text string, marks []Mark) string {
	if text == "" {
		return ""
	}
	out := html.EscapeString(text)
	for i := len(marks) - 1; i >= 0; i-- {
		switch marks[i].Type {
		case "bold":
			out = "<strong>" + out + "</strong>"
		case "italic":
			out = "<em>" + out + "</em>"
		case "code":
			out = "<code>" + out + "</code>"
		case "strike":
			out = "<s>" + out + "</s>"
		case "underline":
			out = "<u>" + out + "</u>"
		case "link":
			href, _ := marks[i].Attrs["href"].(string)
			out = fmt.Sprintf(`<a href="%s">%s</a>`, html.EscapeString(href), out)
		}
	}
	return out
}

func firstNonBlank(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}
