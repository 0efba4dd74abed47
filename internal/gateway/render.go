// ABOUTME: Markdown-to-WhatsApp rendering for agent replies.
// ABOUTME: Walks the goldmark AST and emits WhatsApp's limited inline syntax.

package gateway

import (
	"fmt"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	extast "github.com/yuin/goldmark/extension/ast"
	"github.com/yuin/goldmark/text"
)

// RenderWhatsApp converts agent markdown into WhatsApp-style text:
// *bold*, _italic_, ~strikethrough~, ``` fenced code, "- " bullets, and
// headings flattened to bold lines. Unknown constructs degrade to their
// plain text content.
func RenderWhatsApp(markdown string) string {
	md := goldmark.New(goldmark.WithExtensions(extension.Strikethrough))
	source := []byte(markdown)
	doc := md.Parser().Parse(text.NewReader(source))

	var b strings.Builder
	renderBlocks(&b, doc, source)
	return strings.TrimRight(b.String(), "\n")
}

func renderBlocks(b *strings.Builder, parent ast.Node, source []byte) {
	for n := parent.FirstChild(); n != nil; n = n.NextSibling() {
		switch node := n.(type) {
		case *ast.Heading:
			b.WriteString("*")
			renderInline(b, node, source)
			b.WriteString("*\n\n")
		case *ast.Paragraph, *ast.TextBlock:
			renderInline(b, n, source)
			b.WriteString("\n\n")
		case *ast.List:
			renderList(b, node, source)
			b.WriteString("\n")
		case *ast.FencedCodeBlock, *ast.CodeBlock:
			b.WriteString("```\n")
			writeCodeLines(b, n, source)
			b.WriteString("```\n\n")
		case *ast.Blockquote:
			renderBlocks(b, node, source)
		case *ast.ThematicBreak:
			b.WriteString("---\n\n")
		default:
			renderInline(b, n, source)
			b.WriteString("\n\n")
		}
	}
}

func renderList(b *strings.Builder, list *ast.List, source []byte) {
	index := list.Start
	for item := list.FirstChild(); item != nil; item = item.NextSibling() {
		if list.IsOrdered() {
			fmt.Fprintf(b, "%d. ", index)
			index++
		} else {
			b.WriteString("- ")
		}
		// A list item wraps a TextBlock (and possibly nested blocks).
		for c := item.FirstChild(); c != nil; c = c.NextSibling() {
			if sub, ok := c.(*ast.List); ok {
				b.WriteString("\n")
				renderList(b, sub, source)
			} else {
				renderInline(b, c, source)
			}
		}
		b.WriteString("\n")
	}
}

func writeCodeLines(b *strings.Builder, n ast.Node, source []byte) {
	lines := n.Lines()
	for i := 0; i < lines.Len(); i++ {
		seg := lines.At(i)
		b.Write(seg.Value(source))
	}
}

func renderInline(b *strings.Builder, parent ast.Node, source []byte) {
	for n := parent.FirstChild(); n != nil; n = n.NextSibling() {
		switch node := n.(type) {
		case *ast.Text:
			b.Write(node.Segment.Value(source))
			if node.SoftLineBreak() {
				b.WriteString("\n")
			} else if node.HardLineBreak() {
				b.WriteString("\n")
			}
		case *ast.Emphasis:
			marker := "_"
			if node.Level >= 2 {
				marker = "*"
			}
			b.WriteString(marker)
			renderInline(b, node, source)
			b.WriteString(marker)
		case *extast.Strikethrough:
			b.WriteString("~")
			renderInline(b, node, source)
			b.WriteString("~")
		case *ast.CodeSpan:
			b.WriteString("`")
			renderInline(b, node, source)
			b.WriteString("`")
		case *ast.Link:
			renderInline(b, node, source)
			b.WriteString(" (")
			b.Write(node.Destination)
			b.WriteString(")")
		case *ast.AutoLink:
			b.Write(node.URL(source))
		case *ast.Image:
			b.Write(node.Destination)
		default:
			renderInline(b, n, source)
		}
	}
}
