package document

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

// LoadOptions controls how a markdown file is split into blocks.
type LoadOptions struct {
	WordsPerMinute int
	SkipCodeBlocks bool
}

// LoadMarkdown parses a local markdown file into a block catalog. Each
// top-level heading, paragraph and code block becomes one block, in document
// order. The file path doubles as the document id.
func LoadMarkdown(path string, opts LoadOptions) (*Catalog, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read document: %w", err)
	}
	blocks := ExtractBlocks(src, opts)
	if len(blocks) == 0 {
		return nil, ErrNoBlocks
	}
	docID := filepath.Clean(path)
	log.Debug("document: markdown loaded", "path", docID, "blocks", len(blocks))
	return NewCatalog(docID, blocks)
}

// ExtractBlocks splits markdown source into text blocks with duration
// estimates. Inline formatting is flattened to plain text.
func ExtractBlocks(src []byte, opts LoadOptions) []Block {
	md := goldmark.New()
	root := md.Parser().Parse(text.NewReader(src))

	var blocks []Block
	for node := root.FirstChild(); node != nil; node = node.NextSibling() {
		txt := blockText(node, src, opts)
		if strings.TrimSpace(txt) == "" {
			continue
		}
		blocks = append(blocks, Block{
			Idx:         len(blocks),
			Text:        txt,
			EstDuration: EstimateDuration(txt, opts.WordsPerMinute),
		})
	}
	return blocks
}

func blockText(node ast.Node, src []byte, opts LoadOptions) string {
	switch n := node.(type) {
	case *ast.Heading, *ast.Paragraph, *ast.Blockquote:
		return flattenText(node, src)
	case *ast.List:
		var parts []string
		for item := n.FirstChild(); item != nil; item = item.NextSibling() {
			if t := flattenText(item, src); t != "" {
				parts = append(parts, t)
			}
		}
		return strings.Join(parts, " ")
	case *ast.FencedCodeBlock:
		if opts.SkipCodeBlocks {
			return ""
		}
		return rawLines(n.Lines(), src)
	case *ast.CodeBlock:
		if opts.SkipCodeBlocks {
			return ""
		}
		return rawLines(n.Lines(), src)
	default:
		return ""
	}
}

// flattenText collects the plain text of all inline descendants.
func flattenText(node ast.Node, src []byte) string {
	var sb strings.Builder
	_ = ast.Walk(node, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		switch t := n.(type) {
		case *ast.Text:
			sb.Write(t.Segment.Value(src))
			if t.SoftLineBreak() || t.HardLineBreak() {
				sb.WriteByte(' ')
			}
		case *ast.AutoLink:
			sb.Write(t.URL(src))
		}
		return ast.WalkContinue, nil
	})
	return strings.TrimSpace(sb.String())
}

func rawLines(lines *text.Segments, src []byte) string {
	var sb strings.Builder
	for i := 0; i < lines.Len(); i++ {
		seg := lines.At(i)
		sb.Write(seg.Value(src))
	}
	return strings.TrimSpace(sb.String())
}
