// ABOUTME: Fenced code block extraction from agent output via goldmark AST
// ABOUTME: Picks the largest block, matching the reviewer's selection rule

package pipeline

import (
	"bytes"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

// ExtractCode returns the largest fenced code block in content along with
// its info-string language. ok is false when no fenced block is present.
func ExtractCode(content string) (code, language string, ok bool) {
	src := []byte(content)
	doc := goldmark.New().Parser().Parse(text.NewReader(src))

	var best []byte
	var bestLang string

	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		fcb, isFenced := n.(*ast.FencedCodeBlock)
		if !isFenced {
			return ast.WalkContinue, nil
		}

		var buf bytes.Buffer
		lines := fcb.Lines()
		for i := 0; i < lines.Len(); i++ {
			seg := lines.At(i)
			buf.Write(seg.Value(src))
		}

		if buf.Len() > len(best) {
			best = bytes.Clone(buf.Bytes())
			bestLang = string(fcb.Language(src))
		}
		return ast.WalkContinue, nil
	})

	if best == nil {
		return "", "", false
	}
	return string(bytes.TrimRight(best, "\n")), bestLang, true
}
