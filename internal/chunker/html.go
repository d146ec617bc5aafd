package chunker

import (
	"fmt"
	"strings"

	"golang.org/x/net/html"
)

// splitHTML packs top-level body children greedily into chunks. An element
// larger than the budget is an error; oversized text nodes fall back to the
// text splitter.
func (c *Chunker) splitHTML(text string, maxTokens int) ([]string, error) {
	doc, err := html.Parse(strings.NewReader(text))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}
	body := findBody(doc)
	if body == nil {
		return []string{""}, nil
	}

	var chunks []string
	var cur strings.Builder
	curTokens := 0
	flush := func() {
		if cur.Len() > 0 {
			chunks = append(chunks, cur.String())
			cur.Reset()
			curTokens = 0
		}
	}

	for n := body.FirstChild; n != nil; n = n.NextSibling {
		rendered, err := renderNode(n)
		if err != nil {
			return nil, err
		}
		tokens := c.codec.Count(rendered)

		if tokens > maxTokens {
			if n.Type != html.TextNode {
				return nil, fmt.Errorf("%w (%d > %d tokens)", ErrElementTooLarge, tokens, maxTokens)
			}
			flush()
			chunks = append(chunks, c.splitText(n.Data, maxTokens)...)
			continue
		}

		if curTokens+tokens > maxTokens {
			flush()
		}
		cur.WriteString(rendered)
		curTokens += tokens
	}
	flush()

	if len(chunks) == 0 {
		return []string{""}, nil
	}
	return chunks, nil
}

func findBody(n *html.Node) *html.Node {
	if n.Type == html.ElementNode && n.Data == "body" {
		return n
	}
	for child := n.FirstChild; child != nil; child = child.NextSibling {
		if body := findBody(child); body != nil {
			return body
		}
	}
	return nil
}

func renderNode(n *html.Node) (string, error) {
	var buf strings.Builder
	if err := html.Render(&buf, n); err != nil {
		return "", fmt.Errorf("render html node: %w", err)
	}
	return buf.String(), nil
}
