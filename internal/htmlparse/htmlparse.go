// Package htmlparse turns a fetched HTML document into the chunks and
// facts the Evidence Index indexes: spec tables become facts, headings and
// paragraphs become chunks, embedded JSON-LD blocks become kv-surface
// chunks for the embedded_json method to read.
package htmlparse

import (
	"bytes"
	"strconv"
	"strings"

	"golang.org/x/net/html"

	"github.com/spec-harvester/convergence/internal/hashid"
	"github.com/spec-harvester/convergence/internal/types"
)

// ParserVersion and ChunkerVersion are embedded in every snippet ID this
// package produces, so a parser/chunker upgrade naturally re-indexes
// instead of silently reusing stale snippet IDs.
const (
	ParserVersion  = "htmlparse-v1"
	ChunkerVersion = "htmlparse-chunker-v1"
)

// Result is one parsed document's chunks and facts, ready for
// evidenceindex.Index.IndexDocument.
type Result struct {
	Chunks []types.Chunk
	Facts  []types.Fact
}

// Parse walks an HTML document and produces its chunks and facts. docID
// must already be known (the caller computes it from the document's
// content hash before parsing).
func Parse(finalURL, docID string, body []byte) (Result, error) {
	doc, err := html.Parse(bytes.NewReader(body))
	if err != nil {
		return Result{}, err
	}

	p := &parser{finalURL: finalURL, docID: docID}
	p.walk(doc)
	return p.res, nil
}

type parser struct {
	finalURL string
	docID    string
	offset   int
	res      Result
}

func (p *parser) walk(n *html.Node) {
	if n.Type == html.ElementNode {
		switch n.Data {
		case "table":
			p.walkTable(n)
			return
		case "h1", "h2", "h3", "h4", "h5", "title":
			p.addChunk(textContent(n), types.SurfaceHeading)
			return
		case "caption":
			p.addChunk(textContent(n), types.SurfaceCaption)
			return
		case "li":
			p.addChunk(textContent(n), types.SurfaceListItem)
			return
		case "p":
			p.addChunk(textContent(n), types.SurfaceParagraph)
			return
		case "script":
			if attrVal(n, "type") == "application/ld+json" {
				p.addChunk(textContent(n), types.SurfaceKV)
			}
			return
		case "dl":
			p.walkDefinitionList(n)
			return
		}
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		p.walk(c)
	}
}

func (p *parser) walkTable(n *html.Node) {
	rowIdx := 0
	var walkRows func(*html.Node)
	walkRows = func(node *html.Node) {
		if node.Type == html.ElementNode && node.Data == "tr" {
			hasDataCell := false
			for c := node.FirstChild; c != nil; c = c.NextSibling {
				if c.Type == html.ElementNode && c.Data == "td" {
					hasDataCell = true
				}
			}
			cells := cellTexts(node)
			if len(cells) >= 2 && hasDataCell {
				p.addFactRow(cells[0], cells[1], "table", rowIdx)
				rowIdx++
			}
			return
		}
		for c := node.FirstChild; c != nil; c = c.NextSibling {
			walkRows(c)
		}
	}
	walkRows(n)
}

// walkDefinitionList reads <dl><dt>key</dt><dd>value</dd>...</dl> blocks,
// a common spec-sheet shape outside <table>.
func (p *parser) walkDefinitionList(n *html.Node) {
	var pendingKey string
	rowIdx := 0
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if c.Type != html.ElementNode {
			continue
		}
		switch c.Data {
		case "dt":
			pendingKey = textContent(c)
		case "dd":
			if pendingKey != "" {
				p.addFactRow(pendingKey, textContent(c), "dl", rowIdx)
				rowIdx++
				pendingKey = ""
			}
		}
	}
}

func (p *parser) addFactRow(rawKey, rawValue, tableID string, rowIdx int) {
	rawKey, rawValue = strings.TrimSpace(rawKey), strings.TrimSpace(rawValue)
	if rawKey == "" || rawValue == "" {
		return
	}
	text := rawKey + ": " + rawValue
	snippetID := p.addChunkSurface(text, types.SurfaceTableRow)
	p.res.Facts = append(p.res.Facts, types.Fact{
		FactID:          hashid.FactID(snippetID, rawKey, rowIdx),
		DocID:           p.docID,
		TableID:         tableID,
		RowID:           strconv.Itoa(rowIdx),
		RawKey:          rawKey,
		RawValue:        rawValue,
		NormalizedKey:   normalizeKey(rawKey),
		NormalizedValue: rawValue,
		SnippetID:       snippetID,
	})
}

func (p *parser) addChunk(text string, surface types.Surface) {
	p.addChunkSurface(text, surface)
}

// addChunkSurface appends one chunk and returns its snippet ID; callers
// that also emit a fact need the ID to link back to it.
func (p *parser) addChunkSurface(text string, surface types.Surface) string {
	text = strings.TrimSpace(text)
	if text == "" {
		return ""
	}
	start := p.offset
	end := start + len(text)
	p.offset = end + 1

	th := hashid.TextHash(text)
	snippetID := hashid.SnippetID(p.finalURL, start, end, th, ParserVersion, ChunkerVersion)
	p.res.Chunks = append(p.res.Chunks, types.Chunk{
		SnippetID: snippetID, DocID: p.docID, Text: text,
		StartOffset: start, EndOffset: end, TextHash: th, Surface: surface,
	})
	return snippetID
}

func textContent(n *html.Node) string {
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return collapseWhitespace(b.String())
}

func cellTexts(tr *html.Node) []string {
	var out []string
	for c := tr.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.ElementNode && (c.Data == "td" || c.Data == "th") {
			out = append(out, textContent(c))
		}
	}
	return out
}

func attrVal(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func collapseWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func normalizeKey(rawKey string) string {
	lower := strings.ToLower(strings.TrimSpace(rawKey))
	lower = strings.Trim(lower, ":.- ")
	return strings.Join(strings.Fields(lower), "_")
}
