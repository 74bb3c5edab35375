// Copyright 2026 The Lore Authors
// SPDX-License-Identifier: Apache-2.0

package corpus

import (
	"fmt"
	"path"
	"strings"
	"sync"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/text"
)

const (
	// splitHeadingLevel is the deepest heading that starts a new
	// section. h4+ headings stay inside their parent section.
	splitHeadingLevel = 3

	// maxSectionBytes is the largest chunk kept whole. Sections and
	// plain files above it are windowed by paragraph.
	maxSectionBytes = 6000

	// windowTargetBytes is the size a paragraph window grows to
	// before the next paragraph starts a new one. A single paragraph
	// larger than the target becomes its own window; text is never
	// cut mid-paragraph.
	windowTargetBytes = 3000

	// minChunkBytes drops slivers: a bare heading with no body, or
	// trailing whitespace sections.
	minChunkBytes = 16
)

// chunk is one ingestible slice of a source file.
type chunk struct {
	Title string
	Text  string
}

// chunkParserInstance is initialized once and reused. The parser
// configuration never changes and the goldmark Parser is safe to
// share — actual parsing creates per-call state via Parse(reader).
var (
	chunkParserInstance goldmark.Markdown
	chunkParserOnce     sync.Once
)

func getChunkParser() goldmark.Markdown {
	chunkParserOnce.Do(func() {
		chunkParserInstance = goldmark.New(
			goldmark.WithExtensions(extension.GFM),
		)
	})
	return chunkParserInstance
}

// splitFile slices one source file into chunks. Markdown splits on
// heading sections; everything else windows by paragraph. origin is
// the slash-separated path relative to the corpus root; its basename
// becomes the fallback title.
func splitFile(origin string, data []byte) []chunk {
	title := titleFromOrigin(origin)
	switch strings.ToLower(path.Ext(origin)) {
	case ".md", ".markdown":
		return splitMarkdown(data, title)
	default:
		return splitPlain(data, title)
	}
}

// splitMarkdown splits source at every top-level heading of level <=
// splitHeadingLevel. Each section runs from its heading line to the
// next split point and keeps the heading line in its text, so the
// chunk is self-describing when retrieved. Content before the first
// heading becomes a section titled fallbackTitle.
func splitMarkdown(source []byte, fallbackTitle string) []chunk {
	document := getChunkParser().Parser().Parse(text.NewReader(source))

	type section struct {
		start int
		title string
	}
	sections := []section{{start: 0, title: fallbackTitle}}

	for node := document.FirstChild(); node != nil; node = node.NextSibling() {
		heading, ok := node.(*ast.Heading)
		if !ok || heading.Level > splitHeadingLevel {
			continue
		}
		lines := heading.Lines()
		if lines.Len() == 0 {
			continue
		}
		// The heading's segments cover its text, not the marker, so
		// backtrack to the start of the line.
		start := lineStart(source, lines.At(0).Start)
		title := headingTitle(source, heading)
		if title == "" {
			title = fallbackTitle
		}
		sections = append(sections, section{start: start, title: title})
	}

	var chunks []chunk
	for i, current := range sections {
		end := len(source)
		if i+1 < len(sections) {
			end = sections[i+1].start
		}
		body := strings.TrimSpace(string(source[current.start:end]))
		if len(body) < minChunkBytes {
			continue
		}
		chunks = append(chunks, windowText(current.title, body)...)
	}
	return chunks
}

// splitPlain windows a text or code file by paragraph. Small files
// stay whole.
func splitPlain(source []byte, title string) []chunk {
	body := strings.TrimSpace(string(source))
	if len(body) < minChunkBytes {
		return nil
	}
	return windowText(title, body)
}

// windowText returns the text as a single chunk when it fits in
// maxSectionBytes, otherwise accumulates paragraphs into windows of
// about windowTargetBytes. Continuation windows get a " (2)", " (3)"
// title suffix.
func windowText(title, body string) []chunk {
	if len(body) <= maxSectionBytes {
		return []chunk{{Title: title, Text: body}}
	}

	var windows []string
	var current strings.Builder
	for _, paragraph := range splitParagraphs(body) {
		if current.Len() > 0 && current.Len()+len(paragraph) > windowTargetBytes {
			windows = append(windows, current.String())
			current.Reset()
		}
		if current.Len() > 0 {
			current.WriteString("\n\n")
		}
		current.WriteString(paragraph)
	}
	if current.Len() > 0 {
		windows = append(windows, current.String())
	}

	chunks := make([]chunk, 0, len(windows))
	for i, window := range windows {
		if len(window) < minChunkBytes {
			continue
		}
		chunkTitle := title
		if i > 0 {
			chunkTitle = fmt.Sprintf("%s (%d)", title, i+1)
		}
		chunks = append(chunks, chunk{Title: chunkTitle, Text: window})
	}
	return chunks
}

// splitParagraphs breaks text on blank lines. Paragraph text is
// trimmed; empty paragraphs are dropped.
func splitParagraphs(body string) []string {
	var paragraphs []string
	for _, block := range strings.Split(body, "\n\n") {
		block = strings.TrimSpace(block)
		if block != "" {
			paragraphs = append(paragraphs, block)
		}
	}
	return paragraphs
}

// headingTitle extracts the heading's text with inline markup
// preserved and whitespace collapsed.
func headingTitle(source []byte, heading *ast.Heading) string {
	var builder strings.Builder
	lines := heading.Lines()
	for i := 0; i < lines.Len(); i++ {
		segment := lines.At(i)
		if builder.Len() > 0 {
			builder.WriteByte(' ')
		}
		builder.Write(segment.Value(source))
	}
	return strings.Join(strings.Fields(builder.String()), " ")
}

// lineStart backtracks from offset to the beginning of its line.
func lineStart(source []byte, offset int) int {
	for offset > 0 && source[offset-1] != '\n' {
		offset--
	}
	return offset
}

// titleFromOrigin derives a human-readable fallback title from a file
// path: the basename without extension, separators spaced out.
func titleFromOrigin(origin string) string {
	base := path.Base(origin)
	base = strings.TrimSuffix(base, path.Ext(base))
	base = strings.ReplaceAll(base, "_", " ")
	base = strings.ReplaceAll(base, "-", " ")
	title := strings.Join(strings.Fields(base), " ")
	if title == "" {
		return origin
	}
	return title
}
