// Package promptshrink reduces raw page HTML to compact Markdown before it
// is sent to the AI collaborator (C3), the same token-saving step the
// teacher's cleaner.Cleaner pipeline runs ahead of every LLM call:
// Mozilla Readability to isolate the main content, then html-to-markdown
// to render it compactly. Config synthesis only needs enough of the page
// to locate the values a user wants to watch, not the full DOM.
package promptshrink

import (
	"log/slog"
	nurl "net/url"
	"strings"

	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/base"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/commonmark"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/table"
	readability "github.com/go-shiori/go-readability"
)

// minContentLength mirrors the teacher's threshold below which Readability's
// output is distrusted and the raw HTML is used instead.
const minContentLength = 50

// maxSampleBytes bounds the Markdown handed to the model; a price or a
// headline never needs more than this to be located.
const maxSampleBytes = 8000

var converterOnce = newConverter()

func newConverter() *converter.Converter {
	return converter.NewConverter(
		converter.WithPlugins(
			base.NewBasePlugin(),
			commonmark.NewCommonmarkPlugin(),
			table.NewTablePlugin(
				table.WithCellPaddingBehavior(table.CellPaddingBehaviorMinimal),
			),
		),
	)
}

// Shrink runs rawHTML through Readability then Markdown conversion and
// truncates the result. When Readability fails or yields too little content
// it falls back to a truncated raw-HTML slice; when Markdown conversion
// fails it falls back to the truncated Readability HTML — promptshrink must never
// block config synthesis just because a page doesn't fit the Readability
// heuristics.
func Shrink(rawHTML, sourceURL string) string {
	content, ok := extractContent(rawHTML, sourceURL)
	if !ok {
		return truncate(rawHTML, maxSampleBytes)
	}

	domain := ""
	if u, err := nurl.Parse(sourceURL); err == nil {
		domain = u.Host
	}

	md, err := converterOnce.ConvertString(content, converter.WithDomain(domain))
	if err != nil {
		slog.Warn("promptshrink: markdown conversion failed, using readability text", "url", sourceURL, "error", err)
		return truncate(content, maxSampleBytes)
	}
	return truncate(md, maxSampleBytes)
}

func extractContent(rawHTML, sourceURL string) (string, bool) {
	u, err := nurl.Parse(sourceURL)
	if err != nil {
		slog.Warn("promptshrink: invalid source URL, skipping readability", "url", sourceURL, "error", err)
		return "", false
	}

	article, err := readability.FromReader(strings.NewReader(rawHTML), u)
	if err != nil {
		slog.Warn("promptshrink: readability extraction failed", "url", sourceURL, "error", err)
		return "", false
	}
	if len(strings.TrimSpace(article.TextContent)) < minContentLength {
		return "", false
	}
	return article.Content, true
}

func truncate(s string, maxBytes int) string {
	if len(s) <= maxBytes {
		return s
	}
	return s[:maxBytes]
}
