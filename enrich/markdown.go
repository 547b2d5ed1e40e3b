// Package enrich post-processes a backend's raw HTML output: sanitization,
// markdown derivation, link and table-of-contents extraction, and inline
// image reference rewriting after upload.
package enrich

import (
	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/base"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/commonmark"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/table"
)

// MarkdownConverter derives markdown from HTML. Construct once and reuse;
// the underlying converter is safe for concurrent use.
type MarkdownConverter struct {
	conv *converter.Converter
}

// NewMarkdownConverter builds the converter with table support, so tabular
// conversion output survives the HTML-to-markdown pass.
func NewMarkdownConverter() *MarkdownConverter {
	return &MarkdownConverter{
		conv: converter.NewConverter(
			converter.WithPlugins(
				base.NewBasePlugin(),
				commonmark.NewCommonmarkPlugin(),
				table.NewTablePlugin(),
			),
		),
	}
}

// Convert returns the markdown rendition of html.
func (m *MarkdownConverter) Convert(html string) (string, error) {
	return m.conv.ConvertString(html)
}
