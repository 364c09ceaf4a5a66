package utils

import (
	"html"
	"regexp"
	"strings"

	"github.com/microcosm-cc/bluemonday"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	gmhtml "github.com/yuin/goldmark/renderer/html"
)

var (
	strictPolicy = bluemonday.StrictPolicy()

	markdown = goldmark.New(
		goldmark.WithExtensions(extension.GFM),
		goldmark.WithRendererOptions(gmhtml.WithUnsafe()),
	)

	// Block-level boundaries become line breaks before tags are stripped.
	blockBreak  = regexp.MustCompile(`(?i)<\s*(br\s*/?|/p|/div|/h[1-6]|/tr|/blockquote|hr\s*/?)\s*>`)
	listItem    = regexp.MustCompile(`(?i)<\s*li(\s[^>]*)?>`)
	dropContent = regexp.MustCompile(`(?is)<\s*(script|style|head)[^>]*>.*?<\s*/\s*(script|style|head)\s*>`)
	spaceRun    = regexp.MustCompile(`[ \t\f\v]+`)
	blankRun    = regexp.MustCompile(`\n{3,}`)
)

// IsHTML checks if the content appears to be HTML
func IsHTML(content string) bool {
	htmlTags := []string{"<p>", "<p ", "<br", "<div", "<span", "<b>", "<i>", "<strong>", "<em>", "<h1", "<h2", "<h3", "<ul", "<ol", "<li", "<table", "<a ", "<blockquote", "<img ", "<html", "<body"}

	contentLower := strings.ToLower(content)
	for _, tag := range htmlTags {
		if strings.Contains(contentLower, tag) {
			return true
		}
	}
	return false
}

// IsMarkdown checks if the content appears to use markdown formatting
func IsMarkdown(content string) bool {
	markdownPatterns := []string{"**", "__", "`", "# ", "## ", "- ", "* ", "1. ", "](", "\n\n"}

	markdownCount := 0
	for _, pattern := range markdownPatterns {
		if strings.Contains(content, pattern) {
			markdownCount++
		}
	}
	return markdownCount >= 2
}

// MarkdownToHTML converts markdown content to HTML
func MarkdownToHTML(src string) string {
	var buf strings.Builder
	if err := markdown.Convert([]byte(src), &buf); err != nil {
		return html.EscapeString(src)
	}
	return buf.String()
}

// StripHTML removes all HTML tags and returns the raw remaining text
func StripHTML(s string) string {
	return html.UnescapeString(strictPolicy.Sanitize(s))
}

// HTMLToText renders an HTML body as readable plain text, keeping block
// boundaries as line breaks.
func HTMLToText(s string) string {
	s = dropContent.ReplaceAllString(s, "")
	s = listItem.ReplaceAllString(s, "\n- ")
	s = blockBreak.ReplaceAllString(s, "\n")
	s = StripHTML(s)
	s = strings.ReplaceAll(s, "\u00a0", " ")

	lines := strings.Split(s, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimSpace(spaceRun.ReplaceAllString(line, " "))
	}
	s = strings.Join(lines, "\n")
	s = blankRun.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}
