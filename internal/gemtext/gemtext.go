// Package gemtext implements the line-oriented gemtext markup: per-line
// classification and rendering to HTML. Gemini responses serve the source
// text verbatim, so only the HTML side needs a renderer.
package gemtext

import (
	"html"
	"strings"
)

// MIMEType is the canonical media type of a gemtext document.
const MIMEType = "text/gemini; charset=UTF-8"

// LineType classifies a single gemtext line.
type LineType int

const (
	LineParagraph LineType = iota
	LinePre
	LinePreToggle
	LineLink
	LineHeading1
	LineHeading2
	LineHeading3
	LineListItem
	LineQuote
)

// Line is one classified line of a gemtext document.
type Line struct {
	Type LineType

	// Raw is the unmodified source line without its terminator.
	Raw string

	// Text is the line content with the marker stripped. For links it is
	// the label, which may be empty.
	Text string

	// URL is the link target, set only for LineLink.
	URL string
}

// Parse classifies src line by line. Classification follows the gemtext
// precedence: a ``` line toggles preformatted mode, inside which no other
// rule applies; then links, headings, list items, quotes, paragraphs.
func Parse(src string) []Line {
	var lines []Line
	pre := false
	for _, raw := range splitLines(src) {
		lines = append(lines, classify(raw, &pre))
	}
	return lines
}

func splitLines(src string) []string {
	src = strings.TrimSuffix(src, "\n")
	if src == "" {
		return nil
	}
	parts := strings.Split(src, "\n")
	for i, p := range parts {
		parts[i] = strings.TrimSuffix(p, "\r")
	}
	return parts
}

func classify(raw string, pre *bool) Line {
	if raw == "```" {
		*pre = !*pre
		return Line{Type: LinePreToggle, Raw: raw}
	}
	if *pre {
		return Line{Type: LinePre, Raw: raw, Text: raw}
	}
	if rest, ok := strings.CutPrefix(raw, "=>"); ok && len(rest) > 0 && (rest[0] == ' ' || rest[0] == '\t') {
		trimmed := strings.TrimLeft(rest, " \t")
		if trimmed != "" {
			url, label := trimmed, ""
			if i := strings.IndexAny(trimmed, " \t"); i >= 0 {
				url, label = trimmed[:i], strings.TrimLeft(trimmed[i:], " \t")
			}
			return Line{Type: LineLink, Raw: raw, URL: url, Text: label}
		}
	}
	if rest, ok := strings.CutPrefix(raw, "### "); ok {
		return Line{Type: LineHeading3, Raw: raw, Text: rest}
	}
	if rest, ok := strings.CutPrefix(raw, "## "); ok {
		return Line{Type: LineHeading2, Raw: raw, Text: rest}
	}
	if rest, ok := strings.CutPrefix(raw, "# "); ok {
		return Line{Type: LineHeading1, Raw: raw, Text: rest}
	}
	if rest, ok := strings.CutPrefix(raw, "* "); ok {
		return Line{Type: LineListItem, Raw: raw, Text: rest}
	}
	if rest, ok := strings.CutPrefix(raw, "> "); ok {
		return Line{Type: LineQuote, Raw: raw, Text: rest}
	}
	return Line{Type: LineParagraph, Raw: raw, Text: raw}
}

// Title returns the text of the first level-one heading, or "".
func Title(lines []Line) string {
	for _, l := range lines {
		if l.Type == LineHeading1 {
			return l.Text
		}
	}
	return ""
}

// LinkResolver rewrites a gemtext link target for HTML output. The server
// uses it to map relative page links onto /page/<name> within the current
// space; absolute URLs are returned unchanged.
type LinkResolver func(target string) string

// RenderHTML converts a gemtext document to an HTML fragment. Output is
// UTF-8 with all text HTML-escaped. resolve may be nil, in which case link
// targets pass through unmodified.
func RenderHTML(src string, resolve LinkResolver) string {
	var b strings.Builder
	var inPre, inList bool

	closeList := func() {
		if inList {
			b.WriteString("</ul>\n")
			inList = false
		}
	}

	for _, line := range Parse(src) {
		if line.Type != LineListItem {
			closeList()
		}
		switch line.Type {
		case LinePreToggle:
			if inPre {
				b.WriteString("</pre>\n")
			} else {
				b.WriteString("<pre>\n")
			}
			inPre = !inPre
		case LinePre:
			b.WriteString(html.EscapeString(line.Raw))
			b.WriteString("\n")
		case LineLink:
			target := line.URL
			if resolve != nil {
				target = resolve(target)
			}
			label := line.Text
			if label == "" {
				label = line.URL
			}
			b.WriteString(`<p><a href="` + html.EscapeString(target) + `">` + html.EscapeString(label) + "</a></p>\n")
		case LineHeading1:
			b.WriteString("<h1>" + html.EscapeString(line.Text) + "</h1>\n")
		case LineHeading2:
			b.WriteString("<h2>" + html.EscapeString(line.Text) + "</h2>\n")
		case LineHeading3:
			b.WriteString("<h3>" + html.EscapeString(line.Text) + "</h3>\n")
		case LineListItem:
			if !inList {
				b.WriteString("<ul>\n")
				inList = true
			}
			b.WriteString("<li>" + html.EscapeString(line.Text) + "</li>\n")
		case LineQuote:
			b.WriteString("<blockquote>" + html.EscapeString(line.Text) + "</blockquote>\n")
		default:
			if line.Raw == "" {
				b.WriteString("<br>\n")
			} else {
				b.WriteString("<p>" + html.EscapeString(line.Text) + "</p>\n")
			}
		}
	}
	closeList()
	if inPre {
		b.WriteString("</pre>\n")
	}
	return b.String()
}
