package loader

import (
	"regexp"
	"strings"
)

var (
	codeBlockRe    = regexp.MustCompile("(?s)```[^`]*```")
	inlineCodeRe   = regexp.MustCompile("`[^`]+`")
	imageRe        = regexp.MustCompile(`!\[[^\]]*\]\([^)]+\)`)
	linkRe         = regexp.MustCompile(`\[([^\]]+)\]\([^)]+\)`)
	headingRe      = regexp.MustCompile(`(?m)^#{1,6}\s+`)
	blockquoteRe   = regexp.MustCompile(`(?m)^>\s*`)
	hrRe           = regexp.MustCompile(`(?m)^[-*_]{3,}\s*$`)
	listMarkerRe   = regexp.MustCompile(`(?m)^\s*[-*+]\s+`)
	numberedListRe = regexp.MustCompile(`(?m)^\s*\d+\.\s+`)
	multiNewlineRe = regexp.MustCompile(`\n{3,}`)
)

// Clean strips structural markdown from content, keeping the semantic text
// that should be embedded. Code blocks are removed outright; links keep their
// display text.
func Clean(content string) string {
	content = codeBlockRe.ReplaceAllString(content, "")
	content = inlineCodeRe.ReplaceAllString(content, "")
	content = imageRe.ReplaceAllString(content, "")
	content = linkRe.ReplaceAllString(content, "$1")
	content = headingRe.ReplaceAllString(content, "")
	content = blockquoteRe.ReplaceAllString(content, "")
	content = hrRe.ReplaceAllString(content, "")
	content = listMarkerRe.ReplaceAllString(content, "")
	content = numberedListRe.ReplaceAllString(content, "")

	content = strings.ReplaceAll(content, "**", "")
	content = strings.ReplaceAll(content, "__", "")
	content = strings.ReplaceAll(content, "*", "")

	content = multiNewlineRe.ReplaceAllString(content, "\n\n")
	return strings.TrimSpace(content)
}
