package loader

import (
	"fmt"
	"os"
	"strings"

	"golang.org/x/net/html"
)

func loadHTML(path string) (Document, error) {
	f, err := os.Open(path)
	if err != nil {
		return Document{}, fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	root, err := html.Parse(f)
	if err != nil {
		return Document{}, fmt.Errorf("parsing html %s: %w", path, err)
	}

	var sb strings.Builder
	var title string
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch n.Data {
			case "script", "style", "noscript":
				return
			case "title":
				if title == "" && n.FirstChild != nil && n.FirstChild.Type == html.TextNode {
					title = strings.TrimSpace(n.FirstChild.Data)
				}
			}
		}
		if n.Type == html.TextNode {
			if text := strings.TrimSpace(n.Data); text != "" {
				sb.WriteString(text)
				sb.WriteString("\n")
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(root)

	if title == "" {
		title = titleFromFilename(path)
	}

	return Document{ID: path, Title: title, Content: sb.String()}, nil
}
