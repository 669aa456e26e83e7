// Package loader reads course documents from disk and extracts their title
// and textual content. Markdown, PDF, and HTML sources are supported.
package loader

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Document is a source text unit. It is immutable once loaded; re-ingestion
// replaces it wholesale.
type Document struct {
	// ID is the path the document was loaded from, as given by the caller.
	ID      string
	Title   string
	Content string
}

// Load reads the file at path and extracts its title and content based on the
// file extension. Unknown extensions are treated as plain text.
func Load(path string) (Document, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".md", ".markdown":
		return loadMarkdown(path)
	case ".pdf":
		return loadPDF(path)
	case ".html", ".htm":
		return loadHTML(path)
	default:
		data, err := os.ReadFile(path)
		if err != nil {
			return Document{}, fmt.Errorf("reading %s: %w", path, err)
		}
		return Document{ID: path, Title: titleFromFilename(path), Content: string(data)}, nil
	}
}

func loadMarkdown(path string) (Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Document{}, fmt.Errorf("reading %s: %w", path, err)
	}

	body, fmTitle := splitFrontMatter(string(data))

	title := fmTitle
	if title == "" {
		title = firstHeading(body)
	}
	if title == "" {
		title = titleFromFilename(path)
	}

	return Document{ID: path, Title: title, Content: body}, nil
}

// frontMatter holds the subset of YAML front matter fields we care about.
type frontMatter struct {
	Title string `yaml:"title"`
}

// splitFrontMatter strips a leading YAML front matter block ("---" fenced)
// and returns the remaining body plus the front matter title, if any.
// Malformed front matter is left in place rather than erroring.
func splitFrontMatter(content string) (body, title string) {
	if !strings.HasPrefix(content, "---\n") && !strings.HasPrefix(content, "---\r\n") {
		return content, ""
	}

	rest := content[strings.Index(content, "\n")+1:]
	end := strings.Index(rest, "\n---")
	if end < 0 {
		return content, ""
	}

	block := rest[:end]
	after := rest[end+len("\n---"):]
	// The closing fence must terminate its line.
	if nl := strings.Index(after, "\n"); nl >= 0 {
		after = after[nl+1:]
	} else {
		after = ""
	}

	var fm frontMatter
	if err := yaml.Unmarshal([]byte(block), &fm); err != nil {
		return content, ""
	}
	return after, strings.TrimSpace(fm.Title)
}

// firstHeading returns the text of the first "# " heading line, if present.
func firstHeading(content string) string {
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "# ") {
			return strings.TrimSpace(strings.TrimPrefix(line, "#"))
		}
	}
	return ""
}

func titleFromFilename(path string) string {
	name := filepath.Base(path)
	name = strings.TrimSuffix(name, filepath.Ext(name))
	name = strings.ReplaceAll(name, "_", " ")
	name = strings.ReplaceAll(name, "-", " ")
	return name
}

// Discover walks the given paths and returns every supported document file.
// Directory arguments are walked recursively; file arguments are returned
// as-is so the caller can ingest a single explicit file of any type.
func Discover(paths []string) ([]string, error) {
	var out []string
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			return nil, fmt.Errorf("stat %s: %w", p, err)
		}
		if !info.IsDir() {
			out = append(out, p)
			continue
		}
		err = filepath.WalkDir(p, func(path string, d os.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				return nil
			}
			switch strings.ToLower(filepath.Ext(path)) {
			case ".md", ".markdown", ".pdf", ".html", ".htm":
				out = append(out, path)
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("walking %s: %w", p, err)
		}
	}
	return out, nil
}
