// Package plan reads the plan documents planners write for each ticket.
// A plan is a markdown file with a YAML frontmatter block:
//
//	---
//	ticket: 123
//	branch: gaffer/123
//	title: add login form
//	---
//	## Approach
//	...
package plan

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Doc is one parsed plan document.
type Doc struct {
	Ticket int    `yaml:"ticket"`
	Branch string `yaml:"branch"`
	Title  string `yaml:"title"`
	// Body is the markdown below the frontmatter.
	Body string `yaml:"-"`
}

const delimiter = "---"

// Read loads and parses the plan document at path.
func Read(path string) (*Doc, error) {
	data, err := os.ReadFile(path) //nolint:gosec // plan paths are validated at the marker boundary
	if err != nil {
		return nil, fmt.Errorf("read plan %s: %w", path, err)
	}
	return Parse(string(data))
}

// Parse splits the frontmatter from the body and decodes it.
func Parse(content string) (*Doc, error) {
	trimmed := strings.TrimLeft(content, "\n")
	if !strings.HasPrefix(trimmed, delimiter+"\n") {
		return nil, fmt.Errorf("plan has no frontmatter block")
	}
	rest := trimmed[len(delimiter)+1:]

	end := strings.Index(rest, "\n"+delimiter)
	if end < 0 {
		return nil, fmt.Errorf("plan frontmatter is not terminated")
	}
	front := rest[:end]
	body := strings.TrimPrefix(rest[end+len(delimiter)+1:], "\n")

	var doc Doc
	if err := yaml.Unmarshal([]byte(front), &doc); err != nil {
		return nil, fmt.Errorf("decode plan frontmatter: %w", err)
	}
	if doc.Ticket <= 0 {
		return nil, fmt.Errorf("plan frontmatter has no ticket")
	}
	doc.Body = body
	return &doc, nil
}
