package plan_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"gaffer/pkg/plan"
)

const sample = `---
ticket: 123
branch: gaffer/123
title: add login form
---

## Approach

Use the existing session middleware.
`

func TestParse(t *testing.T) {
	t.Parallel()

	doc, err := plan.Parse(sample)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if doc.Ticket != 123 || doc.Branch != "gaffer/123" || doc.Title != "add login form" {
		t.Fatalf("doc = %+v", doc)
	}
	if !strings.HasPrefix(doc.Body, "## Approach") {
		t.Fatalf("body = %q", doc.Body)
	}
}

func TestParse_Malformed(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"no frontmatter":   "## Approach\n",
		"unterminated":     "---\nticket: 1\n",
		"missing ticket":   "---\ntitle: x\n---\nbody\n",
		"bad yaml":         "---\nticket: [\n---\nbody\n",
	}
	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			if _, err := plan.Parse(content); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestRead(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "123.md")
	if err := os.WriteFile(path, []byte(sample), 0o600); err != nil {
		t.Fatal(err)
	}
	doc, err := plan.Read(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if doc.Ticket != 123 {
		t.Fatalf("ticket = %d", doc.Ticket)
	}
}
