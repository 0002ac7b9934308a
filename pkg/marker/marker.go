// Package marker parses the completion-marker protocol workers emit in
// their output artifacts. A marker is one self-closing tag per action:
//
//	<PLAN_READY ticket="#123" path="/abs/123.md" />
//	<CODE_READY ticket="#123" branch="gaffer/123" />
//	<PR_CREATED ticket="#123" pr_url="https://..." />
//	<PR_FIXED pr_number="456" ticket="#123" />
//	<MAIN_BUILD_FIX run_id="123456" fixed="true" />
//	<REVIEW_PASSED ticket="#123" iterations="2" force="false" />
//	<REVIEW_CHANGES_REQUESTED ticket="#123" feedback="..." iteration="1" />
//	<BLOCKED ticket="#123" reason="..." />
//	<ERROR ticket="#123" error="..." />
//
// The scanner is the single place free-text output is interpreted; it
// validates every id and branch name at this boundary so malformed values
// are discarded here and never reach a shell-invoking call.
package marker

import (
	"regexp"
	"strconv"
	"strings"
)

// Kind identifies a marker variant.
type Kind string

// Marker kinds, one per worker action.
const (
	KindPlanReady        Kind = "PLAN_READY"
	KindCodeReady        Kind = "CODE_READY"
	KindPRCreated        Kind = "PR_CREATED"
	KindPRFixed          Kind = "PR_FIXED"
	KindMainBuildFix     Kind = "MAIN_BUILD_FIX"
	KindReviewPassed     Kind = "REVIEW_PASSED"
	KindReviewChanges    Kind = "REVIEW_CHANGES_REQUESTED"
	KindBlocked          Kind = "BLOCKED"
	KindError            Kind = "ERROR"
)

// Marker is one parsed, validated tag. Only the fields relevant to its
// Kind are populated.
type Marker struct {
	Kind       Kind
	Ticket     int
	Path       string
	Branch     string
	PRURL      string
	PR         int
	RunID      int64
	Fixed      bool
	Iterations int
	Force      bool
	Feedback   string
	Reason     string
	ErrText    string
}

// Reject is a tag the scanner refused, with the reason it was discarded.
type Reject struct {
	Raw    string
	Reason string
}

// MaxID bounds issue/PR numbers accepted at the boundary.
const MaxID = 10_000_000

var (
	tagPattern  = regexp.MustCompile(`<([A-Z_]+)((?:\s+[a-z_]+="[^"]*")*)\s*/>`)
	attrPattern = regexp.MustCompile(`([a-z_]+)="([^"]*)"`)
	// branchPattern enforces the strict <prefix>/<digits> shape.
	branchPattern = regexp.MustCompile(`^[a-z][a-z0-9._-]*/[0-9]+$`)
)

// ValidID reports whether n is an acceptable issue or PR number.
func ValidID(n int) bool {
	return n > 0 && n < MaxID
}

// ValidBranch reports whether s matches the strict prefix/digits branch
// shape workers are told to use.
func ValidBranch(s string) bool {
	return branchPattern.MatchString(s)
}

// ParseTicketRef parses a ticket attribute like "#123" or "123".
func ParseTicketRef(s string) (int, bool) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "#")
	n, err := strconv.Atoi(s)
	if err != nil || !ValidID(n) {
		return 0, false
	}
	return n, true
}

// Scan extracts every marker from output. Unknown tags are ignored;
// recognized tags with missing or invalid attributes come back as rejects.
func Scan(output string) ([]Marker, []Reject) {
	var markers []Marker
	var rejects []Reject

	for _, m := range tagPattern.FindAllStringSubmatch(output, -1) {
		raw, name, attrText := m[0], m[1], m[2]
		kind, known := kindOf(name)
		if !known {
			continue
		}

		attrs := make(map[string]string)
		for _, a := range attrPattern.FindAllStringSubmatch(attrText, -1) {
			attrs[a[1]] = a[2]
		}

		marker, reason := build(kind, attrs)
		if reason != "" {
			rejects = append(rejects, Reject{Raw: raw, Reason: reason})
			continue
		}
		markers = append(markers, marker)
	}
	return markers, rejects
}

func kindOf(name string) (Kind, bool) {
	switch Kind(name) {
	case KindPlanReady, KindCodeReady, KindPRCreated, KindPRFixed,
		KindMainBuildFix, KindReviewPassed, KindReviewChanges,
		KindBlocked, KindError:
		return Kind(name), true
	default:
		return "", false
	}
}

// build validates attributes for one kind. An empty reason means success.
func build(kind Kind, attrs map[string]string) (Marker, string) {
	m := Marker{Kind: kind}

	needTicket := kind != KindMainBuildFix
	if needTicket {
		ticket, ok := ParseTicketRef(attrs["ticket"])
		if !ok {
			return m, "missing or out-of-range ticket"
		}
		m.Ticket = ticket
	}

	switch kind {
	case KindPlanReady:
		m.Path = attrs["path"]
		if m.Path == "" || !strings.HasPrefix(m.Path, "/") {
			return m, "plan path must be absolute"
		}
	case KindCodeReady:
		m.Branch = attrs["branch"]
		if !ValidBranch(m.Branch) {
			return m, "malformed branch name"
		}
	case KindPRCreated:
		m.PRURL = attrs["pr_url"]
		if !strings.HasPrefix(m.PRURL, "https://") {
			return m, "pr_url must be an https URL"
		}
	case KindPRFixed:
		pr, err := strconv.Atoi(attrs["pr_number"])
		if err != nil || !ValidID(pr) {
			return m, "missing or out-of-range pr_number"
		}
		m.PR = pr
	case KindMainBuildFix:
		runID, err := strconv.ParseInt(attrs["run_id"], 10, 64)
		if err != nil || runID <= 0 {
			return m, "missing or invalid run_id"
		}
		m.RunID = runID
		m.Fixed = attrs["fixed"] == "true"
	case KindReviewPassed:
		m.Iterations, _ = strconv.Atoi(attrs["iterations"])
		m.Force = attrs["force"] == "true"
	case KindReviewChanges:
		m.Feedback = attrs["feedback"]
		m.Iterations, _ = strconv.Atoi(attrs["iteration"])
		if m.Feedback == "" {
			return m, "changes requested without feedback"
		}
	case KindBlocked:
		m.Reason = attrs["reason"]
		if m.Reason == "" {
			return m, "blocked without reason"
		}
	case KindError:
		m.ErrText = attrs["error"]
		if m.ErrText == "" {
			return m, "error without message"
		}
	}
	return m, ""
}
