// Package forge is the VCS/issue-tracker boundary. The production
// implementation shells out to the gh CLI, so every number and name that
// crosses into an argument list is validated here first.
package forge

import (
	"context"
	"os/exec"
	"regexp"
	"strconv"
	"time"
)

// CommandRunner abstracts command execution for testability.
// Production implementation uses os/exec; tests provide a mock.
type CommandRunner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// ExecRunner is the production CommandRunner.
type ExecRunner struct{}

// Run executes name with args and returns combined output.
func (ExecRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).Output()
}

// Issue is an open issue eligible for intake.
type Issue struct {
	Number    int       `json:"number"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"createdAt"`
}

// PR is an open pull request.
type PR struct {
	Number     int    `json:"number"`
	Title      string `json:"title"`
	URL        string `json:"url"`
	HeadBranch string `json:"headRefName"`
}

// CI status values derived from the status-check rollup.
const (
	CIPassing = "passing"
	CIFailing = "failing"
	CIPending = "pending"
)

// Review decision values.
const (
	ReviewApproved         = "approved"
	ReviewChangesRequested = "changes_requested"
	ReviewNone             = ""
)

// Health is the per-iteration snapshot of one PR's remote state. It is
// recomputed from the remote system every time, never cached: it is the
// ground truth for merge and fix decisions.
type Health struct {
	Number         int
	HeadBranch     string
	ReviewDecision string
	CIStatus       string
	// FailedChecks names the checks that are currently failing.
	FailedChecks []string
	// Comments holds every review and comment body, for approval-keyword
	// scanning.
	Comments []string
}

// Run is one trunk CI run.
type Run struct {
	ID         int64  `json:"databaseId"`
	Name       string `json:"name"`
	Status     string `json:"status"`
	Conclusion string `json:"conclusion"`
	URL        string `json:"url"`
}

// Forge is the remote system the orchestrator reconciles against.
type Forge interface {
	ListOpenIssues(ctx context.Context) ([]Issue, error)
	ListOpenPRs(ctx context.Context) ([]PR, error)
	PRHealth(ctx context.Context, number int) (*Health, error)
	// MergePR squash-merges and deletes the head branch.
	MergePR(ctx context.Context, number int) error
	Comment(ctx context.Context, number int, body string) error
	TrunkRuns(ctx context.Context, limit int) ([]Run, error)
	RunFailureDetail(ctx context.Context, runID int64) (string, error)
}

var repoPattern = regexp.MustCompile(`^[A-Za-z0-9._-]+/[A-Za-z0-9._-]+$`)

// ValidRepo reports whether s is an owner/name repository identifier.
func ValidRepo(s string) bool {
	return repoPattern.MatchString(s)
}

var prURLPattern = regexp.MustCompile(`/pull/([0-9]+)$`)

// PRNumberFromURL extracts the PR number from a web URL, or 0.
func PRNumberFromURL(url string) int {
	m := prURLPattern.FindStringSubmatch(url)
	if m == nil {
		return 0
	}
	n, err := strconv.Atoi(m[1])
	if err != nil || n <= 0 || n >= 10_000_000 {
		return 0
	}
	return n
}
