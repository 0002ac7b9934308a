package forge

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Per-call timeouts. Remote calls are the only legitimate suspension
// points in an iteration; a timeout fails the sub-operation, never the
// whole iteration.
const (
	queryTimeout  = 15 * time.Second
	mutateTimeout = 30 * time.Second
)

// GitHub implements Forge on top of the gh CLI.
type GitHub struct {
	repo   string
	trunk  string
	runner CommandRunner
}

// NewGitHub creates a GitHub forge for the given owner/name repository.
func NewGitHub(repo, trunk string, runner CommandRunner) (*GitHub, error) {
	if !ValidRepo(repo) {
		return nil, fmt.Errorf("invalid repository identifier %q", repo)
	}
	if trunk == "" {
		trunk = "main"
	}
	return &GitHub{repo: repo, trunk: trunk, runner: runner}, nil
}

// ListOpenIssues returns open issues, oldest first.
func (g *GitHub) ListOpenIssues(ctx context.Context) ([]Issue, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	out, err := g.runner.Run(ctx, "gh", "issue", "list",
		"-R", g.repo,
		"--state", "open",
		"--limit", "100",
		"--json", "number,title,createdAt")
	if err != nil {
		return nil, fmt.Errorf("gh issue list: %w", err)
	}

	var issues []Issue
	if err := json.Unmarshal(out, &issues); err != nil {
		return nil, fmt.Errorf("decode issue list: %w", err)
	}
	// gh returns newest first; intake is FIFO by creation time.
	for i, j := 0, len(issues)-1; i < j; i, j = i+1, j-1 {
		issues[i], issues[j] = issues[j], issues[i]
	}
	return issues, nil
}

// ListOpenPRs returns every open pull request.
func (g *GitHub) ListOpenPRs(ctx context.Context) ([]PR, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	out, err := g.runner.Run(ctx, "gh", "pr", "list",
		"-R", g.repo,
		"--state", "open",
		"--limit", "100",
		"--json", "number,title,url,headRefName")
	if err != nil {
		return nil, fmt.Errorf("gh pr list: %w", err)
	}

	var prs []PR
	if err := json.Unmarshal(out, &prs); err != nil {
		return nil, fmt.Errorf("decode pr list: %w", err)
	}
	return prs, nil
}

// ghCheck mirrors one entry of gh's statusCheckRollup. Check runs carry
// status/conclusion; classic status contexts carry state.
type ghCheck struct {
	Name       string `json:"name"`
	Context    string `json:"context"`
	Status     string `json:"status"`
	Conclusion string `json:"conclusion"`
	State      string `json:"state"`
}

// ghPRView mirrors the fields we care about from `gh pr view --json`.
type ghPRView struct {
	Number            int       `json:"number"`
	HeadRefName       string    `json:"headRefName"`
	ReviewDecision    string    `json:"reviewDecision"`
	StatusCheckRollup []ghCheck `json:"statusCheckRollup"`
	Comments          []struct {
		Body string `json:"body"`
	} `json:"comments"`
	Reviews []struct {
		Body string `json:"body"`
	} `json:"reviews"`
}

// PRHealth fetches one PR's review decision, check rollup, and comment
// bodies.
func (g *GitHub) PRHealth(ctx context.Context, number int) (*Health, error) {
	if err := checkID(number); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	out, err := g.runner.Run(ctx, "gh", "pr", "view", strconv.Itoa(number),
		"-R", g.repo,
		"--json", "number,headRefName,reviewDecision,statusCheckRollup,comments,reviews")
	if err != nil {
		return nil, fmt.Errorf("gh pr view %d: %w", number, err)
	}

	var view ghPRView
	if err := json.Unmarshal(out, &view); err != nil {
		return nil, fmt.Errorf("decode pr view %d: %w", number, err)
	}

	h := &Health{
		Number:         view.Number,
		HeadBranch:     view.HeadRefName,
		ReviewDecision: mapReviewDecision(view.ReviewDecision),
	}
	h.CIStatus, h.FailedChecks = rollupStatus(view.StatusCheckRollup)
	for _, c := range view.Comments {
		h.Comments = append(h.Comments, c.Body)
	}
	for _, r := range view.Reviews {
		h.Comments = append(h.Comments, r.Body)
	}
	return h, nil
}

// MergePR squash-merges the PR and deletes its branch.
func (g *GitHub) MergePR(ctx context.Context, number int) error {
	if err := checkID(number); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, mutateTimeout)
	defer cancel()

	_, err := g.runner.Run(ctx, "gh", "pr", "merge", strconv.Itoa(number),
		"-R", g.repo,
		"--squash", "--delete-branch")
	if err != nil {
		return fmt.Errorf("gh pr merge %d: %w", number, err)
	}
	return nil
}

// Comment posts body on the PR. The body is passed as a single argv
// element, never through a shell.
func (g *GitHub) Comment(ctx context.Context, number int, body string) error {
	if err := checkID(number); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, mutateTimeout)
	defer cancel()

	_, err := g.runner.Run(ctx, "gh", "pr", "comment", strconv.Itoa(number),
		"-R", g.repo,
		"--body", body)
	if err != nil {
		return fmt.Errorf("gh pr comment %d: %w", number, err)
	}
	return nil
}

// TrunkRuns lists recent CI runs on the trunk branch, newest first.
func (g *GitHub) TrunkRuns(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 || limit > 100 {
		limit = 10
	}
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	out, err := g.runner.Run(ctx, "gh", "run", "list",
		"-R", g.repo,
		"--branch", g.trunk,
		"--limit", strconv.Itoa(limit),
		"--json", "databaseId,name,status,conclusion,url")
	if err != nil {
		return nil, fmt.Errorf("gh run list: %w", err)
	}

	var runs []Run
	if err := json.Unmarshal(out, &runs); err != nil {
		return nil, fmt.Errorf("decode run list: %w", err)
	}
	return runs, nil
}

// ghRunJobs mirrors `gh run view --json jobs`.
type ghRunJobs struct {
	Jobs []struct {
		Name       string `json:"name"`
		Conclusion string `json:"conclusion"`
		Steps      []struct {
			Name       string `json:"name"`
			Conclusion string `json:"conclusion"`
		} `json:"steps"`
	} `json:"jobs"`
}

// RunFailureDetail summarizes the failed jobs and steps of a CI run. The
// summary goes verbatim into repair prompts, so keep it short and
// structured.
func (g *GitHub) RunFailureDetail(ctx context.Context, runID int64) (string, error) {
	if runID <= 0 {
		return "", fmt.Errorf("invalid run id %d", runID)
	}
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	out, err := g.runner.Run(ctx, "gh", "run", "view", strconv.FormatInt(runID, 10),
		"-R", g.repo,
		"--json", "jobs")
	if err != nil {
		return "", fmt.Errorf("gh run view %d: %w", runID, err)
	}

	var view ghRunJobs
	if err := json.Unmarshal(out, &view); err != nil {
		return "", fmt.Errorf("decode run view %d: %w", runID, err)
	}

	var b strings.Builder
	for _, job := range view.Jobs {
		if job.Conclusion != "failure" {
			continue
		}
		fmt.Fprintf(&b, "job %q failed\n", job.Name)
		for _, step := range job.Steps {
			if step.Conclusion == "failure" {
				fmt.Fprintf(&b, "  step %q failed\n", step.Name)
			}
		}
	}
	if b.Len() == 0 {
		return fmt.Sprintf("run %d failed (no per-job detail available)", runID), nil
	}
	return strings.TrimRight(b.String(), "\n"), nil
}

// checkID rejects out-of-range PR/issue numbers before they reach argv.
func checkID(n int) error {
	if n <= 0 || n >= 10_000_000 {
		return fmt.Errorf("id %d out of range", n)
	}
	return nil
}

// mapReviewDecision maps GitHub's reviewDecision strings to ours.
func mapReviewDecision(s string) string {
	switch s {
	case "APPROVED":
		return ReviewApproved
	case "CHANGES_REQUESTED":
		return ReviewChangesRequested
	default:
		return ReviewNone
	}
}

// rollupStatus aggregates the check rollup: any failing check forces
// failing regardless of everything else; otherwise any unfinished check
// means pending.
func rollupStatus(checks []ghCheck) (string, []string) {
	status := CIPassing
	var failed []string
	pending := false
	for _, c := range checks {
		name := c.Name
		if name == "" {
			name = c.Context
		}
		switch {
		case c.Conclusion == "FAILURE" || c.Conclusion == "ERROR" ||
			c.State == "FAILURE" || c.State == "ERROR":
			failed = append(failed, name)
		case c.Status == "IN_PROGRESS" || c.Status == "QUEUED" ||
			c.Status == "PENDING" || c.State == "PENDING":
			pending = true
		}
	}
	if len(failed) > 0 {
		return CIFailing, failed
	}
	if pending {
		return CIPending, nil
	}
	return status, nil
}
