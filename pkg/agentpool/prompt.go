package agentpool

import (
	"fmt"
	"strings"

	"gaffer/pkg/pipeline"
)

// PromptParams carries everything a role prompt needs. Fields unused
// by a given role stay zero.
type PromptParams struct {
	Ticket     int
	Title      string
	Repo       string
	Trunk      string
	Branch     string
	PlanPath   string
	PlanDir    string
	Worktree   string
	PR         int
	Feedback   string
	Iteration  int
	ForcePass  bool
	RunID      int64
	CISummary  string
	FixReason  string
}

// section writes a markdown section to the builder.
func section(b *strings.Builder, header, body string) {
	fmt.Fprintf(b, "## %s\n\n%s\n\n", header, body)
}

func ticketRef(n int) string {
	return fmt.Sprintf("#%d", n)
}

// markerRules is the shared tail of every prompt: how to signal
// completion, blockage, and failure.
func markerRules(b *strings.Builder, ticket int) {
	section(b, "If Blocked", fmt.Sprintf(
		"If you cannot proceed (missing credentials, ambiguous requirements, "+
			"broken environment), print exactly one line and exit:\n\n"+
			"    <BLOCKED ticket=\"%s\" reason=\"<short explanation>\" />",
		ticketRef(ticket)))
	section(b, "On Unrecoverable Error", fmt.Sprintf(
		"If the task itself is impossible, print exactly one line and exit:\n\n"+
			"    <ERROR ticket=\"%s\" error=\"<what went wrong>\" />",
		ticketRef(ticket)))
	b.WriteString("## Rules\n\n")
	b.WriteString("- Print exactly one completion marker, as the last line of output.\n")
	b.WriteString("- Do not modify files outside your working directory.\n")
	b.WriteString("- Do not push to the trunk branch.\n")
}

// PlannerPrompt asks the worker to turn an issue into a plan document.
func PlannerPrompt(p PromptParams) string {
	var b strings.Builder
	section(&b, "Role", "You are a planning agent. You turn one GitHub issue into an implementation plan.")
	section(&b, "Task", fmt.Sprintf(
		"Read issue %s (%q) in repository `%s` with `gh issue view %d -R %s`. "+
			"Write an implementation plan covering approach, files to touch, and test strategy.",
		ticketRef(p.Ticket), p.Title, p.Repo, p.Ticket, p.Repo))
	section(&b, "Output", fmt.Sprintf(
		"Write the plan to `%s/%d.md` with YAML frontmatter:\n\n"+
			"    ---\n    ticket: %d\n    branch: %s\n    title: %q\n    ---\n\n"+
			"followed by the plan body in markdown.",
		p.PlanDir, p.Ticket, p.Ticket, p.Branch, p.Title))
	section(&b, "Completion", fmt.Sprintf(
		"When the plan file is written, print exactly:\n\n"+
			"    <PLAN_READY ticket=\"%s\" path=\"%s/%d.md\" />",
		ticketRef(p.Ticket), p.PlanDir, p.Ticket))
	markerRules(&b, p.Ticket)
	return b.String()
}

// DeveloperPrompt asks the worker to implement a plan in its worktree.
func DeveloperPrompt(p PromptParams) string {
	var b strings.Builder
	section(&b, "Role", "You are a development agent. You implement one planned ticket.")
	body := fmt.Sprintf(
		"Implement the plan at `%s` for ticket %s in your worktree `%s`. "+
			"Commit your work to branch `%s`.",
		p.PlanPath, ticketRef(p.Ticket), p.Worktree, p.Branch)
	if p.Feedback != "" {
		body += fmt.Sprintf(
			"\n\n> Review iteration %d. The previous review requested changes. "+
				"Address this feedback before anything else:\n>\n> %s",
			p.Iteration, p.Feedback)
	}
	section(&b, "Task", body)
	section(&b, "Git", "Use conventional commits. New commits only, no amend.")
	section(&b, "Completion", fmt.Sprintf(
		"When the implementation is committed, print exactly:\n\n"+
			"    <CODE_READY ticket=\"%s\" branch=\"%s\" />",
		ticketRef(p.Ticket), p.Branch))
	markerRules(&b, p.Ticket)
	return b.String()
}

// ReviewerPrompt asks the worker to review the ticket's branch. On the
// final permitted iteration the reviewer must pass with caveats
// instead of requesting changes again.
func ReviewerPrompt(p PromptParams) string {
	var b strings.Builder
	section(&b, "Role", "You are a review agent. You review one ticket's implementation against its plan.")
	section(&b, "Task", fmt.Sprintf(
		"Review branch `%s` in worktree `%s` against the plan at `%s`. "+
			"Check correctness, test coverage, and scope.",
		p.Branch, p.Worktree, p.PlanPath))
	if p.ForcePass {
		section(&b, "Completion", fmt.Sprintf(
			"This is the final review iteration. Note remaining concerns as "+
				"code comments or a summary, then print exactly:\n\n"+
				"    <REVIEW_PASSED ticket=\"%s\" iterations=\"%d\" force=\"true\" />",
			ticketRef(p.Ticket), p.Iteration))
	} else {
		section(&b, "Completion", fmt.Sprintf(
			"If the implementation is acceptable, print exactly:\n\n"+
				"    <REVIEW_PASSED ticket=\"%s\" iterations=\"%d\" force=\"false\" />\n\n"+
				"If changes are needed, print exactly:\n\n"+
				"    <REVIEW_CHANGES_REQUESTED ticket=\"%s\" feedback=\"<specific actionable items>\" iteration=\"%d\" />",
			ticketRef(p.Ticket), p.Iteration, ticketRef(p.Ticket), p.Iteration))
	}
	markerRules(&b, p.Ticket)
	return b.String()
}

// TesterPrompt asks the worker to run the test suite and open a PR.
func TesterPrompt(p PromptParams) string {
	var b strings.Builder
	section(&b, "Role", "You are a test-and-publish agent. You validate one reviewed ticket and open its pull request.")
	section(&b, "Task", fmt.Sprintf(
		"In worktree `%s`: run the full test suite on branch `%s`. Fix any "+
			"failures. Then push the branch and open a pull request against `%s` "+
			"with `gh pr create -R %s --title %q --body-file <summary>`.",
		p.Worktree, p.Branch, p.Trunk, p.Repo, fmt.Sprintf("%s (#%d)", p.Title, p.Ticket)))
	section(&b, "Completion", fmt.Sprintf(
		"When the PR exists, print exactly:\n\n"+
			"    <PR_CREATED ticket=\"%s\" pr_url=\"<the https URL gh printed>\" />",
		ticketRef(p.Ticket)))
	markerRules(&b, p.Ticket)
	return b.String()
}

// FixerPrompt asks the worker to repair a failing or rejected PR.
func FixerPrompt(p PromptParams) string {
	var b strings.Builder
	section(&b, "Role", "You are a fix agent. You repair one pull request.")
	var why string
	switch p.FixReason {
	case "ci_failing":
		why = fmt.Sprintf("CI is failing on PR #%d. Failure summary:\n\n%s", p.PR, p.CISummary)
	case "changes_requested":
		why = fmt.Sprintf("Reviewers requested changes on PR #%d:\n\n%s", p.PR, p.Feedback)
	default:
		why = fmt.Sprintf("PR #%d needs attention:\n\n%s", p.PR, p.CISummary)
	}
	section(&b, "Task", fmt.Sprintf(
		"%s\n\nIn worktree `%s` on branch `%s`: fix the problem, commit, and push.",
		why, p.Worktree, p.Branch))
	section(&b, "Completion", fmt.Sprintf(
		"When the fix is pushed, print exactly:\n\n"+
			"    <PR_FIXED pr_number=\"%d\" ticket=\"%s\" />",
		p.PR, ticketRef(p.Ticket)))
	markerRules(&b, p.Ticket)
	return b.String()
}

// TrunkRepairPrompt asks the worker to fix a failing trunk build. The
// marker is keyed by CI run id, not ticket.
func TrunkRepairPrompt(p PromptParams) string {
	var b strings.Builder
	section(&b, "Role", "You are a build-repair agent. The trunk branch is failing CI and nothing else proceeds until it is green.")
	section(&b, "Task", fmt.Sprintf(
		"CI run %d failed on `%s` of `%s`. Failure summary:\n\n%s\n\n"+
			"In worktree `%s`: reproduce the failure, fix it, commit, and push "+
			"the fix to `%s` directly.",
		p.RunID, p.Trunk, p.Repo, p.CISummary, p.Worktree, p.Trunk))
	section(&b, "Completion", fmt.Sprintf(
		"When the fix is pushed, print exactly:\n\n"+
			"    <MAIN_BUILD_FIX run_id=\"%d\" fixed=\"true\" />\n\n"+
			"If you conclude the failure is not fixable from the code "+
			"(infrastructure flake, external outage), print exactly:\n\n"+
			"    <MAIN_BUILD_FIX run_id=\"%d\" fixed=\"false\" />",
		p.RunID, p.RunID))
	b.WriteString("## Rules\n\n")
	b.WriteString("- Print exactly one completion marker, as the last line of output.\n")
	b.WriteString("- Keep the fix minimal; this is repair, not feature work.\n")
	return b.String()
}

// PromptFor dispatches to the role's builder.
func PromptFor(role pipeline.Role, p PromptParams) string {
	switch role {
	case pipeline.RolePlanner:
		return PlannerPrompt(p)
	case pipeline.RoleDeveloper:
		return DeveloperPrompt(p)
	case pipeline.RoleReviewer:
		return ReviewerPrompt(p)
	case pipeline.RoleTester:
		return TesterPrompt(p)
	case pipeline.RoleFixer:
		return FixerPrompt(p)
	default:
		return ""
	}
}
