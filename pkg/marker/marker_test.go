package marker_test

import (
	"testing"

	"gaffer/pkg/marker"
)

func TestScan_AllKinds(t *testing.T) {
	t.Parallel()

	output := `
worker log noise...
<PLAN_READY ticket="#123" path="/plans/123.md" />
<CODE_READY ticket="123" branch="gaffer/123" />
<PR_CREATED ticket="#123" pr_url="https://github.com/acme/widgets/pull/456" />
<PR_FIXED pr_number="456" ticket="#123" />
<MAIN_BUILD_FIX run_id="987654" fixed="true" />
<REVIEW_PASSED ticket="#123" iterations="2" force="false" />
<REVIEW_CHANGES_REQUESTED ticket="#123" feedback="missing tests" iteration="1" />
<BLOCKED ticket="#123" reason="no credentials" />
<ERROR ticket="#123" error="compile failure" />
more noise`

	markers, rejects := marker.Scan(output)
	if len(rejects) != 0 {
		t.Fatalf("rejects = %+v", rejects)
	}
	if len(markers) != 9 {
		t.Fatalf("got %d markers, want 9", len(markers))
	}

	if m := markers[0]; m.Kind != marker.KindPlanReady || m.Ticket != 123 || m.Path != "/plans/123.md" {
		t.Errorf("plan marker = %+v", m)
	}
	if m := markers[1]; m.Branch != "gaffer/123" {
		t.Errorf("code marker = %+v", m)
	}
	if m := markers[3]; m.PR != 456 || m.Ticket != 123 {
		t.Errorf("pr_fixed marker = %+v", m)
	}
	if m := markers[4]; m.RunID != 987654 || !m.Fixed {
		t.Errorf("main_build_fix marker = %+v", m)
	}
	if m := markers[6]; m.Feedback != "missing tests" || m.Iterations != 1 {
		t.Errorf("review_changes marker = %+v", m)
	}
	if m := markers[7]; m.Reason != "no credentials" {
		t.Errorf("blocked marker = %+v", m)
	}
}

func TestScan_RejectsMalformedValues(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		output string
	}{
		{"out-of-range ticket", `<BLOCKED ticket="#99999999" reason="x" />`},
		{"non-numeric ticket", `<BLOCKED ticket="12; rm -rf /" reason="x" />`},
		{"injection branch", `<CODE_READY ticket="#1" branch="gaffer/1; echo pwned" />`},
		{"branch without digits", `<CODE_READY ticket="#1" branch="gaffer/abc" />`},
		{"relative plan path", `<PLAN_READY ticket="#1" path="plans/1.md" />`},
		{"http pr url", `<PR_CREATED ticket="#1" pr_url="http://evil" />`},
		{"zero run id", `<MAIN_BUILD_FIX run_id="0" fixed="true" />`},
		{"blocked without reason", `<BLOCKED ticket="#1" />`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			markers, rejects := marker.Scan(tc.output)
			if len(markers) != 0 {
				t.Fatalf("markers = %+v, want none", markers)
			}
			if len(rejects) != 1 {
				t.Fatalf("rejects = %+v, want one", rejects)
			}
		})
	}
}

func TestScan_IgnoresUnknownTags(t *testing.T) {
	t.Parallel()

	markers, rejects := marker.Scan(`<THINKING done="true" /> <BR/>`)
	if len(markers) != 0 || len(rejects) != 0 {
		t.Fatalf("markers=%v rejects=%v, want none", markers, rejects)
	}
}

func TestScan_SameOutputTwiceIsStable(t *testing.T) {
	t.Parallel()

	out := `<PLAN_READY ticket="#5" path="/p/5.md" />`
	first, _ := marker.Scan(out)
	second, _ := marker.Scan(out)
	if len(first) != 1 || len(second) != 1 || first[0] != second[0] {
		t.Fatalf("scan is not deterministic: %v vs %v", first, second)
	}
}

func TestValidBranch(t *testing.T) {
	t.Parallel()

	good := []string{"gaffer/123", "ralph/9", "team.x/42"}
	bad := []string{"Gaffer/123", "gaffer/", "/123", "gaffer/12a", "gaffer/12/extra", "gaffer 12"}
	for _, b := range good {
		if !marker.ValidBranch(b) {
			t.Errorf("ValidBranch(%q) = false, want true", b)
		}
	}
	for _, b := range bad {
		if marker.ValidBranch(b) {
			t.Errorf("ValidBranch(%q) = true, want false", b)
		}
	}
}
