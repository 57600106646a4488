package opamci

import (
	"fmt"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestFlattenSkipsSkipNodes(t *testing.T) {
	tree := NewStageTree()
	build := tree.AddLeaf(tree.Root(), "lwt/debian-12-ocaml-5.2")
	tree.Resolve(build, Failure("exit status 2"), "job-1")
	tree.AddSkip(tree.Root())

	want := []StageResult{
		{Label: "lwt/debian-12-ocaml-5.2", Outcome: Failure("exit status 2"), JobID: "job-1"},
	}
	if diff := cmp.Diff(want, tree.Flatten()); diff != "" {
		t.Errorf("Flatten() mismatch (-want +got):\n%s", diff)
	}
}

func TestFlattenRecursesIntoDynamicNodes(t *testing.T) {
	tree := NewStageTree()
	build := tree.AddLeaf(tree.Root(), "lwt/debian-12-ocaml-5.2")
	tree.Resolve(build, Success, "job-1")

	revdeps := tree.AddDynamic(tree.Root())
	inner := tree.AddDynamic(revdeps)
	r1 := tree.AddLeaf(inner, "cohttp/debian-12-ocaml-5.2")
	tree.Resolve(r1, Success, "job-2")
	r2 := tree.AddLeaf(inner, "dream/debian-12-ocaml-5.2")

	got := tree.Flatten()
	want := []StageResult{
		{Label: "lwt/debian-12-ocaml-5.2", Outcome: Success, JobID: "job-1"},
		{Label: "cohttp/debian-12-ocaml-5.2", Outcome: Success, JobID: "job-2"},
		{Label: "dream/debian-12-ocaml-5.2", Outcome: Pending},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Flatten() mismatch (-want +got):\n%s", diff)
	}
	_ = r2
}

func TestUnresolvedLeafIsPending(t *testing.T) {
	tree := NewStageTree()
	tree.AddLeaf(tree.Root(), "a")

	res := tree.Flatten()
	if len(res) != 1 || res[0].Outcome.Kind != OutcomePending {
		t.Fatalf("expected one pending result, got %+v", res)
	}
}

func TestConcurrentGrowthAndResolution(t *testing.T) {
	tree := NewStageTree()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sub := tree.AddDynamic(tree.Root())
			leaf := tree.AddLeaf(sub, fmt.Sprintf("pkg-%d/debian-12-ocaml-5.2", i))
			tree.Resolve(leaf, Success, fmt.Sprintf("job-%d", i))
		}(i)
	}
	wg.Wait()

	res := tree.Flatten()
	if len(res) != 50 {
		t.Fatalf("expected 50 results, got %d", len(res))
	}
	for _, r := range res {
		if r.Outcome.Kind != OutcomeSuccess {
			t.Errorf("stage %s: expected success, got %s", r.Label, r.Outcome)
		}
	}
}

func TestSoftFailureDetection(t *testing.T) {
	tests := []struct {
		Outcome Outcome
		Want    bool
	}{
		{Failure("[SKIP] platform unsupported"), true},
		{Failure("exit status 1"), false},
		{Success, false},
		{Pending, false},
	}
	for _, test := range tests {
		if got := test.Outcome.SoftFailure(); got != test.Want {
			t.Errorf("SoftFailure(%v) = %v, want %v", test.Outcome, got, test.Want)
		}
	}
}
