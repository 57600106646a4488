package opamci

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/opamci/opamci/pkg/opamci/cache"
)

type fakeSource struct {
	commit string
	dir    string
}

func (f *fakeSource) Resolve(ctx context.Context, ref string) (string, error) { return f.commit, nil }
func (f *fakeSource) Checkout(ctx context.Context, commit string) (string, error) {
	return f.dir, nil
}

type fakeAnalyzer struct {
	analysis *Analysis
	err      error
}

func (f *fakeAnalyzer) Analyze(ctx context.Context, dir string) (*Analysis, error) {
	return f.analysis, f.err
}

type fakeResolver struct{}

func (fakeResolver) ResolveDigest(ctx context.Context, ref string) (string, error) {
	return ref + "@sha256:0000", nil
}

// fakeRunner scripts the outcome of builds by inspecting the scripts it
// is handed.
type fakeRunner struct {
	mu sync.Mutex
	// scriptErr returns the error for a script, nil for success.
	scriptErr func(script string) error
	// discovery is returned for every RunCommand call.
	discovery string
	scripts   []string
}

func (f *fakeRunner) RunScript(ctx context.Context, spec RunSpec) (cache.Artifact, string, error) {
	f.mu.Lock()
	f.scripts = append(f.scripts, spec.Script)
	f.mu.Unlock()

	if f.scriptErr != nil {
		if err := f.scriptErr(spec.Script); err != nil {
			return "", "job-failed", err
		}
	}
	return cache.Artifact(spec.Tag), "job-ok", nil
}

func (f *fakeRunner) RunCommand(ctx context.Context, artifact cache.Artifact, args ...string) (string, error) {
	return f.discovery, nil
}

func testConfig() Config {
	return Config{
		Repo:      "https://example.com/opam-repository.git",
		ImageRepo: "ocaml/opam",
		Matrix: Matrix{
			PrimaryDistro:   "debian-12",
			Compilers:       []string{"5.2"},
			DefaultCompiler: "5.2",
		},
		Builders: map[string]BuilderConfig{
			"test": {Slots: 2, Timeout: time.Minute},
		},
		Cache: CacheConfig{PullWindow: 7 * 24 * time.Hour},
	}
}

func testPipeline(cfg Config, runner ProcessRunner, analyzer Analyzer) *Pipeline {
	return &Pipeline{
		Config:   cfg,
		Source:   &fakeSource{commit: "c0ffee", dir: "/tmp/checkout"},
		Analyzer: analyzer,
		Runner:   runner,
		Images:   fakeResolver{},
		Store:    cache.NewStore(),
		Pool:     NewBuildPool("test", 2),
		Reporter: NoopReporter{},
	}
}

func stageByLabel(results []StageResult, label string) (StageResult, bool) {
	for _, r := range results {
		if r.Label == label {
			return r, true
		}
	}
	return StageResult{}, false
}

// recordingReporter captures completion events for assertions.
type recordingReporter struct {
	NoopReporter
	mu       sync.Mutex
	finished map[string]Outcome
}

func (r *recordingReporter) StageFinished(label string, outcome Outcome) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.finished == nil {
		r.finished = make(map[string]Outcome)
	}
	r.finished[label] = outcome
}

func TestRunAnalysisFailureYieldsSingleStage(t *testing.T) {
	analyzer := &fakeAnalyzer{err: &AnalysisError{Reason: "no opam manifests found"}}
	p := testPipeline(testConfig(), &fakeRunner{}, analyzer)

	tree, summary, err := p.Run(context.Background(), "HEAD")
	require.NoError(t, err)

	results := tree.Flatten()
	require.Len(t, results, 1)
	require.Equal(t, OutcomeFailure, results[0].Outcome.Kind)
	require.Equal(t, VerdictFailure, summary.Verdict)
	require.Contains(t, summary.Message, "no opam manifests found")
}

func TestRunHappyPath(t *testing.T) {
	analyzer := &fakeAnalyzer{analysis: &Analysis{Packages: []string{"lwt"}, Digest: "d1"}}
	p := testPipeline(testConfig(), &fakeRunner{}, analyzer)

	tree, summary, err := p.Run(context.Background(), "HEAD")
	require.NoError(t, err)
	require.Equal(t, VerdictSuccess, summary.Verdict)

	results := tree.Flatten()
	base, ok := stageByLabel(results, "lwt/debian-12-ocaml-5.2")
	require.True(t, ok, "base stage missing")
	require.Equal(t, OutcomeSuccess, base.Outcome.Kind)

	tests, ok := stageByLabel(results, "lwt/debian-12-ocaml-5.2 (tests)")
	require.True(t, ok, "tests stage missing")
	require.Equal(t, OutcomeSuccess, tests.Outcome.Kind)

	lint, ok := stageByLabel(results, "lwt/debian-12-ocaml-5.2-lint")
	require.True(t, ok, "lint stage missing")
	require.True(t, lint.Checked, "lint stage must be advisory")

	// the lint stage does not count towards success
	require.Equal(t, 2, summary.Successes)
}

func TestRunServesUnchangedCommitFromCache(t *testing.T) {
	runner := &fakeRunner{}
	analyzer := &fakeAnalyzer{analysis: &Analysis{Packages: []string{"lwt"}, Digest: "d1"}}
	p := testPipeline(testConfig(), runner, analyzer)

	_, summary, err := p.Run(context.Background(), "HEAD")
	require.NoError(t, err)
	require.Equal(t, VerdictSuccess, summary.Verdict)
	firstRun := len(runner.scripts)
	require.NotZero(t, firstRun)

	_, summary, err = p.Run(context.Background(), "HEAD")
	require.NoError(t, err)
	require.Equal(t, VerdictSuccess, summary.Verdict)

	require.Equal(t, firstRun, len(runner.scripts),
		"an unchanged commit must be served from the cache, but %d builds executed again", len(runner.scripts)-firstRun)
}

func TestRunReportsEveryStageFinished(t *testing.T) {
	analyzer := &fakeAnalyzer{analysis: &Analysis{Packages: []string{"lwt"}, Digest: "d1"}}
	p := testPipeline(testConfig(), &fakeRunner{}, analyzer)
	reporter := &recordingReporter{}
	p.Reporter = reporter

	tree, _, err := p.Run(context.Background(), "HEAD")
	require.NoError(t, err)

	for _, res := range tree.Flatten() {
		outcome, ok := reporter.finished[res.Label]
		require.True(t, ok, "stage %s finished without a reporter event", res.Label)
		require.Equal(t, res.Outcome, outcome, "stage %s", res.Label)
	}
}

func TestRunBuildFailureSkipsTests(t *testing.T) {
	runner := &fakeRunner{
		scriptErr: func(script string) error {
			if strings.Contains(script, "opam lint") {
				return nil
			}
			return &ExecError{Class: FailureExit, ExitCode: 1, Message: "exit status 1"}
		},
	}
	analyzer := &fakeAnalyzer{analysis: &Analysis{Packages: []string{"lwt"}, Digest: "d1"}}
	p := testPipeline(testConfig(), runner, analyzer)

	tree, summary, err := p.Run(context.Background(), "HEAD")
	require.NoError(t, err)
	require.Equal(t, VerdictFailure, summary.Verdict)

	results := tree.Flatten()
	if _, ok := stageByLabel(results, "lwt/debian-12-ocaml-5.2 (tests)"); ok {
		t.Error("tests stage must not exist when the base build failed")
	}

	// no test script must have run
	for _, s := range runner.scripts {
		require.NotContains(t, s, "--with-test")
	}

	// the unbuilt tests, lint and revdep stages stay visible as Skip nodes
	var skips int
	tree.Walk(func(id NodeID, label string, outcome Outcome, skip, dynamic bool, depth int) {
		if skip {
			skips++
		}
	})
	require.Equal(t, 3, skips, "expected Skip nodes for tests, lint and revdep discovery")
}

func TestNewPipelineRejectsMultipleBuilders(t *testing.T) {
	cfg := testConfig()
	cfg.Builders["linux-arm64"] = BuilderConfig{Slots: 4, Timeout: time.Minute}

	_, err := NewPipeline(cfg)
	require.Error(t, err)
	require.Contains(t, err.Error(), "multiple builders")
}

func TestNewPipelineUsesConfiguredBuilder(t *testing.T) {
	p, err := NewPipeline(testConfig())
	require.NoError(t, err)
	require.Equal(t, "test", p.Pool.Builder())
}

func TestRunSoftFailure(t *testing.T) {
	runner := &fakeRunner{
		scriptErr: func(script string) error {
			if strings.Contains(script, "opam lint") {
				return nil
			}
			return &ExecError{Class: FailureExit, ExitCode: skipExitCode, Message: SkipMarker + " package not available on this platform"}
		},
	}
	analyzer := &fakeAnalyzer{analysis: &Analysis{Packages: []string{"lwt"}, Digest: "d1"}}
	p := testPipeline(testConfig(), runner, analyzer)

	_, summary, err := p.Run(context.Background(), "HEAD")
	require.NoError(t, err)

	// nothing succeeded and all failures are soft: still a failure
	require.Equal(t, VerdictFailure, summary.Verdict)
	require.NotZero(t, summary.SoftFailures)
	require.Contains(t, summary.Message, SkipMarker)
}

func TestRunExpandsRevdeps(t *testing.T) {
	runner := &fakeRunner{discovery: "cohttp\n\nirmin\n"}
	analyzer := &fakeAnalyzer{analysis: &Analysis{Packages: []string{"lwt"}, Digest: "d1"}}
	p := testPipeline(testConfig(), runner, analyzer)

	tree, summary, err := p.Run(context.Background(), "HEAD")
	require.NoError(t, err)
	require.Equal(t, VerdictSuccess, summary.Verdict)

	results := tree.Flatten()
	for _, label := range []string{
		"cohttp/debian-12-ocaml-5.2",
		"cohttp/debian-12-ocaml-5.2 (tests)",
		"irmin/debian-12-ocaml-5.2",
		"irmin/debian-12-ocaml-5.2 (tests)",
	} {
		res, ok := stageByLabel(results, label)
		require.True(t, ok, "stage %s missing", label)
		require.Equal(t, OutcomeSuccess, res.Outcome.Kind, "stage %s", label)
	}
}

func TestRunExclusionsProduceNoStages(t *testing.T) {
	cfg := testConfig()
	cfg.Matrix.Exclusions = []Exclusion{{Package: "mirage"}}
	analyzer := &fakeAnalyzer{analysis: &Analysis{Packages: []string{"lwt", "mirage"}, Digest: "d1"}}
	p := testPipeline(cfg, &fakeRunner{}, analyzer)

	tree, summary, err := p.Run(context.Background(), "HEAD")
	require.NoError(t, err)
	require.Equal(t, VerdictSuccess, summary.Verdict)

	for _, r := range tree.Flatten() {
		require.NotContains(t, r.Label, "mirage")
	}
}
