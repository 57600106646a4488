package opamci

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
	"golang.org/x/xerrors"

	"github.com/opamci/opamci/pkg/opamci/cache"
	"github.com/opamci/opamci/pkg/opamci/telemetry"
)

// Pipeline evaluates one commit of a package repository to a stage tree.
// All collaborators are interfaces so tests can substitute them.
type Pipeline struct {
	Config   Config
	Source   SourceProvider
	Analyzer Analyzer
	Runner   ProcessRunner
	Images   ImageResolver
	Store    *cache.Store
	Pool     *BuildPool
	Reporter Reporter
	Status   StatusReporter
}

// NewPipeline assembles a pipeline from cfg with the default
// collaborators. All builds run on a single builder; configs declaring
// more than one are rejected rather than having all but one limit
// silently ignored.
func NewPipeline(cfg Config, opts ...cache.StoreOption) (*Pipeline, error) {
	if len(cfg.Builders) > 1 {
		names := make([]string, 0, len(cfg.Builders))
		for name := range cfg.Builders {
			names = append(names, name)
		}
		sort.Strings(names)
		return nil, xerrors.Errorf("multiple builders configured (%s) - builds run on a single builder", strings.Join(names, ", "))
	}

	pool := NewBuildPool("local", 1)
	for name, b := range cfg.Builders {
		pool = NewBuildPool(name, b.Slots)
	}

	return &Pipeline{
		Config:   cfg,
		Source:   &GitProvider{Remote: cfg.Repo},
		Analyzer: OpamAnalyzer{},
		Runner:   &DockerRunner{},
		Images:   RegistryResolver{},
		Store:    cache.NewStore(opts...),
		Pool:     pool,
		Reporter: NoopReporter{},
	}, nil
}

// evaluation carries the per-run state shared by all stage builds.
type evaluation struct {
	commit   string
	workdir  string
	analysis *Analysis
	tree     *StageTree
}

// Run evaluates ref and returns the resulting stage tree and its
// aggregation. The returned error covers infrastructure trouble only;
// build failures land in the tree.
func (p *Pipeline) Run(ctx context.Context, ref string) (tree *StageTree, summary Summary, err error) {
	ctx, span := telemetry.StartSpan(ctx, "opamci.pipeline", attribute.String("ref", ref))
	defer telemetry.FinishSpan(span, &err)

	commit, err := p.Source.Resolve(ctx, ref)
	if err != nil {
		return nil, Summary{}, xerrors.Errorf("cannot resolve %s: %w", ref, err)
	}
	span.SetAttributes(attribute.String("commit", commit))

	workdir, err := p.Source.Checkout(ctx, commit)
	if err != nil {
		return nil, Summary{}, xerrors.Errorf("cannot check out %s: %w", commit, err)
	}

	p.Store.NewRun()

	tree = NewStageTree()
	ev := &evaluation{commit: commit, workdir: workdir, tree: tree}

	analysis, err := p.Analyzer.Analyze(ctx, workdir)
	if err != nil {
		var aerr *AnalysisError
		if !errors.As(err, &aerr) {
			return nil, Summary{}, xerrors.Errorf("analysis failed: %w", err)
		}

		// A repository we cannot analyze still gets a verdict: a single
		// failing stage carrying the analysis error.
		leaf := tree.AddLeaf(tree.Root(), "analysis")
		tree.Resolve(leaf, Failure(aerr.Error()), "")
		summary = p.finish(ctx, commit, tree)
		return tree, summary, nil
	}
	ev.analysis = analysis

	variants := p.Config.Matrix.Expand()
	labels := make([]string, 0, len(variants)*len(analysis.Packages))
	for _, v := range variants {
		for _, pkg := range analysis.Packages {
			if p.Config.Matrix.Excluded(v, pkg) {
				continue
			}
			labels = append(labels, pkg+LabelSeparator+v.Label())
		}
	}
	p.Reporter.PipelineStarted(commit, labels)

	eg, gctx := errgroup.WithContext(ctx)
	for _, v := range variants {
		for _, pkg := range analysis.Packages {
			if p.Config.Matrix.Excluded(v, pkg) {
				tree.AddSkip(tree.Root())
				continue
			}

			v, pkg := v, pkg
			eg.Go(func() error {
				return p.buildPackage(gctx, ev, tree.Root(), v, pkg, "")
			})
		}
	}
	if werr := eg.Wait(); werr != nil && ctx.Err() == nil {
		return tree, Summary{}, werr
	}

	summary = p.finish(ctx, commit, tree)
	return tree, summary, nil
}

func (p *Pipeline) finish(ctx context.Context, commit string, tree *StageTree) Summary {
	summary := Aggregate(tree.Flatten())
	p.Reporter.PipelineFinished(commit, summary)
	PublishStatus(ctx, p.Status, commit, summary, "")
	return summary
}

// buildPackage runs the full stage chain for one (variant, package)
// pair under parent: the base build, then on success the tests stage,
// the lint stage on the primary variant, and revdep expansion on
// revdep-eligible variants. Revdep builds recurse here with revdep set;
// they never re-discover.
func (p *Pipeline) buildPackage(ctx context.Context, ev *evaluation, parent NodeID, v Variant, pkg, revdep string) error {
	tree := ev.tree

	base, err := p.pinnedBaseImage(ctx, v)
	if err != nil {
		label := (&BuildKey{Variant: v.Label(), Package: pkg, Revdep: revdep}).Label()
		leaf := tree.AddLeaf(parent, label)
		if ctx.Err() != nil {
			return nil
		}
		p.resolve(tree, leaf, label, Failure(fmt.Sprintf("cannot resolve base image: %s", err)), "")
		p.skipUnbuilt(tree, parent, v, revdep)
		return nil
	}

	key := &BuildKey{
		Commit:         ev.commit,
		Repo:           p.Config.Repo,
		BaseImage:      base,
		Variant:        v.Label(),
		AnalysisDigest: ev.analysis.Digest,
		Revdep:         revdep,
		Package:        pkg,
	}

	leaf := tree.AddLeaf(parent, key.Label())
	artifact, jobID, err := p.build(ctx, ev, key, v)
	if err != nil {
		if ctx.Err() != nil {
			// superseded or shut down; the leaf stays pending
			return nil
		}
		p.resolve(tree, leaf, key.Label(), failureOutcome(err), jobID)
		p.skipUnbuilt(tree, parent, v, revdep)
		return nil
	}
	p.resolve(tree, leaf, key.Label(), Success, jobID)

	testKey := *key
	testKey.WithTests = true
	testLeaf := tree.AddLeaf(parent, testKey.Label())
	_, testJobID, err := p.build(ctx, ev, &testKey, v)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		p.resolve(tree, testLeaf, testKey.Label(), failureOutcome(err), testJobID)
	} else {
		p.resolve(tree, testLeaf, testKey.Label(), Success, testJobID)
	}

	if revdep == "" && p.lintsOn(v) {
		p.lint(ctx, ev, parent, v, pkg, base)
	}

	if revdep == "" && v.Revdeps {
		return p.expandRevdeps(ctx, ev, parent, v, pkg, artifact)
	}
	return nil
}

// resolve records a stage outcome and tells the reporter about it.
func (p *Pipeline) resolve(tree *StageTree, id NodeID, label string, outcome Outcome, jobID string) {
	tree.Resolve(id, outcome, jobID)
	p.Reporter.StageFinished(label, outcome)
}

// lintsOn reports whether the lint stage runs on this variant. Linting
// once on the primary default-compiler variant is enough; the manifest
// text does not vary by platform.
func (p *Pipeline) lintsOn(v Variant) bool {
	return v.Distro == p.Config.Matrix.PrimaryDistro && v.Compiler == p.Config.Matrix.DefaultCompiler
}

// skipUnbuilt records the stages a successful base build would have
// spawned as Skip nodes. The tree keeps its full shape so renderings
// show what did not run instead of dropping it.
func (p *Pipeline) skipUnbuilt(tree *StageTree, parent NodeID, v Variant, revdep string) {
	// tests
	tree.AddSkip(parent)
	if revdep == "" && p.lintsOn(v) {
		// lint
		tree.AddSkip(parent)
	}
	if revdep == "" && v.Revdeps {
		// revdep discovery
		tree.AddSkip(parent)
	}
}

// build resolves one build key through the store, executing the docker
// build under a pool slot on a miss.
func (p *Pipeline) build(ctx context.Context, ev *evaluation, key *BuildKey, v Variant) (cache.Artifact, string, error) {
	label := key.Label()
	return p.Store.Get(ctx, key, cache.GetOptions{
		Slot: label,
		// package build results stay valid until process restart
		ValidFor: cache.Forever,
		Build: func(ctx context.Context) (res cache.Artifact, jobID string, err error) {
			ctx, span := telemetry.StartSpan(ctx, "opamci.stage",
				attribute.String("stage", label),
				attribute.String("digest", key.Digest()),
			)
			defer telemetry.FinishSpan(span, &err)

			p.Reporter.StageStarted(label)
			script := GenerateDockerfile(key.BaseImage, v, key.Revdep, key.WithTests, key.Package)

			err = p.Pool.Run(ctx, p.timeout(), func(ctx context.Context) error {
				var rerr error
				res, jobID, rerr = p.Runner.RunScript(ctx, RunSpec{
					Script:  script,
					WorkDir: ev.workdir,
					Tag:     imageTag(key),
					Log:     &stageLogWriter{reporter: p.Reporter, label: label},
				})
				return rerr
			})
			return res, jobID, err
		},
	})
}

// lint runs the format check stage. Its outcome is advisory: it can
// fail or stall the commit but never counts towards success.
func (p *Pipeline) lint(ctx context.Context, ev *evaluation, parent NodeID, v Variant, pkg, base string) {
	key := &BuildKey{
		Commit:         ev.commit,
		Repo:           p.Config.Repo,
		BaseImage:      base,
		Variant:        v.Label() + "-lint",
		AnalysisDigest: ev.analysis.Digest,
		Package:        pkg,
	}
	leaf := ev.tree.AddCheckedLeaf(parent, key.Label())

	_, jobID, err := p.Store.Get(ctx, key, cache.GetOptions{
		Slot:     key.Label(),
		ValidFor: cache.Forever,
		Build: func(ctx context.Context) (res cache.Artifact, jobID string, err error) {
			err = p.Pool.Run(ctx, p.timeout(), func(ctx context.Context) error {
				var rerr error
				res, jobID, rerr = p.Runner.RunScript(ctx, RunSpec{
					Script:  GenerateLintScript(key.BaseImage, pkg),
					WorkDir: ev.workdir,
					Tag:     imageTag(key),
					Log:     &stageLogWriter{reporter: p.Reporter, label: key.Label()},
				})
				return rerr
			})
			return res, jobID, err
		},
	})
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		p.resolve(ev.tree, leaf, key.Label(), failureOutcome(err), jobID)
		return
	}
	p.resolve(ev.tree, leaf, key.Label(), Success, jobID)
}

// expandRevdeps asks the built image for the package's reverse
// dependencies and grows one dynamic subtree per discovered name.
func (p *Pipeline) expandRevdeps(ctx context.Context, ev *evaluation, parent NodeID, v Variant, pkg string, artifact cache.Artifact) error {
	out, err := p.Runner.RunCommand(ctx, artifact,
		"opam", "list", "--depends-on", pkg, "--installable", "--short", "--color=never")
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		label := pkg + LabelSeparator + v.Label() + " (revdeps)"
		leaf := ev.tree.AddLeaf(parent, label)
		p.resolve(ev.tree, leaf, label, Failure(fmt.Sprintf("revdep discovery failed: %s", err)), "")
		return nil
	}

	revdeps := ParseDiscoveryOutput(out)
	if len(revdeps) == 0 {
		return nil
	}
	log.WithFields(log.Fields{"package": pkg, "variant": v.Label(), "revdeps": len(revdeps)}).Debug("discovered reverse dependencies")

	eg, gctx := errgroup.WithContext(ctx)
	for _, rd := range revdeps {
		rd := rd
		sub := ev.tree.AddDynamic(parent)
		eg.Go(func() error {
			return p.buildPackage(gctx, ev, sub, v, pkg, rd)
		})
	}
	return eg.Wait()
}

func (p *Pipeline) timeout() (timeout time.Duration) {
	for _, b := range p.Config.Builders {
		if b.Timeout > timeout {
			timeout = b.Timeout
		}
	}
	return timeout
}

// failureOutcome turns a build error into a stage outcome. Exit status
// 20 marks a package unavailable on the platform; that message carries
// the skip marker and counts as a soft failure.
func failureOutcome(err error) Outcome {
	var (
		bferr *cache.BuildFailedErr
		eerr  *ExecError
	)
	switch {
	case errors.As(err, &bferr):
		return Failure(bferr.Message)
	case errors.As(err, &eerr):
		return Failure(eerr.Message)
	default:
		return Failure(err.Error())
	}
}

func imageTag(key *BuildKey) string {
	return "opamci-build:" + key.Digest()[:16]
}

// stageLogWriter forwards build output to the progress reporter.
type stageLogWriter struct {
	reporter Reporter
	label    string
}

func (w *stageLogWriter) Write(p []byte) (int, error) {
	w.reporter.StageLog(w.label, p)
	return len(p), nil
}

// pullKey caches base image digest resolution in the store.
type pullKey struct {
	ref string
}

func (k pullKey) Digest() string {
	h := sha256.Sum256([]byte("image-pull:" + k.ref))
	return hex.EncodeToString(h[:])
}

func (k pullKey) String() string {
	return "pull " + k.ref
}

// pinnedBaseImage resolves the variant's base image tag to a
// digest-pinned reference. Resolutions are cached with the configured
// pull window so that all stages of a run (and runs within the window)
// build against the same image.
func (p *Pipeline) pinnedBaseImage(ctx context.Context, v Variant) (string, error) {
	ref := v.BaseImageRef(p.Config.ImageRepo)
	pinned, _, err := p.Store.Get(ctx, pullKey{ref: ref}, cache.GetOptions{
		ValidFor: p.Config.Cache.PullWindow,
		Build: func(ctx context.Context) (cache.Artifact, string, error) {
			d, err := p.Images.ResolveDigest(ctx, ref)
			if err != nil {
				return "", "", err
			}
			return cache.Artifact(d), "", nil
		},
	})
	if err != nil {
		return "", err
	}
	if !strings.Contains(string(pinned), "@") {
		return "", xerrors.Errorf("resolver returned unpinned reference %q", pinned)
	}
	return string(pinned), nil
}
