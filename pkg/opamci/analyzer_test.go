package opamci

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func writeManifest(t *testing.T, dir, path, content string) {
	t.Helper()
	full := filepath.Join(dir, path)
	if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(full, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

func TestAnalyzeRepositoryLayout(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, "packages/lwt/lwt.5.7.0/opam", "opam-version: \"2.0\"\n")
	writeManifest(t, dir, "packages/lwt/lwt.5.8.0/opam", "opam-version: \"2.0\"\n")
	writeManifest(t, dir, "packages/dune/dune.3.16.0/opam", "opam-version: \"2.0\"\n")

	analysis, err := OpamAnalyzer{}.Analyze(context.Background(), dir)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"dune", "lwt"}, analysis.Packages); diff != "" {
		t.Errorf("packages mismatch (-want +got):\n%s", diff)
	}
	if analysis.Digest == "" {
		t.Error("analysis has no digest")
	}
}

func TestAnalyzeProjectLayout(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, "lwt.opam", "opam-version: \"2.0\"\n")

	analysis, err := OpamAnalyzer{}.Analyze(context.Background(), dir)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"lwt"}, analysis.Packages); diff != "" {
		t.Errorf("packages mismatch (-want +got):\n%s", diff)
	}
}

func TestAnalyzeDigestTracksContent(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, "lwt.opam", "opam-version: \"2.0\"\n")
	before, err := OpamAnalyzer{}.Analyze(context.Background(), dir)
	if err != nil {
		t.Fatal(err)
	}

	again, err := OpamAnalyzer{}.Analyze(context.Background(), dir)
	if err != nil {
		t.Fatal(err)
	}
	if before.Digest != again.Digest {
		t.Error("digest is not stable for unchanged content")
	}

	writeManifest(t, dir, "lwt.opam", "opam-version: \"2.0\"\ndepends: [ \"dune\" ]\n")
	after, err := OpamAnalyzer{}.Analyze(context.Background(), dir)
	if err != nil {
		t.Fatal(err)
	}
	if before.Digest == after.Digest {
		t.Error("digest did not change with manifest content")
	}
}

func TestAnalyzeIgnoresScratchDirs(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, "lwt.opam", "opam-version: \"2.0\"\n")
	writeManifest(t, dir, "_build/stale.opam", "opam-version: \"2.0\"\n")
	writeManifest(t, dir, ".git/objects/pack.opam", "not a manifest\n")

	analysis, err := OpamAnalyzer{}.Analyze(context.Background(), dir)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"lwt"}, analysis.Packages); diff != "" {
		t.Errorf("packages mismatch (-want +got):\n%s", diff)
	}
}

func TestAnalyzeFailsWithoutManifests(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, "README.md", "not an opam repo\n")

	_, err := OpamAnalyzer{}.Analyze(context.Background(), dir)

	var aerr *AnalysisError
	if !errors.As(err, &aerr) {
		t.Fatalf("expected AnalysisError, got %v", err)
	}
}
