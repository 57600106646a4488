package opamci

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/karrick/godirwalk"
	"github.com/minio/highwayhash"
	log "github.com/sirupsen/logrus"
	"golang.org/x/xerrors"
)

// analysisHashKey is the key we use to hash opam manifests. Change this
// key and every previously cached build result becomes unreachable.
const analysisHashKey = "b8e4e32d24f608bfc5eed345c9a52f1ef38b2efa19b4e38a6a06e8a6b6c7d314"

// AnalysisError means the source analysis itself failed; the pipeline
// reports it as a single failed stage without building anything.
type AnalysisError struct {
	Reason string
}

func (e *AnalysisError) Error() string {
	return fmt.Sprintf("analysis failed: %s", e.Reason)
}

// Analysis is the result of analyzing a checked-out source tree.
type Analysis struct {
	// Packages are the package names found in the tree, sorted.
	Packages []string
	// Digest fingerprints the manifest listing; it feeds into every
	// build key derived from this analysis.
	Digest string
}

// Analyzer extracts the package list from a checked-out working tree.
type Analyzer interface {
	Analyze(ctx context.Context, dir string) (*Analysis, error)
}

// OpamAnalyzer finds opam package manifests: files named "opam" inside
// a package version directory, or "<name>.opam" next to the sources.
type OpamAnalyzer struct{}

var _ Analyzer = OpamAnalyzer{}

// Analyze implements Analyzer
func (OpamAnalyzer) Analyze(ctx context.Context, dir string) (*Analysis, error) {
	type manifest struct {
		path string
		pkg  string
	}
	var manifests []manifest

	err := godirwalk.Walk(dir, &godirwalk.Options{
		Callback: func(path string, de *godirwalk.Dirent) error {
			if err := ctx.Err(); err != nil {
				return err
			}
			if de.IsDir() {
				if de.Name() == ".git" || de.Name() == "_build" {
					return filepath.SkipDir
				}
				return nil
			}

			name := de.Name()
			rel, rerr := filepath.Rel(dir, path)
			if rerr != nil {
				return rerr
			}
			switch {
			case strings.HasSuffix(name, ".opam"):
				manifests = append(manifests, manifest{path: rel, pkg: strings.TrimSuffix(name, ".opam")})
			case name == "opam":
				// opam-repository layout: packages/<name>/<name>.<version>/opam
				pkg := filepath.Base(filepath.Dir(rel))
				if idx := strings.Index(pkg, "."); idx > 0 {
					pkg = pkg[:idx]
				}
				manifests = append(manifests, manifest{path: rel, pkg: pkg})
			}
			return nil
		},
		Unsorted: true,
	})
	if err != nil {
		return nil, xerrors.Errorf("cannot walk source tree: %w", err)
	}

	if len(manifests) == 0 {
		return nil, &AnalysisError{Reason: "no opam manifests found"}
	}

	key, err := hex.DecodeString(analysisHashKey)
	if err != nil {
		return nil, err
	}

	sort.Slice(manifests, func(i, j int) bool { return manifests[i].path < manifests[j].path })

	var (
		lines = make([]string, 0, len(manifests))
		pkgs  = make(map[string]struct{})
	)
	for _, m := range manifests {
		h, err := hashFile(key, filepath.Join(dir, m.path))
		if err != nil {
			return nil, xerrors.Errorf("cannot hash %s: %w", m.path, err)
		}
		lines = append(lines, fmt.Sprintf("%s:%s", m.path, h))
		pkgs[m.pkg] = struct{}{}
	}

	digest, err := highwayhash.New(key)
	if err != nil {
		return nil, err
	}
	if _, err := io.WriteString(digest, strings.Join(lines, "\n")); err != nil {
		return nil, err
	}

	res := &Analysis{
		Digest: hex.EncodeToString(digest.Sum(nil)),
	}
	for pkg := range pkgs {
		res.Packages = append(res.Packages, pkg)
	}
	sort.Strings(res.Packages)

	log.WithFields(log.Fields{"packages": len(res.Packages), "digest": res.Digest}).Debug("analyzed source tree")
	return res, nil
}

func hashFile(key []byte, path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h, err := highwayhash.New(key)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
