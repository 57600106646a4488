package opamci

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strings"
)

// LabelSeparator joins the package name and variant label into the
// globally unique stage label used for display and error grouping.
const LabelSeparator = "/"

// BuildKey describes the complete input set of one build operation.
// Two keys with equal digests are interchangeable: the cache will hand
// out the same result for both.
type BuildKey struct {
	// Commit is the content hash of the source tree under build.
	Commit string
	// Repo identifies the repository the commit belongs to.
	Repo string
	// BaseImage is the digest of the base image the build runs in.
	BaseImage string
	// Variant is the platform variant label, e.g. "debian-12-ocaml-5.2".
	Variant string
	// AnalysisDigest fingerprints the package analysis (the opam manifest listing).
	AnalysisDigest string
	// Revdep names the reverse dependency under test. Empty for regular builds.
	Revdep string
	// WithTests makes the build run the package's test suite.
	WithTests bool
	// Package is the target package name.
	Package string

	digest string
}

// Digest returns the cache lookup key for this build. It is a pure
// function of the key's fields: any field change changes the digest.
// The serialization is length-prefixed so that no two distinct field
// tuples produce the same byte stream.
func (k *BuildKey) Digest() string {
	if k.digest != "" {
		return k.digest
	}

	h := sha256.New()
	for _, f := range []string{k.Commit, k.Repo, k.BaseImage, k.Variant, k.AnalysisDigest, k.Revdep, k.Package} {
		var l [8]byte
		binary.BigEndian.PutUint64(l[:], uint64(len(f)))
		_, _ = h.Write(l[:])
		_, _ = h.Write([]byte(f))
	}
	if k.WithTests {
		_, _ = h.Write([]byte{1})
	} else {
		_, _ = h.Write([]byte{0})
	}

	k.digest = hex.EncodeToString(h.Sum(nil))
	return k.digest
}

// Label produces the stage label for this key. Revdep builds are
// labelled by the reverse dependency, not the package that triggered them.
func (k *BuildKey) Label() string {
	name := k.Package
	if k.Revdep != "" {
		name = k.Revdep
	}
	label := name + LabelSeparator + k.Variant
	if k.WithTests {
		label += " (tests)"
	}
	return label
}

func (k *BuildKey) String() string {
	var opts []string
	if k.WithTests {
		opts = append(opts, "tests")
	}
	if k.Revdep != "" {
		opts = append(opts, "revdep="+k.Revdep)
	}
	if len(opts) == 0 {
		return fmt.Sprintf("%s@%s on %s", k.Package, shortCommit(k.Commit), k.Variant)
	}
	return fmt.Sprintf("%s@%s on %s [%s]", k.Package, shortCommit(k.Commit), k.Variant, strings.Join(opts, ", "))
}

func shortCommit(commit string) string {
	if len(commit) > 8 {
		return commit[:8]
	}
	return commit
}
