package opamci

import (
	"fmt"
	"strings"
)

// GenerateDockerfile produces the build script for one build operation.
// It is a pure function of its inputs: identical inputs yield identical
// text. The text serves as human-readable reproduction instructions and
// as the script the process runner executes; it does not participate in
// cache key derivation.
func GenerateDockerfile(baseImage string, variant Variant, revdep string, withTests bool, pkg string) string {
	var b strings.Builder

	fmt.Fprintf(&b, "FROM %s\n", baseImage)
	fmt.Fprintf(&b, "# %s on %s\n", pkg, variant.Label())
	b.WriteString("COPY --chown=opam . /src\n")
	b.WriteString("RUN opam repository set-url default /src\n")
	b.WriteString("RUN opam update --quiet\n")

	target := pkg
	if revdep != "" {
		fmt.Fprintf(&b, "RUN opam install --yes %s\n", pkg)
		target = revdep
	}

	if withTests {
		fmt.Fprintf(&b, "RUN opam install --yes --with-test %s\n", target)
	} else {
		fmt.Fprintf(&b, "RUN opam install --yes %s\n", target)
	}

	return b.String()
}

// GenerateLintScript produces the script for the format/lint-only stage.
func GenerateLintScript(baseImage string, pkg string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "FROM %s\n", baseImage)
	b.WriteString("COPY --chown=opam . /src\n")
	fmt.Fprintf(&b, "RUN opam lint /src/packages/%s\n", pkg)
	return b.String()
}
