package opamci

import (
	"fmt"

	"github.com/dop251/goja"
	log "github.com/sirupsen/logrus"
)

// Variant identifies one (compiler version, OS distribution) build
// target, e.g. "debian-12-ocaml-5.2".
type Variant struct {
	// Distro is the OS distribution label, e.g. "debian-12".
	Distro string `yaml:"distro"`
	// Compiler is the compiler version, e.g. "5.2".
	Compiler string `yaml:"compiler"`
	// Revdeps marks the variant as reverse-dependency eligible. Only
	// the primary compiler matrix runs revdep discovery.
	Revdeps bool `yaml:"revdeps,omitempty"`
}

// Label returns the variant's platform label used in stage labels and
// build keys.
func (v Variant) Label() string {
	return fmt.Sprintf("%s-ocaml-%s", v.Distro, v.Compiler)
}

// BaseImageRef returns the image reference the variant builds in,
// relative to the configured image repository.
func (v Variant) BaseImageRef(imageRepo string) string {
	return fmt.Sprintf("%s:%s", imageRepo, v.Label())
}

// Exclusion removes (variant, package) combinations from the build
// matrix. Empty fields match anything. If carries an optional
// expression with distro, compiler and pkg in scope; the exclusion only
// applies when the expression evaluates to true.
type Exclusion struct {
	Distro   string `yaml:"distro,omitempty"`
	Compiler string `yaml:"compiler,omitempty"`
	Package  string `yaml:"package,omitempty"`
	If       string `yaml:"if,omitempty"`
	Reason   string `yaml:"reason,omitempty"`
}

func (e Exclusion) matches(v Variant, pkg string) bool {
	if e.Distro != "" && e.Distro != v.Distro {
		return false
	}
	if e.Compiler != "" && e.Compiler != v.Compiler {
		return false
	}
	if e.Package != "" && e.Package != pkg {
		return false
	}
	if e.If == "" {
		return true
	}

	vm := goja.New()
	_ = vm.Set("distro", v.Distro)
	_ = vm.Set("compiler", v.Compiler)
	_ = vm.Set("pkg", pkg)
	res, err := vm.RunString(e.If)
	if err != nil {
		log.WithError(err).WithField("expression", e.If).Warn("cannot evaluate exclusion expression - ignoring exclusion")
		return false
	}
	return res.ToBoolean()
}

// Matrix defines the full set of build variants for a pipeline run.
type Matrix struct {
	// PrimaryDistro hosts the compiler-version matrix and revdep discovery.
	PrimaryDistro string `yaml:"primaryDistro,omitempty"`
	// Compilers lists the compiler versions built on the primary distro.
	Compilers []string `yaml:"compilers,omitempty"`
	// DefaultCompiler is the version used for the distro matrix.
	DefaultCompiler string `yaml:"defaultCompiler,omitempty"`
	// Distros lists additional distributions built at the default compiler.
	Distros []string `yaml:"distros,omitempty"`
	// Exclusions remove combinations from the expanded matrix.
	Exclusions []Exclusion `yaml:"exclusions,omitempty"`
}

// Expand produces the fixed list of variants: the compiler matrix on
// the primary distro (revdep eligible), then the distro matrix at the
// default compiler. Exclusions that do not depend on the package are
// applied here; package-conditional ones apply in Excluded.
func (m Matrix) Expand() []Variant {
	var res []Variant
	for _, c := range m.Compilers {
		v := Variant{Distro: m.PrimaryDistro, Compiler: c, Revdeps: true}
		if m.excludedForAnyPackage(v) {
			continue
		}
		res = append(res, v)
	}
	for _, d := range m.Distros {
		v := Variant{Distro: d, Compiler: m.DefaultCompiler}
		if m.excludedForAnyPackage(v) {
			continue
		}
		res = append(res, v)
	}
	return res
}

func (m Matrix) excludedForAnyPackage(v Variant) bool {
	for _, e := range m.Exclusions {
		if e.Package == "" && e.If == "" && e.matches(v, "") {
			return true
		}
	}
	return false
}

// Excluded reports whether the given package must not be built on the
// given variant.
func (m Matrix) Excluded(v Variant, pkg string) bool {
	for _, e := range m.Exclusions {
		if e.matches(v, pkg) {
			return true
		}
	}
	return false
}
