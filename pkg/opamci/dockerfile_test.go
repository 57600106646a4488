package opamci

import (
	"strings"
	"testing"
)

func TestGenerateDockerfileIsDeterministic(t *testing.T) {
	v := Variant{Distro: "debian-12", Compiler: "5.2"}
	a := GenerateDockerfile("ocaml/opam:debian-12-ocaml-5.2@sha256:abc", v, "", false, "lwt")
	b := GenerateDockerfile("ocaml/opam:debian-12-ocaml-5.2@sha256:abc", v, "", false, "lwt")
	if a != b {
		t.Error("identical inputs produced different scripts")
	}
}

func TestGenerateDockerfile(t *testing.T) {
	v := Variant{Distro: "debian-12", Compiler: "5.2"}

	tests := []struct {
		Name     string
		Revdep   string
		Tests    bool
		Contains []string
		Excludes []string
	}{
		{
			Name:     "plain build",
			Contains: []string{"FROM ocaml/opam:base@sha256:abc\n", "RUN opam install --yes lwt\n"},
			Excludes: []string{"--with-test"},
		},
		{
			Name:     "test build",
			Tests:    true,
			Contains: []string{"RUN opam install --yes --with-test lwt\n"},
		},
		{
			Name:   "revdep build installs the trigger first",
			Revdep: "cohttp",
			Contains: []string{
				"RUN opam install --yes lwt\n",
				"RUN opam install --yes cohttp\n",
			},
		},
	}
	for _, test := range tests {
		t.Run(test.Name, func(t *testing.T) {
			script := GenerateDockerfile("ocaml/opam:base@sha256:abc", v, test.Revdep, test.Tests, "lwt")
			for _, c := range test.Contains {
				if !strings.Contains(script, c) {
					t.Errorf("script does not contain %q:\n%s", c, script)
				}
			}
			for _, e := range test.Excludes {
				if strings.Contains(script, e) {
					t.Errorf("script must not contain %q:\n%s", e, script)
				}
			}
		})
	}
}

func TestRevdepInstallsTriggerBeforeTarget(t *testing.T) {
	v := Variant{Distro: "debian-12", Compiler: "5.2"}
	script := GenerateDockerfile("ocaml/opam:base@sha256:abc", v, "cohttp", false, "lwt")
	trigger := strings.Index(script, "opam install --yes lwt")
	target := strings.Index(script, "opam install --yes cohttp")
	if trigger < 0 || target < 0 || trigger > target {
		t.Errorf("unexpected install order:\n%s", script)
	}
}

func TestGenerateLintScript(t *testing.T) {
	script := GenerateLintScript("ocaml/opam:base@sha256:abc", "lwt")
	if !strings.Contains(script, "opam lint") {
		t.Errorf("lint script does not lint:\n%s", script)
	}
}
