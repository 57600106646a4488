package opamci

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadConfigMergesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ConfigFile)
	err := os.WriteFile(path, []byte(`repo: https://example.com/opam-repository.git
matrix:
  primaryDistro: debian-13
builders:
  linux-x86_64:
    slots: 2
`), 0644)
	if err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatal(err)
	}

	if cfg.Repo != "https://example.com/opam-repository.git" {
		t.Errorf("unexpected repo %q", cfg.Repo)
	}
	if cfg.Matrix.PrimaryDistro != "debian-13" {
		t.Errorf("file value was not kept: %q", cfg.Matrix.PrimaryDistro)
	}
	if cfg.ImageRepo != "ocaml/opam" {
		t.Errorf("default image repo was not merged: %q", cfg.ImageRepo)
	}
	if cfg.Cache.PullWindow != 7*24*time.Hour {
		t.Errorf("default pull window was not merged: %s", cfg.Cache.PullWindow)
	}
	if cfg.Builders["linux-x86_64"].Slots != 2 {
		t.Errorf("file slots were not kept: %d", cfg.Builders["linux-x86_64"].Slots)
	}
	if cfg.Origin != dir {
		t.Errorf("unexpected origin %q", cfg.Origin)
	}
}

func TestDiscoverConfigWalksUp(t *testing.T) {
	dir := t.TempDir()
	err := os.WriteFile(filepath.Join(dir, ConfigFile), []byte("repo: https://example.com/r.git\n"), 0644)
	if err != nil {
		t.Fatal(err)
	}
	nested := filepath.Join(dir, "packages", "lwt")
	if err := os.MkdirAll(nested, 0755); err != nil {
		t.Fatal(err)
	}

	t.Chdir(nested)

	cfg, err := DiscoverConfig()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Repo != "https://example.com/r.git" {
		t.Errorf("unexpected repo %q", cfg.Repo)
	}
}

func TestDefaultConfigExclusions(t *testing.T) {
	cfg := DefaultConfig()
	for _, v := range cfg.Matrix.Expand() {
		if v.Distro == "ubuntu-lts" || v.Distro == "opensuse-leap" {
			t.Errorf("variant %s must not be part of the default matrix", v.Label())
		}
	}
}
