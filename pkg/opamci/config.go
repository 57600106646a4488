package opamci

import (
	"os"
	"path/filepath"
	"time"

	"github.com/imdario/mergo"
	"golang.org/x/xerrors"
	"gopkg.in/yaml.v3"
)

const (
	// ConfigFile is the name of the pipeline configuration file.
	ConfigFile = "opamci.yaml"

	// EnvvarConfig names the environment variable we take the config location from
	EnvvarConfig = "OPAMCI_CONFIG"

	// EnvvarCacheBucket configures the S3 bucket used to persist cache entries
	EnvvarCacheBucket = "OPAMCI_CACHE_BUCKET"

	// EnvvarJobs overrides the per-builder slot count
	EnvvarJobs = "OPAMCI_JOBS"
)

// BuilderConfig sizes one builder's pool and bounds its builds.
type BuilderConfig struct {
	// Slots is the number of builds the builder runs concurrently.
	Slots int64 `yaml:"slots,omitempty"`
	// Timeout bounds a single build execution.
	Timeout time.Duration `yaml:"timeout,omitempty"`
}

// CacheConfig configures the build result store.
type CacheConfig struct {
	// Bucket enables S3-backed persistence of cache entries when set.
	Bucket string `yaml:"bucket,omitempty"`
	// PullWindow is the validity window for base-image pulls. Package
	// build results are not time-limited.
	PullWindow time.Duration `yaml:"pullWindow,omitempty"`
}

// TelemetryConfig configures tracing. Tracing stays off without an endpoint.
type TelemetryConfig struct {
	Endpoint string `yaml:"endpoint,omitempty"`
	Insecure bool   `yaml:"insecure,omitempty"`
}

// Config is the root pipeline configuration, loaded from opamci.yaml.
type Config struct {
	// Repo is the package repository under test, e.g. a git URL.
	Repo string `yaml:"repo"`
	// ImageRepo is the repository base images are pulled from.
	ImageRepo string `yaml:"imageRepo,omitempty"`

	Matrix    Matrix                   `yaml:"matrix,omitempty"`
	Builders  map[string]BuilderConfig `yaml:"builders,omitempty"`
	Cache     CacheConfig              `yaml:"cache,omitempty"`
	Telemetry TelemetryConfig          `yaml:"telemetry,omitempty"`

	// Origin is the directory the config was loaded from.
	Origin string `yaml:"-"`
}

// DefaultConfig returns the default build matrix and resource limits.
// The primary matrix runs every supported compiler on the primary
// distro; the distro matrix runs the default compiler everywhere else.
// ubuntu-lts duplicates the primary distro's default-compiler build and
// opensuse-leap lacks the revdep discovery tooling, so both are
// excluded out of the box.
func DefaultConfig() Config {
	return Config{
		ImageRepo: "ocaml/opam",
		Matrix: Matrix{
			PrimaryDistro:   "debian-12",
			Compilers:       []string{"4.14", "5.0", "5.1", "5.2"},
			DefaultCompiler: "5.2",
			Distros:         []string{"alpine-3.20", "fedora-40", "ubuntu-lts", "opensuse-leap"},
			Exclusions: []Exclusion{
				{Distro: "ubuntu-lts", Reason: "duplicates the primary matrix default compiler build"},
				{Distro: "opensuse-leap", Reason: "revdep discovery tooling unsupported"},
			},
		},
		Builders: map[string]BuilderConfig{
			"linux-x86_64": {Slots: 8, Timeout: 60 * time.Minute},
		},
		Cache: CacheConfig{
			PullWindow: 7 * 24 * time.Hour,
		},
	}
}

// LoadConfig reads the configuration file at path and merges it over
// the defaults.
func LoadConfig(path string) (Config, error) {
	fc, err := os.ReadFile(path)
	if err != nil {
		return Config{}, xerrors.Errorf("cannot read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(fc, &cfg); err != nil {
		return Config{}, xerrors.Errorf("cannot parse config: %w", err)
	}

	defaults := DefaultConfig()
	if err := mergo.Merge(&cfg, defaults); err != nil {
		return Config{}, xerrors.Errorf("cannot merge config defaults: %w", err)
	}

	cfg.Origin = filepath.Dir(path)
	return cfg, nil
}

// DiscoverConfig finds the configuration file by walking up from the
// working directory, honoring OPAMCI_CONFIG when set.
func DiscoverConfig() (Config, error) {
	if path := os.Getenv(EnvvarConfig); path != "" {
		return LoadConfig(path)
	}

	wd, err := os.Getwd()
	if err != nil {
		return Config{}, err
	}

	for i := 0; i < 100; i++ {
		candidate := filepath.Join(wd, ConfigFile)
		if _, err := os.Stat(candidate); err == nil {
			return LoadConfig(candidate)
		}

		parent := filepath.Dir(wd)
		if parent == wd {
			break
		}
		wd = parent
	}

	return Config{}, xerrors.Errorf("no %s found - run opamci from within a project or set %s", ConfigFile, EnvvarConfig)
}
