package opamci

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"

	"github.com/google/uuid"
	"github.com/segmentio/textio"
	log "github.com/sirupsen/logrus"
	"golang.org/x/xerrors"

	"github.com/opamci/opamci/pkg/opamci/cache"
)

// FailureClass categorizes why a build execution failed.
type FailureClass string

const (
	// FailureTimeout means the build exceeded its timeout.
	FailureTimeout FailureClass = "timeout"
	// FailureExit means the build process exited non-zero.
	FailureExit FailureClass = "exit"
	// FailureCancelled means the build was cancelled before completion.
	FailureCancelled FailureClass = "cancelled"
)

// skipExitCode is the exit code build scripts use to signal that the
// package is not available on the platform. It maps to a soft failure.
const skipExitCode = 20

// ExecError is a classified build execution failure.
type ExecError struct {
	Class    FailureClass
	Message  string
	ExitCode int
}

func (e *ExecError) Error() string {
	return e.Message
}

// RunSpec describes one build script execution.
type RunSpec struct {
	// Script is the build script text (a Dockerfile).
	Script string
	// WorkDir is the checked-out working tree the build runs against.
	WorkDir string
	// Tag to assign to the produced image.
	Tag string
	// Log receives the build output. May be nil.
	Log io.Writer
}

// ProcessRunner executes build scripts and discovery commands.
type ProcessRunner interface {
	// RunScript executes a build script against a working tree and
	// returns the produced artifact reference and the job ID the run
	// was recorded under.
	RunScript(ctx context.Context, spec RunSpec) (cache.Artifact, string, error)

	// RunCommand runs a command inside a previously built image and
	// returns its standard output.
	RunCommand(ctx context.Context, artifact cache.Artifact, args ...string) (string, error)
}

// DockerRunner runs build scripts through the local docker daemon.
type DockerRunner struct {
	// Docker is the docker binary to use. Defaults to "docker".
	Docker string
}

var _ ProcessRunner = &DockerRunner{}

func (r *DockerRunner) docker() string {
	if r.Docker == "" {
		return "docker"
	}
	return r.Docker
}

// RunScript implements ProcessRunner
func (r *DockerRunner) RunScript(ctx context.Context, spec RunSpec) (cache.Artifact, string, error) {
	jobID := uuid.New().String()

	out := spec.Log
	if out == nil {
		out = io.Discard
	}
	logw := textio.NewPrefixWriter(out, fmt.Sprintf("[%s] ", spec.Tag))
	defer logw.Flush()

	log.WithFields(log.Fields{"tag": spec.Tag, "jobID": jobID}).Debug("starting build")

	cmd := exec.CommandContext(ctx, r.docker(), "build", "--tag", spec.Tag, "--file", "-", ".")
	cmd.Dir = spec.WorkDir
	cmd.Stdin = strings.NewReader(spec.Script)
	cmd.Stdout = logw
	cmd.Stderr = logw

	if err := cmd.Run(); err != nil {
		return "", jobID, r.classify(ctx, err)
	}

	return cache.Artifact(spec.Tag), jobID, nil
}

// RunCommand implements ProcessRunner
func (r *DockerRunner) RunCommand(ctx context.Context, artifact cache.Artifact, args ...string) (string, error) {
	runArgs := append([]string{"run", "--rm", string(artifact)}, args...)
	cmd := exec.CommandContext(ctx, r.docker(), runArgs...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.Env = os.Environ()

	if err := cmd.Run(); err != nil {
		log.WithError(err).WithField("artifact", artifact).Debug("command in image failed")
		if stderr.Len() > 0 {
			return "", xerrors.Errorf("%s: %w", strings.TrimSpace(stderr.String()), err)
		}
		return "", r.classify(ctx, err)
	}

	return stdout.String(), nil
}

func (r *DockerRunner) classify(ctx context.Context, err error) error {
	if ctx.Err() == context.DeadlineExceeded {
		return &ExecError{Class: FailureTimeout, Message: "build timed out"}
	}
	if ctx.Err() == context.Canceled {
		return &ExecError{Class: FailureCancelled, Message: "build cancelled"}
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		code := exitErr.ExitCode()
		if code == skipExitCode {
			return &ExecError{
				Class:    FailureExit,
				ExitCode: code,
				Message:  SkipMarker + " package not available on this platform",
			}
		}
		return &ExecError{Class: FailureExit, ExitCode: code, Message: fmt.Sprintf("exit status %d", code)}
	}
	return err
}

// ParseDiscoveryOutput parses the line-oriented output of a reverse
// dependency discovery command. Empty lines are discarded.
func ParseDiscoveryOutput(out string) []string {
	var res []string
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		res = append(res, line)
	}
	return res
}
