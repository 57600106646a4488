package opamci

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"text/tabwriter"
	"time"

	"github.com/gookit/color"
	"github.com/segmentio/textio"
	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// Reporter provides feedback about pipeline progress to the user.
//
// Implementers beware: these functions are called in the hotpath of the
// pipeline. Blocking in them blocks the actual builds.
type Reporter interface {
	// PipelineStarted is called once the stage tree's initial shape is known.
	PipelineStarted(commit string, stages []string)

	// StageStarted is called when a stage's underlying build actually
	// gets underway (i.e. was a cache miss).
	StageStarted(label string)

	// StageLog is called whenever a running stage produced output.
	StageLog(label string, buf []byte)

	// StageFinished is called when a stage resolved.
	StageFinished(label string, outcome Outcome)

	// PipelineFinished is called with the final aggregation.
	PipelineFinished(commit string, summary Summary)
}

// ConsoleReporter reports pipeline progress by printing to stdout.
type ConsoleReporter struct {
	writer map[string]io.Writer
	times  map[string]time.Time
	mu     sync.RWMutex
}

// NewConsoleReporter produces a new console reporter
func NewConsoleReporter() *ConsoleReporter {
	return &ConsoleReporter{
		writer: make(map[string]io.Writer),
		times:  make(map[string]time.Time),
	}
}

// exclusiveWriter makes a write an exclusive resource by protecting Write calls with a mutex.
type exclusiveWriter struct {
	O  io.Writer
	mu sync.Mutex
}

func (w *exclusiveWriter) Write(p []byte) (n int, err error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	return w.O.Write(p)
}

func (r *ConsoleReporter) getWriter(label string) io.Writer {
	r.mu.RLock()
	res, ok := r.writer[label]
	r.mu.RUnlock()

	if !ok {
		r.mu.Lock()
		res, ok = r.writer[label]
		if ok {
			// someone else was quicker in the meantime
			r.mu.Unlock()
			return res
		}

		res = &exclusiveWriter{O: textio.NewPrefixWriter(os.Stdout, color.Gray.Render(fmt.Sprintf("[%s] ", label)))}
		r.writer[label] = res
		r.mu.Unlock()
	}

	return res
}

// PipelineStarted implements Reporter
func (r *ConsoleReporter) PipelineStarted(commit string, stages []string) {
	lines := make([]string, 0, len(stages))
	for _, s := range stages {
		lines = append(lines, fmt.Sprintf("%s\t%s\n", color.Yellow.Sprint("🔧\tbuild"), s))
	}
	sort.Slice(lines, func(i, j int) bool { return lines[i] < lines[j] })

	color.Printf("<light_yellow>building</> %s\n", commit)
	tw := tabwriter.NewWriter(os.Stdout, 0, 2, 2, ' ', 0)
	fmt.Fprintln(tw, strings.Join(lines, ""))
	tw.Flush()
}

// StageStarted implements Reporter
func (r *ConsoleReporter) StageStarted(label string) {
	r.mu.Lock()
	r.times[label] = time.Now()
	r.mu.Unlock()

	io.WriteString(r.getWriter(label), color.Sprint("<fg=yellow>build started</>\n"))
}

// StageLog implements Reporter
func (r *ConsoleReporter) StageLog(label string, buf []byte) {
	r.getWriter(label).Write(buf)
}

// StageFinished implements Reporter
func (r *ConsoleReporter) StageFinished(label string, outcome Outcome) {
	out := r.getWriter(label)

	r.mu.Lock()
	start, started := r.times[label]
	delete(r.writer, label)
	delete(r.times, label)
	r.mu.Unlock()

	var msg string
	switch {
	case outcome.Kind == OutcomeSuccess && started:
		msg = color.Sprintf("<green>stage succeeded</> <gray>(%.2fs)</>\n", time.Since(start).Seconds())
	case outcome.Kind == OutcomeSuccess:
		// resolved without a build: served from the cache
		msg = color.Sprint("<green>stage succeeded</> <gray>(cached)</>\n")
	case outcome.SoftFailure():
		msg = color.Sprintf("<yellow>stage skipped</> %s\n", outcome.Msg)
	default:
		msg = color.Sprintf("<red>stage failed</>\n<white>Reason:</> %s\n", outcome.Msg)
	}
	io.WriteString(out, msg)
}

// PipelineFinished implements Reporter
func (r *ConsoleReporter) PipelineFinished(commit string, summary Summary) {
	switch summary.Verdict {
	case VerdictSuccess:
		color.Println("\n<green>build succeeded</>")
	case VerdictPending:
		color.Println("\n<yellow>build still pending</>")
	default:
		color.Printf("<red>build failed</>\n<white>Reason:</> %s\n", summary.Message)
	}
}

// NoopReporter discards all progress events.
type NoopReporter struct{}

// PipelineStarted implements Reporter
func (NoopReporter) PipelineStarted(commit string, stages []string) {}

// StageStarted implements Reporter
func (NoopReporter) StageStarted(label string) {}

// StageLog implements Reporter
func (NoopReporter) StageLog(label string, buf []byte) {}

// StageFinished implements Reporter
func (NoopReporter) StageFinished(label string, outcome Outcome) {}

// PipelineFinished implements Reporter
func (NoopReporter) PipelineFinished(commit string, summary Summary) {}

// StatusReporter publishes the final tri-state status of a commit to an
// external system, e.g. a commit status API.
type StatusReporter interface {
	PublishStatus(ctx context.Context, commit string, verdict Verdict, message string, url string) error
}

// LogStatusReporter publishes statuses to the log only.
type LogStatusReporter struct{}

// PublishStatus implements StatusReporter
func (LogStatusReporter) PublishStatus(ctx context.Context, commit string, verdict Verdict, message string, url string) error {
	log.WithFields(log.Fields{
		"commit":  commit,
		"verdict": verdict,
		"message": message,
		"url":     url,
	}).Info("status published")
	return nil
}

// ThrottledStatusReporter rate-limits status publishing. Status APIs
// tend to throttle aggressively; dropping below their limit beats
// being locked out mid-pipeline.
type ThrottledStatusReporter struct {
	Inner   StatusReporter
	limiter *rate.Limiter
}

// NewThrottledStatusReporter wraps inner with a publishing rate limit.
func NewThrottledStatusReporter(inner StatusReporter, perMinute int) *ThrottledStatusReporter {
	return &ThrottledStatusReporter{
		Inner:   inner,
		limiter: rate.NewLimiter(rate.Limit(float64(perMinute)/60), perMinute),
	}
}

// PublishStatus implements StatusReporter
func (r *ThrottledStatusReporter) PublishStatus(ctx context.Context, commit string, verdict Verdict, message string, url string) error {
	if err := r.limiter.Wait(ctx); err != nil {
		return err
	}
	return r.Inner.PublishStatus(ctx, commit, verdict, message, url)
}

// PublishStatus sends the summary through the reporter. Failures to
// report are logged, not escalated.
func PublishStatus(ctx context.Context, rep StatusReporter, commit string, summary Summary, url string) {
	if rep == nil {
		return
	}
	if err := rep.PublishStatus(ctx, commit, summary.Verdict, summary.Message, url); err != nil {
		log.WithError(err).WithField("commit", commit).Warn("cannot publish status")
	}
}
