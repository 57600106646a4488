package opamci

import (
	"fmt"
	"sort"
	"strings"
)

// Verdict is the tri-state overall status published for a commit.
type Verdict string

const (
	// VerdictSuccess means at least one stage succeeded and none failed.
	VerdictSuccess Verdict = "success"
	// VerdictPending means at least one stage has not resolved yet.
	VerdictPending Verdict = "pending"
	// VerdictFailure means the run failed; Summary.Message explains why.
	VerdictFailure Verdict = "failure"
)

// LabeledFailure pairs a failure message with the label of the stage
// that produced it.
type LabeledFailure struct {
	Msg   string
	Label string
}

// Summary is the aggregation of a fully-or-partially resolved stage tree.
type Summary struct {
	Successes    int
	Pending      int
	Failures     []LabeledFailure
	SoftFailures []LabeledFailure

	Verdict Verdict
	Message string
}

// Aggregate folds the flattened stage outcomes into one overall status
// plus a human-readable failure summary.
//
// Checked stages (lint/format-only) do not count towards successes: a
// run in which only lint stages passed is not a successful run. Their
// pending and failure outcomes still short-circuit as usual.
func Aggregate(results []StageResult) Summary {
	var s Summary

	for _, r := range results {
		switch r.Outcome.Kind {
		case OutcomePending:
			s.Pending++
		case OutcomeSuccess:
			if !r.Checked {
				s.Successes++
			}
		case OutcomeFailure:
			lf := LabeledFailure{Msg: r.Outcome.Msg, Label: r.Label}
			if r.Outcome.SoftFailure() {
				s.SoftFailures = append(s.SoftFailures, lf)
			} else {
				s.Failures = append(s.Failures, lf)
			}
		}
	}

	switch {
	case s.Pending > 0:
		s.Verdict = VerdictPending
	case s.Successes == 0 && len(s.Failures) == 0 && len(s.SoftFailures) > 0:
		// an all-skipped run is a failure, not a silent success
		s.Verdict = VerdictFailure
		s.Message = groupFailures(s.SoftFailures, s.Successes)
	case len(s.Failures) == 0:
		s.Verdict = VerdictSuccess
	default:
		s.Verdict = VerdictFailure
		s.Message = groupFailures(s.Failures, s.Successes)
	}

	return s
}

// groupFailures produces one human-readable message from a list of
// labelled failures. Entries are grouped by exact message equality;
// groups are ordered by message sort order, labels within a group keep
// their first-seen order.
func groupFailures(failures []LabeledFailure, successes int) string {
	var (
		byMsg = make(map[string][]string)
		msgs  []string
	)
	for _, f := range failures {
		if _, ok := byMsg[f.Msg]; !ok {
			msgs = append(msgs, f.Msg)
		}
		byMsg[f.Msg] = append(byMsg[f.Msg], f.Label)
	}
	sort.Strings(msgs)

	if len(msgs) == 1 {
		if successes == 0 {
			// the whole run failed uniformly
			return msgs[0]
		}
		return fmt.Sprintf("%s failed: %s", strings.Join(byMsg[msgs[0]], ", "), msgs[0])
	}

	var labels []string
	for _, m := range msgs {
		labels = append(labels, byMsg[m]...)
	}
	return fmt.Sprintf("%s failed", strings.Join(labels, ", "))
}
