package opamci

import (
	"fmt"
	"strings"
	"sync"
)

// SkipMarker prefixes failure messages that denote an intentional
// omission rather than a genuine defect. Such soft failures only count
// as failures when nothing else succeeded.
const SkipMarker = "[SKIP]"

// OutcomeKind enumerates the terminal and non-terminal states of a stage.
type OutcomeKind int

const (
	// OutcomePending means the stage has not resolved yet.
	OutcomePending OutcomeKind = iota
	// OutcomeSuccess means the stage completed successfully.
	OutcomeSuccess
	// OutcomeFailure means the stage failed with a message.
	OutcomeFailure
)

// Outcome is the result of a single stage.
type Outcome struct {
	Kind OutcomeKind
	Msg  string
}

// Success is the resolved successful outcome.
var Success = Outcome{Kind: OutcomeSuccess}

// Pending is the unresolved outcome.
var Pending = Outcome{Kind: OutcomePending}

// Failure produces a failed outcome carrying msg.
func Failure(msg string) Outcome {
	return Outcome{Kind: OutcomeFailure, Msg: msg}
}

// SoftFailure reports whether the outcome is a failure whose message
// carries the skip marker.
func (o Outcome) SoftFailure() bool {
	return o.Kind == OutcomeFailure && strings.HasPrefix(o.Msg, SkipMarker)
}

func (o Outcome) String() string {
	switch o.Kind {
	case OutcomePending:
		return "pending"
	case OutcomeSuccess:
		return "success"
	default:
		return fmt.Sprintf("failure: %s", o.Msg)
	}
}

type nodeKind int

const (
	nodeSkip nodeKind = iota
	nodeLeaf
	nodeDynamic
)

type stageNode struct {
	kind     nodeKind
	label    string
	outcome  Outcome
	checked  bool
	jobID    string
	children []NodeID
}

// NodeID indexes a node within its StageTree.
type NodeID int

// StageTree holds the (possibly still unfolding) set of build stages
// for one commit. Nodes live in an arena and are referenced by id; the
// tree only ever grows forward as discovery results arrive, so ids stay
// valid for the lifetime of the tree.
//
// All methods are safe for concurrent use: stages resolve from
// concurrently running builds.
type StageTree struct {
	mu    sync.Mutex
	nodes []stageNode
}

// NewStageTree creates a tree with a single Dynamic root.
func NewStageTree() *StageTree {
	t := &StageTree{}
	t.nodes = append(t.nodes, stageNode{kind: nodeDynamic})
	return t
}

// Root returns the id of the root node.
func (t *StageTree) Root() NodeID { return 0 }

// AddLeaf appends a pending leaf stage under parent. Labels are
// expected to be globally unique within the tree.
func (t *StageTree) AddLeaf(parent NodeID, label string) NodeID {
	return t.add(parent, stageNode{kind: nodeLeaf, label: label, outcome: Pending})
}

// AddCheckedLeaf appends a pending leaf whose outcome does not count
// towards the overall verdict unless it is pending or failing.
func (t *StageTree) AddCheckedLeaf(parent NodeID, label string) NodeID {
	return t.add(parent, stageNode{kind: nodeLeaf, label: label, outcome: Pending, checked: true})
}

// AddSkip appends a skip node under parent, recording that a stage was
// intentionally not run because an upstream dependency failed or was
// itself skipped.
func (t *StageTree) AddSkip(parent NodeID) NodeID {
	return t.add(parent, stageNode{kind: nodeSkip})
}

// AddDynamic appends a label-less internal node whose children grow as
// discovery results arrive.
func (t *StageTree) AddDynamic(parent NodeID) NodeID {
	return t.add(parent, stageNode{kind: nodeDynamic})
}

func (t *StageTree) add(parent NodeID, n stageNode) NodeID {
	t.mu.Lock()
	defer t.mu.Unlock()

	id := NodeID(len(t.nodes))
	t.nodes = append(t.nodes, n)
	p := &t.nodes[parent]
	p.children = append(p.children, id)
	return id
}

// Resolve records the outcome of a leaf stage and the job that
// produced it.
func (t *StageTree) Resolve(id NodeID, outcome Outcome, jobID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := &t.nodes[id]
	if n.kind != nodeLeaf {
		panic(fmt.Sprintf("resolve on non-leaf node %d", id))
	}
	n.outcome = outcome
	n.jobID = jobID
}

// StageResult is one labelled terminal outcome of the flattened tree.
type StageResult struct {
	Label   string
	Outcome Outcome
	Checked bool
	JobID   string
}

// Flatten walks the tree depth first, skipping Skip nodes and recursing
// into Dynamic nodes, and returns the labelled outcomes in walk order.
func (t *StageTree) Flatten() []StageResult {
	t.mu.Lock()
	defer t.mu.Unlock()

	var res []StageResult
	t.flatten(0, &res)
	return res
}

func (t *StageTree) flatten(id NodeID, res *[]StageResult) {
	n := t.nodes[id]
	switch n.kind {
	case nodeSkip:
		return
	case nodeLeaf:
		*res = append(*res, StageResult{Label: n.label, Outcome: n.outcome, Checked: n.checked, JobID: n.jobID})
	case nodeDynamic:
		for _, c := range n.children {
			t.flatten(c, res)
		}
	}
}

// Walk visits every node in depth-first order, including Skip nodes.
// Used for rendering the full tree shape.
func (t *StageTree) Walk(fn func(id NodeID, label string, outcome Outcome, skip, dynamic bool, depth int)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.walk(0, 0, fn)
}

func (t *StageTree) walk(id NodeID, depth int, fn func(id NodeID, label string, outcome Outcome, skip, dynamic bool, depth int)) {
	n := t.nodes[id]
	fn(id, n.label, n.outcome, n.kind == nodeSkip, n.kind == nodeDynamic, depth)
	for _, c := range n.children {
		t.walk(c, depth+1, fn)
	}
}
