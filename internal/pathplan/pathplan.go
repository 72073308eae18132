// Package pathplan decides, per function, whether to protect it with one
// whole-function ("global") hash or with multiple path-local ("short-range")
// hashes, and where each path's assertion belongs.
//
// Short-range protection is only meaningful when every loop crossed by a
// path computes identical values across runs with the same input. A loop
// containing an argument-reachable, global-reachable, or externally flagged
// data-dependent instruction disqualifies the whole function from
// short-range mode; the planner then falls back to global protection rather
// than producing a flaky check.
package pathplan

import (
	"log/slog"

	"github.com/715d/ohguard/internal/eligibility"
	"github.com/715d/ohguard/internal/ir"
)

// Mode is the protection decision for one function.
type Mode int

const (
	// ModeNone leaves the function untouched.
	ModeNone Mode = iota

	// ModeGlobal protects the whole function with one accumulator,
	// asserted before every return.
	ModeGlobal

	// ModeShortRange protects each control-flow path with its own
	// accumulator, asserted at the path's exit block.
	ModeShortRange
)

func (m Mode) String() string {
	switch m {
	case ModeGlobal:
		return "global"
	case ModeShortRange:
		return "short-range"
	default:
		return "none"
	}
}

// OHPath is an ordered block sequence from a function's entry toward a
// chosen exit block. Sibling paths may share prefix blocks.
type OHPath []*ir.BasicBlock

// Contains reports whether the path crosses b.
func (p OHPath) Contains(b *ir.BasicBlock) bool {
	for _, blk := range p {
		if blk == b {
			return true
		}
	}
	return false
}

// Exit returns the path's final block, the insertion point for its
// assertion.
func (p OHPath) Exit() *ir.BasicBlock {
	if len(p) == 0 {
		return nil
	}
	return p[len(p)-1]
}

// PathPlan binds one path to its assertion point.
type PathPlan struct {
	Path OHPath

	// AssertBlock is the block receiving the assertion call; always the
	// path's exit.
	AssertBlock *ir.BasicBlock

	// HashBranches records whether branch outcomes along this path are
	// folded into the hash.
	HashBranches bool

	// IsLoopPath marks paths that cross a loop; their updates only became
	// admissible because the loop passed the determinism test.
	IsLoopPath bool
}

// Plan is the protection decision for one function.
type Plan struct {
	Mode  Mode
	Paths []PathPlan
}

// DataOracle is the external data-dependency predicate: it classifies
// whether an instruction's value is influenced by untrusted input. The
// planner consumes it as a yes/no black box.
type DataOracle interface {
	IsDataDependent(*ir.Instruction) bool
}

// Options tunes path construction.
type Options struct {
	// HashBranches folds branch outcomes into path hashes, which permits
	// forking paths through branching blocks instead of cutting them there.
	HashBranches bool

	// MaxPaths caps path enumeration per function; exceeding it rejects
	// short-range mode. Zero means the default.
	MaxPaths int
}

const defaultMaxPaths = 64

// Planner decides protection plans for the functions of one module run.
type Planner struct {
	elig   *eligibility.Analysis
	oracle DataOracle
	opts   Options
}

// NewPlanner wires the planner to the eligibility artifacts and the
// external data-dependency oracle.
func NewPlanner(elig *eligibility.Analysis, oracle DataOracle, opts Options) *Planner {
	if opts.MaxPaths <= 0 {
		opts.MaxPaths = defaultMaxPaths
	}
	return &Planner{elig: elig, oracle: oracle, opts: opts}
}

// Plan decides the protection mode for f. shortRange selects whether
// short-range protection should be attempted at all (configuration may
// force global mode).
func (p *Planner) Plan(f *ir.Function, shortRange bool) Plan {
	if f.IsDeclaration() {
		return Plan{Mode: ModeNone}
	}
	if !shortRange {
		return Plan{Mode: ModeGlobal}
	}

	paths, ok := p.enumeratePaths(f)
	if !ok || len(paths) == 0 {
		return Plan{Mode: ModeGlobal}
	}

	loops := DetectLoops(f)
	plans := make([]PathPlan, 0, len(paths))
	for _, path := range paths {
		path, isLoopPath, ok := p.admitPath(f, path, loops)
		if !ok {
			// One unprotectable path rejects short-range mode for the
			// whole function: partial path coverage would leave gaps an
			// adversary could route execution through.
			slog.Debug("short-range rejected", "function", f.Name)
			return Plan{Mode: ModeGlobal}
		}
		plans = append(plans, PathPlan{
			Path:         path,
			AssertBlock:  path.Exit(),
			HashBranches: p.opts.HashBranches,
			IsLoopPath:   isLoopPath,
		})
	}
	return Plan{Mode: ModeShortRange, Paths: plans}
}

// admitPath validates (extending if needed) one candidate path. It returns
// the possibly extended path, whether the path crosses a loop, and whether
// an assertion may be inserted at its exit.
func (p *Planner) admitPath(f *ir.Function, path OHPath, loops *LoopInfo) (OHPath, bool, bool) {
	// An exit block still inside a disqualifying loop is not a valid
	// assertion point: updates after the assert would diverge from the
	// asserted value on later iterations. Grow the path to a later point.
	if exit := path.Exit(); exit != nil && loops.InLoop(exit) {
		extended := p.extendPath(f, path, loops)
		if extended == nil {
			return nil, false, false
		}
		path = extended
	}

	isLoopPath := false
	for _, b := range path {
		if !loops.InLoop(b) {
			continue
		}
		isLoopPath = true
		if !p.loopBlockSafe(f, b) {
			return nil, false, false
		}
	}
	return path, isLoopPath, true
}

// loopBlockSafe applies the determinism test to one in-loop block: no
// instruction may be argument-reachable, global-reachable, or flagged
// data-dependent by the external oracle.
func (p *Planner) loopBlockSafe(f *ir.Function, b *ir.BasicBlock) bool {
	argReach := p.elig.ArgumentReachable(f)
	globReach := p.elig.GlobalReachable(f)
	for _, inst := range b.Instrs {
		if argReach.Contains(inst) || globReach.Contains(inst) {
			return false
		}
		if p.oracle != nil && p.oracle.IsDataDependent(inst) {
			return false
		}
	}
	return true
}

// extendPath grows path with additional blocks until it reaches a block
// outside every loop. Extension follows single-successor edges only; a
// branching or terminal block still inside a loop means no safe assertion
// point exists and the path is abandoned. Extension also refuses to cross a
// memory-defining block: the assertion would move past side effects that were
// not part of the planned path.
func (p *Planner) extendPath(f *ir.Function, path OHPath, loops *LoopInfo) OHPath {
	memDef := p.elig.MemoryDefiningBlocks(f)
	extended := append(OHPath(nil), path...)
	cur := extended.Exit()
	for loops.InLoop(cur) {
		if len(cur.Succs) != 1 {
			return nil
		}
		next := f.Block(cur.Succs[0])
		if next == nil || extended.Contains(next) || memDef.Contains(next) {
			return nil
		}
		extended = append(extended, next)
		cur = next
	}
	return extended
}

// enumeratePaths decomposes f into a path set covering all reachable
// control flow. With branch hashing enabled, paths fork at branching blocks
// into sibling paths sharing the prefix. Without it, a path terminates at a
// branching block and each successor starts a fresh path, since downstream
// blocks are not safe to fold into the same accumulator.
//
// The boolean result is false when enumeration exceeds the configured cap.
func (p *Planner) enumeratePaths(f *ir.Function) ([]OHPath, bool) {
	entry := f.Entry()
	if entry == nil {
		return nil, false
	}
	if p.opts.HashBranches {
		return p.forkingPaths(f, entry)
	}
	return p.segmentPaths(f, entry)
}

// forkingPaths enumerates acyclic entry-to-exit paths depth-first.
func (p *Planner) forkingPaths(f *ir.Function, entry *ir.BasicBlock) ([]OHPath, bool) {
	var paths []OHPath
	var walk func(path OHPath) bool
	walk = func(path OHPath) bool {
		cur := path.Exit()
		extendedAny := false
		for _, name := range cur.Succs {
			next := f.Block(name)
			if next == nil || path.Contains(next) {
				continue // back-edge: the path stops before re-entering
			}
			extendedAny = true
			forked := append(append(OHPath(nil), path...), next)
			if !walk(forked) {
				return false
			}
		}
		if !extendedAny {
			if len(paths) >= p.opts.MaxPaths {
				return false
			}
			paths = append(paths, path)
		}
		return true
	}
	if !walk(OHPath{entry}) {
		return nil, false
	}
	return paths, true
}

// segmentPaths decomposes the CFG into single-successor chains. Every
// reachable block belongs to exactly one path.
func (p *Planner) segmentPaths(f *ir.Function, entry *ir.BasicBlock) ([]OHPath, bool) {
	var paths []OHPath
	started := map[*ir.BasicBlock]bool{entry: true}
	queue := []*ir.BasicBlock{entry}

	for len(queue) > 0 {
		start := queue[0]
		queue = queue[1:]

		path := OHPath{start}
		cur := start
		for len(cur.Succs) == 1 {
			next := f.Block(cur.Succs[0])
			if next == nil || path.Contains(next) || started[next] {
				break
			}
			started[next] = true
			path = append(path, next)
			cur = next
		}
		// Successors past the cut start their own paths.
		for _, name := range cur.Succs {
			next := f.Block(name)
			if next == nil || started[next] || path.Contains(next) {
				continue
			}
			started[next] = true
			queue = append(queue, next)
		}
		if len(paths) >= p.opts.MaxPaths {
			return nil, false
		}
		paths = append(paths, path)
	}
	return paths, true
}
