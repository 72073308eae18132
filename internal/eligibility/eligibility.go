// Package eligibility classifies, per function, which instructions may be
// folded into a running hash: values derived from formal parameters or from
// module-scope state vary legitimately between executions and disqualify an
// instruction, as do explicit skip tags and guard markers.
//
// All four artifacts (argument-reachable set, global-reachable set,
// memory-defining blocks, skip classification) are computed at most once per
// function per pass run and memoized; callers must treat the returned sets
// as read-only snapshots.
package eligibility

import (
	"github.com/puzpuzpuz/xsync/v4"

	"github.com/715d/ohguard/internal/ir"
)

// InstructionSet is a set of instructions keyed by identity.
type InstructionSet map[*ir.Instruction]struct{}

// Contains reports set membership. A nil set contains nothing.
func (s InstructionSet) Contains(i *ir.Instruction) bool {
	_, ok := s[i]
	return ok
}

// BlockSet is a set of basic blocks keyed by identity.
type BlockSet map[*ir.BasicBlock]struct{}

// Contains reports set membership.
func (s BlockSet) Contains(b *ir.BasicBlock) bool {
	_, ok := s[b]
	return ok
}

// Config carries the skip classification inputs consumed from external
// metadata: the configured skip tags and the callee names of guard routines
// inserted by a prior instrumentation pass.
type Config struct {
	SkipTags     []string
	GuardCallees []string
}

// Analysis computes and caches eligibility artifacts for the functions of
// one module during one pass run. The caches are never invalidated; a new
// run starts from a fresh Analysis.
type Analysis struct {
	cfg       Config
	skipTags  map[string]bool
	guards    map[string]bool
	argReach  *xsync.Map[*ir.Function, InstructionSet]
	globReach *xsync.Map[*ir.Function, InstructionSet]
	memDef    *xsync.Map[*ir.Function, BlockSet]
}

// NewAnalysis creates an Analysis for one pass run.
func NewAnalysis(cfg Config) *Analysis {
	skipTags := make(map[string]bool, len(cfg.SkipTags))
	for _, tag := range cfg.SkipTags {
		skipTags[tag] = true
	}
	guards := make(map[string]bool, len(cfg.GuardCallees))
	for _, callee := range cfg.GuardCallees {
		guards[callee] = true
	}
	return &Analysis{
		cfg:       cfg,
		skipTags:  skipTags,
		guards:    guards,
		argReach:  xsync.NewMap[*ir.Function, InstructionSet](),
		globReach: xsync.NewMap[*ir.Function, InstructionSet](),
		memDef:    xsync.NewMap[*ir.Function, BlockSet](),
	}
}

// ArgumentReachable returns the instructions of f whose value transitively
// derives from f's formal parameters along def-use edges.
func (a *Analysis) ArgumentReachable(f *ir.Function) InstructionSet {
	if set, ok := a.argReach.Load(f); ok {
		return set
	}
	set := collectReachable(f, func(op ir.Value) bool {
		return op.Kind == ir.ValueParam && f.IsParam(op.Name)
	})
	actual, _ := a.argReach.LoadOrStore(f, set)
	return actual
}

// GlobalReachable returns the instructions of f transitively depending on
// module-scope state along def-use edges.
func (a *Analysis) GlobalReachable(f *ir.Function) InstructionSet {
	if set, ok := a.globReach.Load(f); ok {
		return set
	}
	set := collectReachable(f, func(op ir.Value) bool {
		return op.Kind == ir.ValueGlobal
	})
	actual, _ := a.globReach.LoadOrStore(f, set)
	return actual
}

// MemoryDefiningBlocks returns the blocks of f containing a memory write.
func (a *Analysis) MemoryDefiningBlocks(f *ir.Function) BlockSet {
	if set, ok := a.memDef.Load(f); ok {
		return set
	}
	set := make(BlockSet)
	for _, b := range f.Blocks {
		for _, inst := range b.Instrs {
			if inst.Kind == ir.KindStore {
				set[b] = struct{}{}
				break
			}
		}
	}
	actual, _ := a.memDef.LoadOrStore(f, set)
	return actual
}

// Skip reports whether inst is excluded from instrumentation: it carries a
// configured skip tag, is marked with guard metadata, or is itself a call to
// a guard/assertion routine inserted by a prior pass.
func (a *Analysis) Skip(inst *ir.Instruction) bool {
	if tag := inst.SkipTag(); tag != "" && a.skipTags[tag] {
		return true
	}
	if inst.IsGuard() {
		return true
	}
	if inst.IsCallLike() && a.guards[inst.Callee] {
		return true
	}
	return false
}

// Precompute warms the per-function caches for every function in fns. The
// artifacts are independent per function, so warming may run concurrently;
// the transform that consumes them stays strictly sequential.
func (a *Analysis) Precompute(fns []*ir.Function) {
	for _, f := range fns {
		if f.IsDeclaration() {
			continue
		}
		a.ArgumentReachable(f)
		a.GlobalReachable(f)
		a.MemoryDefiningBlocks(f)
	}
}

// collectReachable propagates taint from seed operands along def-use edges
// to a fixed point. Iteration over blocks repeats because a register defined
// in a later block can flow into an earlier one through a loop.
func collectReachable(f *ir.Function, seed func(ir.Value) bool) InstructionSet {
	set := make(InstructionSet)
	tainted := make(map[string]bool)

	for changed := true; changed; {
		changed = false
		for _, b := range f.Blocks {
			for _, inst := range b.Instrs {
				if set.Contains(inst) {
					continue
				}
				if !usesTainted(inst, tainted, seed) {
					continue
				}
				set[inst] = struct{}{}
				changed = true
				if inst.Result != "" && !tainted[inst.Result] {
					tainted[inst.Result] = true
				}
			}
		}
	}
	return set
}

func usesTainted(inst *ir.Instruction, tainted map[string]bool, seed func(ir.Value) bool) bool {
	for _, op := range inst.Operands {
		if seed(op) {
			return true
		}
		if op.Kind == ir.ValueRegister && tainted[op.Name] {
			return true
		}
	}
	return false
}
