// Package instrument mutates a module according to per-function protection
// plans: it folds eligible instruction values into running hash accumulators
// through two independent mixing callees and inserts assertion calls at the
// planned points.
//
// The engine never aborts over an awkward instruction: anything skip-tagged,
// guard-related, unsafe per the dependency checks, or of an unrecognized
// category is left uninstrumented and the pass degrades to doing less.
package instrument

import (
	"log/slog"
	"strconv"

	"github.com/715d/ohguard/internal/eligibility"
	"github.com/715d/ohguard/internal/hashpool"
	"github.com/715d/ohguard/internal/ir"
	"github.com/715d/ohguard/internal/pathplan"
)

// Runtime callees inserted by the instrumenter. Their bodies live in the
// companion runtime; the comparison protocol of the assertion (against an
// expected constant baked by a separate build step) is external to this
// engine.
const (
	// HashFunc1 and HashFunc2 are the two mixing routines with signature
	// (currentHash, value) -> newHash. Alternating them yields two
	// decorrelated accumulators, raising the cost of reconstructing the
	// check from either alone.
	HashFunc1 = "oh_hash1"
	HashFunc2 = "oh_hash2"

	// AssertFunc is the guard routine (hash, shortRangeFlag) -> void.
	AssertFunc = "oh_assert"

	// PathFunctionsCallee names the synthetic function that invokes every
	// extracted path function in insertion order.
	PathFunctionsCallee = "oh_path_functions"
)

// Stats accumulates instrumentation counts for reporting.
type Stats struct {
	HashUpdates        int `json:"hash_updates"`
	Asserts            int `json:"asserts"`
	ProtectedInstrs    int `json:"protected_instructions"`
	SkippedInstrs      int `json:"skipped_instructions"`
	ProtectedArguments int `json:"protected_arguments"`
	ShortRangePaths    int `json:"short_range_paths"`
	ExtractedFunctions int `json:"extracted_functions"`
}

// Slicer is the external taint/slicing utility: it extracts the subset of a
// path's data and control dependencies relevant to a candidate assertion
// point. A nil result means every instruction on the path is relevant.
type Slicer interface {
	Slice(path pathplan.OHPath, assert *ir.BasicBlock) eligibility.InstructionSet
}

// ShortRangePathOH binds one planned path to the accumulator it updates and,
// after extraction, to the standalone function exclusively owning the path's
// instrumented blocks.
type ShortRangePathOH struct {
	Plan      pathplan.PathPlan
	HashSlot  int
	HashVar   string
	Extracted *ir.Function
}

// Instrumenter walks plans and mutates the module. One Instrumenter serves
// exactly one pass run; its hashed-instruction ledgers are what make
// reprocessing a function idempotent within the run.
type Instrumenter struct {
	module *ir.Module
	elig   *eligibility.Analysis
	pool   *hashpool.Pool
	oracle pathplan.DataOracle
	slicer Slicer

	stats       Stats
	updateCount int
	maxAsserts  int

	globalHashed     map[*ir.Instruction]struct{}
	shortRangeHashed map[*ir.Instruction]struct{}

	pathOrder []*ir.Function
	pathOHs   map[*ir.Function][]*ShortRangePathOH
}

// New creates an Instrumenter for one run over m.
func New(m *ir.Module, elig *eligibility.Analysis, pool *hashpool.Pool, oracle pathplan.DataOracle, slicer Slicer) *Instrumenter {
	return &Instrumenter{
		module:           m,
		elig:             elig,
		pool:             pool,
		oracle:           oracle,
		slicer:           slicer,
		globalHashed:     make(map[*ir.Instruction]struct{}),
		shortRangeHashed: make(map[*ir.Instruction]struct{}),
		pathOHs:          make(map[*ir.Function][]*ShortRangePathOH),
	}
}

// Stats returns the counts accumulated so far.
func (ins *Instrumenter) Stats() Stats { return ins.stats }

// SetAssertLimit caps the total number of assertion calls inserted during the
// run. n <= 0 means unlimited. A function or path whose protection would
// exceed the remaining budget is left unprotected rather than half-asserted.
func (ins *Instrumenter) SetAssertLimit(n int) { ins.maxAsserts = n }

// assertBudget reports whether need more assertions fit under the cap.
func (ins *Instrumenter) assertBudget(need int) bool {
	return ins.maxAsserts <= 0 || ins.stats.Asserts+need <= ins.maxAsserts
}

// PathOHs returns the short-range records for f, in path order.
func (ins *Instrumenter) PathOHs(f *ir.Function) []*ShortRangePathOH {
	return ins.pathOHs[f]
}

// Function applies plan to f. Returns whether any hash update was inserted.
func (ins *Instrumenter) Function(f *ir.Function, plan pathplan.Plan) bool {
	switch plan.Mode {
	case pathplan.ModeGlobal:
		return ins.globalOH(f)
	case pathplan.ModeShortRange:
		return ins.shortRangeOH(f, plan)
	default:
		return false
	}
}

// globalOH protects the whole function with one accumulator, asserting
// before every return so every exit is covered.
func (ins *Instrumenter) globalOH(f *ir.Function) bool {
	returns := 0
	for _, b := range f.Blocks {
		if term := b.Terminator(); term != nil && term.Kind == ir.KindReturn {
			returns++
		}
	}
	if !ins.assertBudget(returns) {
		slog.Debug("assert budget exhausted, function left unprotected", "function", f.Name)
		return false
	}

	slot, hashVar, ok := ins.pool.Acquire()
	if !ok {
		slog.Warn("hash slot pool exhausted, function left unprotected", "function", f.Name)
		return false
	}
	defer ins.pool.Release(slot)

	updated := false
	for _, b := range f.Blocks {
		for _, inst := range snapshot(b.Instrs) {
			if _, done := ins.globalHashed[inst]; done {
				continue
			}
			if !ins.canInstrument(f, inst) {
				continue
			}
			if ins.foldInstruction(b, inst, hashVar) {
				ins.globalHashed[inst] = struct{}{}
				updated = true
			}
		}
	}
	if !updated {
		return false
	}
	for _, b := range f.Blocks {
		if term := b.Terminator(); term != nil && term.Kind == ir.KindReturn {
			ins.insertAssert(b, hashVar, false)
		}
	}
	return true
}

// shortRangeOH protects each planned path with its own accumulator and an
// assertion at the path's exit block. All slots of the function's paths stay
// assigned until the function is done: sibling paths share prefix blocks and
// are therefore live concurrently.
func (ins *Instrumenter) shortRangeOH(f *ir.Function, plan pathplan.Plan) bool {
	var slots []int
	defer func() {
		for _, s := range slots {
			ins.pool.Release(s)
		}
	}()

	updatedAny := false
	for _, pp := range plan.Paths {
		if !ins.assertBudget(1) {
			slog.Debug("assert budget exhausted, path left unprotected", "function", f.Name)
			break
		}
		slot, hashVar, ok := ins.pool.Acquire()
		if !ok {
			slog.Warn("hash slot pool exhausted, path left unprotected", "function", f.Name)
			continue
		}
		slots = append(slots, slot)

		var relevant eligibility.InstructionSet
		if ins.slicer != nil {
			relevant = ins.slicer.Slice(pp.Path, pp.AssertBlock)
		}

		updated := false
		for _, b := range pp.Path {
			if ins.processPathBlock(f, b, hashVar, pp.HashBranches, relevant) {
				updated = true
			}
		}
		if !updated {
			continue
		}
		ins.insertAssert(pp.AssertBlock, hashVar, true)
		ins.pathOHs[f] = append(ins.pathOHs[f], &ShortRangePathOH{
			Plan:     pp,
			HashSlot: slot,
			HashVar:  hashVar,
		})
		if len(ins.pathOHs[f]) == 1 {
			ins.pathOrder = append(ins.pathOrder, f)
		}
		ins.stats.ShortRangePaths++
		updatedAny = true
	}
	return updatedAny
}

// processPathBlock folds the eligible instructions of one block on a path.
// Instructions already folded by a sibling path's shared prefix are left
// alone, as is anything the slicer deems irrelevant to the assertion point.
func (ins *Instrumenter) processPathBlock(f *ir.Function, b *ir.BasicBlock, hashVar string, hashBranches bool, relevant eligibility.InstructionSet) bool {
	updated := false
	for _, inst := range snapshot(b.Instrs) {
		if _, done := ins.shortRangeHashed[inst]; done {
			continue
		}
		if relevant != nil && !relevant.Contains(inst) {
			continue
		}
		if !ins.canInstrument(f, inst) {
			continue
		}
		if !hashBranches && feedsBranch(b, inst) {
			continue
		}
		if ins.foldInstruction(b, inst, hashVar) {
			ins.shortRangeHashed[inst] = struct{}{}
			updated = true
		}
	}
	return updated
}

// canInstrument applies the shared safety preconditions: skip tags and guard
// markers, terminators and memory writes (nothing to fold), caller- or
// global-influenced values, and the external data-dependency verdict.
func (ins *Instrumenter) canInstrument(f *ir.Function, inst *ir.Instruction) bool {
	if inst.IsTerminator() || inst.Kind == ir.KindStore {
		return false
	}
	if ins.elig.Skip(inst) {
		ins.stats.SkippedInstrs++
		return false
	}
	if ins.elig.ArgumentReachable(f).Contains(inst) || ins.elig.GlobalReachable(f).Contains(inst) {
		return false
	}
	if ins.oracle != nil && ins.oracle.IsDataDependent(inst) {
		return false
	}
	return true
}

// foldInstruction dispatches on the instruction's category and folds a
// representative value into the accumulator. Unrecognized shapes fold
// nothing and report false.
func (ins *Instrumenter) foldInstruction(b *ir.BasicBlock, inst *ir.Instruction, hashVar string) bool {
	var folded int
	switch inst.Kind {
	case ir.KindCall, ir.KindInvoke:
		folded = ins.foldCallLike(b, inst, hashVar)
	case ir.KindGetElementPtr:
		folded = ins.foldResult(b, inst, hashVar)
	case ir.KindCompare:
		folded = ins.foldCompare(b, inst, hashVar)
	default:
		folded = ins.foldResult(b, inst, hashVar)
	}
	if folded == 0 {
		return false
	}
	ins.stats.ProtectedInstrs++
	return true
}

// foldCallLike handles any call-like node uniformly: the call's result, its
// constant arguments, and a count of the protected arguments all go into the
// hash.
func (ins *Instrumenter) foldCallLike(b *ir.BasicBlock, call *ir.Instruction, hashVar string) int {
	folded := 0
	protectedArgs := 0
	anchor := call
	for _, op := range call.Operands {
		if op.Kind != ir.ValueConst {
			continue
		}
		anchor = ins.insertUpdate(b, anchor, hashVar, op)
		folded++
		protectedArgs++
	}
	if call.Result != "" {
		anchor = ins.insertUpdate(b, anchor, hashVar, ir.Value{Kind: ir.ValueRegister, Name: call.Result})
		folded++
	}
	if protectedArgs > 0 {
		ins.insertUpdate(b, anchor, hashVar, ir.Value{Kind: ir.ValueConst, Name: strconv.Itoa(protectedArgs)})
		folded++
		ins.stats.ProtectedArguments += protectedArgs
	}
	return folded
}

// foldCompare folds both operands and the boolean result.
func (ins *Instrumenter) foldCompare(b *ir.BasicBlock, cmp *ir.Instruction, hashVar string) int {
	folded := 0
	anchor := cmp
	for _, op := range cmp.Operands {
		anchor = ins.insertUpdate(b, anchor, hashVar, op)
		folded++
	}
	if cmp.Result != "" {
		ins.insertUpdate(b, anchor, hashVar, ir.Value{Kind: ir.ValueRegister, Name: cmp.Result})
		folded++
	}
	return folded
}

// foldResult folds the defined register, if any.
func (ins *Instrumenter) foldResult(b *ir.BasicBlock, inst *ir.Instruction, hashVar string) int {
	if inst.Result == "" {
		return 0
	}
	ins.insertUpdate(b, inst, hashVar, ir.Value{Kind: ir.ValueRegister, Name: inst.Result})
	return 1
}

// insertUpdate places a mixing call immediately after anchor and returns it,
// so multi-value folds chain their updates and the update order in the block
// matches runtime execution order. The two mixers alternate per update.
func (ins *Instrumenter) insertUpdate(b *ir.BasicBlock, anchor *ir.Instruction, hashVar string, v ir.Value) *ir.Instruction {
	callee := HashFunc1
	if ins.updateCount%2 == 1 {
		callee = HashFunc2
	}
	ins.updateCount++

	update := &ir.Instruction{
		Kind:   ir.KindCall,
		Callee: callee,
		Operands: []ir.Value{
			{Kind: ir.ValueGlobal, Name: hashVar},
			v,
		},
	}
	update.SetMeta(ir.MetaGuard, "")
	b.InsertAfter(update, anchor)
	ins.stats.HashUpdates++
	return update
}

// insertAssert places the verification call at the end of b, before the
// terminator when one exists.
func (ins *Instrumenter) insertAssert(b *ir.BasicBlock, hashVar string, shortRange bool) {
	flag := "0"
	if shortRange {
		flag = "1"
	}
	assert := &ir.Instruction{
		Kind:   ir.KindCall,
		Callee: AssertFunc,
		Operands: []ir.Value{
			{Kind: ir.ValueGlobal, Name: hashVar},
			{Kind: ir.ValueConst, Name: flag},
		},
	}
	assert.SetMeta(ir.MetaGuard, "")
	if term := b.Terminator(); term != nil {
		b.InsertBefore(assert, term)
	} else {
		b.Instrs = append(b.Instrs, assert)
	}
	ins.stats.Asserts++
}

// feedsBranch reports whether inst defines the condition consumed by the
// block's terminator, i.e. whether folding it would hash a branch outcome.
// Any condition-producing instruction counts, not just comparisons: a call
// or load result steering the branch encodes the outcome just as directly.
func feedsBranch(b *ir.BasicBlock, inst *ir.Instruction) bool {
	if inst.Result == "" {
		return false
	}
	term := b.Terminator()
	if term == nil || term.Kind != ir.KindBranch {
		return false
	}
	for _, op := range term.Operands {
		if op.Kind == ir.ValueRegister && op.Name == inst.Result {
			return true
		}
	}
	return false
}

// snapshot copies an instruction slice so the walk is insensitive to
// insertions made while iterating.
func snapshot(instrs []*ir.Instruction) []*ir.Instruction {
	out := make([]*ir.Instruction, len(instrs))
	copy(out, instrs)
	return out
}
