package instrument

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/715d/ohguard/internal/eligibility"
	"github.com/715d/ohguard/internal/hashpool"
	"github.com/715d/ohguard/internal/ir"
	"github.com/715d/ohguard/internal/pathplan"
)

func newTestInstrumenter(m *ir.Module) *Instrumenter {
	elig := eligibility.NewAnalysis(eligibility.Config{
		SkipTags:     []string{"assert"},
		GuardCallees: []string{HashFunc1, HashFunc2, AssertFunc},
	})
	return New(m, elig, hashpool.New(m, 4), nil, nil)
}

func constOp(lit string) ir.Value {
	return ir.Value{Kind: ir.ValueConst, Name: lit}
}

// updates collects the mixer calls of a block, in order.
func updates(b *ir.BasicBlock) []*ir.Instruction {
	var out []*ir.Instruction
	for _, inst := range b.Instrs {
		if inst.Callee == HashFunc1 || inst.Callee == HashFunc2 {
			out = append(out, inst)
		}
	}
	return out
}

func asserts(b *ir.BasicBlock) []*ir.Instruction {
	var out []*ir.Instruction
	for _, inst := range b.Instrs {
		if inst.Callee == AssertFunc {
			out = append(out, inst)
		}
	}
	return out
}

func TestGlobalOH(t *testing.T) {
	foldable := &ir.Instruction{Kind: ir.KindOther, Result: "r1", Operands: []ir.Value{constOp("7")}}
	f := &ir.Function{
		Name: "f",
		Blocks: []*ir.BasicBlock{
			{Name: "entry", Instrs: []*ir.Instruction{
				foldable,
				{Kind: ir.KindStore, Operands: []ir.Value{constOp("0")}},
				{Kind: ir.KindReturn},
			}},
		},
	}
	m := &ir.Module{Name: "test", Functions: []*ir.Function{f}}
	ins := newTestInstrumenter(m)

	require.True(t, ins.Function(f, pathplan.Plan{Mode: pathplan.ModeGlobal}))

	entry := f.Entry()
	ups := updates(entry)
	require.Len(t, ups, 1)
	require.Same(t, ups[0], entry.Instrs[1], "update must directly follow the folded instruction")
	require.True(t, ups[0].IsGuard())
	require.Equal(t, ir.ValueGlobal, ups[0].Operands[0].Kind)
	require.Equal(t, ir.Value{Kind: ir.ValueRegister, Name: "r1"}, ups[0].Operands[1])

	as := asserts(entry)
	require.Len(t, as, 1)
	require.Equal(t, constOp("0"), as[0].Operands[1], "global assertions carry the whole-function flag")
	require.Equal(t, ir.KindReturn, entry.Instrs[len(entry.Instrs)-1].Kind, "assert goes before the return")

	stats := ins.Stats()
	require.Equal(t, 1, stats.HashUpdates)
	require.Equal(t, 1, stats.Asserts)
	require.Equal(t, 1, stats.ProtectedInstrs)
}

func TestGlobalOH_MixersAlternate(t *testing.T) {
	first := &ir.Instruction{Kind: ir.KindOther, Result: "r1", Operands: []ir.Value{constOp("1")}}
	second := &ir.Instruction{Kind: ir.KindOther, Result: "r2", Operands: []ir.Value{constOp("2")}}
	f := &ir.Function{
		Name: "f",
		Blocks: []*ir.BasicBlock{
			{Name: "entry", Instrs: []*ir.Instruction{first, second, {Kind: ir.KindReturn}}},
		},
	}
	m := &ir.Module{Functions: []*ir.Function{f}}
	ins := newTestInstrumenter(m)

	require.True(t, ins.Function(f, pathplan.Plan{Mode: pathplan.ModeGlobal}))

	ups := updates(f.Entry())
	require.Len(t, ups, 2)
	require.Equal(t, HashFunc1, ups[0].Callee)
	require.Equal(t, HashFunc2, ups[1].Callee)
}

func TestGlobalOH_AssertsBeforeEveryReturn(t *testing.T) {
	f := &ir.Function{
		Name: "f",
		Blocks: []*ir.BasicBlock{
			{Name: "entry", Succs: []string{"a", "b"}, Instrs: []*ir.Instruction{
				{Kind: ir.KindOther, Result: "r1", Operands: []ir.Value{constOp("1")}},
				{Kind: ir.KindBranch},
			}},
			{Name: "a", Instrs: []*ir.Instruction{{Kind: ir.KindReturn}}},
			{Name: "b", Instrs: []*ir.Instruction{{Kind: ir.KindReturn}}},
		},
	}
	m := &ir.Module{Functions: []*ir.Function{f}}
	ins := newTestInstrumenter(m)

	require.True(t, ins.Function(f, pathplan.Plan{Mode: pathplan.ModeGlobal}))

	require.Len(t, asserts(f.Block("a")), 1)
	require.Len(t, asserts(f.Block("b")), 1)
	require.Empty(t, asserts(f.Entry()))
	require.Equal(t, 2, ins.Stats().Asserts)
}

func TestGlobalOH_Exclusions(t *testing.T) {
	skipped := &ir.Instruction{Kind: ir.KindCall, Callee: "check", Result: "s1"}
	skipped.SetMeta(ir.MetaSkip, "assert")
	argDerived := &ir.Instruction{Kind: ir.KindOther, Result: "a1",
		Operands: []ir.Value{{Kind: ir.ValueParam, Name: "x"}}}
	globDerived := &ir.Instruction{Kind: ir.KindOther, Result: "g1",
		Operands: []ir.Value{{Kind: ir.ValueGlobal, Name: "state"}}}

	f := &ir.Function{
		Name:   "f",
		Params: []string{"x"},
		Blocks: []*ir.BasicBlock{
			{Name: "entry", Instrs: []*ir.Instruction{skipped, argDerived, globDerived, {Kind: ir.KindReturn}}},
		},
	}
	m := &ir.Module{Functions: []*ir.Function{f}}
	ins := newTestInstrumenter(m)

	// Nothing foldable remains, so no update and no assert.
	require.False(t, ins.Function(f, pathplan.Plan{Mode: pathplan.ModeGlobal}))
	require.Empty(t, updates(f.Entry()))
	require.Empty(t, asserts(f.Entry()))
	require.Equal(t, 1, ins.Stats().SkippedInstrs)
}

func TestGlobalOH_AtMostOncePerRun(t *testing.T) {
	foldable := &ir.Instruction{Kind: ir.KindOther, Result: "r1", Operands: []ir.Value{constOp("1")}}
	f := &ir.Function{
		Name:   "f",
		Blocks: []*ir.BasicBlock{{Name: "entry", Instrs: []*ir.Instruction{foldable, {Kind: ir.KindReturn}}}},
	}
	m := &ir.Module{Functions: []*ir.Function{f}}
	ins := newTestInstrumenter(m)

	ins.Function(f, pathplan.Plan{Mode: pathplan.ModeGlobal})
	ins.Function(f, pathplan.Plan{Mode: pathplan.ModeGlobal})

	require.Len(t, updates(f.Entry()), 1, "reprocessing must not fold the same instruction twice")
}

func TestGlobalOH_ReleasesSlot(t *testing.T) {
	f := &ir.Function{
		Name: "f",
		Blocks: []*ir.BasicBlock{{Name: "entry", Instrs: []*ir.Instruction{
			{Kind: ir.KindOther, Result: "r1", Operands: []ir.Value{constOp("1")}},
			{Kind: ir.KindReturn},
		}}},
	}
	m := &ir.Module{Functions: []*ir.Function{f}}
	elig := eligibility.NewAnalysis(eligibility.Config{})
	pool := hashpool.New(m, 2)
	ins := New(m, elig, pool, nil, nil)

	ins.Function(f, pathplan.Plan{Mode: pathplan.ModeGlobal})

	for i := range pool.Len() {
		require.False(t, pool.InUse(i))
	}
}

func TestShortRangeOH(t *testing.T) {
	entryFold := &ir.Instruction{Kind: ir.KindOther, Result: "e1", Operands: []ir.Value{constOp("3")}}
	exitFold := &ir.Instruction{Kind: ir.KindOther, Result: "x1", Operands: []ir.Value{constOp("4")}}
	entry := &ir.BasicBlock{Name: "entry", Succs: []string{"exit"}, Instrs: []*ir.Instruction{entryFold}}
	exit := &ir.BasicBlock{Name: "exit", Instrs: []*ir.Instruction{exitFold, {Kind: ir.KindReturn}}}
	f := &ir.Function{Name: "f", Blocks: []*ir.BasicBlock{entry, exit}}
	m := &ir.Module{Functions: []*ir.Function{f}}
	ins := newTestInstrumenter(m)

	plan := pathplan.Plan{Mode: pathplan.ModeShortRange, Paths: []pathplan.PathPlan{
		{Path: pathplan.OHPath{entry, exit}, AssertBlock: exit},
	}}
	require.True(t, ins.Function(f, plan))

	require.Len(t, updates(entry), 1)
	require.Len(t, updates(exit), 1)

	as := asserts(exit)
	require.Len(t, as, 1)
	require.Equal(t, constOp("1"), as[0].Operands[1], "short-range assertions carry the path flag")

	// Both updates and the assert reference the same accumulator.
	hashVar := updates(entry)[0].Operands[0].Name
	require.Equal(t, hashVar, updates(exit)[0].Operands[0].Name)
	require.Equal(t, hashVar, as[0].Operands[0].Name)

	ohs := ins.PathOHs(f)
	require.Len(t, ohs, 1)
	require.Equal(t, hashVar, ohs[0].HashVar)
	require.Equal(t, 1, ins.Stats().ShortRangePaths)
}

func TestShortRangeOH_SharedPrefixFoldedOnce(t *testing.T) {
	prefixFold := &ir.Instruction{Kind: ir.KindOther, Result: "p1", Operands: []ir.Value{constOp("1")}}
	entry := &ir.BasicBlock{Name: "entry", Succs: []string{"left", "right"},
		Instrs: []*ir.Instruction{prefixFold, {Kind: ir.KindBranch}}}
	left := &ir.BasicBlock{Name: "left", Instrs: []*ir.Instruction{
		{Kind: ir.KindOther, Result: "l1", Operands: []ir.Value{constOp("2")}},
		{Kind: ir.KindReturn},
	}}
	right := &ir.BasicBlock{Name: "right", Instrs: []*ir.Instruction{
		{Kind: ir.KindOther, Result: "r1", Operands: []ir.Value{constOp("3")}},
		{Kind: ir.KindReturn},
	}}
	f := &ir.Function{Name: "f", Blocks: []*ir.BasicBlock{entry, left, right}}
	m := &ir.Module{Functions: []*ir.Function{f}}
	ins := newTestInstrumenter(m)

	plan := pathplan.Plan{Mode: pathplan.ModeShortRange, Paths: []pathplan.PathPlan{
		{Path: pathplan.OHPath{entry, left}, AssertBlock: left, HashBranches: true},
		{Path: pathplan.OHPath{entry, right}, AssertBlock: right, HashBranches: true},
	}}
	require.True(t, ins.Function(f, plan))

	require.Len(t, updates(entry), 1, "shared prefix folds into the first path only")
	require.Len(t, asserts(left), 1)
	require.Len(t, asserts(right), 1)

	// Sibling paths hold distinct accumulators while both are live.
	require.NotEqual(t, ins.PathOHs(f)[0].HashVar, ins.PathOHs(f)[1].HashVar)
}

func TestShortRangeOH_BranchConditionSkippedWithoutHashBranches(t *testing.T) {
	cmp := &ir.Instruction{Kind: ir.KindCompare, Result: "c1",
		Operands: []ir.Value{constOp("1"), constOp("2")}}
	branch := &ir.Instruction{Kind: ir.KindBranch,
		Operands: []ir.Value{{Kind: ir.ValueRegister, Name: "c1"}}}
	fold := &ir.Instruction{Kind: ir.KindOther, Result: "r1", Operands: []ir.Value{constOp("1")}}
	entry := &ir.BasicBlock{Name: "entry", Succs: []string{"exit"},
		Instrs: []*ir.Instruction{fold, cmp, branch}}
	exit := &ir.BasicBlock{Name: "exit", Instrs: []*ir.Instruction{{Kind: ir.KindReturn}}}
	f := &ir.Function{Name: "f", Blocks: []*ir.BasicBlock{entry, exit}}
	m := &ir.Module{Functions: []*ir.Function{f}}

	t.Run("without branch hashing", func(t *testing.T) {
		ins := newTestInstrumenter(m)
		plan := pathplan.Plan{Mode: pathplan.ModeShortRange, Paths: []pathplan.PathPlan{
			{Path: pathplan.OHPath{entry, exit}, AssertBlock: exit, HashBranches: false},
		}}
		ins.Function(f, plan)
		require.Len(t, updates(entry), 1, "only the non-condition value folds")
	})
}

func TestShortRangeOH_NonCompareConditionSkippedWithoutHashBranches(t *testing.T) {
	// A call result steering the branch encodes the outcome as much as a
	// comparison does, so it must not fold either.
	cond := &ir.Instruction{Kind: ir.KindCall, Callee: "decide", Result: "c1",
		Operands: []ir.Value{constOp("5")}}
	branch := &ir.Instruction{Kind: ir.KindBranch,
		Operands: []ir.Value{{Kind: ir.ValueRegister, Name: "c1"}}}
	entry := &ir.BasicBlock{Name: "entry", Succs: []string{"exit"},
		Instrs: []*ir.Instruction{cond, branch}}
	exit := &ir.BasicBlock{Name: "exit", Instrs: []*ir.Instruction{{Kind: ir.KindReturn}}}
	f := &ir.Function{Name: "f", Blocks: []*ir.BasicBlock{entry, exit}}
	m := &ir.Module{Functions: []*ir.Function{f}}

	ins := newTestInstrumenter(m)
	plan := pathplan.Plan{Mode: pathplan.ModeShortRange, Paths: []pathplan.PathPlan{
		{Path: pathplan.OHPath{entry, exit}, AssertBlock: exit, HashBranches: false},
	}}
	require.False(t, ins.Function(f, plan))
	require.Empty(t, updates(entry))
}

func TestFoldCallLike(t *testing.T) {
	call := &ir.Instruction{
		Kind:   ir.KindCall,
		Callee: "compute",
		Result: "r1",
		Operands: []ir.Value{
			constOp("10"),
			{Kind: ir.ValueRegister, Name: "v1"},
			constOp("20"),
		},
	}
	f := &ir.Function{
		Name:   "f",
		Blocks: []*ir.BasicBlock{{Name: "entry", Instrs: []*ir.Instruction{call, {Kind: ir.KindReturn}}}},
	}
	m := &ir.Module{Functions: []*ir.Function{f}}
	ins := newTestInstrumenter(m)

	require.True(t, ins.Function(f, pathplan.Plan{Mode: pathplan.ModeGlobal}))

	// Two constant arguments, the result, and the protected-argument count,
	// in that order in the block.
	ups := updates(f.Entry())
	require.Len(t, ups, 4)
	require.Equal(t, constOp("10"), ups[0].Operands[1])
	require.Equal(t, constOp("20"), ups[1].Operands[1])
	require.Equal(t, ir.Value{Kind: ir.ValueRegister, Name: "r1"}, ups[2].Operands[1])
	require.Equal(t, constOp("2"), ups[3].Operands[1])
	require.Equal(t, 2, ins.Stats().ProtectedArguments)

	// Mixer alternation follows placement order, not some internal counter.
	require.Equal(t, HashFunc1, ups[0].Callee)
	require.Equal(t, HashFunc2, ups[1].Callee)
	require.Equal(t, HashFunc1, ups[2].Callee)
	require.Equal(t, HashFunc2, ups[3].Callee)
}

func TestFoldCompare(t *testing.T) {
	cmp := &ir.Instruction{Kind: ir.KindCompare, Result: "c1",
		Operands: []ir.Value{constOp("1"), constOp("2")}}
	f := &ir.Function{
		Name:   "f",
		Blocks: []*ir.BasicBlock{{Name: "entry", Instrs: []*ir.Instruction{cmp, {Kind: ir.KindReturn}}}},
	}
	m := &ir.Module{Functions: []*ir.Function{f}}
	ins := newTestInstrumenter(m)

	require.True(t, ins.Function(f, pathplan.Plan{Mode: pathplan.ModeGlobal}))

	// Both operands plus the boolean result, operands first.
	ups := updates(f.Entry())
	require.Len(t, ups, 3)
	require.Equal(t, constOp("1"), ups[0].Operands[1])
	require.Equal(t, constOp("2"), ups[1].Operands[1])
	require.Equal(t, ir.Value{Kind: ir.ValueRegister, Name: "c1"}, ups[2].Operands[1])
}

func TestSetAssertLimit(t *testing.T) {
	makeFunc := func(name string) *ir.Function {
		return &ir.Function{
			Name: name,
			Blocks: []*ir.BasicBlock{{Name: "entry", Instrs: []*ir.Instruction{
				{Kind: ir.KindOther, Result: "r1", Operands: []ir.Value{constOp("1")}},
				{Kind: ir.KindReturn},
			}}},
		}
	}
	a, b := makeFunc("a"), makeFunc("b")
	m := &ir.Module{Functions: []*ir.Function{a, b}}
	ins := newTestInstrumenter(m)
	ins.SetAssertLimit(1)

	require.True(t, ins.Function(a, pathplan.Plan{Mode: pathplan.ModeGlobal}))
	require.False(t, ins.Function(b, pathplan.Plan{Mode: pathplan.ModeGlobal}),
		"second function exceeds the assert budget")

	require.Equal(t, 1, ins.Stats().Asserts)
	require.Empty(t, updates(b.Entry()), "over-budget function stays untouched")
}

func TestFunction_ModeNone(t *testing.T) {
	f := &ir.Function{
		Name:   "f",
		Blocks: []*ir.BasicBlock{{Name: "entry", Instrs: []*ir.Instruction{{Kind: ir.KindReturn}}}},
	}
	m := &ir.Module{Functions: []*ir.Function{f}}
	ins := newTestInstrumenter(m)

	require.False(t, ins.Function(f, pathplan.Plan{Mode: pathplan.ModeNone}))
	require.Zero(t, ins.Stats().HashUpdates)
}
