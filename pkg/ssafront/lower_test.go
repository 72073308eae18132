package ssafront

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/715d/ohguard/internal/ir"
	"github.com/715d/ohguard/internal/reach"
)

func lowerSimple(t *testing.T) *ir.Module {
	t.Helper()
	m, err := Lower(context.Background(), Options{
		Patterns: []string{"./..."},
		Dir:      "testdata/simple",
	})
	require.NoError(t, err)
	return m
}

func TestLower(t *testing.T) {
	m := lowerSimple(t)

	require.Equal(t, "simple", m.Name)
	require.True(t, m.HasGlobal("simple.counter"))

	main := m.Function("simple.main")
	require.NotNil(t, main)
	require.False(t, main.IsDeclaration())
	require.Greater(t, len(main.Blocks), 1, "the loop and the if produce multiple blocks")

	acc := m.Function("simple.accumulate")
	require.NotNil(t, acc)
	require.Equal(t, []string{"sum", "v"}, acc.Params)
	require.Equal(t, "(int,int)->(int)", acc.Signature())
}

func TestLower_InstructionCategories(t *testing.T) {
	m := lowerSimple(t)
	main := m.Function("simple.main")

	kinds := make(map[ir.InstKind]bool)
	var calls []*ir.Instruction
	for _, b := range main.Blocks {
		for _, inst := range b.Instrs {
			kinds[inst.Kind] = true
			if inst.IsCallLike() {
				calls = append(calls, inst)
			}
		}
	}

	require.True(t, kinds[ir.KindBranch], "loop and if conditions branch")
	require.True(t, kinds[ir.KindCompare], "i < 10 and total > 40 compare")
	require.True(t, kinds[ir.KindReturn])
	require.True(t, kinds[ir.KindStore], "the assignment to counter stores")

	require.NotEmpty(t, calls)
	require.Equal(t, "simple.accumulate", calls[0].Callee)
	require.Equal(t, "(int,int)->(int)", calls[0].Signature)
}

func TestLower_BlockEdgesResolve(t *testing.T) {
	m := lowerSimple(t)

	for _, f := range m.Functions {
		for _, b := range f.Blocks {
			for _, succ := range b.Succs {
				require.NotNil(t, f.Block(succ), "function %s block %s: dangling successor %s", f.Name, b.Name, succ)
			}
		}
	}
}

func TestLower_FeedsReachability(t *testing.T) {
	m := lowerSimple(t)

	report := reach.BuildReport(m, "simple.main")

	require.True(t, report.EntryFound)
	require.Contains(t, report.Reachable, "simple.main")
	require.Contains(t, report.Reachable, "simple.accumulate")
	require.Contains(t, report.Unreachable, "simple.unused")
}

func TestLower_NoPackages(t *testing.T) {
	_, err := Lower(context.Background(), Options{
		Patterns: []string{"./doesnotexist/..."},
		Dir:      "testdata/simple",
	})
	require.Error(t, err)
}

func TestLower_Deterministic(t *testing.T) {
	a := lowerSimple(t)
	b := lowerSimple(t)

	require.Len(t, b.Functions, len(a.Functions))
	for i := range a.Functions {
		require.Equal(t, a.Functions[i].Name, b.Functions[i].Name)
	}
	require.Equal(t, a.Globals, b.Globals)
}
