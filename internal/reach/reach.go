// Package reach computes the set of functions reachable from a designated
// entry point, across both direct calls and indirectly-resolved calls
// (function pointers and callback arguments matched by function-type
// signature).
//
// The result is closed under direct calls and type-signature-matched
// indirect calls. It is a superset of the true dynamic call set: any defined
// function sharing a call site's signature is assumed callable. Declarations
// are never added. Insertion into the result set is the visited marker, so
// the traversal terminates on cyclic call graphs and re-visiting a function
// never changes the result.
package reach

import (
	"log/slog"

	"github.com/715d/ohguard/internal/ir"
)

// FunctionSet is a set of functions keyed by identity.
type FunctionSet map[*ir.Function]struct{}

// Contains reports set membership.
func (s FunctionSet) Contains(f *ir.Function) bool {
	_, ok := s[f]
	return ok
}

// add inserts f and reports whether it was newly added.
func (s FunctionSet) add(f *ir.Function) bool {
	if _, ok := s[f]; ok {
		return false
	}
	s[f] = struct{}{}
	return true
}

// Analysis resolves reachability over one module. It performs no mutation;
// the same Analysis may serve any number of queries.
type Analysis struct {
	module  *ir.Module
	graph   *ir.CallGraph
	sigs    map[string][]*ir.Function
	sigSeen map[string]bool
}

// NewAnalysis builds the type-signature index and call graph for m.
func NewAnalysis(m *ir.Module) *Analysis {
	sigs := m.SignatureIndex()
	sigSeen := make(map[string]bool, len(sigs))
	for sig := range sigs {
		sigSeen[sig] = true
	}
	return &Analysis{
		module:  m,
		graph:   ir.BuildCallGraph(m),
		sigs:    sigs,
		sigSeen: sigSeen,
	}
}

// ReachableFrom returns every function reachable from entry. A nil or
// declaration-only entry yields an empty set.
func (a *Analysis) ReachableFrom(entry *ir.Function) FunctionSet {
	reachable := make(FunctionSet)
	if entry == nil {
		return reachable
	}

	a.collectDirect(entry, reachable)
	a.collectIndirect(reachable)
	return reachable
}

// collectDirect walks the call graph from f with an explicit stack. The
// reachable set doubles as the visited guard, bounding the walk on cycles.
func (a *Analysis) collectDirect(f *ir.Function, reachable FunctionSet) {
	stack := []*ir.Function{f}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if cur == nil || cur.IsDeclaration() {
			continue
		}
		if !reachable.add(cur) {
			continue
		}
		stack = append(stack, a.graph.Callees[cur]...)
	}
}

// collectIndirect grows the reachable set to a fixed point: every function
// already reachable is scanned for indirect call sites and function-valued
// arguments, newly matched functions are merged in along with their direct
// call-graph successors, and the process repeats until the work list drains.
func (a *Analysis) collectIndirect(reachable FunctionSet) {
	worklist := make([]*ir.Function, 0, len(reachable))
	for f := range reachable {
		worklist = append(worklist, f)
	}
	processed := make(FunctionSet, len(reachable))

	for len(worklist) > 0 {
		f := worklist[0]
		worklist = worklist[1:]
		if !processed.add(f) {
			continue
		}
		for _, indirect := range a.indirectlyCalled(f) {
			if !reachable.add(indirect) {
				continue
			}
			worklist = append(worklist, indirect)

			// Merge the direct closure of the newly discovered function
			// and queue whatever that closure added.
			sub := make(FunctionSet)
			a.collectDirect(indirect, sub)
			for g := range sub {
				if reachable.add(g) {
					worklist = append(worklist, g)
				}
			}
		}
	}
}

// indirectlyCalled collects, for every call-like instruction in f, the
// defined functions matching an unknown callee's signature plus any
// functions passed as arguments (callbacks).
func (a *Analysis) indirectlyCalled(f *ir.Function) []*ir.Function {
	var out []*ir.Function
	seen := make(map[*ir.Function]bool)
	record := func(fns []*ir.Function) {
		for _, fn := range fns {
			if fn.IsDeclaration() || seen[fn] {
				continue
			}
			seen[fn] = true
			out = append(out, fn)
		}
	}

	for _, b := range f.Blocks {
		for _, inst := range b.Instrs {
			if !inst.IsCallLike() {
				continue
			}
			record(a.indirectTargets(inst))
			record(a.callbackArguments(inst))
		}
	}
	return out
}

// indirectTargets resolves a call site with no static callee to all defined
// functions sharing its function-type signature.
func (a *Analysis) indirectTargets(inst *ir.Instruction) []*ir.Function {
	if inst.Callee != "" || inst.Signature == "" {
		return nil
	}
	return a.sigs[inst.Signature]
}

// callbackArguments inspects every argument of a call-like instruction: a
// direct function reference is itself a callback target, and an argument of
// function type matches all defined functions of that type.
func (a *Analysis) callbackArguments(inst *ir.Instruction) []*ir.Function {
	var out []*ir.Function
	for _, op := range inst.Operands {
		switch {
		case op.Kind == ir.ValueFunc:
			if fn := a.module.Function(op.Name); fn != nil {
				out = append(out, fn)
			}
		case op.Type != "" && a.sigSeen[op.Type]:
			out = append(out, a.sigs[op.Type]...)
		}
	}
	return out
}

// Report is the diagnostic form of the analysis: reachable and unreachable
// defined functions from a named entry point. It performs no IR mutation.
type Report struct {
	Entry       string   `json:"entry"`
	EntryFound  bool     `json:"entry_found"`
	Reachable   []string `json:"reachable"`
	Unreachable []string `json:"unreachable"`
}

// BuildReport runs the reachability analysis standalone over m. When the
// entry function does not exist the report carries EntryFound=false and an
// empty reachable set; every defined function is then listed unreachable.
func BuildReport(m *ir.Module, entryName string) Report {
	report := Report{Entry: entryName}

	entry := m.Function(entryName)
	var reachable FunctionSet
	if entry == nil {
		slog.Warn("no entry function in module", "entry", entryName, "module", m.Name)
		reachable = make(FunctionSet)
	} else {
		report.EntryFound = true
		reachable = NewAnalysis(m).ReachableFrom(entry)
	}

	// Module-declared order keeps the report deterministic.
	for _, f := range m.Functions {
		if f.IsDeclaration() {
			continue
		}
		if reachable.Contains(f) {
			report.Reachable = append(report.Reachable, f.Name)
		} else {
			report.Unreachable = append(report.Unreachable, f.Name)
		}
	}
	return report
}
