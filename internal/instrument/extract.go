package instrument

import (
	"fmt"

	"github.com/715d/ohguard/internal/ir"
)

// ExtractPathFunctions moves each short-range path's instrumented block
// sequence into a standalone function, leaving a single invocation at the
// original site. The extracted function takes exclusive ownership of the
// moved blocks; ownership is never duplicated. Decoupling the check's code
// from the surrounding body keeps static analysis of the original function
// from trivially revealing the check logic.
//
// A path that cannot be moved soundly (shared blocks only, live values
// crossing the cut, extra predecessors branching into the middle) is simply
// left in place.
func (ins *Instrumenter) ExtractPathFunctions() {
	n := 0
	var extracted []*ir.Function
	for _, f := range ins.pathOrder {
		for _, oh := range ins.pathOHs[f] {
			fn := ins.extractPath(f, oh, n)
			if fn == nil {
				continue
			}
			oh.Extracted = fn
			extracted = append(extracted, fn)
			ins.stats.ExtractedFunctions++
			n++
		}
	}
	if len(extracted) > 0 {
		ins.buildPathFunctionsDriver(extracted)
	}
}

// extractPath attempts the ownership transfer for one path. It returns the
// new function, or nil when extraction is not sound for this path.
func (ins *Instrumenter) extractPath(f *ir.Function, oh *ShortRangePathOH, n int) *ir.Function {
	suffix := ins.exclusiveSuffix(f, oh)
	if len(suffix) == 0 {
		return nil
	}
	if !extractable(f, suffix) {
		return nil
	}

	head := suffix[0]
	exit := suffix[len(suffix)-1]

	inSuffix := make(map[*ir.BasicBlock]bool, len(suffix))
	for _, b := range suffix {
		inSuffix[b] = true
	}

	// The exit either falls off the path's end or branches onward to blocks
	// that stay behind in f. Anything else (a value-carrying return) would
	// need results plumbed through the extracted function.
	var externalSuccs []string
	switch term := exit.Terminator(); {
	case term == nil && len(exit.Succs) == 0:
		// Falls off; nothing to rewire.
	case term != nil && term.Kind == ir.KindReturn && len(term.Operands) == 0:
		// Bare return stays in the extracted copy; the stub returns too.
	case len(exit.Succs) > 0:
		for _, name := range exit.Succs {
			if succ := f.Block(name); succ != nil && inSuffix[succ] {
				return nil
			}
		}
		externalSuccs = append(externalSuccs, exit.Succs...)
	default:
		return nil
	}

	fn := &ir.Function{Name: fmt.Sprintf("%s_oh_path_%d", f.Name, n)}

	// Transfer ownership: the suffix blocks move, f keeps a stub invoking
	// the new function in the same relative control-flow position.
	remaining := f.Blocks[:0]
	for _, b := range f.Blocks {
		if inSuffix[b] {
			continue
		}
		remaining = append(remaining, b)
	}
	f.Blocks = remaining
	fn.Blocks = append(fn.Blocks, suffix...)

	stub := &ir.BasicBlock{Name: fmt.Sprintf("oh_stub_%d", n)}
	call := &ir.Instruction{Kind: ir.KindCall, Callee: fn.Name}
	call.SetMeta(ir.MetaGuard, "")
	stub.Instrs = append(stub.Instrs, call)

	if len(externalSuccs) > 0 {
		// The extracted copy ends the path; its onward edges belong to the
		// stub so the original successor is reached on return.
		exit.Succs = nil
		if term := exit.Terminator(); term != nil && term.Kind == ir.KindBranch {
			exit.Instrs = exit.Instrs[:len(exit.Instrs)-1]
		}
		exit.Instrs = append(exit.Instrs, &ir.Instruction{Kind: ir.KindReturn})
		stub.Succs = externalSuccs
		stub.Instrs = append(stub.Instrs, &ir.Instruction{Kind: ir.KindBranch})
	} else if term := exit.Terminator(); term != nil && term.Kind == ir.KindReturn {
		stub.Instrs = append(stub.Instrs, &ir.Instruction{Kind: ir.KindReturn})
	}

	// Retarget every edge that led into the suffix head.
	for _, b := range f.Blocks {
		for i, name := range b.Succs {
			if name == head.Name {
				b.Succs[i] = stub.Name
			}
		}
	}
	f.Blocks = append(f.Blocks, stub)

	ins.module.AddFunction(fn)
	return fn
}

// exclusiveSuffix returns the longest tail of the path whose blocks belong
// to no sibling path of the same function and exclude the function entry.
func (ins *Instrumenter) exclusiveSuffix(f *ir.Function, oh *ShortRangePathOH) []*ir.BasicBlock {
	shared := make(map[*ir.BasicBlock]bool)
	for _, other := range ins.pathOHs[f] {
		if other == oh {
			continue
		}
		for _, b := range other.Plan.Path {
			shared[b] = true
		}
	}
	entry := f.Entry()

	path := oh.Plan.Path
	start := len(path)
	for i := len(path) - 1; i >= 0; i-- {
		if shared[path[i]] || path[i] == entry {
			break
		}
		start = i
	}
	return path[start:]
}

// extractable checks that the suffix can leave f: control enters only at
// its head, every register it reads is defined inside it, and no register it
// defines is read by a block staying behind. Parameter references would
// dangle in a function with no formals.
func extractable(f *ir.Function, suffix []*ir.BasicBlock) bool {
	inSuffix := make(map[*ir.BasicBlock]bool, len(suffix))
	for _, b := range suffix {
		inSuffix[b] = true
	}
	head := suffix[0]

	for _, b := range f.Blocks {
		if inSuffix[b] {
			continue
		}
		for _, name := range b.Succs {
			succ := f.Block(name)
			if succ == nil || !inSuffix[succ] {
				continue
			}
			if succ != head {
				return false
			}
		}
	}

	defined := make(map[string]bool)
	for _, b := range suffix {
		for _, inst := range b.Instrs {
			if inst.Result != "" {
				defined[inst.Result] = true
			}
		}
	}
	for _, b := range suffix {
		for _, inst := range b.Instrs {
			for _, op := range inst.Operands {
				switch op.Kind {
				case ir.ValueParam:
					return false
				case ir.ValueRegister:
					if !defined[op.Name] {
						return false
					}
				}
			}
		}
	}

	// The reverse direction: a definition moving out with the suffix must not
	// leave a dangling read in the blocks that stay.
	for _, b := range f.Blocks {
		if inSuffix[b] {
			continue
		}
		for _, inst := range b.Instrs {
			for _, op := range inst.Operands {
				if op.Kind == ir.ValueRegister && defined[op.Name] {
					return false
				}
			}
		}
	}
	return true
}

// buildPathFunctionsDriver synthesizes the oh_path_functions function that
// invokes every extracted path function in insertion order, giving the
// companion runtime a single ordered entry into the decoupled checks.
func (ins *Instrumenter) buildPathFunctionsDriver(extracted []*ir.Function) {
	if ins.module.Function(PathFunctionsCallee) != nil {
		return
	}
	entry := &ir.BasicBlock{Name: "entry"}
	for _, fn := range extracted {
		call := &ir.Instruction{Kind: ir.KindCall, Callee: fn.Name}
		call.SetMeta(ir.MetaGuard, "")
		entry.Instrs = append(entry.Instrs, call)
	}
	entry.Instrs = append(entry.Instrs, &ir.Instruction{Kind: ir.KindReturn})
	ins.module.AddFunction(&ir.Function{
		Name:   PathFunctionsCallee,
		Blocks: []*ir.BasicBlock{entry},
	})
}
