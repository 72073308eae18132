package pathplan

import "github.com/715d/ohguard/internal/ir"

// LoopInfo records which blocks of a function participate in a loop.
//
// Detection: a back-edge is an edge tail->head where head appears no later
// than tail in the function's block order and head can reach tail again.
// Every block lying on a head->tail route belongs to the loop.
type LoopInfo struct {
	inLoop map[*ir.BasicBlock]bool
}

// InLoop reports whether b is inside any loop.
func (l *LoopInfo) InLoop(b *ir.BasicBlock) bool { return l.inLoop[b] }

// HasLoops reports whether the function contains any loop at all.
func (l *LoopInfo) HasLoops() bool { return len(l.inLoop) > 0 }

// DetectLoops analyzes f's control flow graph once.
func DetectLoops(f *ir.Function) *LoopInfo {
	info := &LoopInfo{inLoop: make(map[*ir.BasicBlock]bool)}

	index := make(map[*ir.BasicBlock]int, len(f.Blocks))
	for i, b := range f.Blocks {
		index[b] = i
	}

	for _, tail := range f.Blocks {
		for _, succName := range tail.Succs {
			head := f.Block(succName)
			if head == nil || index[head] > index[tail] {
				continue
			}
			// Candidate back-edge; confirm the cycle.
			if !canReach(f, head, tail) {
				continue
			}
			for _, b := range f.Blocks {
				if canReach(f, head, b) && canReach(f, b, tail) {
					info.inLoop[b] = true
				}
			}
		}
	}
	return info
}

// canReach reports whether to is reachable from from along successor edges,
// including the trivial case from == to.
func canReach(f *ir.Function, from, to *ir.BasicBlock) bool {
	if from == to {
		return true
	}
	visited := make(map[*ir.BasicBlock]bool)
	stack := []*ir.BasicBlock{from}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if visited[cur] {
			continue
		}
		visited[cur] = true
		for _, name := range cur.Succs {
			next := f.Block(name)
			if next == nil {
				continue
			}
			if next == to {
				return true
			}
			stack = append(stack, next)
		}
	}
	return false
}
