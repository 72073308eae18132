package ir

// CallGraph records the direct call edges of a module. Indirect edges are
// intentionally absent; resolving them is the reachability analysis' job.
type CallGraph struct {
	// Callees maps each function to its statically known callees, in call
	// site order with duplicates removed.
	Callees map[*Function][]*Function
}

// BuildCallGraph walks every defined function once and collects the direct
// call edges whose callee is defined in the module.
func BuildCallGraph(m *Module) *CallGraph {
	cg := &CallGraph{Callees: make(map[*Function][]*Function, len(m.Functions))}
	for _, f := range m.Functions {
		if f.IsDeclaration() {
			continue
		}
		seen := make(map[*Function]bool)
		for _, b := range f.Blocks {
			for _, inst := range b.Instrs {
				if !inst.IsCallLike() || inst.Callee == "" {
					continue
				}
				callee := m.Function(inst.Callee)
				if callee == nil || seen[callee] {
					continue
				}
				seen[callee] = true
				cg.Callees[f] = append(cg.Callees[f], callee)
			}
		}
	}
	return cg
}
