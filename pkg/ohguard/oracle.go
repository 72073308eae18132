package ohguard

import (
	"github.com/715d/ohguard/internal/eligibility"
	"github.com/715d/ohguard/internal/instrument"
	"github.com/715d/ohguard/internal/ir"
	"github.com/715d/ohguard/internal/pathplan"
)

// DataDependenceOracle classifies whether a value is influenced by untrusted
// input. The engine consumes it strictly as a yes/no predicate; the analysis
// behind the verdict is an external collaborator.
type DataDependenceOracle = pathplan.DataOracle

// Slicer extracts the subset of a path's data/control dependencies relevant
// to a candidate assertion point. External collaborator; see
// instrument.Slicer.
type Slicer = instrument.Slicer

// Collaborators bundles the external analyses the engine consumes as black
// boxes. Nil fields fall back to conservative defaults.
type Collaborators struct {
	Oracle DataDependenceOracle
	Slicer Slicer
}

// noDependence is the default oracle: nothing is considered data-dependent,
// leaving the argument-/global-reachability analyses as the only dependency
// filters.
type noDependence struct{}

func (noDependence) IsDataDependent(*ir.Instruction) bool { return false }

// identitySlice is the default slicer: every instruction on the path is
// relevant to the assertion.
type identitySlice struct{}

func (identitySlice) Slice(pathplan.OHPath, *ir.BasicBlock) eligibility.InstructionSet {
	return nil
}
