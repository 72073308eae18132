package ohguard

import (
	"log/slog"
	goruntime "runtime"

	"golang.org/x/sync/errgroup"

	"github.com/715d/ohguard/internal/eligibility"
	"github.com/715d/ohguard/internal/hashpool"
	"github.com/715d/ohguard/internal/instrument"
	"github.com/715d/ohguard/internal/ir"
	"github.com/715d/ohguard/internal/pathplan"
	"github.com/715d/ohguard/internal/reach"
)

// FunctionReport records the per-function outcome of a run.
type FunctionReport struct {
	Name   string `json:"name"`
	Mode   string `json:"mode"`
	Paths  int    `json:"paths,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// Report is the result of one engine run.
type Report struct {
	Module        string           `json:"module"`
	Entry         string           `json:"entry,omitempty"`
	EntryFound    bool             `json:"entry_found"`
	Transformed   bool             `json:"transformed"`
	Functions     []FunctionReport `json:"functions"`
	PathFunctions []string         `json:"path_functions,omitempty"`
	Stats         instrument.Stats `json:"stats"`
}

// Engine is the explicit per-run context object: module handle, analyses,
// accumulator pool, and collaborators all live here and are discarded when
// the run ends. No state persists across separate invocations.
type Engine struct {
	module  *ir.Module
	cfg     Config
	oracle  DataDependenceOracle
	slicer  Slicer
	elig    *eligibility.Analysis
	planner *pathplan.Planner
	pool    *hashpool.Pool
	instr   *instrument.Instrumenter
}

// NewEngine constructs the per-run context over m.
func NewEngine(m *ir.Module, cfg Config, collab Collaborators) *Engine {
	oracle := collab.Oracle
	if oracle == nil {
		oracle = noDependence{}
	}
	slicer := collab.Slicer
	if slicer == nil {
		slicer = identitySlice{}
	}

	elig := eligibility.NewAnalysis(eligibility.Config{
		SkipTags: cfg.SkipTags,
		GuardCallees: []string{
			instrument.HashFunc1,
			instrument.HashFunc2,
			instrument.AssertFunc,
		},
	})
	pool := hashpool.New(m, cfg.HashSlots)
	instr := instrument.New(m, elig, pool, oracle, slicer)
	instr.SetAssertLimit(cfg.MaxAsserts)

	return &Engine{
		module:  m,
		cfg:     cfg,
		oracle:  oracle,
		slicer:  slicer,
		elig:    elig,
		planner: pathplan.NewPlanner(elig, oracle, pathplan.Options{
			HashBranches: cfg.HashBranches,
			MaxPaths:     cfg.MaxPaths,
		}),
		pool:  pool,
		instr: instr,
	}
}

// Run executes the pass: scope, eligibility, plan, instrument, extract.
// Functions are processed in the module's declared order and, within a
// function, blocks in control-flow order, so hash-update insertion order
// matches runtime execution order. Run never fails; safety preconditions
// that do not hold simply reduce how much gets instrumented.
func (e *Engine) Run() *Report {
	report := &Report{Module: e.module.Name, Entry: e.cfg.Entry}

	inScope, entryFound := e.scope()
	report.EntryFound = entryFound
	if e.cfg.Entry != "" && !entryFound {
		// No designated entry point: empty reachable set, no transformation.
		return report
	}

	e.precomputeEligibility()

	for _, f := range e.module.Functions {
		fr := e.processFunction(f, inScope)
		if fr == nil {
			continue
		}
		report.Functions = append(report.Functions, *fr)
		if fr.Mode != pathplan.ModeNone.String() {
			report.Transformed = true
		}
	}

	if e.cfg.ExtractPaths {
		e.instr.ExtractPathFunctions()
		for _, f := range e.module.Functions {
			for _, oh := range e.instr.PathOHs(f) {
				if oh.Extracted != nil {
					report.PathFunctions = append(report.PathFunctions, oh.Extracted.Name)
				}
			}
		}
	}

	report.Stats = e.instr.Stats()
	slog.Info("run complete",
		"module", e.module.Name,
		"hash_updates", report.Stats.HashUpdates,
		"asserts", report.Stats.Asserts,
		"extracted", report.Stats.ExtractedFunctions)
	return report
}

// scope resolves the function universe. With no configured entry every
// defined function is in scope; otherwise only functions reachable from the
// entry (directly, indirectly by signature, or as callbacks) are considered.
func (e *Engine) scope() (reach.FunctionSet, bool) {
	if e.cfg.Entry == "" {
		all := make(reach.FunctionSet, len(e.module.Functions))
		for _, f := range e.module.Functions {
			if !f.IsDeclaration() {
				all[f] = struct{}{}
			}
		}
		return all, true
	}
	entry := e.module.Function(e.cfg.Entry)
	if entry == nil {
		slog.Warn("entry function not found, no transformation", "entry", e.cfg.Entry)
		return nil, false
	}
	return reach.NewAnalysis(e.module).ReachableFrom(entry), true
}

// precomputeEligibility warms the per-function caches concurrently. The
// artifacts are read-only snapshots; the transform below stays strictly
// sequential.
func (e *Engine) precomputeEligibility() {
	var wg errgroup.Group
	wg.SetLimit(goruntime.NumCPU())
	for _, f := range e.module.Functions {
		if f.IsDeclaration() {
			continue
		}
		wg.Go(func() error {
			e.elig.Precompute([]*ir.Function{f})
			return nil
		})
	}
	_ = wg.Wait()
}

// processFunction decides and applies protection for one function. A nil
// result means the function was a declaration and is not reported.
func (e *Engine) processFunction(f *ir.Function, inScope reach.FunctionSet) *FunctionReport {
	if f.IsDeclaration() {
		return nil
	}
	if e.cfg.skipFunction(f.Name) {
		return &FunctionReport{Name: f.Name, Mode: pathplan.ModeNone.String(), Reason: "skip list"}
	}
	if !inScope.Contains(f) && !e.cfg.forceInclude(f.Name) {
		return &FunctionReport{Name: f.Name, Mode: pathplan.ModeNone.String(), Reason: "unreachable"}
	}

	shortRange := e.cfg.ShortRange
	switch e.cfg.ModeOverrides[f.Name] {
	case OverrideNone:
		return &FunctionReport{Name: f.Name, Mode: pathplan.ModeNone.String(), Reason: "mode override"}
	case OverrideGlobal:
		shortRange = false
	case OverrideShortRange:
		shortRange = true
	}

	plan := e.planner.Plan(f, shortRange)
	if !e.instr.Function(f, plan) {
		// Planned but nothing was inserted: no foldable values, or the slot
		// pool or assert budget ran out. The report must not claim
		// protection that is not in the module.
		return &FunctionReport{Name: f.Name, Mode: pathplan.ModeNone.String(), Reason: "nothing instrumented"}
	}
	return &FunctionReport{
		Name:  f.Name,
		Mode:  plan.Mode.String(),
		Paths: len(plan.Paths),
	}
}
