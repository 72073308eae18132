// Package ssafront lowers Go packages into the engine's intermediate
// representation so the instrumentation pass can run over real Go programs.
// The lowering is a projection: it keeps function/block structure, call
// edges, operand provenance, and the instruction categories the engine
// dispatches on, and collapses everything else to the generic category.
package ssafront

import (
	"context"
	"fmt"
	"go/token"
	"go/types"
	"slices"
	"strings"

	"golang.org/x/tools/go/packages"
	"golang.org/x/tools/go/ssa"
	"golang.org/x/tools/go/ssa/ssautil"

	"github.com/715d/ohguard/internal/ir"
)

// defaultLoadMode specifies the packages.Mode flags needed to build SSA.
const defaultLoadMode = packages.NeedDeps |
	packages.NeedName |
	packages.NeedFiles |
	packages.NeedCompiledGoFiles |
	packages.NeedImports |
	packages.NeedTypes |
	packages.NeedSyntax |
	packages.NeedTypesInfo

// Options configures the lowering.
type Options struct {
	// Patterns are the Go package patterns to load.
	Patterns []string

	// BuildTags are build tags to apply during loading.
	BuildTags []string

	// Dir is the directory to load packages from; empty means the current
	// working directory.
	Dir string
}

// Lower loads the packages and lowers them into one ir.Module.
func Lower(ctx context.Context, opts Options) (*ir.Module, error) {
	patterns := opts.Patterns
	if len(patterns) == 0 {
		patterns = []string{"./..."}
	}

	pcfg := &packages.Config{
		Context: ctx,
		Mode:    defaultLoadMode,
	}
	if opts.Dir != "" {
		pcfg.Dir = opts.Dir
	}
	if len(opts.BuildTags) > 0 {
		pcfg.BuildFlags = append(pcfg.BuildFlags, "-tags", strings.Join(opts.BuildTags, ","))
	}

	pkgs, err := packages.Load(pcfg, patterns...)
	if err != nil {
		return nil, fmt.Errorf("loading packages: %w", err)
	}
	if len(pkgs) == 0 {
		return nil, fmt.Errorf("no packages found matching patterns: %v", patterns)
	}
	for _, pkg := range pkgs {
		for _, perr := range pkg.Errors {
			return nil, fmt.Errorf("package %s: %v", pkg.PkgPath, perr)
		}
	}

	prog, ssaPkgs := ssautil.AllPackages(pkgs, ssa.InstantiateGenerics|ssa.BareInits)
	if prog == nil {
		return nil, fmt.Errorf("SSA program construction failed")
	}
	prog.Build()

	return lowerProgram(pkgs, ssaPkgs), nil
}

func lowerProgram(pkgs []*packages.Package, ssaPkgs []*ssa.Package) *ir.Module {
	module := &ir.Module{Name: pkgs[0].PkgPath}

	for _, pkg := range ssaPkgs {
		if pkg == nil {
			continue
		}
		// Member maps iterate in random order; sort for a deterministic
		// module layout.
		names := make([]string, 0, len(pkg.Members))
		for name := range pkg.Members {
			names = append(names, name)
		}
		slices.Sort(names)

		for _, name := range names {
			switch member := pkg.Members[name].(type) {
			case *ssa.Global:
				module.AddGlobal(member.String())
			case *ssa.Function:
				lowerFunctionTree(module, member)
			}
		}
	}
	return module
}

// lowerFunctionTree lowers fn and its anonymous functions.
func lowerFunctionTree(module *ir.Module, fn *ssa.Function) {
	if fn.TypeParams() != nil && fn.Origin() == nil {
		return // uninstantiated generic template, nothing to lower
	}
	module.AddFunction(lowerFunction(fn))
	for _, anon := range fn.AnonFuncs {
		lowerFunctionTree(module, anon)
	}
}

func lowerFunction(fn *ssa.Function) *ir.Function {
	out := &ir.Function{Name: fn.String()}
	for _, p := range fn.Params {
		out.Params = append(out.Params, p.Name())
		out.ParamTypes = append(out.ParamTypes, p.Type().String())
	}
	results := fn.Signature.Results()
	for i := range results.Len() {
		out.Results = append(out.Results, results.At(i).Type().String())
	}

	for _, b := range fn.Blocks {
		block := &ir.BasicBlock{Name: blockName(b)}
		for _, succ := range b.Succs {
			block.Succs = append(block.Succs, blockName(succ))
		}
		for _, instr := range b.Instrs {
			block.Instrs = append(block.Instrs, lowerInstruction(instr))
		}
		out.Blocks = append(out.Blocks, block)
	}
	return out
}

func blockName(b *ssa.BasicBlock) string {
	return fmt.Sprintf("b%d", b.Index)
}

func lowerInstruction(instr ssa.Instruction) *ir.Instruction {
	out := &ir.Instruction{Kind: categorize(instr)}

	if v, ok := instr.(ssa.Value); ok && v.Name() != "" {
		// Terminators and stores define nothing worth folding.
		if out.Kind != ir.KindBranch && out.Kind != ir.KindReturn && out.Kind != ir.KindStore {
			out.Result = v.Name()
		}
	}

	if call, ok := instr.(ssa.CallInstruction); ok {
		common := call.Common()
		if callee := common.StaticCallee(); callee != nil {
			out.Callee = callee.String()
		}
		out.Signature = signatureKey(common.Signature())
		for _, arg := range common.Args {
			out.Operands = append(out.Operands, lowerValue(arg))
		}
		return out
	}

	var space [8]*ssa.Value
	for _, op := range instr.Operands(space[:0]) {
		if op == nil || *op == nil {
			continue
		}
		out.Operands = append(out.Operands, lowerValue(*op))
	}
	return out
}

func categorize(instr ssa.Instruction) ir.InstKind {
	switch instr := instr.(type) {
	case *ssa.Call, *ssa.Go, *ssa.Defer:
		return ir.KindCall
	case *ssa.FieldAddr, *ssa.IndexAddr:
		return ir.KindGetElementPtr
	case *ssa.BinOp:
		switch instr.Op {
		case token.EQL, token.NEQ, token.LSS, token.LEQ, token.GTR, token.GEQ:
			return ir.KindCompare
		}
		return ir.KindOther
	case *ssa.Store:
		return ir.KindStore
	case *ssa.UnOp:
		if instr.Op == token.MUL {
			return ir.KindLoad
		}
		return ir.KindOther
	case *ssa.If, *ssa.Jump:
		return ir.KindBranch
	case *ssa.Return, *ssa.Panic:
		return ir.KindReturn
	default:
		return ir.KindOther
	}
}

func lowerValue(v ssa.Value) ir.Value {
	switch v := v.(type) {
	case *ssa.Global:
		return ir.Value{Kind: ir.ValueGlobal, Name: v.String()}
	case *ssa.Const:
		return ir.Value{Kind: ir.ValueConst, Name: v.String()}
	case *ssa.Parameter:
		return ir.Value{Kind: ir.ValueParam, Name: v.Name()}
	case *ssa.Function:
		return ir.Value{Kind: ir.ValueFunc, Name: v.String(), Type: signatureKey(v.Signature)}
	default:
		out := ir.Value{Kind: ir.ValueRegister, Name: v.Name()}
		// Function-typed registers let the reachability analysis match
		// callback arguments by signature.
		if sig, ok := v.Type().Underlying().(*types.Signature); ok {
			out.Type = signatureKey(sig)
		}
		return out
	}
}

// signatureKey projects a Go signature onto the engine's function-type key.
func signatureKey(sig *types.Signature) string {
	params := make([]string, 0, sig.Params().Len())
	for i := range sig.Params().Len() {
		params = append(params, sig.Params().At(i).Type().String())
	}
	results := make([]string, 0, sig.Results().Len())
	for i := range sig.Results().Len() {
		results = append(results, sig.Results().At(i).Type().String())
	}
	return ir.FormatSignature(params, results)
}
