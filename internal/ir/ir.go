// Package ir defines the intermediate representation the instrumentation
// engine operates over: a module of functions, each owning an ordered set of
// basic blocks holding kind-tagged instructions.
//
// The representation is deliberately host-neutral. Instructions carry only
// what the engine needs to decide whether a value is safe and worthwhile to
// fold into a running hash: an operation kind, operands, an optional result
// register, and free-form metadata attached by upstream tooling.
package ir

import (
	"fmt"
	"strings"
)

// InstKind categorizes an instruction for instrumentation dispatch.
// Kinds the instrumenter does not recognize fall under KindOther and are
// folded by result register only.
type InstKind string

const (
	// KindCall is an ordinary call. Callee names a defined or external
	// function when the call is direct; an empty Callee marks an indirect
	// call resolved through a function value operand.
	KindCall InstKind = "call"

	// KindInvoke is a call with an exception-unwinding edge. The engine
	// treats it uniformly with KindCall through IsCallLike.
	KindInvoke InstKind = "invoke"

	// KindGetElementPtr is an address computation.
	KindGetElementPtr InstKind = "getelementptr"

	// KindCompare produces a boolean from two operands.
	KindCompare InstKind = "compare"

	// KindStore writes a value to memory.
	KindStore InstKind = "store"

	// KindLoad reads a value from memory.
	KindLoad InstKind = "load"

	// KindBranch transfers control to one of the block's successors.
	KindBranch InstKind = "branch"

	// KindReturn leaves the function.
	KindReturn InstKind = "return"

	// KindOther covers everything else (arithmetic, conversions, phi, ...).
	KindOther InstKind = "other"
)

// ValueKind tags the provenance of an operand.
type ValueKind string

const (
	ValueRegister ValueKind = "reg"
	ValueConst    ValueKind = "const"
	ValueGlobal   ValueKind = "global"
	ValueParam    ValueKind = "param"
	ValueFunc     ValueKind = "func"
)

// Value is an instruction operand. Name identifies the register, global,
// parameter, or function; for constants it holds the literal. Type carries
// an optional type string; a function-type string lets the reachability
// analysis recognize callback arguments that are not direct function
// references.
type Value struct {
	Kind ValueKind `yaml:"kind"`
	Name string    `yaml:"name"`
	Type string    `yaml:"type,omitempty"`
}

// Metadata keys understood by the engine. Upstream tooling attaches them;
// the engine never removes them.
const (
	// MetaSkip holds a skip tag matched against the configured tag list.
	MetaSkip = "skip"

	// MetaGuard marks instrumentation-inserted guard code that must never
	// itself be re-instrumented.
	MetaGuard = "guardMe"
)

// Instruction is one atomic operation. Instructions are identified by
// pointer; a module must not share an Instruction between blocks.
type Instruction struct {
	Kind InstKind `yaml:"kind"`

	// Result names the register this instruction defines, if any.
	Result string `yaml:"result,omitempty"`

	// Callee names the statically known target of a call-like instruction.
	// Empty for indirect calls and non-call kinds.
	Callee string `yaml:"callee,omitempty"`

	// Signature is the function-type signature of a call-like instruction's
	// call site, used to resolve indirect targets by type matching.
	Signature string `yaml:"signature,omitempty"`

	Operands []Value           `yaml:"operands,omitempty"`
	Meta     map[string]string `yaml:"meta,omitempty"`
}

// IsCallLike reports whether the instruction transfers control to a callee,
// whether by ordinary call or by a call with an unwind edge.
func (i *Instruction) IsCallLike() bool {
	return i.Kind == KindCall || i.Kind == KindInvoke
}

// IsTerminator reports whether the instruction ends a block.
func (i *Instruction) IsTerminator() bool {
	return i.Kind == KindBranch || i.Kind == KindReturn
}

// SkipTag returns the instruction's skip tag, or "" if none is attached.
func (i *Instruction) SkipTag() string {
	return i.Meta[MetaSkip]
}

// IsGuard reports whether the instruction carries the guard marker.
func (i *Instruction) IsGuard() bool {
	_, ok := i.Meta[MetaGuard]
	return ok
}

// SetMeta attaches a metadata key, allocating the map on first use.
func (i *Instruction) SetMeta(key, value string) {
	if i.Meta == nil {
		i.Meta = make(map[string]string, 1)
	}
	i.Meta[key] = value
}

// BasicBlock is an ordered instruction sequence within a function.
// Successor edges are recorded by block name so modules survive
// serialization without pointer fixups.
type BasicBlock struct {
	Name   string         `yaml:"name"`
	Instrs []*Instruction `yaml:"instrs,omitempty"`
	Succs  []string       `yaml:"succs,omitempty"`
}

// Terminator returns the block's final instruction if it is a terminator,
// or nil for blocks that fall through implicitly.
func (b *BasicBlock) Terminator() *Instruction {
	if n := len(b.Instrs); n > 0 && b.Instrs[n-1].IsTerminator() {
		return b.Instrs[n-1]
	}
	return nil
}

// InsertBefore inserts inst immediately before at. If at is not present the
// instruction is appended.
func (b *BasicBlock) InsertBefore(inst, at *Instruction) {
	b.insert(inst, at, 0)
}

// InsertAfter inserts inst immediately after at. If at is not present the
// instruction is appended.
func (b *BasicBlock) InsertAfter(inst, at *Instruction) {
	b.insert(inst, at, 1)
}

func (b *BasicBlock) insert(inst, at *Instruction, offset int) {
	for idx, cur := range b.Instrs {
		if cur == at {
			pos := idx + offset
			b.Instrs = append(b.Instrs, nil)
			copy(b.Instrs[pos+1:], b.Instrs[pos:])
			b.Instrs[pos] = inst
			return
		}
	}
	b.Instrs = append(b.Instrs, inst)
}

// Function is the unit of analysis. A function with no blocks is a
// declaration: it may be called but is never analyzed or instrumented.
type Function struct {
	Name    string        `yaml:"name"`
	Params  []string      `yaml:"params,omitempty"`
	Results []string      `yaml:"results,omitempty"`
	Blocks  []*BasicBlock `yaml:"blocks,omitempty"`

	// ParamTypes holds the type strings of the parameters, aligned with
	// Params. The signature key is derived from these plus Results.
	ParamTypes []string `yaml:"param_types,omitempty"`
}

// IsDeclaration reports whether the function has no body.
func (f *Function) IsDeclaration() bool { return len(f.Blocks) == 0 }

// Entry returns the function's entry block, or nil for declarations.
func (f *Function) Entry() *BasicBlock {
	if len(f.Blocks) == 0 {
		return nil
	}
	return f.Blocks[0]
}

// Block returns the named block, or nil.
func (f *Function) Block(name string) *BasicBlock {
	for _, b := range f.Blocks {
		if b.Name == name {
			return b
		}
	}
	return nil
}

// Signature returns the function-type signature key used for matching
// indirect call sites against defined functions.
func (f *Function) Signature() string {
	return FormatSignature(f.ParamTypes, f.Results)
}

// IsParam reports whether name is one of the function's formal parameters.
func (f *Function) IsParam(name string) bool {
	for _, p := range f.Params {
		if p == name {
			return true
		}
	}
	return false
}

// FormatSignature builds the canonical signature key from parameter and
// result type strings.
func FormatSignature(params, results []string) string {
	return fmt.Sprintf("(%s)->(%s)", strings.Join(params, ","), strings.Join(results, ","))
}

// Module is one program module: the sole input and output of a pass run.
type Module struct {
	Name      string      `yaml:"name"`
	Functions []*Function `yaml:"functions,omitempty"`
	Globals   []string    `yaml:"globals,omitempty"`

	funcIndex map[string]*Function `yaml:"-"`
}

// Function returns the named function, or nil.
func (m *Module) Function(name string) *Function {
	if m.funcIndex == nil {
		m.reindex()
	}
	return m.funcIndex[name]
}

// AddFunction appends f to the module, replacing the index entry if a
// function of that name already exists.
func (m *Module) AddFunction(f *Function) {
	m.Functions = append(m.Functions, f)
	if m.funcIndex == nil {
		m.reindex()
		return
	}
	m.funcIndex[f.Name] = f
}

// HasGlobal reports whether the module declares the named global.
func (m *Module) HasGlobal(name string) bool {
	for _, g := range m.Globals {
		if g == name {
			return true
		}
	}
	return false
}

// AddGlobal declares a module-scope global if not already present.
func (m *Module) AddGlobal(name string) {
	if !m.HasGlobal(name) {
		m.Globals = append(m.Globals, name)
	}
}

func (m *Module) reindex() {
	m.funcIndex = make(map[string]*Function, len(m.Functions))
	for _, f := range m.Functions {
		m.funcIndex[f.Name] = f
	}
}

// SignatureIndex maps each distinct function-type signature to the defined
// (non-declaration) functions sharing it.
func (m *Module) SignatureIndex() map[string][]*Function {
	idx := make(map[string][]*Function)
	for _, f := range m.Functions {
		if f.IsDeclaration() {
			continue
		}
		sig := f.Signature()
		idx[sig] = append(idx[sig], f)
	}
	return idx
}
