// Package x86 reconstructs control flow graphs from the machine code of x86
// binary executables.
//
// Disassembly is incremental. The engine tracks every previously analysed
// instruction, basic block and function, so a control flow graph is never
// generated from the same root more than once, and roots discovered later
// (e.g. a branch into the interior of a known basic block) reuse and reshape
// the existing graph rather than re-decode it.
package x86

import (
	"encoding/hex"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/mewkiz/pkg/term"
	"github.com/mewmew/bf/bin"
	"github.com/pkg/errors"
	"golang.org/x/arch/x86/x86asm"
)

var (
	// dbg is a logger which logs debug messages with "x86:" prefix to standard
	// error.
	dbg = log.New(os.Stderr, term.MagentaBold("x86:")+" ", 0)
	// warn is a logger which logs warning messages with "warning:" prefix to
	// standard error.
	warn = log.New(os.Stderr, term.RedBold("warning:")+" ", 0)
)

// Disasm tracks the disassembly state of a binary executable. It owns the
// address-keyed tables of decoded instructions, basic blocks and functions.
// A Disasm is not safe for concurrent use; the renderer carries
// per-instruction mutable state which is reset before each decode.
type Disasm struct {
	// Binary executable under analysis.
	File *bin.File
	// Processor mode (32 or 64-bit execution mode).
	Mode int
	// Maps from instruction address to instruction.
	Insns map[bin.Addr]*Instruction
	// Maps from basic block address to basic block.
	Blocks map[bin.Addr]*BasicBlock
	// Maps from function address to function.
	Funcs map[bin.Addr]*Function
	// Renderer state for the instruction being disassembled.
	ctx disasmContext
}

// disasmContext holds the per-instruction state of the renderer. It is reset
// before disassembly of each instruction.
type disasmContext struct {
	// Instruction under construction.
	inst *Instruction
	// Number of parts received for the current instruction.
	partCounter int
	// Combination of part types expected next.
	partTypesExpected PartType
}

// NewDisasm returns a disassembly engine for the given binary executable.
func NewDisasm(file *bin.File) *Disasm {
	return &Disasm{
		File:   file,
		Mode:   file.Mode,
		Insns:  make(map[bin.Addr]*Instruction),
		Blocks: make(map[bin.Addr]*BasicBlock),
		Funcs:  make(map[bin.Addr]*Function),
	}
}

// Close drops the instruction, basic block and function tables and closes the
// underlying binary executable.
func (d *Disasm) Close() error {
	for addr := range d.Insns {
		delete(d.Insns, addr)
	}
	for addr := range d.Blocks {
		delete(d.Blocks, addr)
	}
	for addr := range d.Funcs {
		delete(d.Funcs, addr)
	}
	return d.File.Close()
}

// decodeInst decodes the single instruction at the given address, capturing
// its rendered parts and classifying its effect on control flow. The section
// containing the address is mapped into memory on first use.
func (d *Disasm) decodeInst(addr bin.Addr) (*Instruction, error) {
	src, err := d.File.Data(addr)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	inst, err := x86asm.Decode(src, d.Mode)
	if err != nil {
		end := 16
		if end > len(src) {
			end = len(src)
		}
		fmt.Fprintln(os.Stderr, hex.Dump(src[:end]))
		return nil, errors.Errorf("unable to parse instruction at address %v; %v", addr, err)
	}
	i := &Instruction{
		Addr: addr,
		Inst: inst,
	}
	i.Kind, i.Target = classify(i)
	// Reset renderer state before each instruction.
	d.ctx = disasmContext{
		inst:              i,
		partTypesExpected: PartMnemonic,
	}
	d.renderParts(i)
	return i, nil
}

// renderParts renders the instruction in GNU assembler syntax and routes the
// pieces of the rendering into the parts of the instruction.
func (d *Disasm) renderParts(inst *Instruction) {
	asm := x86asm.GNUSyntax(inst.Inst, uint64(inst.Addr), nil)
	text := asm
	comment := ""
	if idx := strings.IndexByte(asm, '#'); idx != -1 {
		text = strings.TrimRight(asm[:idx], " ")
		comment = strings.TrimSpace(asm[idx+1:])
	}
	fields := strings.Fields(text)
	if len(fields) == 0 {
		warn.Printf("empty rendering of instruction at %v", inst.Addr)
		return
	}
	// The final field holds the operand list when the instruction has
	// operands; any fields before it are mnemonics and prefixes.
	mnemonics, operands := fields, ""
	if len(fields) > 1 && hasArgs(inst.Inst) {
		mnemonics, operands = fields[:len(fields)-1], fields[len(fields)-1]
	}
	for i, mnemonic := range mnemonics {
		if i == 0 {
			d.addPart(PartMnemonic, mnemonic)
		} else {
			d.addPart(PartSecondaryMnemonic, mnemonic)
		}
	}
	for i, operand := range strings.Split(operands, ",") {
		if len(operand) == 0 {
			continue
		}
		if i != 0 {
			d.addPart(PartComma, ",")
		}
		d.addPart(PartOperand, operand)
	}
	if len(comment) > 0 {
		d.addPart(PartCommentIndicator, "#")
		d.addPart(PartCommentContents, comment)
	}
}

// addPart appends one rendered part to the instruction under construction,
// tracking the part types expected next. Receipt of an unexpected part type
// is logged but does not abort decoding.
func (d *Disasm) addPart(typ PartType, s string) {
	ctx := &d.ctx
	if ctx.partTypesExpected&typ == 0 {
		warn.Printf("unexpected part type %v for part %d (%q) of instruction at %v", typ, ctx.partCounter, s, ctx.inst.Addr)
	}
	switch typ {
	case PartMnemonic:
		ctx.partTypesExpected = PartSecondaryMnemonic | PartOperand | PartCommentIndicator
	case PartSecondaryMnemonic:
		ctx.partTypesExpected = PartSecondaryMnemonic | PartOperand | PartCommentIndicator
	case PartOperand:
		ctx.partTypesExpected = PartComma | PartCommentIndicator
	case PartComma:
		ctx.partTypesExpected = PartOperand
	case PartCommentIndicator:
		ctx.partTypesExpected = PartCommentContents
	case PartCommentContents:
		ctx.partTypesExpected = PartCommentContents
	}
	ctx.inst.Parts = append(ctx.inst.Parts, Part{Type: typ, Str: s})
	ctx.partCounter++
}

// ### [ Helper functions ] ####################################################

// classify reports how the given instruction affects control flow, and the
// target address for direct branches and calls.
func classify(inst *Instruction) (Kind, bin.Addr) {
	switch inst.Op {
	// Loop terminators.
	case x86asm.LOOP, x86asm.LOOPE, x86asm.LOOPNE:
		target, _ := relTarget(inst)
		return KindCondBranch, target
	// Conditional jump terminators.
	case x86asm.JA, x86asm.JAE, x86asm.JB, x86asm.JBE, x86asm.JCXZ, x86asm.JE, x86asm.JECXZ, x86asm.JG, x86asm.JGE, x86asm.JL, x86asm.JLE, x86asm.JNE, x86asm.JNO, x86asm.JNP, x86asm.JNS, x86asm.JO, x86asm.JP, x86asm.JRCXZ, x86asm.JS:
		target, _ := relTarget(inst)
		return KindCondBranch, target
	// Unconditional jump terminators.
	case x86asm.JMP:
		if target, ok := relTarget(inst); ok {
			return KindBranch, target
		}
		return KindBranchIndirect, 0
	case x86asm.LJMP:
		return KindBranchIndirect, 0
	// Subroutine calls.
	case x86asm.CALL:
		if target, ok := relTarget(inst); ok {
			return KindCall, target
		}
		return KindCallIndirect, 0
	case x86asm.LCALL:
		return KindCallIndirect, 0
	// Return terminators.
	case x86asm.RET, x86asm.LRET, x86asm.IRET, x86asm.IRETD, x86asm.IRETQ:
		return KindRet, 0
	}
	return KindNone, 0
}

// relTarget returns the absolute target address of an instruction with a
// PC-relative operand.
func relTarget(inst *Instruction) (bin.Addr, bool) {
	for _, arg := range inst.Args {
		if rel, ok := arg.(x86asm.Rel); ok {
			return inst.Addr + bin.Addr(inst.Len) + bin.Addr(int64(rel)), true
		}
	}
	return 0, false
}

// hasArgs reports whether the given instruction has at least one operand.
func hasArgs(inst x86asm.Inst) bool {
	for _, arg := range inst.Args {
		if arg != nil {
			return true
		}
	}
	return false
}
