package x86

import (
	"bytes"
	"fmt"

	"github.com/mewmew/bf/bin"
	"golang.org/x/arch/x86/x86asm"
)

// Kind classifies how an instruction affects control flow.
type Kind int

// Control flow classifications.
const (
	// KindNone indicates an instruction with no effect on control flow.
	KindNone Kind = iota
	// KindCondBranch indicates a conditional branch to a direct target.
	KindCondBranch
	// KindBranch indicates an unconditional branch to a direct target.
	KindBranch
	// KindBranchIndirect indicates a branch through a register or memory
	// operand.
	KindBranchIndirect
	// KindCall indicates a call of a direct target.
	KindCall
	// KindCallIndirect indicates a call through a register or memory operand.
	KindCallIndirect
	// KindRet indicates a return from a function.
	KindRet
)

// String returns the string representation of the control flow classification.
func (kind Kind) String() string {
	switch kind {
	case KindNone:
		return "none"
	case KindCondBranch:
		return "conditional branch"
	case KindBranch:
		return "branch"
	case KindBranchIndirect:
		return "indirect branch"
	case KindCall:
		return "call"
	case KindCallIndirect:
		return "indirect call"
	case KindRet:
		return "return"
	}
	return fmt.Sprintf("unknown kind %d", int(kind))
}

// PartType is a bitmask of instruction part types. The renderer tracks the
// combination of part types it expects next as it emits the parts of an
// instruction.
type PartType int

// Instruction part types.
const (
	// PartMnemonic is the mnemonic of the instruction.
	PartMnemonic PartType = 1 << iota
	// PartSecondaryMnemonic is a prefix or secondary mnemonic.
	PartSecondaryMnemonic
	// PartOperand is an operand of the instruction.
	PartOperand
	// PartComma separates two operands.
	PartComma
	// PartCommentIndicator introduces a trailing comment.
	PartCommentIndicator
	// PartCommentContents is the contents of a trailing comment.
	PartCommentContents
)

// String returns the string representation of the part type.
func (typ PartType) String() string {
	switch typ {
	case PartMnemonic:
		return "mnemonic"
	case PartSecondaryMnemonic:
		return "secondary mnemonic"
	case PartOperand:
		return "operand"
	case PartComma:
		return "comma"
	case PartCommentIndicator:
		return "comment indicator"
	case PartCommentContents:
		return "comment contents"
	}
	return fmt.Sprintf("unknown part type %d", int(typ))
}

// A Part is one textual part of a rendered instruction.
type Part struct {
	// Part type.
	Type PartType
	// Rendered text of the part.
	Str string
}

// Instruction is an x86 instruction at a known address, carrying the textual
// parts produced during disassembly.
type Instruction struct {
	// Address of instruction.
	Addr bin.Addr
	// Instruction.
	x86asm.Inst
	// Control flow classification of the instruction.
	Kind Kind
	// Branch or call target of the instruction; valid for direct branches and
	// calls only.
	Target bin.Addr
	// Textual parts of the instruction, in rendering order.
	Parts []Part
	// Basic block containing the instruction.
	block *BasicBlock
}

// Block returns the basic block containing the instruction.
func (inst *Instruction) Block() *BasicBlock {
	return inst.block
}

// String returns the assembly representation of the instruction, concatenated
// from its rendered parts.
func (inst *Instruction) String() string {
	buf := &bytes.Buffer{}
	for i, part := range inst.Parts {
		switch part.Type {
		case PartMnemonic:
			buf.WriteString(part.Str)
		case PartSecondaryMnemonic:
			buf.WriteString(" ")
			buf.WriteString(part.Str)
		case PartOperand:
			if i > 0 && inst.Parts[i-1].Type != PartComma {
				buf.WriteString(" ")
			}
			buf.WriteString(part.Str)
		case PartComma:
			buf.WriteString(part.Str)
		case PartCommentIndicator, PartCommentContents:
			buf.WriteString(" ")
			buf.WriteString(part.Str)
		}
	}
	return buf.String()
}
