package x86

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/mewmew/bf/bin"
)

// BasicBlock is a basic block; a sequence of non-branching instructions
// terminated by an explicit or implicit (fake) control flow instruction. A
// block has at most one fall-through successor, at most one branch target
// successor, and, when terminated by a call, at most one call target
// successor.
type BasicBlock struct {
	// Address of the first instruction of the basic block.
	Addr bin.Addr
	// One or more instructions.
	insts []*Instruction
	// Fall-through successor.
	fall *BasicBlock
	// Branch target successor.
	branch *BasicBlock
	// Call target successor.
	call *BasicBlock
	// Maps from predecessor address to predecessor basic block.
	preds map[bin.Addr]*BasicBlock
}

// newBlock returns a new empty basic block starting at the given address.
func newBlock(addr bin.Addr) *BasicBlock {
	return &BasicBlock{
		Addr:  addr,
		preds: make(map[bin.Addr]*BasicBlock),
	}
}

// Insts returns the instructions of the basic block.
func (block *BasicBlock) Insts() []*Instruction {
	return block.insts
}

// Fall returns the fall-through successor of the basic block, or nil.
func (block *BasicBlock) Fall() *BasicBlock {
	return block.fall
}

// Branch returns the branch target successor of the basic block, or nil.
func (block *BasicBlock) Branch() *BasicBlock {
	return block.branch
}

// CallTarget returns the call target successor of the basic block, or nil.
func (block *BasicBlock) CallTarget() *BasicBlock {
	return block.call
}

// Preds returns the predecessor basic blocks in ascending address order.
func (block *BasicBlock) Preds() []*BasicBlock {
	var keys bin.Addrs
	for key := range block.preds {
		keys = append(keys, key)
	}
	sort.Sort(keys)
	var preds []*BasicBlock
	for _, key := range keys {
		preds = append(preds, block.preds[key])
	}
	return preds
}

// String returns the string representation of the basic block.
func (block *BasicBlock) String() string {
	buf := &bytes.Buffer{}
	fmt.Fprintf(buf, "block_%08X:\n", uint64(block.Addr))
	for i, inst := range block.insts {
		if i != 0 {
			buf.WriteString("\n")
		}
		fmt.Fprintf(buf, "\t%v", inst)
	}
	return buf.String()
}

// setFall installs a fall-through edge to succ, recording block as a
// predecessor of succ.
func (block *BasicBlock) setFall(succ *BasicBlock) {
	if succ == nil {
		return
	}
	block.fall = succ
	succ.preds[block.Addr] = block
}

// setBranch installs a branch edge to succ, recording block as a predecessor
// of succ.
func (block *BasicBlock) setBranch(succ *BasicBlock) {
	if succ == nil {
		return
	}
	block.branch = succ
	succ.preds[block.Addr] = block
}

// setCall installs a call edge to succ, recording block as a predecessor of
// succ.
func (block *BasicBlock) setCall(succ *BasicBlock) {
	if succ == nil {
		return
	}
	block.call = succ
	succ.preds[block.Addr] = block
}

// splitBlock divides the given basic block at addr, which must be the address
// of one of its non-first instructions. The instructions from addr onwards
// move to a new block, which inherits every outgoing edge of the original.
// The original keeps the prefix and falls through to the new block. The new
// block is staged in full before either block is mutated, so a split
// triggered mid-resolution never exposes a partial state.
func (d *Disasm) splitBlock(block *BasicBlock, addr bin.Addr) *BasicBlock {
	i := -1
	for j, inst := range block.insts {
		if inst.Addr == addr {
			i = j
			break
		}
	}
	if i <= 0 {
		// The address is interned but is not a non-first instruction of this
		// block.
		warn.Printf("refusing to split block %v at %v; not an interior instruction", block.Addr, addr)
		return nil
	}
	dbg.Printf("splitting block %v at %v", block.Addr, addr)
	tail := make([]*Instruction, len(block.insts)-i)
	copy(tail, block.insts[i:])
	post := &BasicBlock{
		Addr:   addr,
		insts:  tail,
		fall:   block.fall,
		branch: block.branch,
		call:   block.call,
		preds:  make(map[bin.Addr]*BasicBlock),
	}
	// Transfer predecessor entries of the moved successors.
	for _, succ := range []*BasicBlock{block.fall, block.branch, block.call} {
		if succ != nil {
			delete(succ.preds, block.Addr)
			succ.preds[post.Addr] = post
		}
	}
	for _, inst := range tail {
		inst.block = post
	}
	block.insts = block.insts[:i]
	block.fall, block.branch, block.call = nil, nil, nil
	block.setFall(post)
	d.Blocks[post.Addr] = post
	return post
}
