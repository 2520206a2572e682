package x86

import (
	"github.com/mewmew/bf/bin"
)

// A root is a pending address from which CFG construction proceeds.
type root struct {
	// Address of the root.
	addr bin.Addr
	// isFunc specifies whether the root denotes the start of a function.
	isFunc bool
}

// An edgeKind identifies one of the outgoing edge slots of a basic block.
type edgeKind int

const (
	edgeFall edgeKind = iota
	edgeBranch
	edgeCall
)

// String returns the string representation of the edge kind, as used for
// edge labels in dot output.
func (kind edgeKind) String() string {
	switch kind {
	case edgeFall:
		return "fall"
	case edgeBranch:
		return "branch"
	case edgeCall:
		return "call"
	}
	return "unknown"
}

// A pendingEdge is an outgoing edge recorded during block extension, committed
// once the worklist has drained and every reachable target has a block. The
// source is the terminating instruction rather than its block, since a split
// may move the terminator into a new block before the edge is committed.
type pendingEdge struct {
	// Terminating instruction of the source basic block.
	from *Instruction
	// Edge slot to populate.
	kind edgeKind
	// Address of the target basic block.
	target bin.Addr
}

// DisasmEntry builds the control flow graph rooted at the entry point of the
// executable, and returns its first basic block. Previously analysed
// instructions are never re-decoded; calling DisasmEntry twice returns the
// same basic block and leaves the tables untouched.
func (d *Disasm) DisasmEntry() *BasicBlock {
	dbg.Printf("disasm entry point %v", d.File.Entry)
	return d.explore(root{addr: d.File.Entry, isFunc: true})
}

// DisasmSym builds the control flow graph rooted at the address of the given
// symbol, and returns its first basic block. isFunc specifies whether the
// symbol denotes the start of a function; there is no reliable heuristic to
// recognise a function start other than being a call target, and analysis
// never walks backwards, so the caller has to state the answer.
func (d *Disasm) DisasmSym(sym *bin.Symbol, isFunc bool) *BasicBlock {
	dbg.Printf("disasm symbol %q at %v (function: %v)", sym.Name, sym.Addr, isFunc)
	return d.explore(root{addr: sym.Addr, isFunc: isFunc})
}

// DisasmAllFuncSyms builds the control flow graphs rooted at every function
// symbol of the executable, in symbol table order.
func (d *Disasm) DisasmAllFuncSyms() {
	for _, sym := range d.File.Syms {
		if sym.IsFunc {
			d.DisasmSym(sym, true)
		}
	}
}

// explore drives the worklist seeded with the given root until it drains,
// then commits the recorded outgoing edges. It returns the basic block at the
// root address, or nil when no instruction could be decoded there.
func (d *Disasm) explore(r root) *BasicBlock {
	queue := []root{r}
	var edges []pendingEdge
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		d.processRoot(cur, &queue, &edges)
	}
	d.commitEdges(edges)
	return d.Blocks[r.addr]
}

// processRoot resolves the basic block at the given root, recording the entry
// block of function roots.
func (d *Disasm) processRoot(r root, queue *[]root, edges *[]pendingEdge) {
	block := d.resolveBlock(r.addr, queue, edges)
	if r.isFunc {
		f := d.ensureFunc(r.addr)
		if f.Block == nil {
			f.Block = block
		}
	}
}

// resolveBlock returns the basic block starting at the given address,
// creating or reshaping blocks as needed: a known block start resolves to the
// existing block; an address interior to a known block splits it; any other
// address starts a fresh block which is extended instruction by instruction.
func (d *Disasm) resolveBlock(addr bin.Addr, queue *[]root, edges *[]pendingEdge) *BasicBlock {
	if block, ok := d.Blocks[addr]; ok {
		return block
	}
	if inst, ok := d.Insns[addr]; ok {
		// Jump into the interior of a previously discovered basic block.
		return d.splitBlock(inst.block, addr)
	}
	return d.extendBlock(addr, queue, edges)
}

// extendBlock creates a basic block at the given address and extends it one
// instruction at a time until a control flow instruction seals it, extension
// runs into previously analysed code, or decoding fails. Successors of the
// sealed block are pushed onto the worklist and their edges recorded for
// commit.
func (d *Disasm) extendBlock(start bin.Addr, queue *[]root, edges *[]pendingEdge) *BasicBlock {
	block := newBlock(start)
	d.Blocks[start] = block
	for addr := start; ; {
		if addr != start {
			// Extension reached previously analysed code; seal with a plain
			// fall-through edge instead of re-decoding.
			if next, ok := d.Blocks[addr]; ok {
				block.setFall(next)
				break
			}
			if inst, ok := d.Insns[addr]; ok {
				block.setFall(d.splitBlock(inst.block, addr))
				break
			}
		}
		inst, err := d.decodeInst(addr)
		if err != nil {
			warn.Printf("sealing block %v early; %v", start, err)
			break
		}
		d.Insns[addr] = inst
		inst.block = block
		block.insts = append(block.insts, inst)
		next := addr + bin.Addr(inst.Len)
		if inst.Kind == KindNone {
			addr = next
			continue
		}
		switch inst.Kind {
		case KindRet, KindBranchIndirect:
			// No successors. Indirect branch targets are not resolved.
		case KindBranch:
			*edges = append(*edges, pendingEdge{from: inst, kind: edgeBranch, target: inst.Target})
			*queue = append(*queue, root{addr: inst.Target})
		case KindCondBranch:
			*edges = append(*edges, pendingEdge{from: inst, kind: edgeBranch, target: inst.Target})
			*queue = append(*queue, root{addr: inst.Target})
			*edges = append(*edges, pendingEdge{from: inst, kind: edgeFall, target: next})
			*queue = append(*queue, root{addr: next})
		case KindCall:
			f := d.ensureFunc(inst.Target)
			f.CallSites[inst.Addr] = true
			*edges = append(*edges, pendingEdge{from: inst, kind: edgeCall, target: inst.Target})
			*queue = append(*queue, root{addr: inst.Target, isFunc: true})
			*edges = append(*edges, pendingEdge{from: inst, kind: edgeFall, target: next})
			*queue = append(*queue, root{addr: next})
		case KindCallIndirect:
			// The call target is not resolved; analysis resumes at the
			// fall-through as for a direct call.
			*edges = append(*edges, pendingEdge{from: inst, kind: edgeFall, target: next})
			*queue = append(*queue, root{addr: next})
		}
		break
	}
	if len(block.insts) == 0 {
		// Nothing could be decoded at the root address.
		delete(d.Blocks, start)
		return nil
	}
	return block
}

// commitEdges installs the recorded outgoing edges. Edges are attached to the
// block currently containing the terminating instruction, which may differ
// from the block that recorded the edge when a split intervened.
func (d *Disasm) commitEdges(edges []pendingEdge) {
	for _, e := range edges {
		src := e.from.block
		dst, ok := d.Blocks[e.target]
		if !ok {
			warn.Printf("dangling %v edge from %v to %v; target could not be analysed", e.kind, e.from.Addr, e.target)
			continue
		}
		switch e.kind {
		case edgeFall:
			src.setFall(dst)
		case edgeBranch:
			src.setBranch(dst)
		case edgeCall:
			src.setCall(dst)
		}
	}
}

// ensureFunc returns the function starting at the given address, creating its
// entry in the function table if absent.
func (d *Disasm) ensureFunc(entry bin.Addr) *Function {
	if f, ok := d.Funcs[entry]; ok {
		return f
	}
	f := newFunc(entry)
	d.Funcs[entry] = f
	return f
}
