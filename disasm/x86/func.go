package x86

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/mewmew/bf/bin"
)

// Function is a function consisting of one or more basic blocks. The body of
// a function is not stored explicitly; it is the set of basic blocks
// reachable from the entry block through fall-through and branch edges,
// without crossing call edges.
type Function struct {
	// Address of entry basic block.
	Entry bin.Addr
	// Entry basic block.
	Block *BasicBlock
	// Call sites; addresses of the instructions which call the function.
	CallSites map[bin.Addr]bool
}

// newFunc returns a new function.
func newFunc(entry bin.Addr) *Function {
	return &Function{
		Entry:     entry,
		CallSites: make(map[bin.Addr]bool),
	}
}

// Blocks returns the basic blocks of the function body in ascending address
// order; that is, the blocks reachable from the entry block without crossing
// call edges.
func (f *Function) Blocks() []*BasicBlock {
	if f.Block == nil {
		return nil
	}
	reached := make(map[bin.Addr]*BasicBlock)
	pend := []*BasicBlock{f.Block}
	for len(pend) > 0 {
		block := pend[0]
		pend = pend[1:]
		if _, ok := reached[block.Addr]; ok {
			continue
		}
		reached[block.Addr] = block
		if block.fall != nil {
			pend = append(pend, block.fall)
		}
		if block.branch != nil {
			pend = append(pend, block.branch)
		}
	}
	var keys bin.Addrs
	for key := range reached {
		keys = append(keys, key)
	}
	sort.Sort(keys)
	var blocks []*BasicBlock
	for _, key := range keys {
		blocks = append(blocks, reached[key])
	}
	return blocks
}

// String returns the string representation of the function.
func (f *Function) String() string {
	buf := &bytes.Buffer{}
	fmt.Fprintf(buf, "func_%08X() {\n", uint64(f.Entry))
	for i, block := range f.Blocks() {
		if i != 0 {
			buf.WriteString("\n")
		}
		fmt.Fprintf(buf, "%v\n", block)
	}
	buf.WriteString("}")
	return buf.String()
}
