package x86

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/mewmew/bf/bin"
	"github.com/pkg/errors"
)

// WriteDot writes the basic blocks reachable from root to w in Graphviz dot
// format; one node per basic block, labelled with its instructions, with
// outgoing edges labelled fall, branch and call.
func WriteDot(w io.Writer, root *BasicBlock) error {
	if root == nil {
		return errors.New("unable to write dot file; missing root basic block")
	}
	if _, err := fmt.Fprintf(w, "digraph cfg_%08X {\n", uint64(root.Addr)); err != nil {
		return errors.WithStack(err)
	}
	if _, err := io.WriteString(w, "\tnode [shape=box fontname=monospace]\n"); err != nil {
		return errors.WithStack(err)
	}
	for _, block := range reachable(root) {
		if _, err := fmt.Fprintf(w, "\tblock_%08X [label=%q]\n", uint64(block.Addr), dotLabel(block)); err != nil {
			return errors.WithStack(err)
		}
		succs := []struct {
			kind edgeKind
			dst  *BasicBlock
		}{
			{edgeFall, block.fall},
			{edgeBranch, block.branch},
			{edgeCall, block.call},
		}
		for _, succ := range succs {
			if succ.dst == nil {
				continue
			}
			if _, err := fmt.Fprintf(w, "\tblock_%08X -> block_%08X [label=%q]\n", uint64(block.Addr), uint64(succ.dst.Addr), succ.kind); err != nil {
				return errors.WithStack(err)
			}
		}
	}
	if _, err := io.WriteString(w, "}\n"); err != nil {
		return errors.WithStack(err)
	}
	return nil
}

// dotLabel returns the node label of the basic block; its instructions, one
// per line.
func dotLabel(block *BasicBlock) string {
	buf := &strings.Builder{}
	fmt.Fprintf(buf, "block_%08X:\n", uint64(block.Addr))
	for _, inst := range block.insts {
		fmt.Fprintf(buf, "%v\n", inst)
	}
	return buf.String()
}

// reachable returns the basic blocks reachable from root through fall-through,
// branch and call edges, in ascending address order.
func reachable(root *BasicBlock) []*BasicBlock {
	reached := make(map[bin.Addr]*BasicBlock)
	pend := []*BasicBlock{root}
	for len(pend) > 0 {
		block := pend[0]
		pend = pend[1:]
		if _, ok := reached[block.Addr]; ok {
			continue
		}
		reached[block.Addr] = block
		for _, succ := range []*BasicBlock{block.fall, block.branch, block.call} {
			if succ != nil {
				pend = append(pend, succ)
			}
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
