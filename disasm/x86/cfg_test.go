package x86

import (
	"sort"
	"strings"
	"testing"

	"github.com/davecgh/go-spew/spew"
	"github.com/mewmew/bf/bin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const base = bin.Addr(0x400000)

// checkInvariants validates the universal CFG invariants over the current
// state of the disassembly engine: address keys match entries, basic blocks
// do not overlap, successor and predecessor edges mirror each other, and only
// block terminators affect control flow.
func checkInvariants(t *testing.T, d *Disasm) {
	t.Helper()
	// Key integrity.
	for addr, inst := range d.Insns {
		assert.Equal(t, addr, inst.Addr, "instruction key mismatch")
		require.NotNil(t, inst.Block(), "instruction %v has no basic block", addr)
	}
	for addr, block := range d.Blocks {
		assert.Equal(t, addr, block.Addr, "basic block key mismatch")
		require.NotEmpty(t, block.Insts(), "empty basic block %v", addr)
		assert.Equal(t, addr, block.Insts()[0].Addr, "basic block %v does not start at its key", addr)
	}
	for addr, f := range d.Funcs {
		assert.Equal(t, addr, f.Entry, "function key mismatch")
	}
	// Instruction ownership; every instruction of a block points back at it.
	for _, block := range d.Blocks {
		for _, inst := range block.Insts() {
			assert.Same(t, block, inst.Block(), "back-pointer mismatch in block %v", block.Addr)
			assert.Same(t, inst, d.Insns[inst.Addr], "instruction %v not interned", inst.Addr)
		}
	}
	// No overlap between the address ranges of basic blocks.
	var keys bin.Addrs
	for key := range d.Blocks {
		keys = append(keys, key)
	}
	sort.Sort(keys)
	for i := 0; i+1 < len(keys); i++ {
		block := d.Blocks[keys[i]]
		last := block.Insts()[len(block.Insts())-1]
		end := last.Addr + bin.Addr(last.Len)
		assert.LessOrEqual(t, uint64(end), uint64(keys[i+1]), "blocks %v and %v overlap", keys[i], keys[i+1])
	}
	// Edge symmetry.
	for _, block := range d.Blocks {
		for _, succ := range []*BasicBlock{block.Fall(), block.Branch(), block.CallTarget()} {
			if succ == nil {
				continue
			}
			assert.Contains(t, succ.Preds(), block, "missing predecessor %v of %v", block.Addr, succ.Addr)
		}
		for _, pred := range block.Preds() {
			found := pred.Fall() == block || pred.Branch() == block || pred.CallTarget() == block
			assert.True(t, found, "predecessor %v of %v has no matching successor edge", pred.Addr, block.Addr)
		}
	}
	// Terminator discipline.
	for _, block := range d.Blocks {
		insts := block.Insts()
		for _, inst := range insts[:len(insts)-1] {
			assert.Equal(t, KindNone, inst.Kind, "non-terminator control flow instruction at %v in block %v", inst.Addr, block.Addr)
		}
	}
}

func testDisasm(code []byte) *Disasm {
	return NewDisasm(testFile(base, code))
}

func funcSym(name string, addr bin.Addr) *bin.Symbol {
	return &bin.Symbol{Addr: addr, Name: name, IsFunc: true}
}

// A symbol whose body is mov; ret produces a single basic block with two
// instructions and no successors, recorded as a function.
func TestStraightLine(t *testing.T) {
	d := testDisasm([]byte{
		0x48, 0x89, 0xE5, // mov %rsp,%rbp
		0xC3, // ret
	})
	block := d.DisasmSym(funcSym("f", base), true)
	require.NotNil(t, block)
	assert.Equal(t, base, block.Addr)
	require.Len(t, block.Insts(), 2)
	assert.Nil(t, block.Fall())
	assert.Nil(t, block.Branch())
	assert.Nil(t, block.CallTarget())
	require.Contains(t, d.Funcs, base)
	assert.Same(t, block, d.Funcs[base].Block)
	checkInvariants(t, d)
}

// cmp; je L; nop; L: ret forks into a conditional block whose branch edge and
// fall-through chain both reach the ret block.
func TestCondBranchForward(t *testing.T) {
	d := testDisasm([]byte{
		0x48, 0x39, 0xD8, // 0x400000: cmp %rbx,%rax
		0x74, 0x01, //       0x400003: je 0x400006
		0x90, //             0x400005: nop
		0xC3, //             0x400006: ret
	})
	cond := d.DisasmSym(funcSym("f", base), true)
	require.NotNil(t, cond)
	require.Len(t, cond.Insts(), 2)
	ret := d.Blocks[base+6]
	require.NotNil(t, ret, "missing ret block:\n%s", spew.Sdump(d.Blocks))
	assert.Same(t, ret, cond.Branch())
	fall := cond.Fall()
	require.NotNil(t, fall)
	assert.Equal(t, base+5, fall.Addr)
	assert.Same(t, ret, fall.Fall())
	assert.ElementsMatch(t, []*BasicBlock{cond, fall}, ret.Preds())
	checkInvariants(t, d)
}

// L: add; jne L keeps its back-edge on the block itself, with a fall-through
// to the instruction after the loop.
func TestBackEdgeToBlockStart(t *testing.T) {
	d := testDisasm([]byte{
		0x48, 0x01, 0xD8, // 0x400000: add %rbx,%rax
		0x75, 0xFB, //       0x400003: jne 0x400000
		0xC3, //             0x400005: ret
	})
	loop := d.DisasmSym(funcSym("f", base), true)
	require.NotNil(t, loop)
	require.Len(t, loop.Insts(), 2)
	assert.Same(t, loop, loop.Branch())
	fall := loop.Fall()
	require.NotNil(t, fall)
	assert.Equal(t, base+5, fall.Addr)
	assert.Contains(t, loop.Preds(), loop)
	checkInvariants(t, d)
}

// A later branch into the interior of a known block splits it; the prefix
// keeps a single fall-through edge to the suffix, and the suffix inherits the
// outgoing edges of the original.
func TestMidBlockSplit(t *testing.T) {
	d := testDisasm([]byte{
		0x48, 0x89, 0xE5, // 0x400000: mov %rsp,%rbp
		0x48, 0x01, 0xD8, // 0x400003: add %rbx,%rax
		0xEB, 0xF8, //       0x400006: jmp 0x400000
	})
	// First pass discovers one block of three instructions looping to itself.
	block := d.DisasmSym(funcSym("f", base), true)
	require.NotNil(t, block)
	require.Len(t, block.Insts(), 3)
	require.Same(t, block, block.Branch())
	var want []bin.Addr
	for _, inst := range block.Insts() {
		want = append(want, inst.Addr)
	}

	// Second pass branches into the interior.
	post := d.DisasmSym(&bin.Symbol{Addr: base + 3, Name: "mid"}, false)
	require.NotNil(t, post)
	assert.Same(t, post, d.Blocks[base+3])

	// The concatenation of prefix and suffix is the pre-split sequence.
	var got []bin.Addr
	for _, inst := range block.Insts() {
		got = append(got, inst.Addr)
	}
	for _, inst := range post.Insts() {
		got = append(got, inst.Addr)
	}
	assert.Equal(t, want, got)
	require.Len(t, block.Insts(), 1)
	require.Len(t, post.Insts(), 2)

	// The prefix keeps a single fall-through edge to the suffix; the suffix
	// inherits the branch edge of the original, which targeted the prefix.
	assert.Same(t, post, block.Fall())
	assert.Nil(t, block.Branch())
	assert.Same(t, block, post.Branch())
	assert.Nil(t, post.Fall())
	checkInvariants(t, d)
}

// A block ending in call f registers f as a function, records the call site,
// sets the call edge and resumes at the fall-through.
func TestCall(t *testing.T) {
	d := testDisasm([]byte{
		0xE8, 0x05, 0x00, 0x00, 0x00, // 0x400000: call 0x40000A
		0x90, //                         0x400005: nop
		0xC3, //                         0x400006: ret
		0x90, 0x90, 0x90, //             0x400007: padding
		0xC3, //                         0x40000A: ret
	})
	caller := d.DisasmSym(funcSym("f", base), true)
	require.NotNil(t, caller)
	require.Len(t, caller.Insts(), 1)

	callee := d.Funcs[base+10]
	require.NotNil(t, callee)
	assert.True(t, callee.CallSites[base])
	require.NotNil(t, callee.Block)
	assert.Same(t, callee.Block, caller.CallTarget())

	fall := caller.Fall()
	require.NotNil(t, fall)
	assert.Equal(t, base+5, fall.Addr)
	require.Len(t, fall.Insts(), 2)
	checkInvariants(t, d)
}

// Indirect branches seal a block with no successors; indirect calls keep the
// fall-through but resolve no call target.
func TestIndirect(t *testing.T) {
	d := testDisasm([]byte{
		0xFF, 0xD0, // 0x400000: call *%rax
		0xFF, 0xE0, // 0x400002: jmp *%rax
	})
	block := d.DisasmSym(funcSym("f", base), true)
	require.NotNil(t, block)
	require.Len(t, block.Insts(), 1)
	assert.Nil(t, block.CallTarget())
	fall := block.Fall()
	require.NotNil(t, fall)
	assert.Nil(t, fall.Fall())
	assert.Nil(t, fall.Branch())
	// No function was conjured for the unresolved call target.
	assert.Len(t, d.Funcs, 1)
	checkInvariants(t, d)
}

// disasm of every function symbol records one function per symbol, and every
// reachable basic block is in the block table exactly once.
func TestDisasmAllFuncSyms(t *testing.T) {
	code := []byte{
		// f:
		0xE8, 0x05, 0x00, 0x00, 0x00, // 0x400000: call 0x40000A (h)
		0x90, //                         0x400005: nop
		0xC3, //                         0x400006: ret
		0x90, 0x90, 0x90, //             0x400007: padding
		// h:
		0xC3, //                         0x40000A: ret
		// g:
		0xEB, 0xFD, //                   0x40000B: jmp 0x40000A (into h)
	}
	file := testFile(base, code)
	file.Syms = []*bin.Symbol{
		funcSym("f", base),
		funcSym("g", base+11),
		funcSym("h", base+10),
		{Addr: base + 7, Name: "pad", IsFunc: false},
	}
	d := NewDisasm(file)
	d.DisasmAllFuncSyms()

	assert.Len(t, d.Funcs, 3)
	for _, entry := range []bin.Addr{base, base + 10, base + 11} {
		require.Contains(t, d.Funcs, entry)
		require.NotNil(t, d.Funcs[entry].Block)
	}
	// h is reached from f (call), g (branch) and its own symbol, yet has a
	// single basic block entry.
	h := d.Blocks[base+10]
	require.NotNil(t, h)
	assert.Same(t, h, d.Funcs[base+10].Block)
	assert.Same(t, h, d.Funcs[base].Block.CallTarget())
	assert.Same(t, h, d.Funcs[base+11].Block.Branch())
	checkInvariants(t, d)
}

// Repeated CFG generation from the same root returns the same basic block
// and leaves the tables untouched.
func TestRootIdempotence(t *testing.T) {
	d := testDisasm([]byte{
		0x48, 0x39, 0xD8, // cmp %rbx,%rax
		0x74, 0x01, //       je
		0x90, //             nop
		0xC3, //             ret
	})
	first := d.DisasmEntry()
	require.NotNil(t, first)
	insns, blocks, funcs := len(d.Insns), len(d.Blocks), len(d.Funcs)

	second := d.DisasmEntry()
	assert.Same(t, first, second)
	assert.Equal(t, insns, len(d.Insns))
	assert.Equal(t, blocks, len(d.Blocks))
	assert.Equal(t, funcs, len(d.Funcs))
	checkInvariants(t, d)
}

// A root outside of every section yields no basic block and leaves the
// tables untouched.
func TestUnmappedRoot(t *testing.T) {
	d := testDisasm([]byte{0xC3})
	block := d.DisasmSym(&bin.Symbol{Addr: 0x500000, Name: "ghost"}, false)
	assert.Nil(t, block)
	assert.Empty(t, d.Blocks)
	assert.Empty(t, d.Insns)
}

// Extension falling into the start of a known block reuses it instead of
// re-decoding.
func TestFallIntoKnownBlock(t *testing.T) {
	d := testDisasm([]byte{
		0x90, //       0x400000: nop
		0x90, //       0x400001: nop
		0xC3, //       0x400002: ret
	})
	ret := d.DisasmSym(&bin.Symbol{Addr: base + 2, Name: "end"}, false)
	require.NotNil(t, ret)
	head := d.DisasmSym(funcSym("f", base), true)
	require.NotNil(t, head)
	require.Len(t, head.Insts(), 2)
	assert.Same(t, ret, head.Fall())
	assert.Len(t, d.Insns, 3)
	checkInvariants(t, d)
}

func TestFunctionBlocks(t *testing.T) {
	d := testDisasm([]byte{
		0x48, 0x39, 0xD8, // 0x400000: cmp %rbx,%rax
		0x74, 0x01, //       0x400003: je 0x400006
		0x90, //             0x400005: nop
		0xC3, //             0x400006: ret
	})
	d.DisasmEntry()
	f := d.Funcs[base]
	require.NotNil(t, f)
	blocks := f.Blocks()
	require.Len(t, blocks, 3)
	// Blocks are reported in ascending address order.
	assert.Equal(t, base, blocks[0].Addr)
	assert.Equal(t, base+5, blocks[1].Addr)
	assert.Equal(t, base+6, blocks[2].Addr)
	assert.True(t, strings.HasPrefix(f.String(), "func_00400000() {"))
}

func TestWriteDot(t *testing.T) {
	d := testDisasm([]byte{
		0x48, 0x39, 0xD8, // cmp %rbx,%rax
		0x74, 0x01, //       je
		0x90, //             nop
		0xC3, //             ret
	})
	block := d.DisasmEntry()
	require.NotNil(t, block)
	buf := &strings.Builder{}
	require.NoError(t, WriteDot(buf, block))
	out := buf.String()
	assert.Contains(t, out, "digraph cfg_00400000 {")
	assert.Contains(t, out, "block_00400000")
	assert.Contains(t, out, `[label="branch"]`)
	assert.Contains(t, out, `[label="fall"]`)
}

func TestClose(t *testing.T) {
	d := testDisasm([]byte{0x90, 0xC3})
	require.NotNil(t, d.DisasmEntry())
	require.NoError(t, d.Close())
	assert.Empty(t, d.Insns)
	assert.Empty(t, d.Blocks)
	assert.Empty(t, d.Funcs)
}
