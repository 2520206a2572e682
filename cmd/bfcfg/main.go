// The bfcfg tool reconstructs control flow graphs from x86 ELF executables.
//
// Roots are taken from the entry point, from a named function symbol, or from
// every function symbol of the target.
package main

import (
	"fmt"
	"io/ioutil"
	"log"
	"os"
	"sort"

	"github.com/kr/pretty"
	"github.com/mewkiz/pkg/term"
	"github.com/mewmew/bf/bin"
	"github.com/mewmew/bf/disasm/x86"
	"github.com/pkg/errors"
	"github.com/urfave/cli"
)

var (
	// dbg is a logger which logs debug messages with "bfcfg:" prefix to
	// standard error.
	dbg = log.New(os.Stderr, term.MagentaBold("bfcfg:")+" ", 0)
)

func main() {
	app := cli.NewApp()
	app.Name = "bfcfg"
	app.Usage = "Reconstruct control flow graphs from x86 ELF executables"
	app.Flags = []cli.Flag{
		cli.BoolFlag{
			Name:  "q",
			Usage: "suppress non-error messages",
		},
		cli.StringFlag{
			Name:  "o",
			Usage: "output path reserved for patched executables",
		},
	}
	app.Before = func(c *cli.Context) error {
		if c.GlobalBool("q") {
			dbg.SetOutput(ioutil.Discard)
		}
		return nil
	}
	app.Commands = []cli.Command{
		{
			Name:      "syms",
			Usage:     "List the symbols of the executable",
			ArgsUsage: "target",
			Action:    listSyms,
		},
		{
			Name:      "entry",
			Usage:     "Print the CFG rooted at the entry point",
			ArgsUsage: "target",
			Action:    disasmEntry,
		},
		{
			Name:      "sym",
			Usage:     "Print the CFG rooted at a symbol",
			ArgsUsage: "target name",
			Flags: []cli.Flag{
				cli.BoolTFlag{
					Name:  "func",
					Usage: "treat the symbol as the start of a function",
				},
			},
			Action: disasmSym,
		},
		{
			Name:      "all",
			Usage:     "Disassemble every function symbol and print the functions",
			ArgsUsage: "target",
			Flags: []cli.Flag{
				cli.BoolFlag{
					Name:  "v",
					Usage: "dump the raw function table",
				},
			},
			Action: disasmAll,
		},
		{
			Name:      "dot",
			Usage:     "Emit the CFG rooted at the entry point or a symbol in Graphviz dot format",
			ArgsUsage: "target [name]",
			Action:    emitDot,
		},
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatalf("%+v", err)
	}
}

// open loads the target of the given invocation.
func open(c *cli.Context) (*x86.Disasm, error) {
	if c.NArg() < 1 {
		return nil, errors.New("missing target path")
	}
	file, err := bin.Load(c.Args().First(), c.GlobalString("o"))
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return x86.NewDisasm(file), nil
}

// listSyms lists the symbols of the target.
func listSyms(c *cli.Context) error {
	d, err := open(c)
	if err != nil {
		return errors.WithStack(err)
	}
	defer d.Close()
	for _, sym := range d.File.Syms {
		kind := "      "
		if sym.IsFunc {
			kind = "FUNC  "
		}
		fmt.Printf("%v  %s%s\n", sym.Addr, kind, sym.Name)
	}
	return nil
}

// disasmEntry prints the CFG rooted at the entry point of the target.
func disasmEntry(c *cli.Context) error {
	d, err := open(c)
	if err != nil {
		return errors.WithStack(err)
	}
	defer d.Close()
	block := d.DisasmEntry()
	if block == nil {
		return errors.Errorf("unable to disassemble entry point of %q", d.File.Path)
	}
	printBlocks(d)
	return nil
}

// disasmSym prints the CFG rooted at the named symbol of the target.
func disasmSym(c *cli.Context) error {
	d, err := open(c)
	if err != nil {
		return errors.WithStack(err)
	}
	defer d.Close()
	if c.NArg() < 2 {
		return errors.New("missing symbol name")
	}
	name := c.Args().Get(1)
	sym, ok := d.File.SymFromName(name)
	if !ok {
		return errors.Errorf("unable to locate symbol %q in %q", name, d.File.Path)
	}
	block := d.DisasmSym(sym, c.BoolT("func"))
	if block == nil {
		return errors.Errorf("unable to disassemble symbol %q", name)
	}
	printBlocks(d)
	return nil
}

// disasmAll disassembles every function symbol of the target and prints the
// discovered functions.
func disasmAll(c *cli.Context) error {
	d, err := open(c)
	if err != nil {
		return errors.WithStack(err)
	}
	defer d.Close()
	d.DisasmAllFuncSyms()
	if c.Bool("v") {
		pretty.Println(d.Funcs)
		return nil
	}
	var keys bin.Addrs
	for key := range d.Funcs {
		keys = append(keys, key)
	}
	sort.Sort(keys)
	for _, key := range keys {
		fmt.Println(d.Funcs[key])
		fmt.Println()
	}
	return nil
}

// emitDot writes the CFG rooted at the entry point, or at the named symbol if
// given, to standard output in Graphviz dot format.
func emitDot(c *cli.Context) error {
	d, err := open(c)
	if err != nil {
		return errors.WithStack(err)
	}
	defer d.Close()
	var block *x86.BasicBlock
	if c.NArg() >= 2 {
		name := c.Args().Get(1)
		sym, ok := d.File.SymFromName(name)
		if !ok {
			return errors.Errorf("unable to locate symbol %q in %q", name, d.File.Path)
		}
		block = d.DisasmSym(sym, true)
	} else {
		block = d.DisasmEntry()
	}
	if err := x86.WriteDot(os.Stdout, block); err != nil {
		return errors.WithStack(err)
	}
	return nil
}

// printBlocks prints every discovered basic block in ascending address order.
func printBlocks(d *x86.Disasm) {
	dbg.Printf("%d basic blocks, %d instructions", len(d.Blocks), len(d.Insns))
	var keys bin.Addrs
	for key := range d.Blocks {
		keys = append(keys, key)
	}
	sort.Sort(keys)
	for i, key := range keys {
		if i != 0 {
			fmt.Println()
		}
		fmt.Println(d.Blocks[key])
	}
}
