package cli

import (
	"fmt"
	"strings"

	"github.com/frobware/go-propel/parser"
)

// DisasmCmd prints a function the way the agent sees it.
type DisasmCmd struct {
	File     string `arg:"" help:"ELF executable or shared object." type:"existingfile"`
	Function string `arg:"" help:"Function symbol name."`
	Blocks   bool   `help:"List call blocks instead of instructions."`
}

// Run executes the disasm command.
func (c *DisasmCmd) Run(cli *CLI) error {
	fn, code, err := parser.ReadFunction(c.File, c.Function)
	if err != nil {
		return err
	}
	if !c.Blocks {
		return cli.PrintOutf("%s <%s> (%d bytes):\n%s", fn.Addr, fn.Name, fn.Size, parser.Disassemble(code, fn.Addr))
	}
	return cli.PrintOut(FormatBlocks(parser.SplitBlocks(code, fn.Addr)))
}

// FormatBlocks renders call blocks one per line with their patchable
// size and call target.
func FormatBlocks(blocks []parser.CallBlock) string {
	if len(blocks) == 0 {
		return "No call blocks\n"
	}
	var b strings.Builder
	for _, cb := range blocks {
		target := "indirect"
		if !cb.Indirect {
			target = cb.Target.String()
		}
		fmt.Fprintf(&b, "%s-%s\t%d bytes\tcall %s\n", cb.Block.Start, cb.Block.Last, cb.Block.Size, target)
	}
	return b.String()
}
