package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/joshuapare/allocman/allocman"
)

var (
	reservesUntypedBits uint
	reservesTwoLevel    bool
)

func init() {
	cmd := newReservesCmd()
	cmd.Flags().UintVar(&reservesUntypedBits, "untyped-bits", 24, "Size in bits of the boot kernel untyped")
	cmd.Flags().BoolVar(&reservesTwoLevel, "two-level", false, "Bootstrap a two-level cspace")
	rootCmd.AddCommand(cmd)
}

func newReservesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reserves",
		Short: "Boot a manager and report its reserve levels",
		Long: `The reserves command bootstraps a manager from the config and prints the
fill state of every watermark pool and deferred-free queue.

Example:
  allocmanctl reserves
  allocmanctl reserves --two-level --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReserves()
		},
	}
	return cmd
}

// reservesReport is the reserves command's output.
type reservesReport struct {
	Full   bool            `json:"full"`
	Levels allocman.Levels `json:"levels"`
	Stats  allocman.Stats  `json:"stats"`
}

func reserves(opts bootOptions) (*reservesReport, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	b, err := boot(cfg, opts)
	if err != nil {
		return nil, fmt.Errorf("boot: %w", err)
	}
	defer b.Close()

	full := !b.m.FillReserves()
	return &reservesReport{
		Full:   full,
		Levels: b.m.ReserveLevels(),
		Stats:  b.m.Stats(),
	}, nil
}

func runReserves() error {
	report, err := reserves(bootOptions{twoLevel: reservesTwoLevel, untypedBits: reservesUntypedBits})
	if err != nil {
		return err
	}
	if jsonOut {
		return printJSON(report)
	}

	l := report.Levels
	printInfo("Reserves:\n")
	printLevel("cspace slots", l.CspaceSlots)
	for _, c := range l.Mspace {
		printLevel(fmt.Sprintf("mspace %d bytes", c.Size), c.Level)
	}
	for _, c := range l.Utspace {
		printLevel(fmt.Sprintf("utspace %d bits type %d", c.SizeBits, c.Type), c.Level)
	}
	printInfo("Deferred-free queues:\n")
	printQueue("slots", l.FreedSlots)
	printQueue("memory", l.FreedMemory)
	printQueue("untyped", l.FreedUntyped)

	if report.Full {
		printInfo("\nAll reserves full\n")
	} else {
		printInfo("\nReserves short\n")
	}
	return nil
}

// printLevel prints a reserve pool, which refills toward its target.
func printLevel(name string, l allocman.Level) {
	mark := ""
	if l.Short() {
		mark = "  (short)"
	}
	printInfo("  %-28s %6d / %-6d%s\n", name, l.Current, l.Desired, mark)
}

// printQueue prints a deferred-free queue as backlog over capacity. An empty
// queue is the normal state.
func printQueue(name string, l allocman.Level) {
	mark := ""
	if l.Desired > 0 && l.Current >= l.Desired {
		mark = "  (full, further frees leak)"
	}
	printInfo("  %-28s %6d of %-6d pending%s\n", name, l.Current, l.Desired, mark)
}
