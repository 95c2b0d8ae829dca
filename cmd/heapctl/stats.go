package main

import (
	"github.com/spf13/cobra"

	"github.com/pagekit/hugeheap/heap/pages"
)

var statsFull bool

func init() {
	cmd := newStatsCmd()
	cmd.Flags().BoolVar(&statsFull, "full", false, "Include per-hugepage fill maps")
	rootCmd.AddCommand(cmd)
}

func newStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show accounting for a small synthetic layout",
		Long: `The stats command allocates a small fixed layout (a few spans across
two huge pages, one conservative release) and prints the resulting
accounting. It is mainly a quick way to see the output formats:

  heapctl stats
  heapctl stats --full
  heapctl stats --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatsDemo()
		},
	}
}

func runStatsDemo() error {
	a, err := newAllocator()
	if err != nil {
		return err
	}

	s1, err := a.New(10, 8)
	if err != nil {
		return err
	}
	if _, err := a.NewAligned(32, 32, 0); err != nil {
		return err
	}
	big, err := a.New(200, 0)
	if err != nil {
		return err
	}

	a.Delete(big, 0)
	a.ReleaseAtLeastNPages(pages.PerHugePage)
	a.Delete(s1, 8)

	return dump(a, statsFull)
}
