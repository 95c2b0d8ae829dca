package main

import (
	"fmt"
	"math/rand"

	"github.com/spf13/cobra"

	"github.com/pagekit/hugeheap/heap/pages"
	"github.com/pagekit/hugeheap/heap/span"
)

var (
	stressOps     int
	stressSeed    int64
	stressMaxLen  int
	stressRelease int
)

func init() {
	cmd := newStressCmd()
	cmd.Flags().IntVar(&stressOps, "ops", 100000, "Number of operations to run")
	cmd.Flags().Int64Var(&stressSeed, "seed", 1, "Workload RNG seed")
	cmd.Flags().IntVar(&stressMaxLen, "max-len", int(pages.PerHugePage)-1, "Maximum span length in pages")
	cmd.Flags().IntVar(&stressRelease, "release-every", 64, "Run a conservative release every N operations (0 = never)")
	rootCmd.AddCommand(cmd)
}

func newStressCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stress",
		Short: "Run a seeded random workload and dump final state",
		Long: `The stress command runs a random allocate/deallocate workload with a
fixed seed against a fresh allocator and prints the resulting layout.

Example:
  heapctl stress --ops 1000000 --seed 42 --lifetime enabled
  heapctl stress --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStress()
		},
	}
}

func runStress() error {
	a, err := newAllocator()
	if err != nil {
		return err
	}
	if stressMaxLen < 1 || stressMaxLen >= int(pages.PerHugePage) {
		return fmt.Errorf("max-len must be in [1, %d)", pages.PerHugePage)
	}

	rng := rand.New(rand.NewSource(stressSeed))
	var live []*span.Span

	for i := 0; i < stressOps; i++ {
		if rng.Intn(5) < 3 || len(live) == 0 {
			n := pages.Length(1 + rng.Intn(stressMaxLen))
			s, err := a.New(n, rng.Intn(128))
			if err != nil {
				return fmt.Errorf("op %d: allocate %v: %w", i, n, err)
			}
			live = append(live, s)
		} else {
			j := rng.Intn(len(live))
			a.Delete(live[j], live[j].Objects())
			live[j] = live[len(live)-1]
			live = live[:len(live)-1]
		}
		if stressRelease > 0 && i%stressRelease == 0 {
			a.ReleaseAtLeastNPages(pages.Length(rng.Intn(1024)))
		}
	}

	fmt.Printf("ran %d operations, %d spans live\n\n", stressOps, len(live))
	return dump(a, true)
}
