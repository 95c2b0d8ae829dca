package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/pagekit/hugeheap/heap"
	"github.com/pagekit/hugeheap/heap/backing"
	"github.com/pagekit/hugeheap/heap/lifetime"
)

var (
	// Global flags
	tagName        string
	regionPolicy   string
	lifetimeMode   string
	lifetimeThresh time.Duration
	jsonOut        bool
)

var rootCmd = &cobra.Command{
	Use:   "heapctl",
	Short: "Exercise and inspect the huge-page-aware page allocator",
	Long: `heapctl drives a simulated-store instance of the hugeheap allocator:
it replays recorded exerciser streams, runs seeded stress workloads, and
dumps the allocator's accounting in text or JSON form.`,
	Version: "0.1.0",
}

func init() {
	rootCmd.PersistentFlags().
		StringVar(&tagName, "tag", "normal", "Memory tag (normal, sampled, cold, metadata)")
	rootCmd.PersistentFlags().
		StringVar(&regionPolicy, "regions", "slack", "Region retention policy (slack, abandoned)")
	rootCmd.PersistentFlags().
		StringVar(&lifetimeMode, "lifetime", "disabled", "Lifetime prediction mode (enabled, disabled, counterfactual)")
	rootCmd.PersistentFlags().
		DurationVar(&lifetimeThresh, "lifetime-threshold", 500*time.Millisecond, "Short-lived lifetime threshold")
	rootCmd.PersistentFlags().BoolVar(&jsonOut, "json", false, "Output in JSON format")
}

func execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// newAllocator builds an allocator from the global flags, always backed
// by a simulated store.
func newAllocator() (*heap.Allocator, error) {
	var tag backing.MemoryTag
	switch strings.ToLower(tagName) {
	case "normal":
		tag = backing.TagNormal
	case "sampled":
		tag = backing.TagSampled
	case "cold":
		tag = backing.TagCold
	case "metadata":
		tag = backing.TagMetadata
	default:
		return nil, fmt.Errorf("unknown memory tag %q", tagName)
	}

	var regions heap.HugeRegionCountOption
	switch strings.ToLower(regionPolicy) {
	case "slack":
		regions = heap.HugeRegionCountSlack
	case "abandoned":
		regions = heap.HugeRegionCountAbandoned
	default:
		return nil, fmt.Errorf("unknown region policy %q", regionPolicy)
	}

	var mode lifetime.Mode
	switch strings.ToLower(lifetimeMode) {
	case "enabled":
		mode = lifetime.ModeEnabled
	case "disabled":
		mode = lifetime.ModeDisabled
	case "counterfactual":
		mode = lifetime.ModeCounterfactual
	default:
		return nil, fmt.Errorf("unknown lifetime mode %q", lifetimeMode)
	}

	return heap.NewAllocator(heap.Config{
		Tag:     tag,
		Regions: regions,
		Lifetime: lifetime.Options{
			Mode:      mode,
			Strategy:  lifetime.StrategyPredictedLifetimeRegions,
			Threshold: lifetimeThresh,
		},
		Store: backing.NewSimStore(0),
	}), nil
}

// dump prints the allocator per the output flags.
func dump(a *heap.Allocator, everything bool) error {
	if jsonOut {
		return a.PrintStructured(os.Stdout)
	}
	a.Print(os.Stdout, everything)
	return nil
}
