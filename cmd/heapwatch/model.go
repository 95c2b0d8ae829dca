package main

import (
	"math/rand"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/pagekit/hugeheap/heap"
	"github.com/pagekit/hugeheap/heap/backing"
	"github.com/pagekit/hugeheap/heap/lifetime"
	"github.com/pagekit/hugeheap/heap/pages"
	"github.com/pagekit/hugeheap/heap/span"
	"github.com/pagekit/hugeheap/heap/tracker"
)

const (
	tickInterval = 100 * time.Millisecond
	opsPerTick   = 32
	releasePages = pages.Length(512)
)

// tickMsg advances the synthetic workload.
type tickMsg time.Time

// model drives a simulated allocator with a random workload and renders
// its fill state.
type model struct {
	alloc *heap.Allocator
	rng   *rand.Rand
	live  []*span.Span

	paused bool
	ops    uint64

	stats     heap.BackingStats
	hugePages []tracker.HugePageInfo

	width  int
	height int
}

func newModel() model {
	a := heap.NewAllocator(heap.Config{
		Tag:     backing.TagNormal,
		Regions: heap.HugeRegionCountSlack,
		Lifetime: lifetime.Options{
			Mode:      lifetime.ModeEnabled,
			Strategy:  lifetime.StrategyPredictedLifetimeRegions,
			Threshold: time.Second,
		},
		Store: backing.NewSimStore(0),
	})
	return model{
		alloc: a,
		rng:   rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (m model) Init() tea.Cmd {
	return tick()
}

func tick() tea.Cmd {
	return tea.Tick(tickInterval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case " ":
			m.paused = !m.paused
			return m, nil
		case "r":
			m.alloc.ReleaseAtLeastNPages(releasePages)
			m.refresh()
			return m, nil
		case "b":
			m.alloc.ReleaseAtLeastNPagesBreakingHugepages(releasePages)
			m.refresh()
			return m, nil
		}
		return m, nil

	case tickMsg:
		if !m.paused {
			m.step()
		}
		m.refresh()
		return m, tick()
	}
	return m, nil
}

// step runs a burst of random allocator operations. Short spans churn
// quickly while a fraction of spans linger, which keeps both span
// classes visible in the fill map.
func (m *model) step() {
	for i := 0; i < opsPerTick; i++ {
		m.ops++
		if m.rng.Intn(5) < 3 || len(m.live) == 0 {
			n := pages.Length(1 + m.rng.Intn(int(pages.PerHugePage)-1))
			s, err := m.alloc.New(n, m.rng.Intn(64))
			if err != nil {
				continue
			}
			m.live = append(m.live, s)
		} else {
			j := m.rng.Intn(len(m.live))
			m.alloc.Delete(m.live[j], m.live[j].Objects())
			m.live[j] = m.live[len(m.live)-1]
			m.live = m.live[:len(m.live)-1]
		}
	}
	// Keep the workload bounded so the view stays readable.
	if len(m.live) > 512 {
		for len(m.live) > 256 {
			j := m.rng.Intn(len(m.live))
			m.alloc.Delete(m.live[j], m.live[j].Objects())
			m.live[j] = m.live[len(m.live)-1]
			m.live = m.live[:len(m.live)-1]
		}
		m.alloc.ReleaseAtLeastNPages(releasePages)
	}
}

func (m *model) refresh() {
	m.stats = m.alloc.Stats()
	m.hugePages = m.alloc.SnapshotHugePages()
}
