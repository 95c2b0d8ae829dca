package main

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/pagekit/hugeheap/heap/pages"
	"github.com/pagekit/hugeheap/heap/tracker"
)

var (
	// Color palette
	primaryColor = lipgloss.Color("#7D56F4")
	shortColor   = lipgloss.Color("#FFA500")
	longColor    = lipgloss.Color("#04B575")
	idleColor    = lipgloss.Color("#666666")
	releaseColor = lipgloss.Color("#00D7FF")

	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(primaryColor).
			Padding(0, 1)

	statStyle = lipgloss.NewStyle().
			Padding(0, 1)

	shortStyle    = lipgloss.NewStyle().Foreground(shortColor)
	longStyle     = lipgloss.NewStyle().Foreground(longColor)
	idleStyle     = lipgloss.NewStyle().Foreground(idleColor)
	releasedStyle = lipgloss.NewStyle().Foreground(releaseColor)

	footerStyle = lipgloss.NewStyle().
			Foreground(idleColor).
			Padding(0, 1)
)

func (m model) View() string {
	var b strings.Builder

	state := "running"
	if m.paused {
		state = "paused"
	}
	b.WriteString(headerStyle.Render(fmt.Sprintf("hugeheap %s | %d ops | %d spans live", state, m.ops, len(m.live))))
	b.WriteString("\n")

	b.WriteString(statStyle.Render(fmt.Sprintf(
		"system %s  free %s  unmapped %s  live %s",
		formatBytes(m.stats.SystemBytes),
		formatBytes(m.stats.FreeBytes),
		formatBytes(m.stats.UnmappedBytes),
		formatBytes(m.stats.LiveBytes()))))
	b.WriteString("\n\n")

	b.WriteString(m.renderHugePages())
	b.WriteString("\n")
	b.WriteString(footerStyle.Render("space pause | r release | b breaking release | q quit"))
	return b.String()
}

// renderHugePages draws one bar per huge page: a 16-cell fill gauge
// colored by span class, plus counts.
func (m model) renderHugePages() string {
	var b strings.Builder
	maxRows := m.height - 7
	if maxRows < 1 {
		maxRows = 1
	}
	for i, hp := range m.hugePages {
		if i >= maxRows {
			b.WriteString(idleStyle.Render(fmt.Sprintf("  ... %d more hugepages", len(m.hugePages)-i)))
			b.WriteString("\n")
			break
		}
		b.WriteString(statStyle.Render(renderBar(hp)))
		b.WriteString("\n")
	}
	return b.String()
}

func renderBar(hp tracker.HugePageInfo) string {
	const cells = 16
	per := int(pages.PerHugePage) / cells

	style := longStyle
	class := "long "
	if hp.ShortLived {
		style = shortStyle
		class = "short"
	}
	if hp.Used == 0 {
		style = idleStyle
		class = "idle "
	}

	var gauge strings.Builder
	for c := 0; c < cells; c++ {
		used := 0
		for p := c * per; p < (c+1)*per; p++ {
			if hp.UsedMask[p>>6]&(1<<(uint(p)&63)) != 0 {
				used++
			}
		}
		switch {
		case used == 0:
			gauge.WriteString("·")
		case used < per/2:
			gauge.WriteString("▂")
		case used < per:
			gauge.WriteString("▆")
		default:
			gauge.WriteString("█")
		}
	}

	bar := style.Render(gauge.String())
	info := fmt.Sprintf("hugepage %4d %s %3d used %3d free", uint64(hp.ID), class, uint64(hp.Used), uint64(hp.Free()))
	if hp.Released > 0 {
		info += releasedStyle.Render(fmt.Sprintf(" %3d released", uint64(hp.Released)))
	}
	return fmt.Sprintf("%s  %s", bar, info)
}

func formatBytes(n uint64) string {
	switch {
	case n >= 1<<30:
		return fmt.Sprintf("%.2f GiB", float64(n)/(1<<30))
	case n >= 1<<20:
		return fmt.Sprintf("%.2f MiB", float64(n)/(1<<20))
	case n >= 1<<10:
		return fmt.Sprintf("%.2f KiB", float64(n)/(1<<10))
	}
	return fmt.Sprintf("%d B", n)
}
