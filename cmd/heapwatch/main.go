package main

import (
	"fmt"
	"os"

	tea "github.com/charmbracelet/bubbletea"
)

const version = "0.1.0"

func main() {
	args := os.Args[1:]
	if len(args) > 0 {
		switch args[0] {
		case "--help", "-h":
			printUsage()
			os.Exit(0)
		case "--version", "-v":
			fmt.Printf("heapwatch %s\n", version)
			os.Exit(0)
		default:
			fmt.Fprintf(os.Stderr, "Error: unknown argument %q\n", args[0])
			printUsage()
			os.Exit(1)
		}
	}

	p := tea.NewProgram(
		newModel(),
		tea.WithAltScreen(), // Use alternate screen buffer
	)
	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error running TUI: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`heapwatch - live view of a hugeheap allocator under synthetic load

Usage:
  heapwatch

Keys:
  space  pause/resume the workload
  r      conservative release (512 pages)
  b      breaking release (512 pages)
  q      quit`)
}
