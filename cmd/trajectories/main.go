// Package main provides the trajectories CLI for inspecting rollout output.
//
// This CLI reads trajectory JSONL files produced by a generation pass and
// prints aggregate or per-record views of them.
//
// Usage:
//
//	# Aggregate counts, turn histogram, and usage totals
//	trajectories summary trajectories/rollouts_iter003.jsonl
//
//	# List failed rollouts with their errors
//	trajectories failures trajectories/rollouts_iter003.jsonl
//
//	# Dump one trajectory as indented JSON
//	trajectories show trajectories/rollouts_iter003.jsonl traj_1a2b3c4d5e6f7a8b
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"github.com/jeeves-cluster-organization/rolloutengine/coreengine/trajectory"
)

const (
	cmdSummary  = "summary"
	cmdFailures = "failures"
	cmdShow     = "show"
)

func main() {
	if len(os.Args) < 3 {
		printUsage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	path := os.Args[2]

	switch cmd {
	case cmdSummary:
		handleSummary(path)
	case cmdFailures:
		handleFailures(path)
	case cmdShow:
		if len(os.Args) < 4 {
			fmt.Fprintln(os.Stderr, "show requires a trajectory id")
			printUsage()
			os.Exit(1)
		}
		handleShow(path, os.Args[3])
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, `Usage: trajectories <command> <file.jsonl> [args]

Commands:
  summary   Print per-environment counts, a turn histogram, and usage totals
  failures  List failed trajectories with their errors
  show      Print one trajectory as indented JSON, selected by trajectory id

Examples:
  trajectories summary trajectories/rollouts_iter003.jsonl
  trajectories failures trajectories/rollouts_iter003.jsonl
  trajectories show trajectories/rollouts_iter003.jsonl traj_1a2b3c4d5e6f7a8b`)
}

// envCounts aggregates the outcomes of one environment's rollouts.
type envCounts struct {
	total     int
	completed int
	failed    int
}

// handleSummary aggregates a pass file into per-environment counts, a turn
// histogram, and summed usage.
func handleSummary(path string) {
	trajectories := load(path)

	byEnv := map[string]*envCounts{}
	turnHist := map[int]int{}
	usage := &trajectory.Usage{}
	completed, failed := 0, 0

	for _, traj := range trajectories {
		counts, ok := byEnv[traj.EnvName]
		if !ok {
			counts = &envCounts{}
			byEnv[traj.EnvName] = counts
		}
		counts.total++
		if traj.Failed() {
			counts.failed++
			failed++
		} else {
			counts.completed++
			completed++
		}
		turnHist[traj.TurnCount()]++
		usage.Add(traj.Usage)
	}

	fmt.Printf("%s: %d trajectories (%d completed, %d failed)\n\n", path, len(trajectories), completed, failed)

	fmt.Println("By environment:")
	for _, env := range sortedKeys(byEnv) {
		counts := byEnv[env]
		fmt.Printf("  %-20s %4d total  %4d completed  %4d failed\n", env, counts.total, counts.completed, counts.failed)
	}

	fmt.Println("\nTurns per trajectory:")
	for _, turns := range sortedInts(turnHist) {
		fmt.Printf("  %3d turns: %d\n", turns, turnHist[turns])
	}

	fmt.Println("\nUsage:")
	fmt.Printf("  llm calls:         %d\n", usage.LLMCalls)
	fmt.Printf("  prompt tokens:     %d\n", usage.PromptTokens)
	fmt.Printf("  completion tokens: %d\n", usage.CompletionTokens)
	fmt.Printf("  retries:           %d\n", usage.Retries)
	fmt.Printf("  elapsed seconds:   %.1f\n", usage.ElapsedSeconds)
}

// handleFailures lists every failed trajectory with its error.
func handleFailures(path string) {
	trajectories := load(path)

	failed := 0
	for _, traj := range trajectories {
		if !traj.Failed() {
			continue
		}
		failed++
		fmt.Printf("%s  env=%s subenv=%s turns=%d\n", traj.ID, traj.EnvName, traj.SubenvID, traj.TurnCount())
		fmt.Printf("  %s\n", traj.Error)
	}
	if failed == 0 {
		fmt.Println("no failures")
	}
}

// handleShow prints one trajectory as indented JSON.
func handleShow(path, trajectoryID string) {
	trajectories := load(path)

	for _, traj := range trajectories {
		if traj.ID != trajectoryID {
			continue
		}
		output, err := json.MarshalIndent(traj, "", "  ")
		if err != nil {
			fatal(fmt.Sprintf("encoding trajectory: %s", err.Error()))
		}
		fmt.Println(string(output))
		return
	}
	fatal(fmt.Sprintf("trajectory '%s' not found in %s", trajectoryID, path))
}

// load reads the whole pass file or exits.
func load(path string) []*trajectory.Trajectory {
	trajectories, err := trajectory.ReadAll(path)
	if err != nil {
		fatal(err.Error())
	}
	return trajectories
}

func sortedKeys(m map[string]*envCounts) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func sortedInts(m map[int]int) []int {
	keys := make([]int, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Ints(keys)
	return keys
}

func fatal(message string) {
	fmt.Fprintln(os.Stderr, message)
	os.Exit(1)
}
