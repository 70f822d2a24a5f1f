// Command loadtest drives the signaling server with simulated users:
//
//   - saturate: open and hold idle connections
//   - match:    pair users, exchange offer/answer and chat in each room
//
// Usage:
//
//	loadtest <command> [options]
package main

import (
	"fmt"
	"os"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "saturate":
		runSaturate(os.Args[2:])
	case "match":
		runMatch(os.Args[2:])
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Usage: loadtest <command> [options]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  saturate    Connection saturation test: opens N idle connections")
	fmt.Println("  match       Matching flow load test: pairs match, signal and chat")
	fmt.Println()
	fmt.Println("Run 'loadtest <command> -h' for command-specific options.")
}
