package main

import (
	"fmt"
	"os"

	"github.com/sheerbytes/memfetch/internal/cli"
)

const version = "v0.1.0"

func main() {
	args := os.Args[1:]
	if len(args) == 0 {
		printUsage()
		os.Exit(2)
	}
	if hasVersionFlag(args[:1]) {
		fmt.Fprintf(os.Stdout, "memfetch %s\n", version)
		return
	}

	switch cmdName := args[0]; cmdName {
	case "pull":
		os.Exit(cli.Pull(args[1:]))
	case "put":
		os.Exit(cli.Put(args[1:]))
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", cmdName)
		printUsage()
		os.Exit(2)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "usage: memfetch <command> [args]")
	fmt.Fprintln(os.Stderr, "commands:")
	fmt.Fprintln(os.Stderr, "  pull  fetch a memory image over SFTP or the raw pull channel")
	fmt.Fprintln(os.Stderr, "  put   upload a file (e.g. the capture module) over SFTP")
	fmt.Fprintln(os.Stderr, "quick examples:")
	fmt.Fprintln(os.Stderr, "  memfetch put -ssh-host target -local-dir ./lime -remote-dir /tmp -file lime.ko")
	fmt.Fprintln(os.Stderr, "  memfetch pull -ssh-host target -remote-dir /tmp -local-dir ./out -file mem.lime")
	fmt.Fprintln(os.Stderr, "  memfetch pull -pull-ip 10.0.0.5 -pull-port 9000 -local-dir ./out -file mem.lime")
	fmt.Fprintln(os.Stderr, "to learn detailed usage:")
	fmt.Fprintln(os.Stderr, "  memfetch pull --help")
	fmt.Fprintln(os.Stderr, "  memfetch put --help")
}

func hasVersionFlag(args []string) bool {
	for _, arg := range args {
		if arg == "--version" || arg == "-v" {
			return true
		}
	}
	return false
}
