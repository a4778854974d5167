// netchat — LAN peer discovery, chat and reliable file transfer.
//
// Usage:   netchat <name> [--port N] [--dir DIR] [--debug]
//
// With no name the hostname is used.
package main

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/uber-go/tally"
	"go.uber.org/zap"

	"github.com/denizsurmeli/netchat/internal/node"
)

const replHelp = `
Commands:
  :peers                 List known peers
  :whoami                Show own name and address
  :hello <ip>            Probe an explicit address
  :send <name> <text>    Send a chat line to a peer
  :sendfile <name> <path>  Send a file to a peer
  :quit                  Shut down
`

func getFlag(args []string, name, def string) (string, []string) {
	for i, a := range args {
		if a == name && i+1 < len(args) {
			return args[i+1], append(args[:i:i], args[i+2:]...)
		}
	}
	return def, args
}

func hasFlag(args []string, name string) (bool, []string) {
	for i, a := range args {
		if a == name {
			return true, append(args[:i:i], args[i+1:]...)
		}
	}
	return false, args
}

func main() {
	args := os.Args[1:]
	if len(args) > 0 && (args[0] == "--help" || args[0] == "-h") {
		fmt.Println(strings.TrimSpace(replHelp))
		return
	}

	name := ""
	if len(args) > 0 && !strings.HasPrefix(args[0], "--") {
		name = args[0]
		args = args[1:]
	}
	if name == "" {
		name, _ = os.Hostname()
	}

	portStr, args := getFlag(args, "--port", "12345")
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 {
		fmt.Fprintf(os.Stderr, "Invalid port %q\n", portStr)
		os.Exit(1)
	}
	dir, args := getFlag(args, "--dir", "./received")
	debug, _ := hasFlag(args, "--debug")

	logger := newLogger(debug)
	defer logger.Sync()

	cfg := node.DefaultConfig()
	cfg.Name = name
	cfg.Port = port
	cfg.RecvDir = dir

	n := node.New(cfg, logger, tally.NoopScope, clock.New())
	n.SetChatHandler(func(addr, from, text string) {
		fmt.Printf("[%s] FROM: %s(%s): %s\n", time.Now().Format(time.DateTime), from, addr, text)
	})
	n.SetTransferHooks(
		func(peer, file string) {
			fmt.Printf("  OK sent %s -> %s\n", file, peer)
		},
		func(peer, file, path string, err error) {
			if err != nil {
				fmt.Fprintf(os.Stderr, "  !! receiving %s from %s failed: %v\n", file, peer, err)
				return
			}
			fmt.Printf("  OK saved -> %s\n", path)
		},
	)

	if err := n.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "Cannot start node: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("Discovery running, ready to chat. Type :quit to exit.")
	repl(n)
	n.Stop()
	fmt.Println("Bye.")
}

func newLogger(debug bool) *zap.Logger {
	var logger *zap.Logger
	var err error
	if debug {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Cannot build logger: %v\n", err)
		os.Exit(1)
	}
	return logger
}

func repl(n *node.Node) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		switch fields[0] {
		case ":quit":
			return

		case ":whoami":
			name, addr := n.Whoami()
			fmt.Printf("IP:%s\tName:%s\n", addr, name)

		case ":peers":
			peers := n.Peers()
			if len(peers) == 0 {
				fmt.Println("No peers known yet.")
				continue
			}
			fmt.Println("IP:\t\tName:")
			for _, p := range peers {
				fmt.Printf("%s\t%s\n", p.Addr, p.Name)
			}

		case ":hello":
			if len(fields) != 2 {
				fmt.Println("Usage: :hello <ip>")
				continue
			}
			if err := n.Probe(fields[1]); err != nil {
				fmt.Printf("Probe failed: %v\n", err)
			}

		case ":send":
			if len(fields) < 3 {
				fmt.Println("Usage: :send <name> <text>")
				continue
			}
			parts := strings.SplitN(line, " ", 3)
			if err := n.SendChat(fields[1], strings.TrimSpace(parts[2])); err != nil {
				fmt.Printf("Send failed: %v\n", err)
			}

		case ":sendfile":
			if len(fields) != 3 {
				fmt.Println("Usage: :sendfile <name> <path>")
				continue
			}
			if err := n.SendFile(fields[1], fields[2]); err != nil {
				fmt.Printf("Transfer failed: %v\n", err)
			}

		default:
			fmt.Println(strings.TrimSpace(replHelp))
		}
	}
}
