// pinglingle is the command line client for pinglingled.
//
// With arguments it runs one command. Otherwise it reads commands from
// stdin: an interactive shell on a terminal, one command per line when
// stdin is a pipe or file.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"

	"github.com/c-bata/go-prompt"
	"github.com/joho/godotenv"
	"golang.org/x/term"

	"github.com/KaiEkkrin/pinglingle/config"
	"github.com/KaiEkkrin/pinglingle/internal/client"
	"github.com/KaiEkkrin/pinglingle/internal/errors"
)

func main() {
	// PINGLINGLE_ADDR may come from a .env file.
	_ = godotenv.Load()

	addr := flag.String("addr", envOr("PINGLINGLE_ADDR", config.DefaultListenAddress), "server address")
	useTLS := flag.Bool("tls", false, "connect with TLS")
	insecure := flag.Bool("tls-skip-verify", false, "skip TLS certificate verification")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [flags] [command [args...]]\n\nflags:\n", os.Args[0])
		flag.PrintDefaults()
		fmt.Fprintln(flag.CommandLine.Output(), "\ncommands:")
		(&shell{out: flag.CommandLine.Output()}).cmdHelp(context.Background(), nil)
	}
	flag.Parse()

	cfg := client.DefaultConfig()
	cfg.Addr = *addr
	cfg.TLS = *useTLS || *insecure
	cfg.TLSSkipVerify = *insecure

	sh := newShell(cfg, os.Stdout)
	defer sh.Close()

	var failed bool
	switch {
	case flag.NArg() > 0:
		failed = runOne(sh, strings.Join(flag.Args(), " "))
	case term.IsTerminal(int(os.Stdin.Fd())):
		runInteractive(sh)
	default:
		failed = runLines(sh, os.Stdin)
	}

	if failed {
		sh.Close()
		os.Exit(1)
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// runOne executes line with Ctrl-C bound to the command's context. It
// reports whether the command failed.
func runOne(sh *shell, line string) bool {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	err := sh.Exec(ctx, line)
	if err == nil || errors.Is(err, errQuit) {
		return false
	}
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	return true
}

func runLines(sh *shell, r io.Reader) bool {
	var failed bool
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		if fields := strings.Fields(line); len(fields) > 0 && (fields[0] == "quit" || fields[0] == "exit") {
			break
		}
		if runOne(sh, line) {
			failed = true
		}
	}
	if err := scanner.Err(); err != nil {
		fmt.Fprintf(os.Stderr, "read input: %v\n", err)
		return true
	}
	return failed
}

func runInteractive(sh *shell) {
	fmt.Printf("pinglingle shell (server %s). Type help for commands, Ctrl-D to leave.\n", sh.cfg.Addr)

	executor := func(line string) {
		if fields := strings.Fields(line); len(fields) > 0 && (fields[0] == "quit" || fields[0] == "exit") {
			sh.Close()
			os.Exit(0)
		}
		runOne(sh, line)
	}

	p := prompt.New(
		executor,
		completer,
		prompt.OptionTitle("pinglingle"),
		prompt.OptionPrefix("pinglingle> "),
	)
	p.Run()
}

func completer(d prompt.Document) []prompt.Suggest {
	before := d.TextBeforeCursor()
	if strings.Contains(strings.TrimLeft(before, " "), " ") {
		return nil
	}

	suggests := make([]prompt.Suggest, 0, len(commands))
	for _, c := range commands {
		text := c.help
		if c.usage != "" {
			text = c.usage + "  " + c.help
		}
		suggests = append(suggests, prompt.Suggest{Text: c.name, Description: text})
	}
	return prompt.FilterHasPrefix(suggests, d.GetWordBeforeCursor(), true)
}
