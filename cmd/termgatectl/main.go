// Command termgatectl is the operator-side bootstrap and local-debug CLI for
// termgate. It never talks JWT or WebSocket; it only exercises ptyproc
// directly, the same way an operator would poke a local shell before
// trusting the network path.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/term"

	"github.com/chris/termgate/config"
	"github.com/chris/termgate/ptyproc"
)

func main() {
	flag.Usage = usage
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	switch os.Args[1] {
	case "genconfig":
		runGenConfig(os.Args[2:])
	case "attach":
		runAttach(os.Args[2:])
	default:
		usage()
		os.Exit(2)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: termgatectl <genconfig|attach> [flags]")
}

// runGenConfig writes a starter config.yaml, the same file main's --genconfig
// flag produces, for operators who prefer a dedicated subcommand.
func runGenConfig(args []string) {
	fs := flag.NewFlagSet("genconfig", flag.ExitOnError)
	path := fs.String("path", config.DefaultPath(), "where to write the starter config")
	fs.Parse(args)

	if _, err := config.GenerateExample(*path); err != nil {
		log.Fatalf("genconfig: %v", err)
	}
	fmt.Printf("wrote starter config to %s\n", *path)
}

// runAttach spawns a local shell behind a PTY and wires the calling
// terminal's stdin/stdout directly to it, bypassing the Router, TokenVerifier,
// and SessionManager entirely. It exists so an operator can sanity-check
// ptyproc in isolation (shell bugs, TERM handling, resize) without standing
// up JWKS/JWT infrastructure first.
func runAttach(args []string) {
	fs := flag.NewFlagSet("attach", flag.ExitOnError)
	shell := fs.String("shell", "/bin/sh", "shell to run")
	cols := fs.Int("cols", 0, "initial column count; 0 means detect from the controlling terminal")
	rows := fs.Int("rows", 0, "initial row count; 0 means detect from the controlling terminal")
	fs.Parse(args)

	c, r := *cols, *rows
	if c <= 0 || r <= 0 {
		if term.IsTerminal(int(os.Stdin.Fd())) {
			if w, h, err := term.GetSize(int(os.Stdin.Fd())); err == nil {
				if c <= 0 {
					c = w
				}
				if r <= 0 {
					r = h
				}
			}
		}
	}

	proc, err := ptyproc.Spawn(ptyproc.Config{
		Shell:       *shell,
		InitialCols: c,
		InitialRows: r,
	})
	if err != nil {
		log.Fatalf("spawn: %v", err)
	}

	if term.IsTerminal(int(os.Stdin.Fd())) {
		state, err := term.MakeRaw(int(os.Stdin.Fd()))
		if err != nil {
			log.Fatalf("raw mode: %v", err)
		}
		defer term.Restore(int(os.Stdin.Fd()), state)
	}

	sigwinch := make(chan os.Signal, 1)
	signal.Notify(sigwinch, syscall.SIGWINCH)
	go func() {
		for range sigwinch {
			if w, h, err := term.GetSize(int(os.Stdin.Fd())); err == nil {
				_ = proc.Resize(w, h)
			}
		}
	}()

	go func() {
		buf := make([]byte, 4096)
		for {
			n, err := os.Stdin.Read(buf)
			if n > 0 {
				if werr := proc.Write(buf[:n]); werr != nil {
					return
				}
			}
			if err != nil {
				return
			}
		}
	}()
	copyOut := make(chan error, 1)
	go func() {
		buf := make([]byte, 64*1024)
		for {
			n, err := proc.Read(buf)
			if n > 0 {
				if _, werr := os.Stdout.Write(buf[:n]); werr != nil {
					copyOut <- werr
					return
				}
			}
			if err != nil {
				copyOut <- err
				return
			}
			if n == 0 {
				copyOut <- nil
				return
			}
		}
	}()

	<-copyOut
	_ = proc.Kill()
}
