package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"slices"
	"strings"
	"sync"
)

// lineCommand handles one line typed on a live screen. args excludes the
// command word.
type lineCommand func(ctx context.Context, args []string) error

// statePrinter writes view states as they change. Compact mode emits one JSON
// document per line.
type statePrinter struct {
	mu      sync.Mutex
	w       io.Writer
	compact bool
}

func newStatePrinter(w io.Writer, compact bool) *statePrinter {
	return &statePrinter{w: w, compact: compact}
}

func (p *statePrinter) print(v any) {
	var (
		b   []byte
		err error
	)
	if p.compact {
		b, err = json.Marshal(v)
	} else {
		b, err = json.MarshalIndent(v, "", "  ")
	}
	if err != nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintln(p.w, string(b))
}

// runScreen reads commands from in until ctx ends. End of input leaves the
// screen running; only ctx stops it.
func runScreen(ctx context.Context, in io.Reader, errOut io.Writer, commands map[string]lineCommand) error {
	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line := <-lines:
			dispatch(ctx, line, errOut, commands)
		}
	}
}

func dispatch(ctx context.Context, line string, errOut io.Writer, commands map[string]lineCommand) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return
	}
	name := strings.ToLower(fields[0])
	if name == "?" {
		fmt.Fprintln(errOut, "commands:", strings.Join(commandNames(commands), ", "))
		return
	}
	cmd, ok := commands[name]
	if !ok {
		fmt.Fprintf(errOut, "unknown command %q (type ? for a list)\n", fields[0])
		return
	}
	if err := cmd(ctx, fields[1:]); err != nil {
		fmt.Fprintln(errOut, "error:", err)
	}
}

func commandNames(commands map[string]lineCommand) []string {
	return slices.Sorted(maps.Keys(commands))
}
