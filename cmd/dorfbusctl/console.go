package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/chzyer/readline"
)

// runConsole reads commands until exit, EOF or ctx ends. The bus stays open
// between commands.
func runConsole(ctx context.Context, s *session) error {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "dorfbus> ",
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return fmt.Errorf("failed to create readline: %w", err)
	}
	defer rl.Close()

	s.out = rl.Stdout()
	fmt.Fprint(s.out, commandHelp)

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		line, err := rl.Readline()
		if err != nil {
			// EOF or interrupt
			if err == readline.ErrInterrupt {
				continue
			}
			return nil
		}
		if quit := s.consoleLine(ctx, line); quit {
			return nil
		}
	}
}

// consoleLine runs one console input line and reports whether the console
// should exit.
func (s *session) consoleLine(ctx context.Context, line string) bool {
	parts := strings.Fields(line)
	if len(parts) == 0 {
		return false
	}

	cmd := strings.ToLower(parts[0])
	switch cmd {
	case "quit", "exit", "q":
		return true
	case "?":
		cmd = "help"
	case "console":
		fmt.Fprintln(s.out, "already in the console")
		return false
	}

	if err := s.Exec(ctx, cmd, parts[1:]); err != nil {
		fmt.Fprintf(s.out, "Error: %v\n", err)
	}
	return false
}
