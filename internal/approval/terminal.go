package approval

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
)

// Terminal prompts on an interactive terminal and reads a y/N answer.
// Anything other than "y" or "yes" denies, as does EOF or ctx ending.
type Terminal struct {
	mu  sync.Mutex
	in  *bufio.Reader
	out io.Writer
}

// NewTerminal creates a terminal confirmer reading from in and prompting on out.
func NewTerminal(in io.Reader, out io.Writer) *Terminal {
	return &Terminal{in: bufio.NewReader(in), out: out}
}

// Confirm implements Confirmer.
func (t *Terminal) Confirm(ctx context.Context, function string, args map[string]any) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	rendered, err := json.MarshalIndent(args, "  ", "  ")
	if err != nil {
		rendered = []byte(fmt.Sprintf("%v", args))
	}
	fmt.Fprintf(t.out, "Function %q requests full execution with arguments:\n  %s\nAllow? [y/N] ", function, rendered)

	answer := make(chan string, 1)
	go func() {
		line, _ := t.in.ReadString('\n')
		answer <- line
	}()

	select {
	case <-ctx.Done():
		fmt.Fprintln(t.out)
		return false
	case line := <-answer:
		switch strings.ToLower(strings.TrimSpace(line)) {
		case "y", "yes":
			return true
		}
		return false
	}
}
