package runner

import (
	"context"
	"os/exec"
	"strings"
)

// Runner executes a command line synchronously and returns its combined
// output. The pipeline's convention, inherited from the dump and
// compress tools it drives, is that any non-empty output signals
// failure; Run therefore folds a start/exit error with no output into
// the output string so callers have a single thing to check.
type Runner interface {
	Run(ctx context.Context, line string) string
}

// Shell runs command lines through /bin/sh -c.
type Shell struct{}

func (Shell) Run(ctx context.Context, line string) string {
	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", line)
	out, err := cmd.CombinedOutput()
	text := strings.TrimSpace(string(out))
	if text == "" && err != nil {
		text = err.Error()
	}
	return text
}
