package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/msageha/phasegate/internal/gate"
)

const version = "0.3.0"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

// run executes one CLI invocation and returns its exit code.
func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	cmd := newRootCmd()
	cmd.SetArgs(args)
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)
	if err := cmd.ExecuteContext(ctx); err != nil {
		writeError(stderr, err)
		return gate.ExitCode(err)
	}
	return gate.ExitOK
}

type stderrFormatter interface {
	FormatStderr() string
}

func writeError(w io.Writer, err error) {
	var f stderrFormatter
	if errors.As(err, &f) {
		fmt.Fprint(w, f.FormatStderr())
		return
	}
	fmt.Fprintf(w, "error: %v\n", err)
}
