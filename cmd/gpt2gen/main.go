// Command gpt2gen prints a GPT-2 continuation of the prompt given as its
// first argument.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args, os.Stdout, os.Stderr, loadGenerator)
	stop()
	os.Exit(code)
}
