package bridge

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/jessevdk/go-flags"
)

// Run parses args, builds the bridge and serves until SIGINT or SIGTERM.
// It returns an error, for a non-zero exit, when the upstream cannot be
// started within its restart budget.
func Run(args []string) error {
	options := &Options{}
	if _, err := flags.ParseArgs(options, args); err != nil {
		return err
	}
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	config, err := options.Config(ctx)
	if err != nil {
		return err
	}
	logger, err := NewLogger(config.Log, os.Stderr)
	if err != nil {
		return err
	}
	service, err := New(config, WithLogger(logger))
	if err != nil {
		return err
	}
	return service.ListenAndServe(ctx)
}
