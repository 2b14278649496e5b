package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"sitepress/api/internal/client"
	"sitepress/api/internal/editor"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "sitectl:", err)
		stop()
		os.Exit(exitCode(err))
	}
}

// exitCode lets scripts tell a held lock apart from a rejected request.
func exitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, client.ErrLockConflict), errors.Is(err, editor.ErrNotEditable):
		return 3
	case errors.Is(err, client.ErrPermissionDenied), errors.Is(err, client.ErrUnauthorized):
		return 4
	case errors.Is(err, client.ErrValidationConflict):
		return 5
	case errors.Is(err, client.ErrNotFound):
		return 6
	case errors.Is(err, client.ErrTransient):
		return 7
	default:
		return 1
	}
}
