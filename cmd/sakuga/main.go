package main

import (
	"context"
	"errors"
	"fmt"
	"os"
)

// Exit codes mirror the operator contract: 0 success, 1 validation,
// 2 resource unavailable, 64 internal.
const (
	exitOK          = 0
	exitValidation  = 1
	exitUnavailable = 2
	exitInternal    = 64
)

func main() {
	cmd := newRootCommand()
	err := cmd.Execute()
	if err == nil {
		os.Exit(exitOK)
	}
	if !errors.Is(err, context.Canceled) {
		fmt.Fprintln(os.Stderr, err)
	}
	os.Exit(exitCode(err))
}

func exitCode(err error) int {
	var apiErr *apiError
	if errors.As(err, &apiErr) {
		switch apiErr.Kind {
		case "validation", "not_found":
			return exitValidation
		case "resource_exhausted", "transient":
			return exitUnavailable
		default:
			return exitInternal
		}
	}
	var usage *usageError
	if errors.As(err, &usage) {
		return exitValidation
	}
	return exitInternal
}
