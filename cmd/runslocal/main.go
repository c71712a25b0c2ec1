// Package main implements the runs-local CLI: a password-protected token
// vault and a lifecycle manager for self-hosted runner workers on this host.
package main

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"

	"github.com/Shavakan/runs-local/pkg/creds"
	"github.com/Shavakan/runs-local/pkg/github"
	"github.com/Shavakan/runs-local/pkg/lifecycle"
	"github.com/Shavakan/runs-local/pkg/registry"
)

// Exit codes. Scripts branch on these, so they are part of the interface.
const (
	exitOK       = 0
	exitGeneric  = 1
	exitAuth     = 2
	exitNotFound = 3
	exitRemote   = 4
	exitConflict = 5
)

func main() {
	if err := Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(exitCode(err))
	}
}

// exitCode maps an error to the documented exit code.
func exitCode(err error) int {
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, creds.ErrAuth):
		return exitAuth
	case errors.Is(err, creds.ErrNotFound), errors.Is(err, registry.ErrNotFound):
		return exitNotFound
	case errors.Is(err, registry.ErrConflict), errors.Is(err, registry.ErrStillRegistered):
		return exitConflict
	case isRemoteError(err):
		return exitRemote
	default:
		return exitGeneric
	}
}

// isRemoteError reports whether the failure happened on the dispatch side
// or on the network path to it.
func isRemoteError(err error) bool {
	var apiErr *github.APIError
	if errors.As(err, &apiErr) {
		return true
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return lifecycle.IsTimeout(err)
}
