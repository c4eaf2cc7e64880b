// Package middleware wraps command handlers with state and argument checks.
package middleware

import (
	"context"

	"petrel/internal/models"
)

// Request is what the checks need from a command in progress.
type Request interface {
	ClientState() *models.ClientState
	NumArgs() int
	No(format string, a ...any)
	Bad(format string, a ...any)
}

// HandlerFunc is the standard handler function signature.
type HandlerFunc[R Request] func(ctx context.Context, req R)

// RequireNotAuthenticated rejects the command once a user has logged in.
func RequireNotAuthenticated[R Request](handler HandlerFunc[R]) HandlerFunc[R] {
	return func(ctx context.Context, req R) {
		if req.ClientState().Authenticated() {
			req.Bad("Already authenticated")
			return
		}
		handler(ctx, req)
	}
}

// RequireAuth ensures the client is authenticated before proceeding.
func RequireAuth[R Request](handler HandlerFunc[R]) HandlerFunc[R] {
	return func(ctx context.Context, req R) {
		if !req.ClientState().Authenticated() {
			req.No("Please authenticate first")
			return
		}
		handler(ctx, req)
	}
}

// RequireMailboxSelected ensures a mailbox is selected before proceeding.
func RequireMailboxSelected[R Request](handler HandlerFunc[R]) HandlerFunc[R] {
	return func(ctx context.Context, req R) {
		if !req.ClientState().Selected() {
			req.No("No folder selected")
			return
		}
		handler(ctx, req)
	}
}

// RequireAuthAndMailbox combines authentication and mailbox selection checks.
func RequireAuthAndMailbox[R Request](handler HandlerFunc[R]) HandlerFunc[R] {
	return RequireAuth(RequireMailboxSelected(handler))
}

// ValidateMinArgs ensures the command has the minimum required number of arguments.
func ValidateMinArgs[R Request](minArgs int, errorMsg string, handler HandlerFunc[R]) HandlerFunc[R] {
	return func(ctx context.Context, req R) {
		if req.NumArgs() < minArgs {
			req.Bad("%s", errorMsg)
			return
		}
		handler(ctx, req)
	}
}

// ValidateNoArgs rejects arguments for commands that take none.
func ValidateNoArgs[R Request](errorMsg string, handler HandlerFunc[R]) HandlerFunc[R] {
	return func(ctx context.Context, req R) {
		if req.NumArgs() > 0 {
			req.Bad("%s", errorMsg)
			return
		}
		handler(ctx, req)
	}
}
