package apiclient

import "context"

// LoginRedirector sends the user to the sign-in flow after credentials are lost.
type LoginRedirector interface {
	RedirectToLogin(ctx context.Context, reason string)
}

// RedirectFunc adapts a function to LoginRedirector.
type RedirectFunc func(ctx context.Context, reason string)

func (f RedirectFunc) RedirectToLogin(ctx context.Context, reason string) {
	f(ctx, reason)
}

type nopRedirector struct{}

func (nopRedirector) RedirectToLogin(context.Context, string) {}
