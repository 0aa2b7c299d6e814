// Package csrf obtains the Django CSRF token required on mutating API calls.
//
// The token normally lives in the csrftoken cookie of the shared cookie jar.
// When it is missing, Bootstrapper fetches it once from the backend, sharing
// one in-flight request among all concurrent callers.
package csrf
