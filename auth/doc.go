// Package auth implements bridge admission.
//
// A Verifier turns the bearer credential of an HTTP request into a Verdict
// (allow or deny plus an identity). Middleware consults it before any session
// exists: a missing or invalid credential is rejected with 401 and a
// WWW-Authenticate challenge, a denied verdict with 403, and an allowed
// identity is placed on the request context for the transport to bind sessions to.
package auth
