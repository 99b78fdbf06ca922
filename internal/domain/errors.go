package domain

import "errors"

// ErrMalformedRequest is returned when a request body is absent or cannot be parsed.
var ErrMalformedRequest = errors.New("malformed request")

// ErrClaimNotFound is returned when a claim token does not belong to any slot,
// either because it never existed or because the claim expired.
var ErrClaimNotFound = errors.New("claim not found or expired")

// ErrManifestUnavailable is returned when the optional repository manifest could
// not be retrieved or parsed. Callers treat it as an empty manifest.
var ErrManifestUnavailable = errors.New("manifest unavailable")

// ErrComposeFileUnavailable is returned when a repository has no retrievable compose file.
var ErrComposeFileUnavailable = errors.New("compose file unavailable")

// ErrStackControl is returned when the container control plane fails.
var ErrStackControl = errors.New("stack control failure")

// ErrTeardownTimeout is returned when a stack is still running after the bounded wait.
var ErrTeardownTimeout = errors.New("stack teardown timed out")
