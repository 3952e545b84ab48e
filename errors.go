package main

import "errors"

// ErrBackendGone indicates that the state backend is unreachable. Handlers
// surface it to the client as a generic error and do not retry.
var ErrBackendGone = errors.New("state backend gone")

// ErrNoFreeCode is returned when invite code generation keeps colliding with
// live codes and the retry budget runs out.
var ErrNoFreeCode = errors.New("no free invite code")
