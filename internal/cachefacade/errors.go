package cachefacade

import "errors"

// errKeyNotFound is returned by client.Get when the key is absent. It is
// not an "unavailable cache" condition and must never trigger fallback
// mode — absence of data is a normal outcome, not a connectivity failure.
var errKeyNotFound = errors.New("cachefacade: key not found")

// ErrNotFound is the facade-level not-found sentinel returned by typed
// Get operations (session state, participant session, join code) when the
// key is absent in both the live cache and the in-memory fallback.
var ErrNotFound = errors.New("cachefacade: not found")
