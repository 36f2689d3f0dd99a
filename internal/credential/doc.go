// Package credential manages the Home Connect token pair: it restores or
// obtains tokens through the device authorization grant, validates them
// against the API, refreshes them on a fixed interval and gates API callers
// until a validated token is available.
package credential
