// Package tokenstore provides persistent storage abstractions for OAuth2 tokens.
//
// A store holds a small set of named text values (the access token and the refresh
// token). Three backends are supported with different deployment tradeoffs:
//   - File: one file per key in a private directory, atomic writes, 0600 permissions
//   - Keyring: OS-native credential storage (macOS Keychain, Windows Credential Manager, etc.)
//   - Redis: shared storage for deployments where the process has no persistent disk
//
// Reading a key that was never written yields an empty value, not an error.
package tokenstore
