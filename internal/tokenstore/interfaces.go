package tokenstore

import "context"

// Keys under which the credential manager persists its token pair.
const (
	KeyAccessToken  = "access_token"
	KeyRefreshToken = "refresh_token"
)

// TokenStore reads and writes named token values to persistent storage.
type TokenStore interface {
	// Read returns the stored value for key. A missing key yields an empty
	// string and a nil error; errors are reserved for backend failures.
	Read(ctx context.Context, key string) (string, error)

	// Write persists value under key, overwriting any previous value.
	Write(ctx context.Context, key, value string) error
}
