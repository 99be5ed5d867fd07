package auth

import (
	"context"
)

// AuthStore is the credential-lookup port the validation path reads from.
// Defined in the domain so adapters depend inward. The write side of
// identity management lives with the identity service, which owns
// state.json persistence.
type AuthStore interface {
	// GetAPIKey retrieves a key by its stored hash.
	GetAPIKey(ctx context.Context, keyHash string) (*APIKey, error)

	// GetIdentity retrieves an identity by id.
	GetIdentity(ctx context.Context, id string) (*Identity, error)

	// ListAPIKeys returns every stored key, for salted-hash verification
	// that cannot use direct lookup.
	ListAPIKeys(ctx context.Context) ([]*APIKey, error)
}
