// Package accounts keeps the registry of linked platform accounts. Each
// account pairs a locally generated id with the platform's stable user id
// (identity) and holds the platform handle plus an encrypted bearer secret
// (credential). Both records are created together or not at all.
package accounts

import "errors"

var (
	// ErrNotFound is returned when no account matches a lookup.
	ErrNotFound = errors.New("account not found")
	// ErrDuplicate is returned when a write violates a uniqueness constraint
	// (account id, platform id or platform handle).
	ErrDuplicate = errors.New("account already exists")
	// ErrNoCredential is returned by Account.Secret when the secret is absent
	// or could not be decrypted.
	ErrNoCredential = errors.New("account has no usable credential")
	// ErrInvalid is returned when upsert input is missing required fields.
	ErrInvalid = errors.New("invalid account")
)

// Account is one linked end user.
//
// AccountID and PlatformID never change once created. PlatformHandle and
// CredentialSecret are replaced on every re-link.
type Account struct {
	AccountID      string
	PlatformID     string
	PlatformHandle string
	// CredentialSecret is nil when the stored secret is NULL or unreadable
	// with the current key.
	CredentialSecret *string
}

// Secret returns the plaintext credential, or ErrNoCredential when it is
// absent. Callers that need to act on behalf of the user must go through
// this instead of dereferencing CredentialSecret.
func (a *Account) Secret() (string, error) {
	if a.CredentialSecret == nil {
		return "", ErrNoCredential
	}
	return *a.CredentialSecret, nil
}
