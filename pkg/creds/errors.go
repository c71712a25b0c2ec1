package creds

import "errors"

// Sentinel errors returned by credential stores. All are recoverable by the
// caller: re-prompt for the password, pick another repository, or clear and
// re-save the record.
var (
	// ErrAuth indicates the supplied password does not match the one used to
	// encrypt the stored records.
	ErrAuth = errors.New("password does not match stored verifier")

	// ErrNotFound indicates no credential record exists for the repository.
	ErrNotFound = errors.New("no credential stored for repository")

	// ErrCorrupt indicates the vault files are unreadable or malformed.
	// Recovery requires an explicit clear and re-save; the store never
	// repairs records on its own.
	ErrCorrupt = errors.New("credential record is corrupt")
)
