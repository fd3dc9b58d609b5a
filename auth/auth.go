// Package auth provides the connect-time authentication hooks: a predicate
// that validates handshake credentials and an extractor that turns an api key
// into the stable user id the registry indexes by.
package auth

import (
	"errors"

	"github.com/luciancaetano/platnet"
)

// AuthFunc validates connect-time metadata. Returning false rejects the
// handshake with close code 1008 before any registry mutation happens.
type AuthFunc func(metadata platnet.Metadata) bool

// ExtractUserFunc produces the user id a connection is registered under. It
// may collapse many api keys to one user (e.g. mapping by account) or be the
// identity. An error rejects the handshake with close code 1011.
type ExtractUserFunc func(metadata platnet.Metadata) (string, error)

// ErrMissingAPIKey is returned by the default extractor when the metadata
// carries no api key.
var ErrMissingAPIKey = errors.New("missing api_key")

// DefaultAuth accepts any metadata carrying a non-empty api key.
func DefaultAuth(metadata platnet.Metadata) bool {
	return metadata.APIKey != ""
}

// DefaultExtractUser returns the api key verbatim as the user id.
func DefaultExtractUser(metadata platnet.Metadata) (string, error) {
	if metadata.APIKey == "" {
		return "", ErrMissingAPIKey
	}
	return metadata.APIKey, nil
}
