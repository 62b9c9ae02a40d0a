// ABOUTME: Hook through which messages reach the attachment pipeline
// ABOUTME: Installed per context so message views can request and read asset data

package model

import (
	"errors"

	"github.com/2389/coven-localstore/internal/objectctx"
)

// ErrNoRequester is returned by asset operations on a context that has no
// AssetRequester installed.
var ErrNoRequester = errors.New("no asset requester installed on context")

// AssetRequester performs asset work for messages of one context.
// Completion callbacks run on the context's queue.
type AssetRequester interface {
	// RequestDownload starts fetching the asset for role unless it is
	// already downloaded or in flight.
	RequestDownload(m *Message, role AssetRole) error

	// FetchData delivers the cached bytes for role, downloading them first
	// if necessary.
	FetchData(m *Message, role AssetRole, done func(data []byte, err error)) error

	// CachedData returns the bytes for role if they are in the local cache.
	CachedData(m *Message, role AssetRole) ([]byte, error)

	// Cancel abandons in-flight work for role on m. Best effort.
	Cancel(m *Message, role AssetRole)
}

type requesterKey struct{}

// InstallRequester makes r serve asset requests for messages of oc.
func InstallRequester(oc *objectctx.Context, r AssetRequester) {
	oc.SetValue(requesterKey{}, r)
}
