// Package allocator hands out network identifiers and answers which
// channels a network id may be presented on.
package allocator

import "context"

// Allocator manages a bounded pool of opaque network ids. Every mutating
// call is a single atomic update in the shared store, so concurrent network
// create/delete requests never observe a half-applied claim.
type Allocator interface {
	// GetNewNetworkID claims the lowest available pool id. It returns ""
	// when the pool is exhausted.
	GetNewNetworkID(ctx context.Context) (string, error)

	// FreeNetworkID returns an id to the pool. Unknown ids are ignored.
	FreeNetworkID(ctx context.Context, id string) error

	// ClaimNetworkID claims an administrator-supplied id. It fails with an
	// AllocationError when the id is already claimed.
	ClaimNetworkID(ctx context.Context, id string) error

	// ValidateNetworkID is a syntactic and range check.
	ValidateNetworkID(id string) bool

	// IsNetworkIDInPool reports whether id is pool-managed.
	IsNetworkIDInPool(ctx context.Context, id string) (bool, error)

	// LegalChannelsFor lists the channels a network with this id may use.
	LegalChannelsFor(id string) ([]string, error)

	// IsLegalChannelFor reports whether channel is legal for id.
	IsLegalChannelFor(channel, id string) bool

	// DefaultChannel is used when a client omits the channel.
	DefaultChannel() string

	// Populate seeds the pool from configuration. It is idempotent and
	// leaves claimed ids claimed.
	Populate(ctx context.Context) error
}
