// Package directory is the boundary to the transaction directory: the
// external system of record that resolves a transaction to its parties and
// listing, and holds a mutable metadata bag per transaction and per listing.
package directory

import (
	"context"
	"errors"
)

var (
	// ErrTransactionNotFound signals the transaction id is unknown to the directory.
	ErrTransactionNotFound = errors.New("directory: transaction not found")
	// ErrListingNotFound signals the listing id is unknown to the directory.
	ErrListingNotFound = errors.New("directory: listing not found")
	// ErrVersionConflict signals a metadata write lost an optimistic-concurrency race.
	ErrVersionConflict = errors.New("directory: metadata version conflict")
)

// Party identifies one side of a transaction.
type Party struct {
	UserID string
	Email  string
	Name   string
}

// Transaction is the directory's view of a business transaction.
type Transaction struct {
	ID        string
	ListingID string
	Provider  Party
	Customer  Party
}

// Bag is a versioned snapshot of a metadata map. Version is the value read;
// writers must present it back unchanged or the write is rejected.
type Bag struct {
	Values  map[string]any
	Version int64
}

// Directory exposes the read/merge/write contract the engine depends on.
type Directory interface {
	Transaction(ctx context.Context, transactionID string) (Transaction, error)
	ListingOwner(ctx context.Context, listingID string) (string, error)

	TransactionMetadata(ctx context.Context, transactionID string) (Bag, error)
	PutTransactionMetadata(ctx context.Context, transactionID string, bag Bag) error

	ListingMetadata(ctx context.Context, listingID string) (Bag, error)
	PutListingMetadata(ctx context.Context, listingID string, bag Bag) error
}
