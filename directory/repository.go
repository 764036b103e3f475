package directory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PGDirectory implements Directory against the shared Postgres instance that
// also backs the surrounding system's listing/transaction tables.
type PGDirectory struct {
	pool *pgxpool.Pool
}

// NewPGDirectory wires a pgxpool-backed directory implementation.
func NewPGDirectory(pool *pgxpool.Pool) *PGDirectory {
	return &PGDirectory{pool: pool}
}

// Transaction resolves a transaction to its listing and both parties.
func (d *PGDirectory) Transaction(ctx context.Context, transactionID string) (Transaction, error) {
	const query = `
		SELECT t.id, t.listing_id,
		       t.provider_user_id, provider.email, provider.full_name,
		       t.customer_user_id, customer.email, customer.full_name
		FROM transactions t
		JOIN users provider ON provider.id = t.provider_user_id
		JOIN users customer ON customer.id = t.customer_user_id
		WHERE t.id = $1
	`

	var txn Transaction
	err := d.pool.QueryRow(ctx, query, transactionID).Scan(
		&txn.ID,
		&txn.ListingID,
		&txn.Provider.UserID,
		&txn.Provider.Email,
		&txn.Provider.Name,
		&txn.Customer.UserID,
		&txn.Customer.Email,
		&txn.Customer.Name,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Transaction{}, ErrTransactionNotFound
		}
		return Transaction{}, fmt.Errorf("directory: query transaction: %w", err)
	}

	return txn, nil
}

// ListingOwner returns the user id that owns the listing.
func (d *PGDirectory) ListingOwner(ctx context.Context, listingID string) (string, error) {
	var owner string
	err := d.pool.QueryRow(ctx, `SELECT owner_user_id FROM listings WHERE id = $1`, listingID).Scan(&owner)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrListingNotFound
		}
		return "", fmt.Errorf("directory: query listing owner: %w", err)
	}
	return owner, nil
}

// TransactionMetadata reads the transaction's metadata bag with its version.
func (d *PGDirectory) TransactionMetadata(ctx context.Context, transactionID string) (Bag, error) {
	return d.readBag(ctx, "transactions", transactionID, ErrTransactionNotFound)
}

// PutTransactionMetadata writes the bag back; the stored version must still
// match the version carried in the bag or ErrVersionConflict is returned.
func (d *PGDirectory) PutTransactionMetadata(ctx context.Context, transactionID string, bag Bag) error {
	return d.writeBag(ctx, "transactions", transactionID, bag, ErrTransactionNotFound)
}

// ListingMetadata reads the listing's metadata bag with its version.
func (d *PGDirectory) ListingMetadata(ctx context.Context, listingID string) (Bag, error) {
	return d.readBag(ctx, "listings", listingID, ErrListingNotFound)
}

// PutListingMetadata writes the listing bag under the same version discipline.
func (d *PGDirectory) PutListingMetadata(ctx context.Context, listingID string, bag Bag) error {
	return d.writeBag(ctx, "listings", listingID, bag, ErrListingNotFound)
}

func (d *PGDirectory) readBag(ctx context.Context, table, id string, notFound error) (Bag, error) {
	query := fmt.Sprintf(`SELECT metadata, metadata_version FROM %s WHERE id = $1`, table)

	var (
		raw     []byte
		version int64
	)
	if err := d.pool.QueryRow(ctx, query, id).Scan(&raw, &version); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Bag{}, notFound
		}
		return Bag{}, fmt.Errorf("directory: read metadata: %w", err)
	}

	values := map[string]any{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &values); err != nil {
			return Bag{}, fmt.Errorf("directory: decode metadata: %w", err)
		}
	}

	return Bag{Values: values, Version: version}, nil
}

func (d *PGDirectory) writeBag(ctx context.Context, table, id string, bag Bag, notFound error) error {
	body, err := json.Marshal(bag.Values)
	if err != nil {
		return fmt.Errorf("directory: encode metadata: %w", err)
	}

	query := fmt.Sprintf(`
		UPDATE %s
		SET metadata = $1::jsonb,
		    metadata_version = metadata_version + 1
		WHERE id = $2 AND metadata_version = $3
	`, table)

	tag, err := d.pool.Exec(ctx, query, body, id, bag.Version)
	if err != nil {
		return fmt.Errorf("directory: write metadata: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		existsQuery := fmt.Sprintf(`SELECT EXISTS (SELECT 1 FROM %s WHERE id = $1)`, table)
		if err := d.pool.QueryRow(ctx, existsQuery, id).Scan(&exists); err != nil {
			return fmt.Errorf("directory: verify metadata row: %w", err)
		}
		if !exists {
			return notFound
		}
		return ErrVersionConflict
	}

	return nil
}
