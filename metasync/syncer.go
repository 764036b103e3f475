// Package metasync pushes signing-status patches into the transaction
// directory's metadata bag. Delivery is read-merge-write under optimistic
// concurrency; patches that cannot be delivered are parked in an outbox and
// retried until they land, because the bag is the read model other surfaces
// of the surrounding system depend on.
package metasync

import (
	"context"
	"errors"
	"fmt"

	"ndaflow/directory"
)

// ErrQueued reports that delivery failed and the patch was parked for the
// background worker. The local state transition that produced the patch has
// already committed and is never rolled back.
var ErrQueued = errors.New("metasync: patch queued for retry")

const deliverAttempts = 3

// Syncer merges patches into the transaction metadata bag.
type Syncer struct {
	dir    directory.Directory
	outbox OutboxRepository
}

// NewSyncer wires the synchronizer.
func NewSyncer(dir directory.Directory, outbox OutboxRepository) *Syncer {
	return &Syncer{dir: dir, outbox: outbox}
}

// Sync delivers the patch, retrying version races a few times inline. On
// persistent failure the patch is enqueued and ErrQueued returned; the caller
// treats that as success with deferred delivery.
func (s *Syncer) Sync(ctx context.Context, transactionID string, patch map[string]any) error {
	if len(patch) == 0 {
		return nil
	}

	err := s.deliver(ctx, transactionID, patch)
	if err == nil {
		return nil
	}

	if enqErr := s.outbox.Enqueue(ctx, transactionID, patch); enqErr != nil {
		return fmt.Errorf("metasync: deliver failed (%v) and enqueue failed: %w", err, enqErr)
	}

	return fmt.Errorf("%w: %v", ErrQueued, err)
}

func (s *Syncer) deliver(ctx context.Context, transactionID string, patch map[string]any) error {
	var lastErr error
	for attempt := 0; attempt < deliverAttempts; attempt++ {
		bag, err := s.dir.TransactionMetadata(ctx, transactionID)
		if err != nil {
			return fmt.Errorf("metasync: read bag: %w", err)
		}
		if bag.Values == nil {
			bag.Values = map[string]any{}
		}
		for k, v := range patch {
			bag.Values[k] = v
		}

		err = s.dir.PutTransactionMetadata(ctx, transactionID, bag)
		if err == nil {
			return nil
		}
		if !errors.Is(err, directory.ErrVersionConflict) {
			return fmt.Errorf("metasync: write bag: %w", err)
		}
		lastErr = err
	}
	return fmt.Errorf("metasync: write bag: %w", lastErr)
}
