package directory

import (
	"context"
	"sync"
)

// Memory is an in-process Directory used by tests and by the native (no
// external directory) wiring. Fresh instances keep tests isolated.
type Memory struct {
	mu sync.Mutex

	transactions map[string]Transaction
	owners       map[string]string
	txnBags      map[string]Bag
	listingBags  map[string]Bag
}

// NewMemory builds an empty in-memory directory.
func NewMemory() *Memory {
	return &Memory{
		transactions: make(map[string]Transaction),
		owners:       make(map[string]string),
		txnBags:      make(map[string]Bag),
		listingBags:  make(map[string]Bag),
	}
}

// AddTransaction seeds a transaction and its listing ownership.
func (m *Memory) AddTransaction(txn Transaction) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.transactions[txn.ID] = txn
	if _, ok := m.txnBags[txn.ID]; !ok {
		m.txnBags[txn.ID] = Bag{Values: map[string]any{}}
	}
}

// AddListing seeds a listing owned by ownerID.
func (m *Memory) AddListing(listingID, ownerID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.owners[listingID] = ownerID
	if _, ok := m.listingBags[listingID]; !ok {
		m.listingBags[listingID] = Bag{Values: map[string]any{}}
	}
}

func (m *Memory) Transaction(ctx context.Context, transactionID string) (Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	txn, ok := m.transactions[transactionID]
	if !ok {
		return Transaction{}, ErrTransactionNotFound
	}
	return txn, nil
}

func (m *Memory) ListingOwner(ctx context.Context, listingID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	owner, ok := m.owners[listingID]
	if !ok {
		return "", ErrListingNotFound
	}
	return owner, nil
}

func (m *Memory) TransactionMetadata(ctx context.Context, transactionID string) (Bag, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.readBag(m.txnBags, transactionID, ErrTransactionNotFound)
}

func (m *Memory) PutTransactionMetadata(ctx context.Context, transactionID string, bag Bag) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writeBag(m.txnBags, transactionID, bag, ErrTransactionNotFound)
}

func (m *Memory) ListingMetadata(ctx context.Context, listingID string) (Bag, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.readBag(m.listingBags, listingID, ErrListingNotFound)
}

func (m *Memory) PutListingMetadata(ctx context.Context, listingID string, bag Bag) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writeBag(m.listingBags, listingID, bag, ErrListingNotFound)
}

func (m *Memory) readBag(bags map[string]Bag, id string, notFound error) (Bag, error) {
	bag, ok := bags[id]
	if !ok {
		return Bag{}, notFound
	}
	copied := Bag{Values: make(map[string]any, len(bag.Values)), Version: bag.Version}
	for k, v := range bag.Values {
		copied.Values[k] = v
	}
	return copied, nil
}

func (m *Memory) writeBag(bags map[string]Bag, id string, bag Bag, notFound error) error {
	current, ok := bags[id]
	if !ok {
		return notFound
	}
	if current.Version != bag.Version {
		return ErrVersionConflict
	}
	stored := Bag{Values: make(map[string]any, len(bag.Values)), Version: current.Version + 1}
	for k, v := range bag.Values {
		stored.Values[k] = v
	}
	bags[id] = stored
	return nil
}
