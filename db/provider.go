package db

// DatabaseProvider abstracts the low-level database operations so the ledger
// store does not depend on a specific storage engine.
type DatabaseProvider interface {
	// Get retrieves a value by key; a missing key returns (nil, nil)
	Get(key []byte) ([]byte, error)

	// Put stores a key-value pair, flushed to disk before returning
	Put(key, value []byte) error

	// Delete removes a key-value pair
	Delete(key []byte) error

	// Has checks if a key exists
	Has(key []byte) (bool, error)

	// Close closes the database
	Close() error

	// Batch returns a new batch for atomic durable writes
	Batch() DatabaseBatch
}

// IterableProvider extends DatabaseProvider with iteration capabilities
type IterableProvider interface {
	DatabaseProvider

	// IteratePrefix iterates over all key-value pairs with the given prefix
	// in key order. The callback should return false to stop iteration.
	IteratePrefix(prefix []byte, callback func(key, value []byte) bool) error
}

// DatabaseBatch collects writes that commit atomically.
type DatabaseBatch interface {
	// Put adds a key-value pair to the batch
	Put(key, value []byte)

	// Delete adds a deletion to the batch
	Delete(key []byte)

	// Write commits all operations in the batch, synced to disk
	Write() error

	// Reset clears the batch
	Reset()
}
