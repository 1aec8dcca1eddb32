package storage

// Backend is a bucketed key-value store. Every read and write goes through a
// transaction so that a task's output and its commit marker land together.
type Backend interface {
	// Update runs fn in a read-write transaction. If fn returns an error
	// nothing it wrote is kept.
	Update(fn func(tx Transaction) error) error
	// View runs fn in a read-only transaction.
	View(fn func(tx Transaction) error) error

	Close() error
}

// Transaction provides transactional access to the backend
type Transaction interface {
	// CreateBucket is idempotent.
	CreateBucket(name []byte) error
	// DeleteBucket is idempotent.
	DeleteBucket(name []byte) error
	// Bucket returns nil if the bucket does not exist.
	Bucket(name []byte) Bucket
}

// Bucket provides access to a single bucket within a transaction.
// Values returned by Get and ForEach are only valid inside the transaction.
type Bucket interface {
	Put(key, value []byte) error
	Get(key []byte) []byte
	Delete(key []byte) error
	// ForEach visits keys in ascending byte order.
	ForEach(fn func(k, v []byte) error) error
}
