package executor

import "github.com/arkilian/bulkupsert/internal/store"

// UnitOfWork is the transaction an invocation runs in. Only an owned unit
// is committed or rolled back by the executor.
type UnitOfWork struct {
	tx    store.Tx
	owned bool
}

// External wraps a transaction whose outcome the caller decides.
func External(tx store.Tx) UnitOfWork {
	return UnitOfWork{tx: tx}
}

// Owned wraps a transaction the executor began.
func Owned(tx store.Tx) UnitOfWork {
	return UnitOfWork{tx: tx, owned: true}
}

// Tx returns the underlying transaction.
func (u UnitOfWork) Tx() store.Tx { return u.tx }

// IsOwned reports whether the executor finishes the transaction.
func (u UnitOfWork) IsOwned() bool { return u.owned }

// Valid reports whether a transaction is attached.
func (u UnitOfWork) Valid() bool { return u.tx != nil }
