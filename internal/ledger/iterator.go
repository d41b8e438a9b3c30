package ledger

import (
	"context"
	"time"

	"chain-ledger/internal/models"

	"github.com/pkg/errors"
)

const iteratorBatchSize = 500

// TransactionFilter narrows an iteration. Zero values mean no constraint on
// that dimension.
type TransactionFilter struct {
	Status   models.TransactionStatus
	BlockRef *uint64
	Before   time.Time
}

// TransactionIterator walks transactions in (created_at, id) order using
// keyset pagination, so no offset scan and no unbounded result set. Rows
// created after the iterator started may or may not be observed; rows that
// existed at start are observed exactly once.
type TransactionIterator struct {
	store  *Store
	ctx    context.Context
	filter TransactionFilter

	batch   []models.Transaction
	pos     int
	lastAt  time.Time
	lastID  string
	primed  bool
	drained bool
	err     error
}

// IterateTransactions returns an iterator over transactions matching the
// filter, ordered by creation.
func (s *Store) IterateTransactions(ctx context.Context, filter TransactionFilter) *TransactionIterator {
	return &TransactionIterator{
		store:  s,
		ctx:    ctx,
		filter: filter,
	}
}

// Next advances the iterator. It returns false when the rows are exhausted
// or an error occurred; check Err afterwards.
func (it *TransactionIterator) Next() bool {
	if it.err != nil {
		return false
	}
	it.pos++
	if it.pos < len(it.batch) {
		return true
	}
	if it.drained && it.primed {
		return false
	}
	if err := it.fetch(); err != nil {
		it.err = err
		return false
	}
	return it.pos < len(it.batch)
}

// Value returns the transaction at the current position. Only valid after
// Next has returned true.
func (it *TransactionIterator) Value() *models.Transaction {
	return &it.batch[it.pos]
}

// Err reports the first error the iterator hit, if any.
func (it *TransactionIterator) Err() error {
	return it.err
}

// Restart rewinds the iterator to the beginning. A fresh walk observes the
// current state of the table.
func (it *TransactionIterator) Restart() {
	it.batch = nil
	it.pos = 0
	it.lastAt = time.Time{}
	it.lastID = ""
	it.primed = false
	it.drained = false
	it.err = nil
}

func (it *TransactionIterator) fetch() error {
	q := it.store.db.WithContext(it.ctx).
		Order("created_at ASC, id ASC").
		Limit(iteratorBatchSize)
	if it.filter.Status != "" {
		q = q.Where("status = ?", it.filter.Status)
	}
	if it.filter.BlockRef != nil {
		q = q.Where("block_ref = ?", *it.filter.BlockRef)
	}
	if !it.filter.Before.IsZero() {
		q = q.Where("created_at < ?", it.filter.Before)
	}
	if it.primed {
		q = q.Where("created_at > ? OR (created_at = ? AND id > ?)", it.lastAt, it.lastAt, it.lastID)
	}

	var rows []models.Transaction
	if err := q.Find(&rows).Error; err != nil {
		return errors.Wrap(err, "iterate transactions")
	}

	it.primed = true
	it.batch = rows
	it.pos = 0
	if len(rows) < iteratorBatchSize {
		it.drained = true
	}
	if len(rows) > 0 {
		last := rows[len(rows)-1]
		it.lastAt = last.CreatedAt
		it.lastID = last.ID
	}
	return nil
}
