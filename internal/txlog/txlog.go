package txlog

import (
	"context"
	"fmt"
	"iter"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/shopspring/decimal"

	"github.com/neuralcloud/deployd/internal/adapter"
	"github.com/neuralcloud/deployd/internal/domain"
)

// Record is one ledger-affecting event. Kind and Amount never change after creation.
type Record struct {
	ID            string                   `json:"id"`
	Account       string                   `json:"account"`
	Kind          domain.TransactionKind   `json:"kind"`
	Asset         domain.Asset             `json:"asset"`
	Amount        decimal.Decimal          `json:"amount"`
	Status        domain.TransactionStatus `json:"status"`
	ExternalHash  string                   `json:"external_hash,omitempty"`
	ServerID      string                   `json:"server_id,omitempty"`
	Method        domain.PaymentMethod     `json:"method,omitempty"`    // payment records only
	RefundOf      string                   `json:"refund_of,omitempty"` // refund records only, the reversed payment
	Description   string                   `json:"description"`
	FailureReason string                   `json:"failure_reason,omitempty"`
	Sequence      uint64                   `json:"sequence"`
	CreatedAt     time.Time                `json:"created_at"`
	UpdatedAt     time.Time                `json:"updated_at"`
}

// RecordInput describes a new record
type RecordInput struct {
	ID           string // optional, a fresh ULID is generated when empty
	Account      string
	Kind         domain.TransactionKind
	Asset        domain.Asset
	Amount       decimal.Decimal
	External     bool   // external records start pending and settle through UpdateStatus
	ExternalHash string // optional, only for external records
	ServerID     string
	Method       domain.PaymentMethod // payment records only
	RefundOf     string               // refund records only
	Description  string
}

// Filter narrows List results. Zero values match everything.
type Filter struct {
	Status domain.TransactionStatus
	Kind   domain.TransactionKind
	Limit  int
}

func (f Filter) match(r *Record) bool {
	if f.Status != "" && r.Status != f.Status {
		return false
	}
	if f.Kind != "" && r.Kind != f.Kind {
		return false
	}
	return true
}

// Log is the append-only transaction log
type Log interface {
	// Record appends a record and returns its id
	Record(ctx context.Context, input RecordInput) (string, error)

	// UpdateStatus moves a pending record forward, optionally attaching the external hash
	UpdateStatus(ctx context.Context, id string, status domain.TransactionStatus, hash string) error

	// Fail marks a pending record failed with a reason
	Fail(ctx context.Context, id string, reason string) error

	// LinkServer sets the server back-reference of a record
	LinkServer(ctx context.Context, id string, serverID string) error

	// Get returns a copy of a record
	Get(ctx context.Context, id string) (Record, error)

	// List lazily yields the records of an account, newest first
	List(ctx context.Context, account string, filter Filter) iter.Seq[Record]

	// Pending returns every pending payment record across accounts, oldest first
	Pending(ctx context.Context) []Record

	// Snapshot returns every record of an account, oldest first
	Snapshot(account string) []Record

	// Restore loads previously persisted records
	Restore(records []Record) error
}

type txLog struct {
	mu        sync.RWMutex
	clock     adapter.Clock
	sequence  uint64
	byID      map[string]*Record
	byAccount map[string][]*Record
}

// New creates an empty transaction log
func New(clock adapter.Clock) Log {
	return &txLog{
		clock:     clock,
		byID:      make(map[string]*Record),
		byAccount: make(map[string][]*Record),
	}
}

func (l *txLog) Record(ctx context.Context, input RecordInput) (string, error) {
	if !input.Kind.Valid() {
		return "", fmt.Errorf("%w: unknown transaction kind %q", domain.ErrInvalidAmount, input.Kind)
	}
	if err := domain.ValidateAmount(input.Asset, input.Amount); err != nil {
		return "", err
	}
	if input.ExternalHash != "" && !input.External {
		return "", fmt.Errorf("%w: only external records carry a hash", domain.ErrInvalidTransition)
	}
	if input.RefundOf != "" && input.Kind != domain.TransactionKindRefund {
		return "", fmt.Errorf("%w: only refunds reference a payment", domain.ErrInvalidTransition)
	}

	status := domain.TransactionStatusConfirmed
	if input.External {
		status = domain.TransactionStatusPending
	}

	now := l.clock.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	id := input.ID
	if id == "" {
		id = ulid.MustNewDefault(now).String()
	}
	if _, exists := l.byID[id]; exists {
		return "", fmt.Errorf("%w: duplicate transaction id %s", domain.ErrInvalidTransition, id)
	}

	l.sequence++
	rec := &Record{
		ID:           id,
		Account:      input.Account,
		Kind:         input.Kind,
		Asset:        input.Asset,
		Amount:       input.Amount,
		Status:       status,
		ExternalHash: input.ExternalHash,
		ServerID:     input.ServerID,
		Method:       input.Method,
		RefundOf:     input.RefundOf,
		Description:  input.Description,
		Sequence:     l.sequence,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	l.byID[rec.ID] = rec
	l.byAccount[rec.Account] = append(l.byAccount[rec.Account], rec)

	return rec.ID, nil
}

func (l *txLog) UpdateStatus(ctx context.Context, id string, status domain.TransactionStatus, hash string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec, ok := l.byID[id]
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrTransactionNotFound, id)
	}
	return l.transition(rec, status, hash, "")
}

func (l *txLog) Fail(ctx context.Context, id string, reason string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec, ok := l.byID[id]
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrTransactionNotFound, id)
	}
	return l.transition(rec, domain.TransactionStatusFailed, "", reason)
}

// transition applies a status change. Must be called with l.mu held.
func (l *txLog) transition(rec *Record, status domain.TransactionStatus, hash string, reason string) error {
	if !status.Valid() {
		return fmt.Errorf("%w: unknown status %q", domain.ErrInvalidTransition, status)
	}
	if rec.Status.Terminal() {
		return fmt.Errorf("%w: transaction %s is already %s", domain.ErrInvalidTransition, rec.ID, rec.Status)
	}
	if hash != "" && rec.ExternalHash != "" && hash != rec.ExternalHash {
		return fmt.Errorf("%w: transaction %s already carries hash %s", domain.ErrInvalidTransition, rec.ID, rec.ExternalHash)
	}
	if status == domain.TransactionStatusPending && hash == "" {
		return fmt.Errorf("%w: pending to pending only attaches a hash", domain.ErrInvalidTransition)
	}

	if hash != "" {
		rec.ExternalHash = hash
	}
	rec.Status = status
	if reason != "" {
		rec.FailureReason = reason
	}
	rec.UpdatedAt = l.clock.Now()
	return nil
}

func (l *txLog) LinkServer(ctx context.Context, id string, serverID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec, ok := l.byID[id]
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrTransactionNotFound, id)
	}
	if rec.ServerID != "" && rec.ServerID != serverID {
		return fmt.Errorf("%w: transaction %s is linked to server %s", domain.ErrInvalidTransition, id, rec.ServerID)
	}
	rec.ServerID = serverID
	rec.UpdatedAt = l.clock.Now()
	return nil
}

func (l *txLog) Get(ctx context.Context, id string) (Record, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	rec, ok := l.byID[id]
	if !ok {
		return Record{}, fmt.Errorf("%w: %s", domain.ErrTransactionNotFound, id)
	}
	return *rec, nil
}

func (l *txLog) List(ctx context.Context, account string, filter Filter) iter.Seq[Record] {
	return func(yield func(Record) bool) {
		// The per-account slice is append-only, so a copied header is a stable prefix
		l.mu.RLock()
		records := l.byAccount[account]
		l.mu.RUnlock()

		yielded := 0
		for i := len(records) - 1; i >= 0; i-- {
			if ctx.Err() != nil {
				return
			}

			l.mu.RLock()
			rec := *records[i]
			l.mu.RUnlock()

			if !filter.match(&rec) {
				continue
			}
			if !yield(rec) {
				return
			}
			yielded++
			if filter.Limit > 0 && yielded >= filter.Limit {
				return
			}
		}
	}
}

func (l *txLog) Pending(ctx context.Context) []Record {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var pending []Record
	for _, rec := range l.byID {
		if rec.Status == domain.TransactionStatusPending && rec.Kind == domain.TransactionKindPayment {
			pending = append(pending, *rec)
		}
	}
	sort.Slice(pending, func(i, j int) bool {
		return pending[i].Sequence < pending[j].Sequence
	})
	return pending
}

func (l *txLog) Snapshot(account string) []Record {
	l.mu.RLock()
	defer l.mu.RUnlock()

	records := l.byAccount[account]
	out := make([]Record, len(records))
	for i, rec := range records {
		out[i] = *rec
	}
	return out
}

func (l *txLog) Restore(records []Record) error {
	sorted := make([]Record, len(records))
	copy(sorted, records)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Sequence < sorted[j].Sequence
	})

	l.mu.Lock()
	defer l.mu.Unlock()

	for i := range sorted {
		rec := sorted[i]
		if rec.ID == "" {
			return fmt.Errorf("stored transaction of %s has no id", rec.Account)
		}
		if _, exists := l.byID[rec.ID]; exists {
			return fmt.Errorf("%w: duplicate transaction id %s", domain.ErrInvalidTransition, rec.ID)
		}
		l.byID[rec.ID] = &rec
		l.byAccount[rec.Account] = append(l.byAccount[rec.Account], &rec)
		if rec.Sequence > l.sequence {
			l.sequence = rec.Sequence
		}
	}
	return nil
}
