package deployment

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/neuralcloud/deployd/internal/domain"
	"github.com/neuralcloud/deployd/internal/txlog"
)

// TaskState is the state of a deployment task
type TaskState string

const (
	TaskStatePending   TaskState = "pending"
	TaskStateConfirmed TaskState = "confirmed"
	TaskStateFailed    TaskState = "failed"
)

// TaskInfo is a point-in-time view of a task
type TaskInfo struct {
	ID            string               `json:"id"`
	Account       string               `json:"account"`
	Method        domain.PaymentMethod `json:"method"`
	Asset         domain.Asset         `json:"asset"`
	Amount        decimal.Decimal      `json:"amount"`
	TransactionID string               `json:"transaction_id,omitempty"`
	ServerID      string               `json:"server_id,omitempty"`
	Hash          string               `json:"hash,omitempty"`
	State         TaskState            `json:"state"`
	Error         string               `json:"error,omitempty"`
	CreatedAt     time.Time            `json:"created_at"`
}

// Task is the cancellable handle of one deployment request.
// Its id is also the id of the payment record and of the ledger reservation.
type Task struct {
	id        string
	account   string
	method    domain.PaymentMethod
	asset     domain.Asset
	amount    decimal.Decimal
	createdAt time.Time

	mu            sync.Mutex
	transactionID string
	serverID      string
	hash          string
	state         TaskState
	err           error
	done          chan struct{}
}

func newTask(id, account string, method domain.PaymentMethod, asset domain.Asset, amount decimal.Decimal, now time.Time) *Task {
	return &Task{
		id:        id,
		account:   account,
		method:    method,
		asset:     asset,
		amount:    amount,
		createdAt: now,
		state:     TaskStatePending,
		done:      make(chan struct{}),
	}
}

// taskFromRecord rebuilds the handle of a payment known only from the log
func taskFromRecord(rec txlog.Record) *Task {
	t := newTask(rec.ID, rec.Account, recordMethod(rec), rec.Asset, rec.Amount, rec.CreatedAt)
	t.transactionID = rec.ID
	t.serverID = rec.ServerID
	t.hash = rec.ExternalHash

	switch rec.Status {
	case domain.TransactionStatusConfirmed:
		t.finish(TaskStateConfirmed, nil)
	case domain.TransactionStatusFailed:
		t.finish(TaskStateFailed, settledError(rec))
	}
	return t
}

// recordMethod reports how a payment was made. Platform payments are confirmed when
// recorded and never carry a hash, which tells apart records saved without a method.
func recordMethod(rec txlog.Record) domain.PaymentMethod {
	if rec.Method != "" {
		return rec.Method
	}
	if rec.ExternalHash != "" || rec.Status == domain.TransactionStatusPending {
		return domain.PaymentMethodOnchain
	}
	return domain.PaymentMethodPlatform
}

// ID returns the task id
func (t *Task) ID() string {
	return t.id
}

// Account returns the account that requested the deployment
func (t *Task) Account() string {
	return t.account
}

// Done is closed once the task reaches a final state
func (t *Task) Done() <-chan struct{} {
	return t.done
}

// State returns the current state
func (t *Task) State() TaskState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Err returns the failure cause of a failed task
func (t *Task) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// Wait blocks until the task is final or ctx is done
func (t *Task) Wait(ctx context.Context) (TaskState, error) {
	select {
	case <-t.done:
		t.mu.Lock()
		defer t.mu.Unlock()
		return t.state, t.err
	case <-ctx.Done():
		return t.State(), ctx.Err()
	}
}

// Info returns a snapshot of the task
func (t *Task) Info() TaskInfo {
	t.mu.Lock()
	defer t.mu.Unlock()

	info := TaskInfo{
		ID:            t.id,
		Account:       t.account,
		Method:        t.method,
		Asset:         t.asset,
		Amount:        t.amount,
		TransactionID: t.transactionID,
		ServerID:      t.serverID,
		Hash:          t.hash,
		State:         t.state,
		CreatedAt:     t.createdAt,
	}
	if t.err != nil {
		info.Error = t.err.Error()
	}
	return info
}

func (t *Task) ServerID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.serverID
}

func (t *Task) TransactionID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.transactionID
}

func (t *Task) Hash() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.hash
}

func (t *Task) setTransaction(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.transactionID = id
}

func (t *Task) setServer(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.serverID = id
}

func (t *Task) setHash(hash string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.hash = hash
}

// finish moves a pending task to its final state. It reports false if the task was already final.
func (t *Task) finish(state TaskState, err error) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state != TaskStatePending {
		return false
	}
	t.state = state
	t.err = err
	close(t.done)
	return true
}
