package registry

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/neuralcloud/deployd/internal/adapter"
	"github.com/neuralcloud/deployd/internal/domain"
	"github.com/neuralcloud/deployd/internal/txlog"
)

// Server is the lifecycle record of a deployed server
type Server struct {
	ID                   string              `json:"id"`
	Account              string              `json:"account"`
	Name                 string              `json:"name"`
	Config               domain.ServerConfig `json:"config"`
	MonthlyCost          decimal.Decimal     `json:"monthly_cost"` // USD
	Status               domain.ServerStatus `json:"status"`
	PaymentTransactionID string              `json:"payment_transaction_id"`
	IPAddress            string              `json:"ip_address,omitempty"`
	PromotedAt           *time.Time          `json:"promoted_at,omitempty"`
	Sequence             uint64              `json:"sequence"`
	CreatedAt            time.Time           `json:"created_at"`
	UpdatedAt            time.Time           `json:"updated_at"`
}

// ProvisionInput describes a server to create
type ProvisionInput struct {
	Account              string
	Name                 string
	Config               domain.ServerConfig
	MonthlyCost          decimal.Decimal
	PaymentTransactionID string
}

// Filter narrows List results
type Filter struct {
	Status domain.ServerStatus
}

// Stats summarizes the servers of an account
type Stats struct {
	Total  int `json:"total"`
	Active int `json:"active"`
}

// TransactionReader is the part of the transaction log the registry consults
type TransactionReader interface {
	Get(ctx context.Context, id string) (txlog.Record, error)
}

// AddressAllocator assigns a network address to a promoted server
type AddressAllocator func() string

// Registry keeps server records and enforces their state machine
type Registry interface {
	// Provision creates a provisioning server linked to a pending or confirmed payment
	Provision(ctx context.Context, input ProvisionInput) (string, error)

	// Promote moves a provisioning server to running once its payment is confirmed
	Promote(ctx context.Context, id string) error

	// Rollback moves a server to the error state, terminal states are left alone
	Rollback(ctx context.Context, id string) error

	// SetStatus applies a user-driven lifecycle change
	SetStatus(ctx context.Context, id string, status domain.ServerStatus) error

	// Get returns a copy of a server
	Get(ctx context.Context, id string) (Server, error)

	// List returns the servers of an account, newest first
	List(ctx context.Context, account string, filter Filter) []Server

	// Stats counts the servers of an account
	Stats(ctx context.Context, account string) Stats

	// Snapshot returns every server of an account, oldest first
	Snapshot(account string) []Server

	// Restore loads previously persisted servers
	Restore(servers []Server) error
}

type registry struct {
	mu        sync.RWMutex
	clock     adapter.Clock
	txs       TransactionReader
	allocate  AddressAllocator
	sequence  uint64
	byID      map[string]*Server
	byAccount map[string][]*Server
}

// New creates an empty registry. A nil allocator assigns random private addresses.
func New(clock adapter.Clock, txs TransactionReader, allocate AddressAllocator) Registry {
	if allocate == nil {
		allocate = RandomAddress
	}
	return &registry{
		clock:     clock,
		txs:       txs,
		allocate:  allocate,
		byID:      make(map[string]*Server),
		byAccount: make(map[string][]*Server),
	}
}

// RandomAddress returns a random address in 10.0.0.0/8
func RandomAddress() string {
	return fmt.Sprintf("10.%d.%d.%d", rand.IntN(256), rand.IntN(256), 1+rand.IntN(254))
}

func (r *registry) Provision(ctx context.Context, input ProvisionInput) (string, error) {
	if err := input.Config.Validate(); err != nil {
		return "", err
	}
	if input.MonthlyCost.IsNegative() {
		return "", fmt.Errorf("%w: negative monthly cost", domain.ErrInvalidAmount)
	}

	payment, err := r.txs.Get(ctx, input.PaymentTransactionID)
	if err != nil {
		return "", fmt.Errorf("payment %s: %w", input.PaymentTransactionID, err)
	}
	if payment.Kind != domain.TransactionKindPayment {
		return "", fmt.Errorf("%w: transaction %s is a %s, not a payment", domain.ErrInvalidTransition, payment.ID, payment.Kind)
	}
	if payment.Account != input.Account {
		return "", fmt.Errorf("%w: transaction %s belongs to another account", domain.ErrInvalidTransition, payment.ID)
	}
	if payment.Status == domain.TransactionStatusFailed {
		return "", fmt.Errorf("%w: transaction %s has failed", domain.ErrInvalidTransition, payment.ID)
	}

	now := r.clock.Now()

	r.mu.Lock()
	defer r.mu.Unlock()

	r.sequence++
	srv := &Server{
		ID:                   domain.SERVER_ID_PREFIX + uuid.NewString(),
		Account:              input.Account,
		Name:                 input.Name,
		Config:               input.Config,
		MonthlyCost:          input.MonthlyCost,
		Status:               domain.ServerStatusProvisioning,
		PaymentTransactionID: input.PaymentTransactionID,
		Sequence:             r.sequence,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	r.byID[srv.ID] = srv
	r.byAccount[srv.Account] = append(r.byAccount[srv.Account], srv)

	return srv.ID, nil
}

func (r *registry) Promote(ctx context.Context, id string) error {
	r.mu.RLock()
	srv, ok := r.byID[id]
	var paymentID string
	if ok {
		paymentID = srv.PaymentTransactionID
	}
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrServerNotFound, id)
	}

	payment, err := r.txs.Get(ctx, paymentID)
	if err != nil {
		return fmt.Errorf("payment %s: %w", paymentID, err)
	}
	if payment.Status != domain.TransactionStatusConfirmed {
		return fmt.Errorf("%w: transaction %s is %s", domain.ErrPaymentNotConfirmed, payment.ID, payment.Status)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if srv.Status != domain.ServerStatusProvisioning {
		return fmt.Errorf("%w: server %s is %s", domain.ErrInvalidTransition, id, srv.Status)
	}

	now := r.clock.Now()
	srv.Status = domain.ServerStatusRunning
	srv.IPAddress = r.allocate()
	srv.PromotedAt = &now
	srv.UpdatedAt = now
	return nil
}

func (r *registry) Rollback(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	srv, ok := r.byID[id]
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrServerNotFound, id)
	}

	switch srv.Status {
	case domain.ServerStatusError, domain.ServerStatusTerminated:
		return nil
	}

	srv.Status = domain.ServerStatusError
	srv.UpdatedAt = r.clock.Now()
	return nil
}

func (r *registry) SetStatus(ctx context.Context, id string, status domain.ServerStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	srv, ok := r.byID[id]
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrServerNotFound, id)
	}
	if srv.Status == status {
		return nil
	}
	if !allowed(srv, status) {
		return fmt.Errorf("%w: server %s cannot move from %s to %s", domain.ErrInvalidTransition, id, srv.Status, status)
	}

	srv.Status = status
	srv.UpdatedAt = r.clock.Now()
	return nil
}

// allowed lists user-driven transitions. Reaching running goes through Promote only.
func allowed(srv *Server, to domain.ServerStatus) bool {
	from := srv.Status
	switch to {
	case domain.ServerStatusRunning:
		return from == domain.ServerStatusStopped && srv.PromotedAt != nil
	case domain.ServerStatusStopped:
		return from == domain.ServerStatusRunning
	case domain.ServerStatusTerminated:
		return from == domain.ServerStatusRunning || from == domain.ServerStatusStopped || from == domain.ServerStatusError
	}
	return false
}

func (r *registry) Get(ctx context.Context, id string) (Server, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	srv, ok := r.byID[id]
	if !ok {
		return Server{}, fmt.Errorf("%w: %s", domain.ErrServerNotFound, id)
	}
	return copyServer(srv), nil
}

func (r *registry) List(ctx context.Context, account string, filter Filter) []Server {
	r.mu.RLock()
	defer r.mu.RUnlock()

	servers := r.byAccount[account]
	out := make([]Server, 0, len(servers))
	for i := len(servers) - 1; i >= 0; i-- {
		if filter.Status != "" && servers[i].Status != filter.Status {
			continue
		}
		out = append(out, copyServer(servers[i]))
	}
	return out
}

func (r *registry) Stats(ctx context.Context, account string) Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var s Stats
	for _, srv := range r.byAccount[account] {
		s.Total++
		if srv.Status.Active() {
			s.Active++
		}
	}
	return s
}

func (r *registry) Snapshot(account string) []Server {
	r.mu.RLock()
	defer r.mu.RUnlock()

	servers := r.byAccount[account]
	out := make([]Server, len(servers))
	for i, srv := range servers {
		out[i] = copyServer(srv)
	}
	return out
}

func (r *registry) Restore(servers []Server) error {
	sorted := make([]Server, len(servers))
	copy(sorted, servers)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Sequence < sorted[j].Sequence
	})

	r.mu.Lock()
	defer r.mu.Unlock()

	for i := range sorted {
		srv := sorted[i]
		if !srv.Status.Valid() {
			return fmt.Errorf("%w: stored server %s has status %q", domain.ErrInvalidTransition, srv.ID, srv.Status)
		}
		if _, exists := r.byID[srv.ID]; exists {
			return fmt.Errorf("%w: duplicate server id %s", domain.ErrInvalidTransition, srv.ID)
		}
		r.byID[srv.ID] = &srv
		r.byAccount[srv.Account] = append(r.byAccount[srv.Account], &srv)
		if srv.Sequence > r.sequence {
			r.sequence = srv.Sequence
		}
	}
	return nil
}

func copyServer(srv *Server) Server {
	out := *srv
	if srv.PromotedAt != nil {
		promoted := *srv.PromotedAt
		out.PromotedAt = &promoted
	}
	return out
}
