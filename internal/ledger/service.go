package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/mbd888/harvestmart/internal/apperr"
	"github.com/mbd888/harvestmart/internal/model"
	"github.com/mbd888/harvestmart/internal/store"
)

// ErrContractNotFound is returned when a statement is requested for an
// unknown contract.
var ErrContractNotFound = apperr.NotFound("contract_not_found", "contract not found")

// Statement is a contract's entries with their fold.
type Statement struct {
	ContractID string               `json:"contractId"`
	Status     model.ContractStatus `json:"status"`
	Currency   string               `json:"currency"`
	Total      string               `json:"total"`
	Deposit    string               `json:"depositRequired"`
	Shortfall  string               `json:"depositShortfall"`
	Totals     Totals               `json:"totals"`
	Entries    []*model.LedgerEntry `json:"entries"`
	Consistent bool                 `json:"consistent"`
	Problem    string               `json:"problem,omitempty"`
}

// Service answers read-only ledger questions.
type Service struct {
	store store.Reader
}

// NewService creates a ledger read service.
func NewService(r store.Reader) *Service {
	return &Service{store: r}
}

// Statement folds the entries of contractID and checks the contract's
// status against the result.
func (s *Service) Statement(ctx context.Context, contractID string) (*Statement, error) {
	start := time.Now()
	defer func() { OpDuration.WithLabelValues("statement").Observe(time.Since(start).Seconds()) }()

	c, err := s.store.GetContract(ctx, contractID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrContractNotFound
	}
	if err != nil {
		return nil, err
	}
	entries, err := s.store.ListEntries(ctx, contractID)
	if err != nil {
		return nil, err
	}

	t := Fold(entries)
	st := &Statement{
		ContractID: c.ID,
		Status:     c.Status,
		Currency:   c.Currency,
		Total:      c.Total.String(),
		Deposit:    c.DepositRequired.String(),
		Shortfall:  DepositShortfall(c, t).String(),
		Totals:     t,
		Entries:    entries,
		Consistent: true,
	}
	if err := Check(c, t); err != nil {
		st.Consistent = false
		st.Problem = err.Error()
	}
	return st, nil
}
