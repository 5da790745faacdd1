package reconciliation

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/mbd888/harvestmart/internal/ledger"
	"github.com/mbd888/harvestmart/internal/model"
	"github.com/mbd888/harvestmart/internal/store"
)

const auditBatch = 1000

var auditStatuses = []model.ContractStatus{
	model.ContractPendingDeposit,
	model.ContractDepositPaid,
	model.ContractInTransit,
	model.ContractAwaitingConfirmation,
	model.ContractQualityDispute,
	model.ContractCompleted,
	model.ContractRefunded,
	model.ContractCancelled,
}

// Mismatch is a contract whose status its ledger does not support.
type Mismatch struct {
	ContractID string               `json:"contractId"`
	Status     model.ContractStatus `json:"status"`
	Problem    string               `json:"problem"`
}

// AuditReport is the outcome of one audit run.
type AuditReport struct {
	Checked    int        `json:"checked"`
	Mismatches []Mismatch `json:"mismatches"`
	Duration   string     `json:"duration"`
}

// Auditor re-folds contract ledgers and compares them with the stored
// status.
type Auditor struct {
	store  store.Reader
	logger *slog.Logger
}

// NewAuditor creates an auditor.
func NewAuditor(r store.Reader, logger *slog.Logger) *Auditor {
	return &Auditor{store: r, logger: logger}
}

// Run checks up to auditBatch contracts per status.
func (a *Auditor) Run(ctx context.Context) (*AuditReport, error) {
	start := time.Now()
	report := &AuditReport{Mismatches: []Mismatch{}}

	for _, status := range auditStatuses {
		list, err := a.store.ListContractsByStatus(ctx, status, auditBatch)
		if err != nil {
			auditErrors.Inc()
			return nil, fmt.Errorf("list %s contracts: %w", status, err)
		}
		for _, c := range list {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			entries, err := a.store.ListEntries(ctx, c.ID)
			if err != nil {
				auditErrors.Inc()
				return nil, fmt.Errorf("list entries of %s: %w", c.ID, err)
			}
			report.Checked++
			if err := ledger.Check(c, ledger.Fold(entries)); err != nil {
				report.Mismatches = append(report.Mismatches, Mismatch{
					ContractID: c.ID,
					Status:     c.Status,
					Problem:    err.Error(),
				})
				a.logger.Error("ledger mismatch", "contract", c.ID, "status", c.Status, "error", err)
			}
		}
	}

	elapsed := time.Since(start)
	report.Duration = elapsed.String()
	ledgerMismatches.Set(float64(len(report.Mismatches)))
	auditDuration.Observe(elapsed.Seconds())
	return report, nil
}
