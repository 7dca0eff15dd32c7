// Package repository is the diagnostic journal of tracked executions and received events.
// It records what the tracker saw. Reconciliation never reads from it; lookups of executions
// without a live session and the history listing do.
package repository

import (
	"context"

	"github.com/xiaot623/exectrack/internal/domain"
)

// Store defines the journal interface.
type Store interface {
	// Execution operations
	UpsertExecution(ctx context.Context, execution *domain.Execution) error
	GetExecution(ctx context.Context, executionID string) (*domain.Execution, error)
	ListExecutions(ctx context.Context, limit int) ([]domain.Execution, error)

	// Event operations
	CreateEvent(ctx context.Context, event *domain.JournalEvent) error
	GetEvents(ctx context.Context, executionID string, afterTs int64, types []string, limit int) ([]domain.JournalEvent, error)

	// Close closes the store.
	Close() error
}
