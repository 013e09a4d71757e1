package observability

import (
	"log"
	"sync"
)

type BillingObserver struct {
	logger *log.Logger

	mu         sync.Mutex
	skipCounts map[string]int64
}

func NewBillingObserver(logger *log.Logger) *BillingObserver {
	if logger == nil {
		logger = log.Default()
	}
	return &BillingObserver{
		logger:     logger,
		skipCounts: make(map[string]int64),
	}
}

func (o *BillingObserver) RecordApply(workspaceID, planBefore, planAfter, statusBefore, statusAfter, source string) {
	if o == nil {
		return
	}
	o.logger.Printf("billing apply workspace_id=%s plan=%s->%s status=%s->%s source=%s",
		workspaceID, planBefore, planAfter, statusBefore, statusAfter, source)
}

func (o *BillingObserver) RecordNoop(workspaceID, plan, status, source string) {
	if o == nil {
		return
	}
	o.logger.Printf("billing noop workspace_id=%s plan=%s status=%s source=%s", workspaceID, plan, status, source)
}

func (o *BillingObserver) RecordSkip(workspaceID, reason string) {
	if o == nil {
		return
	}
	o.mu.Lock()
	o.skipCounts[workspaceID]++
	count := o.skipCounts[workspaceID]
	o.mu.Unlock()

	o.logger.Printf("billing skip workspace_id=%s reason=%s count=%d", workspaceID, reason, count)

	// Basic alert hook for repeated skips on the same workspace.
	if count%10 == 0 {
		o.logger.Printf("billing alert workspace_id=%s reason=%s repeated_skip_count=%d", workspaceID, reason, count)
	}
}
