package export

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/yourusername/social-report-exporter/pkg/model"
)

// InProgress describes a running export
type InProgress struct {
	ExportID  string             `json:"export_id"`
	AccountID string             `json:"account_id"`
	Selection string             `json:"selection"`
	Format    model.ExportFormat `json:"format"`
	StartedAt time.Time          `json:"started_at"`
}

type tracked struct {
	InProgress
	cancel context.CancelCauseFunc
}

// tracker holds the in-progress flag of every running export. Starting an
// export for an account cancels its running exports for other selections.
type tracker struct {
	mu      sync.Mutex
	running map[string]*tracked
}

func newTracker() *tracker {
	return &tracker{running: make(map[string]*tracked)}
}

// begin marks the export in progress. done must always be called.
func (t *tracker) begin(ctx context.Context, exportID string, sel model.Selection, format model.ExportFormat) (context.Context, func()) {
	ctx, cancel := context.WithCancelCause(ctx)
	entry := &tracked{
		InProgress: InProgress{
			ExportID:  exportID,
			AccountID: sel.AccountID(),
			Selection: sel.Key(),
			Format:    format,
			StartedAt: time.Now(),
		},
		cancel: cancel,
	}

	t.mu.Lock()
	for _, other := range t.running {
		if other.AccountID == entry.AccountID && other.Selection != entry.Selection {
			other.cancel(model.ErrExportCancelled)
		}
	}
	t.running[exportID] = entry
	t.mu.Unlock()

	return ctx, func() {
		t.mu.Lock()
		delete(t.running, exportID)
		t.mu.Unlock()
		cancel(nil)
	}
}

// list returns the running exports, oldest first
func (t *tracker) list() []InProgress {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]InProgress, 0, len(t.running))
	for _, e := range t.running {
		out = append(out, e.InProgress)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].ExportID < out[j].ExportID
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}

func (t *tracker) busy(accountID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, e := range t.running {
		if e.AccountID == accountID {
			return true
		}
	}
	return false
}
