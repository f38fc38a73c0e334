package memory

import (
	"context"
	"sync"
	"time"

	"github.com/yaront1111/mandarin-sub007/internal/core/domain"
)

const defaultHistoryLimit = 10000

// CallHistoryRepository keeps the most recent finished calls in memory.
type CallHistoryRepository struct {
	mu      sync.Mutex
	records []domain.CallRecord
	limit   int

	answered      int64
	totalDuration time.Duration
}

func NewCallHistoryRepository() *CallHistoryRepository {
	return &CallHistoryRepository{
		records: make([]domain.CallRecord, 0),
		limit:   defaultHistoryLimit,
	}
}

func (r *CallHistoryRepository) Save(ctx context.Context, rec domain.CallRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, rec)
	if len(r.records) > r.limit {
		r.records = r.records[len(r.records)-r.limit:]
	}
	if !rec.AnsweredAt.IsZero() {
		r.answered++
		r.totalDuration += rec.Duration
	}
	return nil
}

// AverageDuration averages over every answered call ever saved, including
// ones trimmed from the recent list.
func (r *CallHistoryRepository) AverageDuration(ctx context.Context) (time.Duration, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.answered == 0 {
		return 0, nil
	}
	return r.totalDuration / time.Duration(r.answered), nil
}

func (r *CallHistoryRepository) Recent(ctx context.Context, userID domain.UserID, limit int) ([]domain.CallRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.CallRecord, 0, limit)
	for i := len(r.records) - 1; i >= 0 && len(out) < limit; i-- {
		rec := r.records[i]
		if rec.CallerID == userID || rec.RecipientID == userID {
			out = append(out, rec)
		}
	}
	return out, nil
}
