// Package status tracks per-task delivery state with periodic snapshot
// persistence behind a pluggable Backend.
package status

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"PrioMail/internal/models"
)

// Backend persists snapshots of the full record set. Implementations must
// tolerate being called from a single goroutine at a time.
type Backend interface {
	// Save replaces the durable snapshot with the given records.
	Save(ctx context.Context, records map[string]*models.EmailStatus) error
	// Load returns the last saved snapshot, or an empty map if none exists.
	Load(ctx context.Context) (map[string]*models.EmailStatus, error)
}

// Store is the concurrent registry of EmailStatus records. Producers
// register and cancel; the delivery worker drives state transitions. All
// mutations are single-record atomic under the store lock.
type Store struct {
	mu      sync.RWMutex
	records map[string]*models.EmailStatus

	backend Backend
	log     *zap.Logger
}

func NewStore(backend Backend, log *zap.Logger) *Store {
	return &Store{
		records: make(map[string]*models.EmailStatus),
		backend: backend,
		log:     log,
	}
}

// Register adds a new record. The caller owns ID uniqueness.
func (s *Store) Register(rec *models.EmailStatus) {
	s.mu.Lock()
	s.records[rec.TaskID] = rec
	s.mu.Unlock()
}

// Update applies fn to the record under the store lock. Returns false if the
// task is unknown.
func (s *Store) Update(taskID string, fn func(*models.EmailStatus)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[taskID]
	if !ok {
		return false
	}
	fn(rec)
	return true
}

// Get returns a copy of the record, or nil if unknown.
func (s *Store) Get(taskID string) *models.EmailStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[taskID]
	if !ok {
		return nil
	}
	return rec.Clone()
}

// QueryBatch returns copies of all records sharing the batch label, oldest
// first. Linear scan; the record set stays small at this scale.
func (s *Store) QueryBatch(batchID string) []*models.EmailStatus {
	return s.query(func(rec *models.EmailStatus) bool { return rec.BatchID == batchID })
}

// QueryGroup returns copies of all records sharing the group label, oldest first.
func (s *Store) QueryGroup(groupID string) []*models.EmailStatus {
	return s.query(func(rec *models.EmailStatus) bool { return rec.GroupID == groupID })
}

func (s *Store) query(match func(*models.EmailStatus) bool) []*models.EmailStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.EmailStatus
	for _, rec := range s.records {
		if match(rec) {
			out = append(out, rec.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Counts returns the number of records per status plus the total.
func (s *Store) Counts() map[string]int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := map[string]int{
		string(models.StatusQueued):    0,
		string(models.StatusSending):   0,
		string(models.StatusSent):      0,
		string(models.StatusFailed):    0,
		string(models.StatusCancelled): 0,
	}
	for _, rec := range s.records {
		counts[string(rec.Status)]++
	}
	counts["total"] = len(s.records)
	return counts
}

// GroupCounts returns record counts keyed by group label, then batch label.
func (s *Store) GroupCounts() (groups map[string]int, batches map[string]int) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	groups = make(map[string]int)
	batches = make(map[string]int)
	for _, rec := range s.records {
		if rec.GroupID != "" {
			groups[rec.GroupID]++
		}
		if rec.BatchID != "" {
			batches[rec.BatchID]++
		}
	}
	return groups, batches
}

// Prune removes sent and cancelled records created before the cutoff.
// Failed, queued and sending records are kept regardless of age: they
// represent unresolved or actionable work.
func (s *Store) Prune(olderThan time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, rec := range s.records {
		if rec.Status != models.StatusSent && rec.Status != models.StatusCancelled {
			continue
		}
		if rec.CreatedAt.Before(olderThan) {
			delete(s.records, id)
			removed++
		}
	}
	return removed
}

// SaveSnapshot writes the full record set to the backend. Persistence
// failures are logged and never abort the caller.
func (s *Store) SaveSnapshot(ctx context.Context) {
	s.mu.RLock()
	snapshot := make(map[string]*models.EmailStatus, len(s.records))
	for id, rec := range s.records {
		snapshot[id] = rec.Clone()
	}
	s.mu.RUnlock()

	if err := s.backend.Save(ctx, snapshot); err != nil {
		s.log.Error("status snapshot save failed", zap.Int("records", len(snapshot)), zap.Error(err))
		return
	}
	s.log.Debug("status snapshot saved", zap.Int("records", len(snapshot)))
}

// LoadSnapshot populates the store from the backend, called once at startup.
// Records that were sending at the time of the last snapshot are not
// resumed; they stay visible in their last known state.
func (s *Store) LoadSnapshot(ctx context.Context) {
	records, err := s.backend.Load(ctx)
	if err != nil {
		s.log.Error("status snapshot load failed", zap.Error(err))
		return
	}
	if len(records) == 0 {
		return
	}

	s.mu.Lock()
	for id, rec := range records {
		if _, exists := s.records[id]; !exists {
			s.records[id] = rec
		}
	}
	s.mu.Unlock()
	s.log.Info("status snapshot loaded", zap.Int("records", len(records)))
}
