// Package service is the facade the rest of the application talks to.
// Everything else (queue, store, workers) stays internal to the engine.
package service

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"PrioMail/internal/metrics"
	"PrioMail/internal/models"
	"PrioMail/internal/queue"
	"PrioMail/internal/status"
)

// ValidationError is rejected synchronously at enqueue time and never retried.
type ValidationError struct {
	Field string
}

func (e *ValidationError) Error() string {
	return "missing required field: " + e.Field
}

type SendRequest struct {
	Recipient   string              `json:"recipient"`
	Subject     string              `json:"subject"`
	HTMLBody    string              `json:"html_body"`
	TextBody    string              `json:"text_body"`
	Attachments []models.Attachment `json:"attachments,omitempty"`
	// Priority is "high", "normal" or "low"; empty defaults to normal.
	Priority string `json:"priority,omitempty"`
	GroupID  string `json:"group_id,omitempty"`
	BatchID  string `json:"batch_id,omitempty"`
}

type BatchItem struct {
	Recipient string `json:"recipient"`
	HTMLBody  string `json:"html_body"`
	TextBody  string `json:"text_body"`
}

type BatchRequest struct {
	Subject  string      `json:"subject"`
	Items    []BatchItem `json:"items"`
	Priority string      `json:"priority,omitempty"`
	GroupID  string      `json:"group_id,omitempty"`
	BatchID  string      `json:"batch_id,omitempty"`
}

type BatchResult struct {
	BatchID string   `json:"batch_id"`
	TaskIDs []string `json:"task_ids"`
	Count   int      `json:"count"`
}

type BatchStatus struct {
	BatchID string                `json:"batch_id"`
	Total   int                   `json:"total"`
	Tasks   []*models.EmailStatus `json:"tasks"`
}

type GroupStatus struct {
	GroupID string                `json:"group_id"`
	Total   int                   `json:"total"`
	Tasks   []*models.EmailStatus `json:"tasks"`
}

type Stats struct {
	Counts     map[string]int `json:"counts"`
	Groups     map[string]int `json:"groups"`
	Batches    map[string]int `json:"batches"`
	QueueDepth int            `json:"queue_depth"`
}

// Service validates, enqueues and exposes read-only views of delivery state.
// Constructed once per process and passed by reference; no package globals.
type Service struct {
	queue       *queue.PriorityTaskQueue
	store       *status.Store
	log         *zap.Logger
	maxAttempts int

	// Payloads are retained until their task reaches a pruned or sent
	// state so a terminal-failed task can be retried with its original
	// body. Cleared by Prune.
	mu       sync.Mutex
	payloads map[string]*models.EmailTask
}

func New(q *queue.PriorityTaskQueue, store *status.Store, maxAttempts int, log *zap.Logger) *Service {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return &Service{
		queue:       q,
		store:       store,
		log:         log,
		maxAttempts: maxAttempts,
		payloads:    make(map[string]*models.EmailTask),
	}
}

// Send validates and enqueues one message. Returns the assigned task ID.
func (s *Service) Send(req SendRequest) (string, error) {
	if req.Recipient == "" {
		return "", &ValidationError{Field: "recipient"}
	}
	if req.Subject == "" {
		return "", &ValidationError{Field: "subject"}
	}

	priority := models.ParsePriority(req.Priority)

	task := &models.EmailTask{
		TaskID:      uuid.NewString(),
		Recipient:   req.Recipient,
		Subject:     req.Subject,
		HTMLBody:    req.HTMLBody,
		TextBody:    req.TextBody,
		Attachments: req.Attachments,
		GroupID:     req.GroupID,
		BatchID:     req.BatchID,
		Priority:    priority,
	}

	s.store.Register(&models.EmailStatus{
		TaskID:      task.TaskID,
		Recipient:   req.Recipient,
		Subject:     req.Subject,
		GroupID:     req.GroupID,
		BatchID:     req.BatchID,
		Status:      models.StatusQueued,
		MaxAttempts: s.maxAttempts,
		Priority:    priority,
		CreatedAt:   time.Now(),
	})

	s.mu.Lock()
	s.payloads[task.TaskID] = task
	s.mu.Unlock()

	s.queue.Put(task, priority)
	metrics.QueueDepth.Set(float64(s.queue.Size()))

	s.log.Info("email queued",
		zap.String("task_id", task.TaskID),
		zap.String("recipient", req.Recipient),
		zap.Int("priority", int(priority)),
	)
	return task.TaskID, nil
}

// SendBatch fans out one task per item sharing a batch label. Bodies are
// pre-rendered by the caller. Items missing a recipient fail the whole batch
// before anything is enqueued.
func (s *Service) SendBatch(req BatchRequest) (*BatchResult, error) {
	if req.Subject == "" {
		return nil, &ValidationError{Field: "subject"}
	}
	if len(req.Items) == 0 {
		return nil, &ValidationError{Field: "items"}
	}
	for _, item := range req.Items {
		if item.Recipient == "" {
			return nil, &ValidationError{Field: "recipient"}
		}
	}

	batchID := req.BatchID
	if batchID == "" {
		batchID = "batch_" + uuid.NewString()
	}

	taskIDs := make([]string, 0, len(req.Items))
	for _, item := range req.Items {
		taskID, err := s.Send(SendRequest{
			Recipient: item.Recipient,
			Subject:   req.Subject,
			HTMLBody:  item.HTMLBody,
			TextBody:  item.TextBody,
			Priority:  req.Priority,
			GroupID:   req.GroupID,
			BatchID:   batchID,
		})
		if err != nil {
			return nil, err
		}
		taskIDs = append(taskIDs, taskID)
	}

	s.log.Info("batch queued", zap.String("batch_id", batchID), zap.Int("count", len(taskIDs)))
	return &BatchResult{BatchID: batchID, TaskIDs: taskIDs, Count: len(taskIDs)}, nil
}

// Status returns a copy of the task's status record, or nil if unknown.
func (s *Service) Status(taskID string) *models.EmailStatus {
	return s.store.Get(taskID)
}

func (s *Service) BatchStatus(batchID string) *BatchStatus {
	tasks := s.store.QueryBatch(batchID)
	if len(tasks) == 0 {
		return nil
	}
	return &BatchStatus{BatchID: batchID, Total: len(tasks), Tasks: tasks}
}

func (s *Service) GroupStatus(groupID string) *GroupStatus {
	tasks := s.store.QueryGroup(groupID)
	if len(tasks) == 0 {
		return nil
	}
	return &GroupStatus{GroupID: groupID, Total: len(tasks), Tasks: tasks}
}

// Cancel removes a still-queued task. Best-effort: returns false once the
// task has been dequeued, finished, or was never known.
func (s *Service) Cancel(taskID string) bool {
	if !s.queue.Cancel(taskID) {
		return false
	}

	s.store.Update(taskID, func(rec *models.EmailStatus) {
		rec.Status = models.StatusCancelled
	})
	metrics.EmailsCancelled.Inc()

	s.log.Info("email cancelled", zap.String("task_id", taskID))
	return true
}

// CancelBatch cancels every still-queued task in the batch and returns how
// many were cancelled.
func (s *Service) CancelBatch(batchID string) int {
	cancelled := 0
	for _, rec := range s.store.QueryBatch(batchID) {
		if s.Cancel(rec.TaskID) {
			cancelled++
		}
	}
	return cancelled
}

// Retry re-enqueues a terminally failed task at its original priority with
// its attempt counter reset. Returns false for any other state.
func (s *Service) Retry(taskID string) bool {
	rec := s.store.Get(taskID)
	if rec == nil || rec.Status != models.StatusFailed {
		return false
	}

	s.mu.Lock()
	task, ok := s.payloads[taskID]
	s.mu.Unlock()
	if !ok {
		s.log.Warn("retry requested but payload no longer retained", zap.String("task_id", taskID))
		return false
	}

	s.store.Update(taskID, func(r *models.EmailStatus) {
		r.Status = models.StatusQueued
		r.Attempts = 0
		r.Error = ""
	})
	s.queue.Put(task, rec.Priority)

	s.log.Info("failed email requeued", zap.String("task_id", taskID))
	return true
}

// Stats reports counts by status, group and batch breakdowns, and the
// current queue depth.
func (s *Service) Stats() *Stats {
	groups, batches := s.store.GroupCounts()
	return &Stats{
		Counts:     s.store.Counts(),
		Groups:     groups,
		Batches:    batches,
		QueueDepth: s.queue.Size(),
	}
}

// Prune drops sent and cancelled records older than the retention window and
// releases retained payloads that can no longer be retried.
func (s *Service) Prune(retentionDays int) int {
	cutoff := time.Now().AddDate(0, 0, -retentionDays)
	removed := s.store.Prune(cutoff)

	s.mu.Lock()
	for id := range s.payloads {
		rec := s.store.Get(id)
		if rec == nil || rec.Status == models.StatusSent || rec.Status == models.StatusCancelled {
			delete(s.payloads, id)
		}
	}
	s.mu.Unlock()

	if removed > 0 {
		s.log.Info("pruned old status records", zap.Int("removed", removed), zap.Int("retention_days", retentionDays))
	}
	return removed
}
