package task

import (
	"errors"
	"fmt"
	"sync"

	"github.com/oklog/ulid/v2"
)

// Queue errors.
var (
	// ErrAlreadyQueued is returned when a task id is already present in a
	// stage. Adding twice leaves the queue unchanged.
	ErrAlreadyQueued = errors.New("task already queued")
	// ErrAlreadyTerminal is returned when a finished or failed task is
	// offered again.
	ErrAlreadyTerminal = errors.New("task already terminal")
	// ErrNotInFlight is returned by stage-completion calls for a task the
	// stage is not currently driving.
	ErrNotInFlight = errors.New("task not in flight for stage")
)

// EventType identifies a queue event.
type EventType string

const (
	// EventUpdated is emitted after every queue mutation.
	EventUpdated EventType = "updated"
	// EventFinished is emitted when a task leaves the upload stage
	// successfully.
	EventFinished EventType = "finished"
	// EventFailed is emitted when a task is failed out of a stage.
	EventFailed EventType = "failed"
)

// Counts is a waiting/in-flight snapshot for one stage.
type Counts struct {
	Waiting  int `json:"waiting"`
	InFlight int `json:"inFlight"`
}

// Event describes a queue mutation. The id is a ULID so events sort by
// emission order.
type Event struct {
	ID     string           `json:"id"`
	Type   EventType        `json:"type"`
	TaskID string           `json:"taskId"`
	Stage  Stage            `json:"stage"`
	Counts map[Stage]Counts `json:"counts"`
}

// QueueConfig holds the per-stage concurrency caps.
type QueueConfig struct {
	DownloadSlots int
	ConvertSlots  int
	UploadSlots   int
}

// waitingCell pairs a task with its arrival sequence for stable ordering.
type waitingCell struct {
	task *Task
	seq  uint64
}

// stageQueue is one stage's waiting list and in-flight set.
type stageQueue struct {
	cap      int
	waiting  []waitingCell
	inFlight map[string]*Task
}

func newStageQueue(capacity int) *stageQueue {
	if capacity < 1 {
		capacity = 1
	}
	return &stageQueue{cap: capacity, inFlight: make(map[string]*Task)}
}

func (q *stageQueue) counts() Counts {
	return Counts{Waiting: len(q.waiting), InFlight: len(q.inFlight)}
}

// push appends a task at the tail of the waiting list.
func (q *stageQueue) push(t *Task, seq uint64) {
	q.waiting = append(q.waiting, waitingCell{task: t, seq: seq})
}

// pop removes and returns the best waiting task if the stage has spare
// capacity: highest priority first, arrival order breaking ties. Paused
// tasks stay waiting.
func (q *stageQueue) pop() *Task {
	if len(q.inFlight) >= q.cap || len(q.waiting) == 0 {
		return nil
	}

	best := -1
	for i, cell := range q.waiting {
		if cell.task.Status == StatusPaused {
			continue
		}
		if best == -1 {
			best = i
			continue
		}
		b := q.waiting[best]
		if cell.task.Priority > b.task.Priority ||
			(cell.task.Priority == b.task.Priority && cell.seq < b.seq) {
			best = i
		}
	}
	if best == -1 {
		return nil
	}

	t := q.waiting[best].task
	q.waiting = append(q.waiting[:best], q.waiting[best+1:]...)
	q.inFlight[t.ID] = t
	return t
}

// remove deletes a task from the stage wherever it sits.
func (q *stageQueue) remove(taskID string) bool {
	if _, ok := q.inFlight[taskID]; ok {
		delete(q.inFlight, taskID)
		return true
	}
	for i, cell := range q.waiting {
		if cell.task.ID == taskID {
			q.waiting = append(q.waiting[:i], q.waiting[i+1:]...)
			return true
		}
	}
	return false
}

// Queue is the three-stage pipeline queue. Each stage holds a FIFO-by-
// priority waiting list and an in-flight set bounded by its cap.
//
// A task id is in at most one stage at a time, and a task that reached a
// terminal state never re-enters. All mutations emit an Event on a
// buffered channel; the runner is the sole consumer and the sole mutator.
type Queue struct {
	mu       sync.Mutex
	stages   map[Stage]*stageQueue
	index    map[string]Stage
	terminal map[string]bool
	seq      uint64

	events chan Event
}

// NewQueue creates a queue with the given per-stage caps.
func NewQueue(cfg QueueConfig) *Queue {
	return &Queue{
		stages: map[Stage]*stageQueue{
			StageDownload: newStageQueue(cfg.DownloadSlots),
			StageConvert:  newStageQueue(cfg.ConvertSlots),
			StageUpload:   newStageQueue(cfg.UploadSlots),
		},
		index:    make(map[string]Stage),
		terminal: make(map[string]bool),
		events:   make(chan Event, 128),
	}
}

// Events returns the queue's event stream.
func (q *Queue) Events() <-chan Event {
	return q.events
}

// Add inserts a task into the download stage's waiting list. The task
// must not be present in any stage and must not be terminal.
func (q *Queue) Add(t *Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.terminal[t.ID] {
		return fmt.Errorf("adding task %s: %w", t.ID, ErrAlreadyTerminal)
	}
	if _, ok := q.index[t.ID]; ok {
		return fmt.Errorf("adding task %s: %w", t.ID, ErrAlreadyQueued)
	}

	q.seq++
	q.stages[StageDownload].push(t, q.seq)
	q.index[t.ID] = StageDownload
	q.emit(EventUpdated, t.ID, StageDownload)
	return nil
}

// NextDownload pops the next downloadable task, or nil when the stage is
// at capacity or empty.
func (q *Queue) NextDownload() *Task { return q.next(StageDownload) }

// NextConvert pops the next convertible task, or nil.
func (q *Queue) NextConvert() *Task { return q.next(StageConvert) }

// NextUpload pops the next uploadable task, or nil.
func (q *Queue) NextUpload() *Task { return q.next(StageUpload) }

func (q *Queue) next(stage Stage) *Task {
	q.mu.Lock()
	defer q.mu.Unlock()

	t := q.stages[stage].pop()
	if t == nil {
		return nil
	}
	q.emit(EventUpdated, t.ID, stage)
	return t
}

// CompleteDownload moves a task from the download in-flight set to the
// tail of the convert waiting list.
func (q *Queue) CompleteDownload(t *Task) error {
	return q.advance(t, StageDownload, StageConvert)
}

// CompleteConvert moves a task from the convert in-flight set to the tail
// of the upload waiting list.
func (q *Queue) CompleteConvert(t *Task) error {
	return q.advance(t, StageConvert, StageUpload)
}

func (q *Queue) advance(t *Task, from, to Stage) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.stages[from].inFlight[t.ID]; !ok {
		return fmt.Errorf("advancing task %s from %s: %w", t.ID, from, ErrNotInFlight)
	}
	delete(q.stages[from].inFlight, t.ID)

	q.seq++
	q.stages[to].push(t, q.seq)
	q.index[t.ID] = to
	q.emit(EventUpdated, t.ID, to)
	return nil
}

// CompleteUpload removes a task from the upload in-flight set and marks
// it terminal.
func (q *Queue) CompleteUpload(t *Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.stages[StageUpload].inFlight[t.ID]; !ok {
		return fmt.Errorf("completing task %s: %w", t.ID, ErrNotInFlight)
	}
	delete(q.stages[StageUpload].inFlight, t.ID)
	delete(q.index, t.ID)
	q.terminal[t.ID] = true
	q.emit(EventFinished, t.ID, StageUpload)
	return nil
}

// Fail removes a task from the given stage and marks it terminal.
func (q *Queue) Fail(taskID string, stage Stage) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if !q.stages[stage].remove(taskID) {
		return fmt.Errorf("failing task %s in %s: %w", taskID, stage, ErrNotInFlight)
	}
	delete(q.index, taskID)
	q.terminal[taskID] = true
	q.emit(EventFailed, taskID, stage)
	return nil
}

// StageOf returns the stage currently holding the task, if any.
func (q *Queue) StageOf(taskID string) (Stage, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	stage, ok := q.index[taskID]
	return stage, ok
}

// HasCapacity reports whether the stage can accept more work, counting
// both waiting and in-flight tasks against its cap. The runner uses this
// to gate task acquisition.
func (q *Queue) HasCapacity(stage Stage) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	s := q.stages[stage]
	return len(s.waiting)+len(s.inFlight) < s.cap
}

// CountsSnapshot returns waiting/in-flight counts per stage.
func (q *Queue) CountsSnapshot() map[Stage]Counts {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.countsLocked()
}

func (q *Queue) countsLocked() map[Stage]Counts {
	counts := make(map[Stage]Counts, len(q.stages))
	for stage, sq := range q.stages {
		counts[stage] = sq.counts()
	}
	return counts
}

// emit sends a queue event without blocking; the stream is advisory and
// a full buffer drops the new event in favour of runner liveness.
func (q *Queue) emit(typ EventType, taskID string, stage Stage) {
	ev := Event{
		ID:     ulid.Make().String(),
		Type:   typ,
		TaskID: taskID,
		Stage:  stage,
		Counts: q.countsLocked(),
	}
	select {
	case q.events <- ev:
	default:
	}
}
