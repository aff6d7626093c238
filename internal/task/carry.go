package task

import "sync"

// CarryEntry holds the intermediate artifact paths for one task.
type CarryEntry struct {
	DownloadedFilePath string
	ConvertedFilePath  string
}

// CarryStore threads filesystem paths between pipeline stages. Stage
// processors are independent and the task record carries no paths, so
// this map is the single source of truth for intermediate artifacts
// within the runner.
//
// Entries are created when a task enters the download queue and removed
// on terminal transition; there is no TTL.
type CarryStore struct {
	mu      sync.RWMutex
	entries map[string]CarryEntry
}

// NewCarryStore creates an empty carry store.
func NewCarryStore() *CarryStore {
	return &CarryStore{entries: make(map[string]CarryEntry)}
}

// Create ensures an entry exists for the task. Idempotent: an existing
// entry keeps its paths.
func (s *CarryStore) Create(taskID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[taskID]; !ok {
		s.entries[taskID] = CarryEntry{}
	}
}

// SetDownloadedPath records the downloaded artifact path, merging with
// any existing entry.
func (s *CarryStore) SetDownloadedPath(taskID, path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry := s.entries[taskID]
	entry.DownloadedFilePath = path
	s.entries[taskID] = entry
}

// SetConvertedPath records the converted artifact path, merging with any
// existing entry.
func (s *CarryStore) SetConvertedPath(taskID, path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry := s.entries[taskID]
	entry.ConvertedFilePath = path
	s.entries[taskID] = entry
}

// Get returns the entry for a task and whether it exists.
func (s *CarryStore) Get(taskID string) (CarryEntry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.entries[taskID]
	return entry, ok
}

// Delete removes the entry for a task.
func (s *CarryStore) Delete(taskID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, taskID)
}

// Len returns the number of live entries.
func (s *CarryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}
