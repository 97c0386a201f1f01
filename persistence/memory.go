package persistence

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-process Store backed by mutex-guarded maps. Intended
// for tests and single-binary demos, not production.
type MemoryStore struct {
	mu sync.RWMutex

	instances     map[string]*Instance
	checkpoints   map[string]map[string]*Checkpoint // instanceID -> checkpointID -> checkpoint
	checkpointSeq map[string][]string               // instanceID -> checkpointID insertion order
	events        map[string][]*Event               // instanceID -> events, insertion order
	signals       map[string]*Signal                // instanceID -> pending signal
	customSignals map[string]*CustomSignal          // instanceID::checkpointID -> signal
	eventSeq      int
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		instances:     make(map[string]*Instance),
		checkpoints:   make(map[string]map[string]*Checkpoint),
		checkpointSeq: make(map[string][]string),
		events:        make(map[string][]*Event),
		signals:       make(map[string]*Signal),
		customSignals: make(map[string]*CustomSignal),
	}
}

func customSignalKey(instanceID, checkpointID string) string {
	return instanceID + "::" + checkpointID
}

func (s *MemoryStore) RegisterInstance(_ context.Context, instanceID, tenantID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.instances[instanceID] = &Instance{
		InstanceID:  instanceID,
		TenantID:    tenantID,
		Status:      StatusPending,
		Attempt:     0,
		MaxAttempts: 0,
		CreatedAt:   time.Now(),
	}
	return nil
}

func (s *MemoryStore) GetInstance(_ context.Context, instanceID string) (*Instance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	inst, ok := s.instances[instanceID]
	if !ok {
		return nil, ErrInstanceNotFound
	}
	cp := *inst
	return &cp, nil
}

func (s *MemoryStore) ListInstances(_ context.Context, filter ListFilter) ([]*Instance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []*Instance
	for _, inst := range s.instances {
		if filter.TenantID != nil && inst.TenantID != *filter.TenantID {
			continue
		}
		if filter.Status != nil && inst.Status != *filter.Status {
			continue
		}
		cp := *inst
		matched = append(matched, &cp)
	}
	sort.Slice(matched, func(i, j int) bool {
		return matched[i].CreatedAt.Before(matched[j].CreatedAt)
	})

	return paginate(matched, filter.Limit, filter.Offset), nil
}

func paginate(instances []*Instance, limit, offset int) []*Instance {
	if offset >= len(instances) {
		return nil
	}
	instances = instances[offset:]
	if limit > 0 && limit < len(instances) {
		instances = instances[:limit]
	}
	return instances
}

func (s *MemoryStore) UpdateInstanceStatus(_ context.Context, instanceID string, status Status, startedAt *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	inst, ok := s.instances[instanceID]
	if !ok {
		return ErrInstanceNotFound
	}
	inst.Status = status
	if startedAt != nil && inst.StartedAt == nil {
		t := *startedAt
		inst.StartedAt = &t
	}
	return nil
}

func (s *MemoryStore) UpdateInstanceCheckpoint(_ context.Context, instanceID, checkpointID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	inst, ok := s.instances[instanceID]
	if !ok {
		return ErrInstanceNotFound
	}
	id := checkpointID
	inst.CheckpointID = &id
	return nil
}

func (s *MemoryStore) CompleteInstance(_ context.Context, instanceID string, output []byte, errMsg *string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	inst, ok := s.instances[instanceID]
	if !ok {
		return ErrInstanceNotFound
	}
	now := time.Now()
	inst.FinishedAt = &now
	inst.Output = output
	inst.Error = errMsg
	if errMsg != nil {
		inst.Status = StatusFailed
	} else {
		inst.Status = StatusCompleted
	}
	return nil
}

func (s *MemoryStore) SaveCheckpoint(_ context.Context, instanceID, checkpointID string, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.instances[instanceID]; !ok {
		return ErrInstanceNotFound
	}
	byCP, ok := s.checkpoints[instanceID]
	if !ok {
		byCP = make(map[string]*Checkpoint)
		s.checkpoints[instanceID] = byCP
	}
	if _, exists := byCP[checkpointID]; exists {
		return nil // append-only: first write wins
	}
	byCP[checkpointID] = &Checkpoint{
		InstanceID:   instanceID,
		CheckpointID: checkpointID,
		Payload:      payload,
		CreatedAt:    time.Now(),
	}
	s.checkpointSeq[instanceID] = append(s.checkpointSeq[instanceID], checkpointID)
	return nil
}

func (s *MemoryStore) LoadCheckpoint(_ context.Context, instanceID, checkpointID string) (*Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	byCP, ok := s.checkpoints[instanceID]
	if !ok {
		return nil, ErrCheckpointNotFound
	}
	cp, ok := byCP[checkpointID]
	if !ok {
		return nil, ErrCheckpointNotFound
	}
	out := *cp
	return &out, nil
}

func (s *MemoryStore) ListCheckpoints(_ context.Context, instanceID string, limit, offset int) ([]*Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seq := s.checkpointSeq[instanceID]
	byCP := s.checkpoints[instanceID]
	var out []*Checkpoint
	for _, id := range seq {
		cp := *byCP[id]
		out = append(out, &cp)
	}
	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) CountCheckpoints(_ context.Context, instanceID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.checkpointSeq[instanceID]), nil
}

func (s *MemoryStore) InsertEvent(_ context.Context, event *Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.eventSeq++
	e := *event
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	s.events[event.InstanceID] = append(s.events[event.InstanceID], &e)
	return nil
}

func (s *MemoryStore) ListEvents(_ context.Context, instanceID string, limit, offset int) ([]*Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := s.events[instanceID]
	if offset >= len(all) {
		return nil, nil
	}
	out := all[offset:]
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	cp := make([]*Event, len(out))
	for i, e := range out {
		v := *e
		cp[i] = &v
	}
	return cp, nil
}

func (s *MemoryStore) GetLastEventTime(_ context.Context, instanceID string) (time.Time, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	events := s.events[instanceID]
	if len(events) == 0 {
		return time.Time{}, false, nil
	}
	latest := events[0].CreatedAt
	for _, e := range events[1:] {
		if e.CreatedAt.After(latest) {
			latest = e.CreatedAt
		}
	}
	return latest, true, nil
}

func (s *MemoryStore) InsertSignal(_ context.Context, instanceID string, signalType SignalType, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	inst, ok := s.instances[instanceID]
	if !ok {
		return ErrInstanceNotFound
	}
	if inst.Status.Terminal() {
		return ErrSignalTerminal
	}
	s.signals[instanceID] = &Signal{
		InstanceID: instanceID,
		SignalType: signalType,
		Payload:    payload,
		CreatedAt:  time.Now(),
	}
	return nil
}

func (s *MemoryStore) GetPendingSignal(_ context.Context, instanceID string) (*Signal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sig, ok := s.signals[instanceID]
	if !ok {
		return nil, nil
	}
	out := *sig
	return &out, nil
}

func (s *MemoryStore) AcknowledgeSignal(_ context.Context, instanceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sig, ok := s.signals[instanceID]
	if !ok || sig.AcknowledgedAt != nil {
		return nil
	}
	now := time.Now()
	sig.AcknowledgedAt = &now
	return nil
}

func (s *MemoryStore) InsertCustomSignal(_ context.Context, instanceID, checkpointID string, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.customSignals[customSignalKey(instanceID, checkpointID)] = &CustomSignal{
		InstanceID:   instanceID,
		CheckpointID: checkpointID,
		Payload:      payload,
		CreatedAt:    time.Now(),
	}
	return nil
}

func (s *MemoryStore) TakePendingCustomSignal(_ context.Context, instanceID, checkpointID string) (*CustomSignal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := customSignalKey(instanceID, checkpointID)
	sig, ok := s.customSignals[key]
	if !ok {
		return nil, nil
	}
	delete(s.customSignals, key)
	return sig, nil
}

func (s *MemoryStore) SaveRetryAttempt(_ context.Context, instanceID, checkpointID string, attempt int, errMsg *string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.instances[instanceID]; !ok {
		return ErrInstanceNotFound
	}
	payload := []byte("{}")
	if errMsg != nil {
		payload = []byte(`{"error":"` + *errMsg + `"}`)
	}
	retryID := retryCheckpointID(checkpointID, attempt)
	byCP, ok := s.checkpoints[instanceID]
	if !ok {
		byCP = make(map[string]*Checkpoint)
		s.checkpoints[instanceID] = byCP
	}
	byCP[retryID] = &Checkpoint{
		InstanceID:   instanceID,
		CheckpointID: retryID,
		Payload:      payload,
		CreatedAt:    time.Now(),
	}
	s.checkpointSeq[instanceID] = append(s.checkpointSeq[instanceID], retryID)
	return nil
}

func (s *MemoryStore) SetInstanceSleep(_ context.Context, instanceID string, until time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	inst, ok := s.instances[instanceID]
	if !ok {
		return ErrInstanceNotFound
	}
	t := until
	inst.SleepUntil = &t
	return nil
}

func (s *MemoryStore) ClearInstanceSleep(_ context.Context, instanceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	inst, ok := s.instances[instanceID]
	if !ok {
		return ErrInstanceNotFound
	}
	inst.SleepUntil = nil
	return nil
}

func (s *MemoryStore) GetSleepingInstancesDue(_ context.Context, limit int) ([]*Instance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := time.Now()
	var due []*Instance
	for _, inst := range s.instances {
		if inst.Status == StatusSuspended && inst.SleepUntil != nil && !inst.SleepUntil.After(now) {
			cp := *inst
			due = append(due, &cp)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		return due[i].SleepUntil.Before(*due[j].SleepUntil)
	})
	if limit > 0 && limit < len(due) {
		due = due[:limit]
	}
	return due, nil
}

func (s *MemoryStore) HealthCheckDB(_ context.Context) error {
	return nil
}

func (s *MemoryStore) Close() error {
	return nil
}
