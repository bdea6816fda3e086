package store

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/rendis/lockflow/pkg/schema"
)

// MemoryStore is an in-process Store. Values are copied on every read and
// write so callers never share memory with the store.
type MemoryStore struct {
	mu      sync.RWMutex
	now     func() time.Time
	records map[string]*RateLockRecord
	active  map[string]string // loan application ID -> record ID
	audit   []*AuditLogEntry
	auditBy map[string]struct{}
	cases   map[string]*ExceptionCase
	casesBy map[string]string // source message ID -> case ID
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		now:     func() time.Time { return time.Now().UTC() },
		records: make(map[string]*RateLockRecord),
		active:  make(map[string]string),
		auditBy: make(map[string]struct{}),
		cases:   make(map[string]*ExceptionCase),
		casesBy: make(map[string]string),
	}
}

func (s *MemoryStore) Migrate(context.Context) error { return nil }
func (s *MemoryStore) Close() error                  { return nil }

func (s *MemoryStore) CreateRecord(_ context.Context, rec *RateLockRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.records[rec.ID]; ok {
		return duplicateActive(rec.LoanApplicationID, rec.ID)
	}
	if IsActive(rec.Status) {
		if existing, ok := s.active[rec.LoanApplicationID]; ok {
			return duplicateActive(rec.LoanApplicationID, existing)
		}
	}

	now := s.now()
	if rec.Version == 0 {
		rec.Version = 1
	}
	rec.CreatedAt = timeOr(rec.CreatedAt, now)
	rec.UpdatedAt = now
	rec.StateEnteredAt = timeOr(rec.StateEnteredAt, now)

	s.records[rec.ID] = rec.Clone()
	if IsActive(rec.Status) {
		s.active[rec.LoanApplicationID] = rec.ID
	}
	return nil
}

func (s *MemoryStore) GetRecord(_ context.Context, id string) (*RateLockRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[id]
	if !ok {
		return nil, storeNotFound("rate lock", id)
	}
	return rec.Clone(), nil
}

func (s *MemoryStore) PutIfVersion(_ context.Context, rec *RateLockRecord, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.records[rec.ID]
	if !ok {
		return storeNotFound("rate lock", rec.ID)
	}
	if current.Version != expectedVersion {
		return versionConflict("rate lock", rec.ID, expectedVersion)
	}

	stamped := rec.Clone()
	stamped.LoanApplicationID = current.LoanApplicationID
	stamped.Version = expectedVersion + 1
	stamped.UpdatedAt = s.now()
	s.records[rec.ID] = stamped
	if !IsActive(stamped.Status) && s.active[stamped.LoanApplicationID] == stamped.ID {
		delete(s.active, stamped.LoanApplicationID)
	}

	rec.Version = stamped.Version
	rec.UpdatedAt = stamped.UpdatedAt
	return nil
}

func (s *MemoryStore) QueryRecords(_ context.Context, filter RecordFilter) ([]*RateLockRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*RateLockRecord
	for _, rec := range s.records {
		if len(filter.Statuses) > 0 && !containsStatus(filter.Statuses, rec) {
			continue
		}
		if filter.LoanApplicationID != "" && rec.LoanApplicationID != filter.LoanApplicationID {
			continue
		}
		if filter.ExpiringBefore != nil {
			if rec.LockDetails == nil || rec.LockDetails.LockExpirationDate == nil ||
				!rec.LockDetails.LockExpirationDate.Before(*filter.ExpiringBefore) {
				continue
			}
		}
		out = append(out, rec.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *MemoryStore) FindActiveByApplication(_ context.Context, loanApplicationID string) (*RateLockRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.active[loanApplicationID]
	if !ok {
		return nil, storeNotFound("active rate lock for application", loanApplicationID)
	}
	return s.records[id].Clone(), nil
}

func (s *MemoryStore) AppendAudit(_ context.Context, entry *AuditLogEntry) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, dup := s.auditBy[entry.MessageID]; dup {
		return false, nil
	}
	entry.Timestamp = timeOr(entry.Timestamp, s.now())
	entry.ID = int64(len(s.audit) + 1)
	cp := *entry
	s.audit = append(s.audit, &cp)
	s.auditBy[entry.MessageID] = struct{}{}
	return true, nil
}

func (s *MemoryStore) ListAudit(_ context.Context, filter AuditFilter) ([]*AuditLogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*AuditLogEntry
	for _, e := range s.audit {
		if filter.LoanLockID != "" && e.LoanLockID != filter.LoanLockID {
			continue
		}
		if filter.Action != "" && e.Action != filter.Action {
			continue
		}
		if filter.Since != nil && e.Timestamp.Before(*filter.Since) {
			continue
		}
		cp := *e
		out = append(out, &cp)
		if filter.Limit > 0 && len(out) == filter.Limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) CreateCase(_ context.Context, c *ExceptionCase) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, dup := s.casesBy[c.SourceMessageID]; dup {
		return duplicateCase(c.SourceMessageID)
	}
	now := s.now()
	c.Version = 1
	c.CreatedAt = timeOr(c.CreatedAt, now)
	c.UpdatedAt = now
	s.cases[c.ID] = cloneCase(c)
	s.casesBy[c.SourceMessageID] = c.ID
	return nil
}

func (s *MemoryStore) GetCase(_ context.Context, id string) (*ExceptionCase, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.cases[id]
	if !ok {
		return nil, storeNotFound("exception case", id)
	}
	return cloneCase(c), nil
}

func (s *MemoryStore) FindCaseBySource(_ context.Context, sourceMessageID string) (*ExceptionCase, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.casesBy[sourceMessageID]
	if !ok {
		return nil, storeNotFound("exception case for message", sourceMessageID)
	}
	return cloneCase(s.cases[id]), nil
}

func (s *MemoryStore) UpdateCase(_ context.Context, c *ExceptionCase, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.cases[c.ID]
	if !ok {
		return storeNotFound("exception case", c.ID)
	}
	if current.Version != expectedVersion {
		return versionConflict("exception case", c.ID, expectedVersion)
	}
	stamped := cloneCase(c)
	stamped.Version = expectedVersion + 1
	stamped.UpdatedAt = s.now()
	s.cases[c.ID] = stamped

	c.Version = stamped.Version
	c.UpdatedAt = stamped.UpdatedAt
	return nil
}

func (s *MemoryStore) ListCases(_ context.Context, filter CaseFilter) ([]*ExceptionCase, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*ExceptionCase
	for _, c := range s.cases {
		if len(filter.Statuses) > 0 {
			match := false
			for _, st := range filter.Statuses {
				if c.Status == st {
					match = true
					break
				}
			}
			if !match {
				continue
			}
		}
		if filter.LoanLockID != "" && c.LoanLockID != filter.LoanLockID {
			continue
		}
		if filter.Destination != "" && c.Destination != filter.Destination {
			continue
		}
		out = append(out, cloneCase(c))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func containsStatus(statuses []schema.LockStatus, rec *RateLockRecord) bool {
	for _, st := range statuses {
		if rec.Status == st {
			return true
		}
	}
	return false
}

func cloneCase(c *ExceptionCase) *ExceptionCase {
	data, err := json.Marshal(c)
	if err != nil {
		panic("store: clone exception case: " + err.Error())
	}
	out := &ExceptionCase{}
	if err := json.Unmarshal(data, out); err != nil {
		panic("store: clone exception case: " + err.Error())
	}
	return out
}

var _ Store = (*MemoryStore)(nil)
