package core

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

func systemClock() time.Time {
	return time.Now().UTC()
}

// MemoryCredentialStore keeps credentials in process. It backs tests and
// single-instance deployments.
type MemoryCredentialStore struct {
	mu      sync.RWMutex
	now     Clock
	records map[CredentialKey]Credential
}

func NewMemoryCredentialStore() *MemoryCredentialStore {
	return &MemoryCredentialStore{now: systemClock, records: map[CredentialKey]Credential{}}
}

func (s *MemoryCredentialStore) WithClock(clock Clock) *MemoryCredentialStore {
	if clock != nil {
		s.now = clock
	}
	return s
}

func (s *MemoryCredentialStore) Get(_ context.Context, key CredentialKey) (Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	record, ok := s.records[key]
	if !ok {
		return Credential{}, ErrCredentialNotFound
	}
	return CloneCredential(record), nil
}

func (s *MemoryCredentialStore) Upsert(_ context.Context, cred Credential) (Credential, error) {
	if err := cred.Key().Validate(); err != nil {
		return Credential{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeLocked(cred), nil
}

func (s *MemoryCredentialStore) UpdateIfGeneration(_ context.Context, cred Credential, expected int64) (Credential, error) {
	if err := cred.Key().Validate(); err != nil {
		return Credential{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.records[cred.Key()]
	switch {
	case !ok && expected != 0:
		return Credential{}, ErrStaleGeneration
	case ok && current.Generation != expected:
		return Credential{}, ErrStaleGeneration
	}
	return s.writeLocked(cred), nil
}

// FindByTenant returns matching credentials ordered by business profile.
func (s *MemoryCredentialStore) FindByTenant(_ context.Context, provider ProviderID, tenantID string) ([]Credential, error) {
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return nil, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Credential, 0, 1)
	for key, record := range s.records {
		if key.Provider == provider && record.ExternalTenantID == tenantID {
			out = append(out, CloneCredential(record))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].BusinessProfileID < out[j].BusinessProfileID
	})
	return out, nil
}

func (s *MemoryCredentialStore) writeLocked(cred Credential) Credential {
	now := s.now()
	key := cred.Key()
	if current, ok := s.records[key]; ok {
		cred.CreatedAt = current.CreatedAt
	} else if cred.CreatedAt.IsZero() {
		cred.CreatedAt = now
	}
	cred.UpdatedAt = now
	stored := CloneCredential(cred)
	s.records[key] = stored
	return CloneCredential(stored)
}

// MemorySyncCursorStore holds cursors and the per-pair fencing lease.
type MemorySyncCursorStore struct {
	mu      sync.Mutex
	now     Clock
	cursors map[CursorKey]SyncCursor
	leases  map[CredentialKey]SyncLease
}

func NewMemorySyncCursorStore() *MemorySyncCursorStore {
	return &MemorySyncCursorStore{
		now:     systemClock,
		cursors: map[CursorKey]SyncCursor{},
		leases:  map[CredentialKey]SyncLease{},
	}
}

func (s *MemorySyncCursorStore) WithClock(clock Clock) *MemorySyncCursorStore {
	if clock != nil {
		s.now = clock
	}
	return s
}

func (s *MemorySyncCursorStore) Get(_ context.Context, key CursorKey) (SyncCursor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cursor, ok := s.cursors[key]; ok {
		return cursor, nil
	}
	return idleCursor(key), nil
}

func (s *MemorySyncCursorStore) List(_ context.Context, pair CredentialKey) ([]SyncCursor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]SyncCursor, 0, len(AllResourceTypes()))
	for _, resource := range AllResourceTypes() {
		key := CursorKey{BusinessProfileID: pair.BusinessProfileID, Provider: pair.Provider, ResourceType: resource}
		if cursor, ok := s.cursors[key]; ok {
			out = append(out, cursor)
		}
	}
	return out, nil
}

func (s *MemorySyncCursorStore) AcquireLease(_ context.Context, req LeaseRequest) (SyncLease, error) {
	pair := CredentialKey{BusinessProfileID: req.BusinessProfileID, Provider: req.Provider}
	if err := pair.Validate(); err != nil {
		return SyncLease{}, err
	}
	ttl := req.TTL
	if ttl <= 0 {
		ttl = defaultSyncLeaseTTL
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	current := s.leases[pair]
	if current.HeldAt(now) {
		return SyncLease{}, ErrLeaseHeld
	}
	lease := SyncLease{
		BusinessProfileID: pair.BusinessProfileID,
		Provider:          pair.Provider,
		Epoch:             current.Epoch + 1,
		Owner:             strings.TrimSpace(req.Owner),
		AcquiredAt:        now,
		ExpiresAt:         now.Add(ttl),
		Active:            true,
	}
	s.leases[pair] = lease
	for key, cursor := range s.cursors {
		if key.Pair() == pair {
			cursor.RunEpoch = lease.Epoch
			cursor.UpdatedAt = now
			s.cursors[key] = cursor
		}
	}
	return lease, nil
}

func (s *MemorySyncCursorStore) RenewLease(_ context.Context, pair CredentialKey, epoch int64, ttl time.Duration) (SyncLease, error) {
	if ttl <= 0 {
		ttl = defaultSyncLeaseTTL
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	lease, err := s.fenceLocked(pair, epoch)
	if err != nil {
		return SyncLease{}, err
	}
	lease.ExpiresAt = s.now().Add(ttl)
	s.leases[pair] = lease
	return lease, nil
}

func (s *MemorySyncCursorStore) ReleaseLease(_ context.Context, pair CredentialKey, epoch int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	lease, ok := s.leases[pair]
	if !ok || lease.Epoch != epoch {
		return ErrLeaseLost
	}
	lease.Active = false
	s.leases[pair] = lease
	return nil
}

func (s *MemorySyncCursorStore) MarkRunning(_ context.Context, key CursorKey, epoch int64) (SyncCursor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.fenceLocked(key.Pair(), epoch); err != nil {
		return SyncCursor{}, err
	}
	cursor := s.cursorLocked(key)
	cursor.LastRunStatus = SyncRunStatusRunning
	cursor.RunEpoch = epoch
	cursor.UpdatedAt = s.now()
	s.cursors[key] = cursor
	return cursor, nil
}

func (s *MemorySyncCursorStore) Advance(_ context.Context, key CursorKey, epoch int64, watermark string) (SyncCursor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.fenceLocked(key.Pair(), epoch); err != nil {
		return SyncCursor{}, err
	}
	cursor := s.cursorLocked(key)
	if WatermarkAdvances(cursor.Watermark, watermark) {
		cursor.Watermark = strings.TrimSpace(watermark)
	}
	cursor.RunEpoch = epoch
	cursor.UpdatedAt = s.now()
	s.cursors[key] = cursor
	return cursor, nil
}

func (s *MemorySyncCursorStore) Complete(_ context.Context, key CursorKey, epoch int64, status SyncRunStatus, lastError string) (SyncCursor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.fenceLocked(key.Pair(), epoch); err != nil {
		return SyncCursor{}, err
	}
	now := s.now()
	cursor := s.cursorLocked(key)
	cursor.LastRunStatus = status
	cursor.LastRunAt = timePointer(now)
	cursor.LastError = strings.TrimSpace(lastError)
	cursor.UpdatedAt = now
	s.cursors[key] = cursor
	return cursor, nil
}

func (s *MemorySyncCursorStore) fenceLocked(pair CredentialKey, epoch int64) (SyncLease, error) {
	lease, ok := s.leases[pair]
	if !ok || lease.Epoch != epoch || !lease.HeldAt(s.now()) {
		return SyncLease{}, ErrLeaseLost
	}
	return lease, nil
}

func (s *MemorySyncCursorStore) cursorLocked(key CursorKey) SyncCursor {
	if cursor, ok := s.cursors[key]; ok {
		return cursor
	}
	return idleCursor(key)
}

func idleCursor(key CursorKey) SyncCursor {
	return SyncCursor{
		BusinessProfileID: key.BusinessProfileID,
		Provider:          key.Provider,
		ResourceType:      key.ResourceType,
		LastRunStatus:     SyncRunStatusIdle,
	}
}

type recordKey struct {
	BusinessProfileID string
	Provider          ProviderID
	ExternalID        string
}

type MemoryRecordStore struct {
	mu           sync.RWMutex
	transactions map[recordKey]NormalizedTransaction
	invoices     map[recordKey]NormalizedInvoice
}

func NewMemoryRecordStore() *MemoryRecordStore {
	return &MemoryRecordStore{
		transactions: map[recordKey]NormalizedTransaction{},
		invoices:     map[recordKey]NormalizedInvoice{},
	}
}

func (s *MemoryRecordStore) UpsertTransactions(_ context.Context, records []NormalizedTransaction) (UpsertResult, error) {
	for _, record := range records {
		if strings.TrimSpace(record.ExternalID) == "" || strings.TrimSpace(record.BusinessProfileID) == "" {
			return UpsertResult{}, NewPersistenceError("transaction key is incomplete", nil)
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	result := UpsertResult{}
	for _, record := range records {
		key := recordKey{record.BusinessProfileID, record.Provider, record.ExternalID}
		if existing, ok := s.transactions[key]; ok {
			record.ID = existing.ID
			result.Updated++
		} else {
			if record.ID == "" {
				record.ID = uuid.NewString()
			}
			result.Inserted++
		}
		record.Raw = copyAnyMap(record.Raw)
		s.transactions[key] = record
	}
	return result, nil
}

func (s *MemoryRecordStore) UpsertInvoices(_ context.Context, records []NormalizedInvoice) (UpsertResult, error) {
	for _, record := range records {
		if strings.TrimSpace(record.ExternalID) == "" || strings.TrimSpace(record.BusinessProfileID) == "" {
			return UpsertResult{}, NewPersistenceError("invoice key is incomplete", nil)
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	result := UpsertResult{}
	for _, record := range records {
		key := recordKey{record.BusinessProfileID, record.Provider, record.ExternalID}
		if existing, ok := s.invoices[key]; ok {
			record.ID = existing.ID
			result.Updated++
		} else {
			if record.ID == "" {
				record.ID = uuid.NewString()
			}
			result.Inserted++
		}
		record.Raw = copyAnyMap(record.Raw)
		s.invoices[key] = record
	}
	return result, nil
}

func (s *MemoryRecordStore) ListTransactions(_ context.Context, filter RecordFilter) (TransactionPage, error) {
	filter = filter.Normalized()
	s.mu.RLock()
	matched := make([]NormalizedTransaction, 0)
	for _, record := range s.transactions {
		if !recordMatches(filter, record.BusinessProfileID, record.Provider, record.IngestedAt, record.SourceUpdatedAt) {
			continue
		}
		matched = append(matched, record)
	}
	s.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		left := recordSortTime(filter, matched[i].IngestedAt, matched[i].SourceUpdatedAt)
		right := recordSortTime(filter, matched[j].IngestedAt, matched[j].SourceUpdatedAt)
		if !left.Equal(right) {
			return left.Before(right)
		}
		return matched[i].ExternalID < matched[j].ExternalID
	})
	start, end := pageBounds(filter, len(matched))
	return TransactionPage{Items: matched[start:end], Page: NewPageInfo(filter, len(matched))}, nil
}

func (s *MemoryRecordStore) ListInvoices(_ context.Context, filter RecordFilter) (InvoicePage, error) {
	filter = filter.Normalized()
	s.mu.RLock()
	matched := make([]NormalizedInvoice, 0)
	for _, record := range s.invoices {
		if !recordMatches(filter, record.BusinessProfileID, record.Provider, record.IngestedAt, record.SourceUpdatedAt) {
			continue
		}
		matched = append(matched, record)
	}
	s.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		left := recordSortTime(filter, matched[i].IngestedAt, matched[i].SourceUpdatedAt)
		right := recordSortTime(filter, matched[j].IngestedAt, matched[j].SourceUpdatedAt)
		if !left.Equal(right) {
			return left.Before(right)
		}
		return matched[i].ExternalID < matched[j].ExternalID
	})
	start, end := pageBounds(filter, len(matched))
	return InvoicePage{Items: matched[start:end], Page: NewPageInfo(filter, len(matched))}, nil
}

func recordMatches(filter RecordFilter, bp string, provider ProviderID, ingestedAt time.Time, sourceUpdatedAt *time.Time) bool {
	if filter.BusinessProfileID != "" && filter.BusinessProfileID != bp {
		return false
	}
	if filter.Provider != "" && filter.Provider != provider {
		return false
	}
	if filter.Since == nil {
		return true
	}
	if filter.SinceField == SinceFieldSourceUpdatedAt {
		return sourceUpdatedAt != nil && !sourceUpdatedAt.Before(*filter.Since)
	}
	return !ingestedAt.Before(*filter.Since)
}

func recordSortTime(filter RecordFilter, ingestedAt time.Time, sourceUpdatedAt *time.Time) time.Time {
	if filter.SinceField == SinceFieldSourceUpdatedAt && sourceUpdatedAt != nil {
		return *sourceUpdatedAt
	}
	return ingestedAt
}

func pageBounds(filter RecordFilter, total int) (int, int) {
	start := filter.Offset
	if start > total {
		start = total
	}
	end := start + filter.Limit
	if end > total {
		end = total
	}
	return start, end
}

type MemorySyncRunStore struct {
	mu   sync.RWMutex
	runs map[string]SyncRun
}

func NewMemorySyncRunStore() *MemorySyncRunStore {
	return &MemorySyncRunStore{runs: map[string]SyncRun{}}
}

func (s *MemorySyncRunStore) Create(_ context.Context, run SyncRun) (SyncRun, error) {
	if strings.TrimSpace(run.ID) == "" {
		run.ID = uuid.NewString()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.runs[run.ID]; exists {
		return SyncRun{}, fmt.Errorf("core: sync run %s already exists", run.ID)
	}
	s.runs[run.ID] = CloneSyncRun(run)
	return CloneSyncRun(run), nil
}

func (s *MemorySyncRunStore) Update(_ context.Context, run SyncRun) (SyncRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.runs[run.ID]; !exists {
		return SyncRun{}, ErrSyncRunNotFound
	}
	s.runs[run.ID] = CloneSyncRun(run)
	return CloneSyncRun(run), nil
}

func (s *MemorySyncRunStore) Get(_ context.Context, id string) (SyncRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[strings.TrimSpace(id)]
	if !ok {
		return SyncRun{}, ErrSyncRunNotFound
	}
	return CloneSyncRun(run), nil
}

func (s *MemorySyncRunStore) ListRecent(_ context.Context, pair CredentialKey, limit int) ([]SyncRun, error) {
	if limit <= 0 {
		limit = 20
	}
	s.mu.RLock()
	out := make([]SyncRun, 0)
	for _, run := range s.runs {
		if run.BusinessProfileID == pair.BusinessProfileID && run.Provider == pair.Provider {
			out = append(out, CloneSyncRun(run))
		}
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

var (
	_ CredentialStore        = (*MemoryCredentialStore)(nil)
	_ TenantCredentialLookup = (*MemoryCredentialStore)(nil)
	_ SyncCursorStore        = (*MemorySyncCursorStore)(nil)
	_ RecordStore            = (*MemoryRecordStore)(nil)
	_ SyncRunStore           = (*MemorySyncRunStore)(nil)
)
