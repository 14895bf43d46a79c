// Package mocks provides testify mocks of the repository interfaces.
package mocks

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/mock"

	"github.com/upb/phi-audit-core/models"
	"github.com/upb/phi-audit-core/repositories"
)

// MockAuditRepository is a mock implementation of repositories.AuditRepository.
// Inserted records are kept so async tests can inspect them.
type MockAuditRepository struct {
	mock.Mock
	mu       sync.Mutex
	inserted []*models.AuditRecord
}

func (m *MockAuditRepository) Insert(ctx context.Context, rec *models.AuditRecord) error {
	args := m.Called(ctx, rec)
	if err := args.Error(0); err != nil {
		return err
	}
	m.mu.Lock()
	m.inserted = append(m.inserted, rec)
	m.mu.Unlock()
	return nil
}

// Inserted returns a copy of the successfully inserted records
func (m *MockAuditRepository) Inserted() []*models.AuditRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*models.AuditRecord(nil), m.inserted...)
}

func (m *MockAuditRepository) GetByEventID(ctx context.Context, eventID uuid.UUID) (*models.AuditRecord, error) {
	args := m.Called(ctx, eventID)
	if rec := args.Get(0); rec != nil {
		return rec.(*models.AuditRecord), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockAuditRepository) Query(ctx context.Context, filter models.AuditFilter) ([]*models.AuditRecord, error) {
	args := m.Called(ctx, filter)
	if recs := args.Get(0); recs != nil {
		return recs.([]*models.AuditRecord), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockAuditRepository) Count(ctx context.Context, filter models.AuditFilter) (int, error) {
	args := m.Called(ctx, filter)
	return args.Int(0), args.Error(1)
}

func (m *MockAuditRepository) Summary(ctx context.Context, filter models.AuditFilter) (*models.AuditSummary, error) {
	args := m.Called(ctx, filter)
	if s := args.Get(0); s != nil {
		return s.(*models.AuditSummary), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockAuditRepository) Statistics(ctx context.Context, window models.DateRange) (*models.AuditStatistics, error) {
	args := m.Called(ctx, window)
	if s := args.Get(0); s != nil {
		return s.(*models.AuditStatistics), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockAuditRepository) ActivityByAction(ctx context.Context, window models.DateRange) ([]*models.ActionActivity, error) {
	args := m.Called(ctx, window)
	if a := args.Get(0); a != nil {
		return a.([]*models.ActionActivity), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockAuditRepository) TopActors(ctx context.Context, opts models.TopActorsOptions) ([]*models.ActorActivity, error) {
	args := m.Called(ctx, opts)
	if a := args.Get(0); a != nil {
		return a.([]*models.ActorActivity), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockAuditRepository) ListSamplesForRotation(ctx context.Context, keyVersion int, afterID int64, limit int) ([]*models.AuditRecord, error) {
	args := m.Called(ctx, keyVersion, afterID, limit)
	if recs := args.Get(0); recs != nil {
		return recs.([]*models.AuditRecord), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockAuditRepository) ReplaceSample(ctx context.Context, id int64, expectedVersion int, sample string, newVersion int) (bool, error) {
	args := m.Called(ctx, id, expectedVersion, sample, newVersion)
	return args.Bool(0), args.Error(1)
}

func (m *MockAuditRepository) CountSamplesByVersion(ctx context.Context, keyVersion int) (int, error) {
	args := m.Called(ctx, keyVersion)
	return args.Int(0), args.Error(1)
}

// MockEncryptionKeyRepository is a mock implementation of repositories.EncryptionKeyRepository
type MockEncryptionKeyRepository struct {
	mock.Mock
}

func (m *MockEncryptionKeyRepository) Create(ctx context.Context, key *models.EncryptionKey) error {
	args := m.Called(ctx, key)
	return args.Error(0)
}

func (m *MockEncryptionKeyRepository) Get(ctx context.Context, namespace models.KeyNamespace, version int) (*models.EncryptionKey, error) {
	args := m.Called(ctx, namespace, version)
	if k := args.Get(0); k != nil {
		return k.(*models.EncryptionKey), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockEncryptionKeyRepository) GetActive(ctx context.Context, namespace models.KeyNamespace) (*models.EncryptionKey, error) {
	args := m.Called(ctx, namespace)
	if k := args.Get(0); k != nil {
		return k.(*models.EncryptionKey), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockEncryptionKeyRepository) ListByStatus(ctx context.Context, namespace models.KeyNamespace, status models.KeyStatus) ([]*models.EncryptionKey, error) {
	args := m.Called(ctx, namespace, status)
	if k := args.Get(0); k != nil {
		return k.([]*models.EncryptionKey), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockEncryptionKeyRepository) UpdateStatus(ctx context.Context, key *models.EncryptionKey) error {
	args := m.Called(ctx, key)
	return args.Error(0)
}

// MockUsageRepository is a mock implementation of repositories.UsageRepository
type MockUsageRepository struct {
	mock.Mock
}

func (m *MockUsageRepository) Increment(ctx context.Context, key string, windowStart time.Time, delta int64) (int64, error) {
	args := m.Called(ctx, key, windowStart, delta)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockUsageRepository) Get(ctx context.Context, key string, windowStart time.Time) (*models.UsageCounter, error) {
	args := m.Called(ctx, key, windowStart)
	if c := args.Get(0); c != nil {
		return c.(*models.UsageCounter), args.Error(1)
	}
	return nil, args.Error(1)
}

// FakeTransactionManager runs functions inline without a database
type FakeTransactionManager struct {
	mu         sync.Mutex
	Committed  int
	RolledBack int
}

type fakeTx struct {
	ctx context.Context
}

func (t *fakeTx) Commit() error            { return nil }
func (t *fakeTx) Rollback() error          { return nil }
func (t *fakeTx) Context() context.Context { return t.ctx }

func (f *FakeTransactionManager) Begin(ctx context.Context) (repositories.Transaction, error) {
	return &fakeTx{ctx: ctx}, nil
}

func (f *FakeTransactionManager) InTransaction(ctx context.Context, fn func(ctx context.Context, tx repositories.Transaction) error) error {
	err := fn(ctx, &fakeTx{ctx: ctx})
	f.mu.Lock()
	defer f.mu.Unlock()
	if err != nil {
		f.RolledBack++
		return err
	}
	f.Committed++
	return nil
}
