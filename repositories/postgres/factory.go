package postgres

import (
	"context"

	"github.com/upb/phi-audit-core/config"
	"github.com/upb/phi-audit-core/repositories"
	"go.uber.org/zap"
)

// RepositoryFactory creates and manages all repositories
type RepositoryFactory struct {
	db      *DB
	auditDB *DB // Optional: separate DB for audit records
	logger  *zap.Logger
}

// NewRepositoryFactory creates a new repository factory
func NewRepositoryFactory(cfg *config.Config, logger *zap.Logger) (*RepositoryFactory, error) {
	db, err := NewDB(cfg.Database, logger)
	if err != nil {
		return nil, err
	}

	f := &RepositoryFactory{db: db, logger: logger}

	if cfg.AuditDatabase != nil {
		auditDB, err := NewDB(*cfg.AuditDatabase, logger)
		if err != nil {
			db.Close()
			return nil, err
		}
		f.auditDB = auditDB
	}

	return f, nil
}

// NewRepositoryFactoryFromDB builds a factory over an existing pool
func NewRepositoryFactoryFromDB(db *DB, logger *zap.Logger) *RepositoryFactory {
	return &RepositoryFactory{db: db, logger: logger}
}

// Migrate applies schema migrations to every configured database
func (f *RepositoryFactory) Migrate(ctx context.Context) error {
	if err := f.db.Migrate(ctx); err != nil {
		return err
	}
	if f.auditDB != nil {
		return f.auditDB.Migrate(ctx)
	}
	return nil
}

func (f *RepositoryFactory) audit() *DB {
	if f.auditDB != nil {
		return f.auditDB
	}
	return f.db
}

// NewRepositories creates all repository instances. Audit records and
// their key metadata live together so rotation can update both in one
// transaction.
func (f *RepositoryFactory) NewRepositories() *repositories.Repositories {
	return &repositories.Repositories{
		AuditRecords:   NewAuditRepository(f.audit(), f.logger),
		EncryptionKeys: NewEncryptionKeyRepository(f.audit(), f.logger),
		UsageCounters:  NewUsageRepository(f.db, f.logger),
	}
}

// GetTransactionManager returns a transaction manager over the audit database
func (f *RepositoryFactory) GetTransactionManager() repositories.TransactionManager {
	return NewTransactionManager(f.audit(), f.logger)
}

// GetDB returns the primary database connection
func (f *RepositoryFactory) GetDB() *DB {
	return f.db
}

// Close closes the database connection(s)
func (f *RepositoryFactory) Close() error {
	if f.auditDB != nil {
		_ = f.auditDB.Close()
	}
	return f.db.Close()
}
