package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/upb/phi-audit-core/config"
	"github.com/upb/phi-audit-core/internal/observability"
	"github.com/upb/phi-audit-core/internal/phi"
	"github.com/upb/phi-audit-core/middleware"
	"github.com/upb/phi-audit-core/models"
	"github.com/upb/phi-audit-core/repositories"
	"github.com/upb/phi-audit-core/repositories/postgres"
	"github.com/upb/phi-audit-core/services/audit"
	"github.com/upb/phi-audit-core/services/compliance"
	"github.com/upb/phi-audit-core/services/encryption"
	"github.com/upb/phi-audit-core/services/rotation"
	"github.com/upb/phi-audit-core/services/usage"
)

// Dependencies holds all application dependencies.
// This is the central wiring point for dependency injection.
type Dependencies struct {
	// Infrastructure
	Config  *config.Config
	DB      *postgres.DB
	Logger  *zap.Logger
	Metrics *observability.CounterMetrics

	// Repository Factory
	RepoFactory *postgres.RepositoryFactory

	// Repositories
	Repositories *repositories.Repositories
	TxManager    repositories.TransactionManager

	// Keys
	Keyring *encryption.Keyring

	// Services
	Detector   *phi.Detector
	AuditLog   *audit.Logger
	Compliance *compliance.Service
	Usage      *usage.Service
	Rotator    *rotation.Rotator
	Scheduler  *rotation.Scheduler

	// Auth
	JWT            *middleware.JWTValidator
	AuthMiddleware *middleware.AuthMiddleware
}

// NewDependencies creates and wires up all application dependencies and
// applies pending migrations.
func NewDependencies(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Dependencies, error) {
	deps := &Dependencies{
		Config:  cfg,
		Logger:  logger,
		Metrics: observability.NewCounterMetrics(),
	}

	// Initialize PostgreSQL
	if err := deps.initDatabase(ctx, cfg); err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	deps.initRepositories()

	keyring, err := NewKeyring(cfg.Encryption)
	if err != nil {
		_ = deps.RepoFactory.Close()
		return nil, fmt.Errorf("failed to initialize keyring: %w", err)
	}
	deps.Keyring = keyring

	if err := deps.initServices(cfg); err != nil {
		_ = deps.RepoFactory.Close()
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}

	deps.initAuth(cfg)

	logger.Info("all dependencies initialized successfully")
	return deps, nil
}

// initDatabase opens the connection pools and migrates the schema
func (d *Dependencies) initDatabase(ctx context.Context, cfg *config.Config) error {
	factory, err := postgres.NewRepositoryFactory(cfg, d.Logger)
	if err != nil {
		return fmt.Errorf("failed to create repository factory: %w", err)
	}

	d.RepoFactory = factory
	d.DB = factory.GetDB()

	// Test the connection
	if err := d.DB.PingContext(ctx); err != nil {
		_ = factory.Close()
		return fmt.Errorf("database ping failed: %w", err)
	}

	if err := factory.Migrate(ctx); err != nil {
		_ = factory.Close()
		return fmt.Errorf("failed to migrate schema: %w", err)
	}

	d.Logger.Info("database connection established",
		zap.String("connection", cfg.Database.LogString()))

	return nil
}

// initRepositories initializes all repository instances
func (d *Dependencies) initRepositories() {
	d.Repositories = d.RepoFactory.NewRepositories()
	d.TxManager = d.RepoFactory.GetTransactionManager()
	d.Logger.Info("repositories initialized")
}

// initServices builds the domain services on top of the repositories
func (d *Dependencies) initServices(cfg *config.Config) error {
	d.Detector = phi.NewDetector()

	d.AuditLog = audit.NewLogger(d.Repositories.AuditRecords, d.Keyring, d.Logger, audit.Config{
		BufferSize:   cfg.Audit.BufferSize,
		WorkerCount:  cfg.Audit.WorkerCount,
		WriteTimeout: cfg.Audit.WriteTimeout,
	}).WithMetrics(d.Metrics)

	d.Compliance = compliance.NewService(
		d.Repositories.AuditRecords,
		middleware.NewRoleAuthorizer(cfg.Auth.AdminRole),
		d.Logger,
	)

	d.Usage = usage.NewService(d.Repositories.UsageCounters, d.Logger, int64(cfg.Usage.PHIScanDailyLimit))

	d.Rotator = rotation.NewRotator(d.Repositories, d.TxManager, d.Keyring, d.Logger, rotation.Config{
		BatchSize:   cfg.KeyRotation.BatchSize,
		GracePeriod: cfg.KeyRotation.GracePeriod,
	})

	scheduler, err := rotation.NewScheduler(d.Rotator, cfg.KeyRotation.SweepSchedule, d.Logger)
	if err != nil {
		return err
	}
	d.Scheduler = scheduler

	d.Logger.Info("services initialized",
		zap.Int("audit_workers", cfg.Audit.WorkerCount),
		zap.Int("audit_buffer", cfg.Audit.BufferSize),
		zap.String("key_sweep_schedule", cfg.KeyRotation.SweepSchedule))
	return nil
}

func (d *Dependencies) initAuth(cfg *config.Config) {
	if cfg.Auth.JWTSecret == "" {
		d.Logger.Warn("JWT_SECRET not configured, compliance endpoints disabled")
		// reject-all validator so protected routes return 401
		d.AuthMiddleware = middleware.NewAuthMiddleware(&rejectAllValidator{}, d.Logger)
		return
	}
	d.JWT = middleware.NewJWTValidator(cfg.Auth.JWTSecret, cfg.Auth.JWTIssuer)
	d.AuthMiddleware = middleware.NewAuthMiddleware(d.JWT, d.Logger)
	d.Logger.Info("auth initialized", zap.String("issuer", cfg.Auth.JWTIssuer))
}

// rejectAllValidator rejects all tokens (used when no secret is configured)
type rejectAllValidator struct{}

func (*rejectAllValidator) ValidateToken(context.Context, string) (*middleware.Claims, error) {
	return nil, errors.New("authentication not configured")
}

// NewKeyring loads the configured key material. The current PHI key is
// active; the previous one, when set, stays readable for rotation.
func NewKeyring(cfg config.EncryptionConfig) (*encryption.Keyring, error) {
	keyring := encryption.NewKeyring()

	version := cfg.PHIKeyVersion
	if version <= 0 {
		version = 1
	}

	if cfg.PHIKey != "" {
		if _, err := keyring.Add(models.KeyNamespacePHISample, version, cfg.PHIKey); err != nil {
			return nil, fmt.Errorf("phi key: %w", err)
		}
		if err := keyring.Activate(models.KeyNamespacePHISample, version); err != nil {
			return nil, err
		}
	}

	if cfg.PHIPreviousKey != "" {
		if version == 1 {
			return nil, errors.New("PHI_PREVIOUS_ENCRYPTION_KEY requires PHI_ENCRYPTION_KEY_VERSION above 1")
		}
		if _, err := keyring.Add(models.KeyNamespacePHISample, version-1, cfg.PHIPreviousKey); err != nil {
			return nil, fmt.Errorf("previous phi key: %w", err)
		}
	}

	if cfg.TokenKey != "" {
		if _, err := keyring.Add(models.KeyNamespaceToken, 1, cfg.TokenKey); err != nil {
			return nil, fmt.Errorf("token key: %w", err)
		}
		if err := keyring.Activate(models.KeyNamespaceToken, 1); err != nil {
			return nil, err
		}
	}

	return keyring, nil
}

// Start starts the background workers
func (d *Dependencies) Start() error {
	if err := d.AuditLog.Start(); err != nil {
		return fmt.Errorf("failed to start audit logger: %w", err)
	}
	d.Scheduler.Start()
	return nil
}

// Close gracefully shuts down all dependencies. Queued audit records are
// drained before the database is closed.
func (d *Dependencies) Close(ctx context.Context) error {
	d.Logger.Info("shutting down dependencies")

	var errs []error

	if d.Scheduler != nil {
		select {
		case <-d.Scheduler.Stop().Done():
		case <-ctx.Done():
			errs = append(errs, errors.New("key sweep did not finish before shutdown"))
		}
	}

	if d.AuditLog != nil && d.AuditLog.GetStats().Started {
		timeout := 10 * time.Second
		if deadline, ok := ctx.Deadline(); ok {
			timeout = time.Until(deadline)
		}
		if err := d.AuditLog.Stop(timeout); err != nil {
			errs = append(errs, fmt.Errorf("failed to drain audit logger: %w", err))
		}
	}

	// Close database connection
	if d.RepoFactory != nil {
		if err := d.RepoFactory.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close database: %w", err))
		} else {
			d.Logger.Info("database connection closed")
		}
	}

	// Sync logger
	if d.Logger != nil {
		_ = d.Logger.Sync()
	}

	if len(errs) > 0 {
		return fmt.Errorf("errors during shutdown: %v", errs)
	}

	return nil
}
