package main

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/upb/phi-audit-core/middleware"
	"github.com/upb/phi-audit-core/models"
	"github.com/upb/phi-audit-core/repositories"
	"github.com/upb/phi-audit-core/repositories/mocks"
	"github.com/upb/phi-audit-core/services/audit"
	"github.com/upb/phi-audit-core/services/encryption"
	"github.com/upb/phi-audit-core/services/rotation"
)

// testRuntime builds a rotator over mocks with keys v1 (previous) and v2 (active)
type testRuntime struct {
	records  *mocks.MockAuditRepository
	keyMeta  *mocks.MockEncryptionKeyRepository
	auditLog *mocks.MockAuditRepository
	logger   *audit.Logger
	closed   bool
}

func newTestRuntime(t *testing.T) *testRuntime {
	t.Helper()
	return &testRuntime{
		records:  new(mocks.MockAuditRepository),
		keyMeta:  new(mocks.MockEncryptionKeyRepository),
		auditLog: new(mocks.MockAuditRepository),
	}
}

func (tr *testRuntime) open(t *testing.T) opener {
	return func(ctx context.Context) (*runtime, error) {
		ring := encryption.NewKeyring()
		for v := 1; v <= 2; v++ {
			key, err := encryption.GenerateKey()
			require.NoError(t, err)
			_, err = ring.Add(models.KeyNamespacePHISample, v, key)
			require.NoError(t, err)
		}
		require.NoError(t, ring.Activate(models.KeyNamespacePHISample, 2))

		repos := &repositories.Repositories{AuditRecords: tr.records, EncryptionKeys: tr.keyMeta}
		rotator := rotation.NewRotator(repos, &mocks.FakeTransactionManager{}, ring, zap.NewNop(),
			rotation.Config{BatchSize: 10, GracePeriod: time.Hour})

		tr.logger = audit.NewLogger(tr.auditLog, ring, zap.NewNop(), audit.DefaultConfig())
		require.NoError(t, tr.logger.Start())

		return &runtime{
			rotator: rotator,
			audit:   tr.logger,
			close: func(context.Context) error {
				tr.closed = true
				return tr.logger.Stop(time.Second)
			},
		}, nil
	}
}

func execute(t *testing.T, open opener, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd(open)
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func unusedOpener(t *testing.T) opener {
	return func(context.Context) (*runtime, error) {
		t.Fatal("runtime should not be opened")
		return nil, nil
	}
}

func TestGenerate(t *testing.T) {
	out, err := execute(t, unusedOpener(t), "generate", "--count", "2")
	require.NoError(t, err)

	keys := strings.Fields(out)
	require.Len(t, keys, 2)
	for _, k := range keys {
		assert.True(t, encryption.IsValidKey(k))
	}
	assert.NotEqual(t, keys[0], keys[1])
}

func TestValidate(t *testing.T) {
	key, err := encryption.GenerateKey()
	require.NoError(t, err)

	out, err := execute(t, unusedOpener(t), "validate", key)
	require.NoError(t, err)
	assert.Equal(t, "valid\n", out)

	_, err = execute(t, unusedOpener(t), "validate", "c2hvcnQ=")
	assert.Error(t, err)
}

func TestRotate(t *testing.T) {
	t.Run("prints report and audits the run", func(t *testing.T) {
		tr := newTestRuntime(t)

		tr.keyMeta.On("Get", mock.Anything, models.KeyNamespacePHISample, 1).
			Return(models.NewEncryptionKey(models.KeyNamespacePHISample, 1), nil)
		tr.keyMeta.On("UpdateStatus", mock.Anything, mock.Anything).Return(nil)
		tr.keyMeta.On("Get", mock.Anything, models.KeyNamespacePHISample, 2).
			Return(models.NewEncryptionKey(models.KeyNamespacePHISample, 2), nil)
		tr.records.On("ListSamplesForRotation", mock.Anything, 1, int64(0), 10).Return([]*models.AuditRecord{}, nil)
		tr.records.On("CountSamplesByVersion", mock.Anything, 1).Return(0, nil)
		tr.auditLog.On("Insert", mock.Anything, mock.Anything).Return(nil)

		out, err := execute(t, tr.open(t), "rotate", "--from", "1")
		require.NoError(t, err)

		var report rotation.Report
		require.NoError(t, json.Unmarshal([]byte(out), &report))
		assert.Equal(t, 1, report.FromVersion)
		assert.Equal(t, 2, report.ToVersion)
		assert.Equal(t, 0, report.Remaining)

		assert.True(t, tr.closed)
		inserted := tr.auditLog.Inserted()
		require.Len(t, inserted, 1)
		assert.Equal(t, models.AuditActionKeyRotation, inserted[0].Action)
		assert.True(t, inserted[0].Success)
	})

	t.Run("active version rejected", func(t *testing.T) {
		tr := newTestRuntime(t)
		tr.auditLog.On("Insert", mock.Anything, mock.Anything).Return(nil)

		_, err := execute(t, tr.open(t), "rotate", "--from", "2")
		assert.Error(t, err)

		inserted := tr.auditLog.Inserted()
		require.Len(t, inserted, 1)
		assert.False(t, inserted[0].Success)
	})

	t.Run("missing from flag", func(t *testing.T) {
		_, err := execute(t, unusedOpener(t), "rotate")
		assert.Error(t, err)
	})

	t.Run("open failure", func(t *testing.T) {
		_, err := execute(t, func(context.Context) (*runtime, error) {
			return nil, assert.AnError
		}, "rotate", "--from", "1")
		assert.ErrorIs(t, err, assert.AnError)
	})
}

func TestSweep(t *testing.T) {
	tr := newTestRuntime(t)
	tr.keyMeta.On("ListByStatus", mock.Anything, models.KeyNamespacePHISample, models.KeyStatusRotated).
		Return([]*models.EncryptionKey{}, nil)

	out, err := execute(t, tr.open(t), "sweep")
	require.NoError(t, err)

	var report rotation.SweepReport
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	assert.Empty(t, report.Deprecated)
	assert.Empty(t, report.Retained)
	assert.True(t, tr.closed)
}

func TestToken(t *testing.T) {
	t.Setenv("ENVIRONMENT", "test")
	t.Setenv("JWT_SECRET", "keyctl-test-secret")
	t.Setenv("JWT_ISSUER", "phi-audit-core")

	out, err := execute(t, unusedOpener(t), "token",
		"--subject", "7f9c24e8-3b12-4fef-91e8-1b2c3d4e5f60",
		"--email", "officer@example.com",
		"--role", "compliance_admin",
		"--ttl", "10m")
	require.NoError(t, err)

	claims, err := middleware.NewJWTValidator("keyctl-test-secret", "phi-audit-core").
		ValidateToken(context.Background(), strings.TrimSpace(out))
	require.NoError(t, err)
	assert.Equal(t, "officer@example.com", claims.Email)
	assert.True(t, claims.HasRole("compliance_admin"))

	t.Run("subject required", func(t *testing.T) {
		_, err := execute(t, unusedOpener(t), "token")
		assert.Error(t, err)
	})
}
