package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/upb/phi-audit-core/app"
	"github.com/upb/phi-audit-core/config"
	"github.com/upb/phi-audit-core/internal/observability"
	"github.com/upb/phi-audit-core/middleware"
	"github.com/upb/phi-audit-core/models"
	"github.com/upb/phi-audit-core/services/audit"
	"github.com/upb/phi-audit-core/services/encryption"
	"github.com/upb/phi-audit-core/services/rotation"
)

// runtime is what the rotate and sweep commands operate on
type runtime struct {
	rotator *rotation.Rotator
	audit   *audit.Logger
	close   func(ctx context.Context) error
}

type opener func(ctx context.Context) (*runtime, error)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd(openRuntime).ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCmd(open opener) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "keyctl",
		Short: "Manage PHI sample encryption keys",
		Long: `keyctl generates and checks key material, re-encrypts stored PHI samples
after a key change and deprecates retired keys.

Rotation reads the same environment as the API server. Set
PHI_ENCRYPTION_KEY to the new key, PHI_ENCRYPTION_KEY_VERSION to its version
and PHI_PREVIOUS_ENCRYPTION_KEY to the key being retired.

Examples:
  keyctl generate                 # Print a new random key
  keyctl validate "$KEY"          # Check a key is base64 of 32 bytes
  keyctl rotate --from 1          # Re-encrypt samples written under version 1
  keyctl sweep                    # Deprecate rotated keys past their grace window`,
		SilenceUsage: true,
	}

	var count int
	generateCmd := &cobra.Command{
		Use:   "generate",
		Short: "Generate random AES-256 key material",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if count <= 0 {
				return errors.New("--count must be positive")
			}
			for i := 0; i < count; i++ {
				key, err := encryption.GenerateKey()
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), key)
			}
			return nil
		},
	}
	generateCmd.Flags().IntVarP(&count, "count", "n", 1, "number of keys to generate")

	validateCmd := &cobra.Command{
		Use:   "validate <key>",
		Short: "Check that key material is base64 of 32 bytes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !encryption.IsValidKey(args[0]) {
				return errors.New("key must be base64 encoding of 32 bytes")
			}
			fmt.Fprintln(cmd.OutOrStdout(), "valid")
			return nil
		},
	}

	var fromVersion int
	rotateCmd := &cobra.Command{
		Use:   "rotate",
		Short: "Re-encrypt PHI samples from a previous key version to the active key",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if fromVersion <= 0 {
				return errors.New("--from must be a positive key version")
			}
			return withRuntime(cmd, open, func(ctx context.Context, rt *runtime) error {
				return runRotate(ctx, cmd.OutOrStdout(), cmd.ErrOrStderr(), rt, fromVersion)
			})
		},
	}
	rotateCmd.Flags().IntVar(&fromVersion, "from", 0, "key version to migrate away from")

	sweepCmd := &cobra.Command{
		Use:   "sweep",
		Short: "Deprecate rotated keys whose grace window has expired",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withRuntime(cmd, open, func(ctx context.Context, rt *runtime) error {
				report, err := rt.rotator.Sweep(ctx)
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), report)
			})
		},
	}

	var (
		subject string
		email   string
		roles   []string
		ttl     time.Duration
	)
	tokenCmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a signed access token for the compliance API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.New(cmd.Context())
			if err != nil {
				return err
			}
			if cfg.Auth.JWTSecret == "" {
				return errors.New("JWT_SECRET is not set")
			}
			if subject == "" {
				return errors.New("--subject is required")
			}
			token, err := middleware.NewJWTValidator(cfg.Auth.JWTSecret, cfg.Auth.JWTIssuer).
				IssueToken(subject, email, roles, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	tokenCmd.Flags().StringVar(&subject, "subject", "", "token subject, usually the user id")
	tokenCmd.Flags().StringVar(&email, "email", "", "caller email")
	tokenCmd.Flags().StringSliceVar(&roles, "role", nil, "role to grant (repeatable)")
	tokenCmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "token lifetime")

	rootCmd.AddCommand(generateCmd, validateCmd, rotateCmd, sweepCmd, tokenCmd)
	return rootCmd
}

func withRuntime(cmd *cobra.Command, open opener, fn func(ctx context.Context, rt *runtime) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	rt, err := open(ctx)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if rt.close != nil {
			_ = rt.close(closeCtx)
		}
	}()

	return fn(ctx, rt)
}

func runRotate(ctx context.Context, out, errOut io.Writer, rt *runtime, fromVersion int) error {
	start := time.Now()
	report, rotateErr := rt.rotator.Rotate(ctx, fromVersion)

	if rt.audit != nil {
		elapsed := time.Since(start)
		opts := audit.Options{
			Action:       models.AuditActionKeyRotation,
			ResourceType: "encryption_key",
			ResourceID:   fmt.Sprintf("%s:%d", models.KeyNamespacePHISample, fromVersion),
			Success:      rotateErr == nil && report != nil && !report.Partial(),
			Duration:     &elapsed,
		}
		if report != nil {
			opts.Metadata = map[string]interface{}{
				"to_version": report.ToVersion,
				"migrated":   report.Migrated,
				"failed":     len(report.Failed),
				"remaining":  report.Remaining,
			}
		}
		if rotateErr != nil {
			opts.ErrorText = rotateErr.Error()
		}
		if _, err := rt.audit.RecordBlocking(ctx, opts); err != nil {
			fmt.Fprintf(errOut, "warning: failed to audit rotation: %v\n", err)
		}
	}

	if report != nil {
		if err := writeJSON(out, report); err != nil {
			return err
		}
	}
	if rotateErr != nil {
		return rotateErr
	}
	if report.Partial() {
		return fmt.Errorf("%d records failed to migrate; rerun rotate to retry them", len(report.Failed))
	}
	return nil
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// openRuntime wires the rotator against the configured database
func openRuntime(ctx context.Context) (*runtime, error) {
	cfg, err := config.New(ctx)
	if err != nil {
		return nil, err
	}

	logger, err := observability.NewZapLogger(cfg.Observability.LogLevel, cfg.Observability.LogFormat)
	if err != nil {
		return nil, err
	}

	deps, err := app.NewDependencies(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to initialize dependencies", zap.Error(err))
		return nil, err
	}
	if err := deps.AuditLog.Start(); err != nil {
		_ = deps.Close(ctx)
		return nil, err
	}

	return &runtime{
		rotator: deps.Rotator,
		audit:   deps.AuditLog,
		close:   deps.Close,
	}, nil
}
