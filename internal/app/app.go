// Package app wires the lifecycle manager and its collaborators from
// configuration. The API and the worker share it so both expire grants the
// same way.
package app

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/edvin/jitaccess/internal/audit"
	"github.com/edvin/jitaccess/internal/broker"
	"github.com/edvin/jitaccess/internal/cloudaccess"
	"github.com/edvin/jitaccess/internal/config"
	"github.com/edvin/jitaccess/internal/lifecycle"
	"github.com/edvin/jitaccess/internal/lock"
	"github.com/edvin/jitaccess/internal/policy"
	"github.com/edvin/jitaccess/internal/store"
)

type App struct {
	Store   *store.Postgres
	Audit   *audit.Writer
	Manager *lifecycle.Manager
	Redis   *redis.Client
}

// New seeds the policy configuration if none is stored yet and builds the
// manager. The credential broker and cloud provisioning are only wired when
// configured.
func New(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool, logger zerolog.Logger) (*App, error) {
	st := store.NewPostgres(pool)

	defaults, err := policy.LoadDefaults(cfg.PolicyDefaultsFile)
	if err != nil {
		return nil, err
	}
	if err := store.EnsurePolicyConfig(ctx, st, defaults); err != nil {
		return nil, err
	}

	a := &App{Store: st, Audit: audit.NewWriter(st, logger)}

	var locks lock.Locker = lock.NewLocal()
	if cfg.RedisURL != "" {
		redisLocks, client, err := lock.NewRedisFromURL(cfg.RedisURL, logger)
		if err != nil {
			return nil, err
		}
		locks = redisLocks
		a.Redis = client
		logger.Info().Msg("using redis request locks")
	}

	var credentials lifecycle.CredentialIssuer
	if cfg.VaultAddr != "" {
		b, err := broker.New(broker.Config{
			Address:        cfg.VaultAddr,
			Namespace:      cfg.VaultNamespace,
			RoleID:         cfg.VaultRoleID,
			SecretID:       cfg.VaultSecretID,
			Mount:          cfg.VaultDBMount,
			ConnectionName: cfg.VaultConnectionName,
			Timeout:        cfg.VaultTimeout,
		}, logger)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("create credential broker: %w", err)
		}
		credentials = b
	} else {
		logger.Warn().Msg("VAULT_ADDR not set, database grants will fail")
	}

	var cloud lifecycle.CloudProvisioner
	if cfg.CloudAccessEnabled() {
		awsCfg, err := cloudaccess.LoadAWSConfig(ctx, cfg.AWSRegion, cfg.AWSAccessKeyID, cfg.AWSSecretAccessKey)
		if err != nil {
			a.Close()
			return nil, err
		}
		cloud = cloudaccess.New(awsCfg, cfg.SSOInstanceARN, cfg.IdentityStoreID, logger)
	} else {
		logger.Warn().Msg("SSO_INSTANCE_ARN not set, cloud and instance grants will fail")
	}

	a.Manager = lifecycle.NewManager(st, policy.NewValidator(st, logger), locks, a.Audit, credentials, cloud, logger)
	return a, nil
}

// Ping reports whether the optional redis lock backend is reachable.
func (a *App) Ping(ctx context.Context) error {
	if a.Redis == nil {
		return nil
	}
	return a.Redis.Ping(ctx).Err()
}

func (a *App) Close() {
	if a.Redis != nil {
		a.Redis.Close()
	}
}
