// Package broker issues and revokes per-request database credentials
// through an OpenBao (Vault-compatible) database secrets engine.
package broker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/openbao/openbao/api/v2"
	"github.com/rs/zerolog"
	"github.com/sethvargo/go-retry"

	"github.com/edvin/jitaccess/internal/metrics"
	"github.com/edvin/jitaccess/internal/model"
	"github.com/edvin/jitaccess/internal/platform"
)

const (
	MinTTL = time.Hour
	MaxTTL = 24 * time.Hour
)

var (
	// ErrPrivilegedToken is returned when the service token carries root
	// privileges or never expires.
	ErrPrivilegedToken = errors.New("refusing to use a privileged secrets authority token")

	databaseName = regexp.MustCompile(`^[A-Za-z0-9_$-]{1,64}$`)
)

// Config holds the secrets authority connection settings.
type Config struct {
	Address        string
	Namespace      string
	RoleID         string
	SecretID       string
	Mount          string
	ConnectionName string
	Timeout        time.Duration
}

// IssueRequest describes one credential to mint.
type IssueRequest struct {
	RequestID  string
	Requester  string
	Engine     string
	Databases  []string
	Operations []string
	TTL        time.Duration
	IAMAuth    bool
}

// Credential is an issued lease plus the secret material. Secret is empty
// in IAM mode and is never persisted.
type Credential struct {
	Lease  model.CredentialLease
	Secret string
}

// Broker talks to the secrets authority with a short-lived AppRole token.
type Broker struct {
	client *api.Client
	cfg    Config
	logger zerolog.Logger
	now    func() time.Time

	// Lease lookups retry every lookupWait for at most lookupLimit.
	lookupWait  time.Duration
	lookupLimit time.Duration

	mu       sync.Mutex
	tokenExp time.Time
}

func New(cfg Config, logger zerolog.Logger) (*Broker, error) {
	if cfg.Mount == "" {
		cfg.Mount = "database"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}

	bc := api.DefaultConfig()
	bc.Address = cfg.Address
	bc.Timeout = cfg.Timeout
	// Issue and revoke must not be replayed by the client.
	bc.MaxRetries = 0

	client, err := api.NewClient(bc)
	if err != nil {
		return nil, fmt.Errorf("create secrets authority client: %w", err)
	}
	client.ClearToken()
	if cfg.Namespace != "" {
		client.SetNamespace(cfg.Namespace)
	}

	return &Broker{
		client: client,
		cfg:    cfg,
		logger:      logger.With().Str("component", "credential-broker").Logger(),
		now:         time.Now,
		lookupWait:  500 * time.Millisecond,
		lookupLimit: 10 * time.Second,
	}, nil
}

// Login exchanges the AppRole credentials for a service token and rejects
// tokens with root policy or without a TTL.
func (b *Broker) Login(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.loginLocked(ctx)
}

func (b *Broker) loginLocked(ctx context.Context) error {
	if b.cfg.RoleID == "" || b.cfg.SecretID == "" {
		return errors.New("approle credentials are not configured")
	}

	b.client.ClearToken()
	secret, err := b.client.Logical().WriteWithContext(ctx, "auth/approle/login", map[string]any{
		"role_id":   b.cfg.RoleID,
		"secret_id": b.cfg.SecretID,
	})
	if err != nil {
		return fmt.Errorf("approle login: %w", err)
	}
	if secret == nil || secret.Auth == nil || secret.Auth.ClientToken == "" {
		return errors.New("approle login returned no client token")
	}
	b.client.SetToken(secret.Auth.ClientToken)

	lookup, err := b.client.Auth().Token().LookupSelfWithContext(ctx)
	if err != nil {
		b.client.ClearToken()
		return fmt.Errorf("lookup service token: %w", err)
	}
	policies, err := lookup.TokenPolicies()
	if err != nil {
		b.client.ClearToken()
		return fmt.Errorf("read service token policies: %w", err)
	}
	ttl, err := lookup.TokenTTL()
	if err != nil {
		b.client.ClearToken()
		return fmt.Errorf("read service token ttl: %w", err)
	}
	if slices.ContainsFunc(policies, func(p string) bool { return strings.EqualFold(strings.TrimSpace(p), "root") }) || ttl <= 0 {
		b.client.ClearToken()
		b.logger.Warn().Str("alert", "security").Strs("policies", policies).Msg("secrets authority token rejected")
		return ErrPrivilegedToken
	}

	b.tokenExp = b.now().Add(ttl - min(30*time.Second, ttl/2))
	b.logger.Info().Dur("ttl", ttl).Msg("authenticated to secrets authority")
	return nil
}

func (b *Broker) ensureToken(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.client.Token() != "" && b.now().Before(b.tokenExp) {
		return nil
	}
	return b.loginLocked(ctx)
}

func (b *Broker) rolePath(role string) string {
	return fmt.Sprintf("%s/roles/%s", b.cfg.Mount, role)
}

// ClampTTL bounds ttl to the range the authority accepts.
func ClampTTL(ttl time.Duration) time.Duration {
	return min(max(ttl, MinTTL), MaxTTL)
}

// IssueDatabaseCredential writes a per-request role and mints one set of
// credentials from it. Any communication error fails closed.
func (b *Broker) IssueDatabaseCredential(ctx context.Context, req IssueRequest) (cred *Credential, err error) {
	defer func() { metrics.BrokerOperations.WithLabelValues("issue", metrics.Outcome(err)).Inc() }()

	if req.RequestID == "" {
		return nil, errors.New("request id is required")
	}
	if len(req.Databases) == 0 {
		return nil, errors.New("at least one database is required")
	}
	for _, db := range req.Databases {
		if !databaseName.MatchString(db) {
			return nil, fmt.Errorf("invalid database name %q", db)
		}
	}
	if err := b.ensureToken(ctx); err != nil {
		return nil, err
	}

	ttl := ClampTTL(req.TTL)
	hours := int(ttl / time.Hour)
	role := RoleName(req.Requester, req.RequestID)
	creation, revocation, withGrant := roleStatements(req.Engine, req.Databases, req.Operations, req.IAMAuth)
	if withGrant {
		b.logger.Warn().
			Str("request_id", req.RequestID).
			Str("role", role).
			Msg("high-risk grant: credential includes WITH GRANT OPTION")
	}

	ctx, cancel := context.WithTimeout(ctx, b.cfg.Timeout)
	defer cancel()

	_, err = b.client.Logical().WriteWithContext(ctx, b.rolePath(role), map[string]any{
		"db_name":               b.cfg.ConnectionName,
		"creation_statements":   creation,
		"revocation_statements": revocation,
		"username_template":     UsernameTemplate(req.Requester, req.RequestID, req.Engine),
		"default_ttl":           fmt.Sprintf("%dh", hours),
		"max_ttl":               fmt.Sprintf("%dh", hours),
	})
	if err != nil {
		return nil, fmt.Errorf("write role %s: %w", role, err)
	}

	secret, err := b.client.Logical().ReadWithContext(ctx, fmt.Sprintf("%s/creds/%s", b.cfg.Mount, role))
	if err != nil {
		b.deleteRole(ctx, role)
		return nil, fmt.Errorf("read credentials for %s: %w", role, err)
	}
	username, password := "", ""
	if secret != nil {
		username, _ = secret.Data["username"].(string)
		password, _ = secret.Data["password"].(string)
	}
	if secret == nil || username == "" || secret.LeaseID == "" {
		b.deleteRole(ctx, role)
		return nil, fmt.Errorf("read credentials for %s: authority returned no dynamic credentials", role)
	}
	if password == "" && !req.IAMAuth {
		b.revokeLease(ctx, secret.LeaseID)
		b.deleteRole(ctx, role)
		return nil, fmt.Errorf("read credentials for %s: authority returned no password", role)
	}

	now := b.now()
	expires := now.Add(ttl)
	if d := time.Duration(secret.LeaseDuration) * time.Second; d > 0 && now.Add(d).Before(expires) {
		expires = now.Add(d)
	}

	mode := model.AuthModePassword
	if req.IAMAuth {
		mode = model.AuthModeToken
		password = ""
	}

	b.logger.Info().
		Str("request_id", req.RequestID).
		Str("role", role).
		Str("principal", username).
		Time("expires_at", expires).
		Msg("database credential issued")

	return &Credential{
		Lease: model.CredentialLease{
			ID:        platform.NewName("lease_"),
			RequestID: req.RequestID,
			Mount:     b.cfg.Mount,
			RoleName:  role,
			Principal: username,
			LeaseID:   secret.LeaseID,
			Engine:    req.Engine,
			AuthMode:  mode,
			ExpiresAt: expires,
			CreatedAt: now,
		},
		Secret: password,
	}, nil
}

// Revoke revokes the lease, which drops the database user, and then removes
// the per-request role. Already-removed leases and roles count as revoked.
func (b *Broker) Revoke(ctx context.Context, lease *model.CredentialLease) (err error) {
	defer func() { metrics.BrokerOperations.WithLabelValues("revoke", metrics.Outcome(err)).Inc() }()

	if err := b.ensureToken(ctx); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, b.cfg.Timeout)
	defer cancel()

	if lease.LeaseID != "" {
		if err := b.client.Sys().RevokeWithContext(ctx, lease.LeaseID); err != nil && !isGone(err) {
			return fmt.Errorf("revoke lease for %s: %w", lease.RequestID, err)
		}
	}
	if lease.RoleName != "" {
		if _, err := b.client.Logical().DeleteWithContext(ctx, b.rolePathFor(lease)); err != nil && !isGone(err) {
			return fmt.Errorf("delete role %s: %w", lease.RoleName, err)
		}
	}

	b.logger.Info().Str("request_id", lease.RequestID).Str("role", lease.RoleName).Msg("database credential revoked")
	return nil
}

func (b *Broker) rolePathFor(lease *model.CredentialLease) string {
	mount := lease.Mount
	if mount == "" {
		mount = b.cfg.Mount
	}
	return fmt.Sprintf("%s/roles/%s", mount, lease.RoleName)
}

// LeaseTTL reports the remaining lifetime of a lease. A lease the authority
// no longer knows has zero TTL. Being a read, the lookup is retried on
// transport and server errors with a constant backoff for a bounded time.
func (b *Broker) LeaseTTL(ctx context.Context, leaseID string) (ttl time.Duration, err error) {
	defer func() { metrics.BrokerOperations.WithLabelValues("lookup", metrics.Outcome(err)).Inc() }()

	if err := b.ensureToken(ctx); err != nil {
		return 0, err
	}

	backoff := retry.WithMaxDuration(b.lookupLimit, retry.NewConstant(b.lookupWait))
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		secret, err := b.client.Sys().LookupWithContext(ctx, leaseID)
		switch {
		case isGone(err):
			ttl = 0
			return nil
		case err != nil:
			var re *api.ResponseError
			if errors.As(err, &re) && re.StatusCode < http.StatusInternalServerError {
				return err
			}
			return retry.RetryableError(err)
		case secret == nil:
			ttl = 0
			return nil
		}
		ttl, err = secret.TokenTTL()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("lookup lease: %w", err)
	}
	return ttl, nil
}

func (b *Broker) deleteRole(ctx context.Context, role string) {
	if _, err := b.client.Logical().DeleteWithContext(ctx, b.rolePath(role)); err != nil {
		b.logger.Warn().Err(err).Str("role", role).Msg("failed to clean up role after issue failure")
	}
}

func (b *Broker) revokeLease(ctx context.Context, leaseID string) {
	if err := b.client.Sys().RevokeWithContext(ctx, leaseID); err != nil {
		b.logger.Warn().Err(err).Msg("failed to revoke lease after issue failure")
	}
}

func isGone(err error) bool {
	var re *api.ResponseError
	if errors.As(err, &re) {
		if re.StatusCode == http.StatusNotFound {
			return true
		}
		for _, msg := range re.Errors {
			if strings.Contains(strings.ToLower(msg), "invalid lease") {
				return true
			}
		}
	}
	return false
}
