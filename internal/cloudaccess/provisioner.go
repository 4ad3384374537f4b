package cloudaccess

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/identitystore"
	idtypes "github.com/aws/aws-sdk-go-v2/service/identitystore/types"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/aws/aws-sdk-go-v2/service/ssoadmin"
	ssotypes "github.com/aws/aws-sdk-go-v2/service/ssoadmin/types"
	"github.com/rs/zerolog"
	"github.com/sethvargo/go-retry"

	"github.com/edvin/jitaccess/internal/metrics"
	"github.com/edvin/jitaccess/internal/model"
)

// MaxSessionHours caps the SSO session duration of a permission set.
const MaxSessionHours = 12

var (
	nonAlnum      = regexp.MustCompile(`[^a-z0-9]+`)
	nonAlnumUpper = regexp.MustCompile(`[^A-Z0-9]+`)
)

// ErrPrincipalNotFound is returned when the requester has no identity store user.
var ErrPrincipalNotFound = errors.New("principal not found in identity store")

// Provisioner creates and removes cloud access for granted requests.
type Provisioner struct {
	sso             SSOAdminAPI
	identity        IdentityStoreAPI
	ssm             SSMAPI
	instanceARN     string
	identityStoreID string
	logger          zerolog.Logger

	// deleteBackoff paces permission set deletion while the assignment
	// removal is still in flight.
	deleteBackoff func() retry.Backoff
}

func New(cfg aws.Config, instanceARN, identityStoreID string, logger zerolog.Logger) *Provisioner {
	return NewWithClients(ssoadmin.NewFromConfig(cfg), identitystore.NewFromConfig(cfg), ssm.NewFromConfig(cfg),
		instanceARN, identityStoreID, logger)
}

func NewWithClients(sso SSOAdminAPI, identity IdentityStoreAPI, ssmClient SSMAPI, instanceARN, identityStoreID string, logger zerolog.Logger) *Provisioner {
	return &Provisioner{
		sso:             sso,
		identity:        identity,
		ssm:             ssmClient,
		instanceARN:     instanceARN,
		identityStoreID: identityStoreID,
		logger:          logger.With().Str("component", "cloud-access").Logger(),
		deleteBackoff: func() retry.Backoff {
			return retry.WithMaxDuration(30*time.Second, retry.NewExponential(time.Second))
		},
	}
}

// PermissionSetName builds a name unique to the request within the
// 32-character SSO limit.
func PermissionSetName(accountID, requester, requestID string) string {
	acct := accountID
	if len(acct) > 6 {
		acct = acct[len(acct)-6:]
	}
	user := nonAlnum.ReplaceAllString(strings.ToLower(localPart(requester)), "")
	if len(user) > 8 {
		user = user[:8]
	}
	rid := nonAlnum.ReplaceAllString(strings.ToLower(requestID), "")
	if len(rid) > 6 {
		rid = rid[:6]
	}
	name := fmt.Sprintf("JIT_%s_%s_%s", acct, user, rid)
	if len(name) > 32 {
		name = name[:32]
	}
	return name
}

// InstanceUsername is the local user created on an instance for requester.
func InstanceUsername(requester string) string {
	user := nonAlnum.ReplaceAllString(strings.ToLower(localPart(requester)), "_")
	user = strings.Trim(user, "_")
	if len(user) > 24 {
		user = user[:24]
	}
	if user == "" {
		user = "user"
	}
	return "jit_" + user
}

func localPart(identity string) string {
	local, _, _ := strings.Cut(strings.TrimSpace(identity), "@")
	return local
}

// SessionDuration returns the ISO-8601 session duration for hours, capped
// at MaxSessionHours.
func SessionDuration(hours int) string {
	return fmt.Sprintf("PT%dH", min(max(hours, 1), MaxSessionHours))
}

type policyDocument struct {
	Version   string            `json:"Version"`
	Statement []policyStatement `json:"Statement"`
}

type policyStatement struct {
	Sid       string                       `json:"Sid"`
	Effect    string                       `json:"Effect"`
	Action    []string                     `json:"Action"`
	Resource  []string                     `json:"Resource"`
	Condition map[string]map[string]string `json:"Condition,omitempty"`
}

// InlinePolicy renders one Allow statement per service.
func InlinePolicy(set *model.CloudPermissionSet) (string, error) {
	doc := policyDocument{Version: "2012-10-17"}
	for _, st := range set.Statements {
		resources := st.Resources
		if len(resources) == 0 {
			resources = []string{"*"}
		}
		doc.Statement = append(doc.Statement, policyStatement{
			Sid:       nonAlnumUpper.ReplaceAllString(strings.ToUpper(st.Service), ""),
			Effect:    "Allow",
			Action:    st.Actions,
			Resource:  resources,
			Condition: st.Conditions,
		})
	}
	b, err := json.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("marshal inline policy: %w", err)
	}
	return string(b), nil
}

// ResolvePrincipal looks up the identity store user ID for requester by
// user name, trying the full identity before its local part.
func (p *Provisioner) ResolvePrincipal(ctx context.Context, requester string) (string, error) {
	candidates := []string{requester}
	if local := localPart(requester); local != requester {
		candidates = append(candidates, local)
	}
	for _, name := range candidates {
		out, err := p.identity.ListUsers(ctx, &identitystore.ListUsersInput{
			IdentityStoreId: aws.String(p.identityStoreID),
			Filters: []idtypes.Filter{{
				AttributePath:  aws.String("UserName"),
				AttributeValue: aws.String(name),
			}},
		})
		if err != nil {
			return "", fmt.Errorf("list identity store users: %w", err)
		}
		if len(out.Users) > 0 {
			return aws.ToString(out.Users[0].UserId), nil
		}
	}
	return "", fmt.Errorf("%s: %w", requester, ErrPrincipalNotFound)
}

// Grant provisions access for a cloud account or instance request. On
// failure everything created so far is removed before returning.
func (p *Provisioner) Grant(ctx context.Context, req *model.AccessRequest) (a *model.CloudAssignment, err error) {
	defer func() { metrics.BrokerOperations.WithLabelValues("cloud_grant", metrics.Outcome(err)).Inc() }()

	if req.Permissions.Cloud == nil {
		return nil, errors.New("cloud grant requires a cloud permission set")
	}

	principal, err := p.ResolvePrincipal(ctx, req.Requester)
	if err != nil {
		return nil, err
	}

	policy, err := InlinePolicy(req.Permissions.Cloud)
	if err != nil {
		return nil, err
	}

	created, err := p.sso.CreatePermissionSet(ctx, &ssoadmin.CreatePermissionSetInput{
		InstanceArn:     aws.String(p.instanceARN),
		Name:            aws.String(PermissionSetName(req.Target.AccountID, req.Requester, req.ID)),
		Description:     aws.String(fmt.Sprintf("JIT access for %s (request %s)", req.Requester, req.ID)),
		SessionDuration: aws.String(SessionDuration(req.DurationHours)),
	})
	if err != nil {
		return nil, fmt.Errorf("create permission set: %w", err)
	}
	if created.PermissionSet == nil || created.PermissionSet.PermissionSetArn == nil {
		return nil, errors.New("create permission set: no arn returned")
	}

	a = &model.CloudAssignment{
		PermissionSetARN: aws.ToString(created.PermissionSet.PermissionSetArn),
		PrincipalID:      principal,
		AccountID:        req.Target.AccountID,
	}

	cleanup := func(cause error) (*model.CloudAssignment, error) {
		if rerr := p.Revoke(context.WithoutCancel(ctx), a); rerr != nil {
			p.logger.Error().Err(rerr).Str("request_id", req.ID).Msg("cleanup after failed grant did not complete")
			return nil, fmt.Errorf("%w (cleanup failed: %v)", cause, rerr)
		}
		return nil, cause
	}

	if _, err := p.sso.PutInlinePolicyToPermissionSet(ctx, &ssoadmin.PutInlinePolicyToPermissionSetInput{
		InstanceArn:      aws.String(p.instanceARN),
		PermissionSetArn: aws.String(a.PermissionSetARN),
		InlinePolicy:     aws.String(policy),
	}); err != nil {
		return cleanup(fmt.Errorf("put inline policy: %w", err))
	}

	out, err := p.sso.CreateAccountAssignment(ctx, &ssoadmin.CreateAccountAssignmentInput{
		InstanceArn:      aws.String(p.instanceARN),
		PermissionSetArn: aws.String(a.PermissionSetARN),
		PrincipalId:      aws.String(principal),
		PrincipalType:    ssotypes.PrincipalTypeUser,
		TargetId:         aws.String(req.Target.AccountID),
		TargetType:       ssotypes.TargetTypeAwsAccount,
	})
	if err != nil {
		return cleanup(fmt.Errorf("create account assignment: %w", err))
	}
	if st := out.AccountAssignmentCreationStatus; st != nil && st.Status == ssotypes.StatusValuesFailed {
		return cleanup(fmt.Errorf("create account assignment: %s", aws.ToString(st.FailureReason)))
	}

	if req.Target.Kind == model.TargetInstance {
		user := InstanceUsername(req.Requester)
		if err := p.createInstanceUser(ctx, req.Target.InstanceID, user, req.Target.Sudo); err != nil {
			return cleanup(err)
		}
		a.InstanceID = req.Target.InstanceID
		a.InstanceUser = user
	}

	p.logger.Info().
		Str("request_id", req.ID).
		Str("account_id", a.AccountID).
		Str("permission_set_arn", a.PermissionSetARN).
		Str("instance_user", a.InstanceUser).
		Msg("cloud access granted")
	return a, nil
}

// Revoke removes the instance user, the account assignment and the
// permission set. Resources that no longer exist count as removed.
func (p *Provisioner) Revoke(ctx context.Context, a *model.CloudAssignment) (err error) {
	defer func() { metrics.BrokerOperations.WithLabelValues("cloud_revoke", metrics.Outcome(err)).Inc() }()

	if a.InstanceUser != "" && a.InstanceID != "" {
		if err := p.removeInstanceUser(ctx, a.InstanceID, a.InstanceUser); err != nil && !isGone(err) {
			return err
		}
	}
	if a.PermissionSetARN == "" {
		return nil
	}

	if a.PrincipalID != "" {
		_, err := p.sso.DeleteAccountAssignment(ctx, &ssoadmin.DeleteAccountAssignmentInput{
			InstanceArn:      aws.String(p.instanceARN),
			PermissionSetArn: aws.String(a.PermissionSetARN),
			PrincipalId:      aws.String(a.PrincipalID),
			PrincipalType:    ssotypes.PrincipalTypeUser,
			TargetId:         aws.String(a.AccountID),
			TargetType:       ssotypes.TargetTypeAwsAccount,
		})
		if err != nil && !isGone(err) {
			return fmt.Errorf("delete account assignment: %w", err)
		}
	}

	// Deletion is idempotent, so it is safe to repeat while the assignment
	// removal above is still being processed.
	err = retry.Do(ctx, p.deleteBackoff(), func(ctx context.Context) error {
		_, err := p.sso.DeletePermissionSet(ctx, &ssoadmin.DeletePermissionSetInput{
			InstanceArn:      aws.String(p.instanceARN),
			PermissionSetArn: aws.String(a.PermissionSetARN),
		})
		switch {
		case err == nil, isGone(err):
			return nil
		case isConflict(err):
			return retry.RetryableError(err)
		default:
			return err
		}
	})
	if err != nil {
		return fmt.Errorf("delete permission set: %w", err)
	}

	p.logger.Info().Str("permission_set_arn", a.PermissionSetARN).Msg("cloud access revoked")
	return nil
}

func (p *Provisioner) createInstanceUser(ctx context.Context, instanceID, user string, sudo bool) error {
	commands := []string{
		fmt.Sprintf("id -u %[1]s >/dev/null 2>&1 || useradd -m -s /bin/bash %[1]s", user),
		fmt.Sprintf("mkdir -p /home/%s/.ssh", user),
		fmt.Sprintf("chown -R %[1]s:%[1]s /home/%[1]s/.ssh", user),
		fmt.Sprintf("chmod 700 /home/%s/.ssh", user),
	}
	if sudo {
		commands = append(commands,
			fmt.Sprintf(`echo "%[1]s ALL=(ALL) NOPASSWD:ALL" > /etc/sudoers.d/jit-%[1]s`, user),
			fmt.Sprintf("chmod 440 /etc/sudoers.d/jit-%s", user),
		)
	}
	return p.runShell(ctx, instanceID, "JIT access: create user "+user, commands)
}

func (p *Provisioner) removeInstanceUser(ctx context.Context, instanceID, user string) error {
	return p.runShell(ctx, instanceID, "JIT access: remove user "+user, []string{
		fmt.Sprintf("pkill -u %s || true", user),
		fmt.Sprintf("id -u %[1]s >/dev/null 2>&1 && userdel -r %[1]s || true", user),
		fmt.Sprintf("rm -f /etc/sudoers.d/jit-%s", user),
	})
}

func (p *Provisioner) runShell(ctx context.Context, instanceID, comment string, commands []string) error {
	out, err := p.ssm.SendCommand(ctx, &ssm.SendCommandInput{
		InstanceIds:  []string{instanceID},
		DocumentName: aws.String("AWS-RunShellScript"),
		Comment:      aws.String(comment),
		Parameters:   map[string][]string{"commands": commands},
	})
	if err != nil {
		return fmt.Errorf("send command to %s: %w", instanceID, err)
	}
	if out.Command != nil {
		p.logger.Debug().Str("instance_id", instanceID).Str("command_id", aws.ToString(out.Command.CommandId)).Msg(comment)
	}
	return nil
}
