package provision

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/skydesk/odoo-provisioner/internal/audit"
	"github.com/skydesk/odoo-provisioner/internal/input"
	"github.com/skydesk/odoo-provisioner/internal/transport"
	"github.com/skydesk/odoo-provisioner/pkg/password"
)

// Notifier delivers the credential notification for a provisioned account.
type Notifier interface {
	Notify(ctx context.Context, displayName, recipient, login, secret, role string) error
}

// Result is the terminal outcome of provisioning one record.
type Result struct {
	AccountID    int64
	Created      bool // false when an existing account was resolved instead
	RoleAssigned bool
}

// Provisioner turns one input record into a platform account: generate a
// secret, create or resolve the account, assign the role group when one is
// labeled, and dispatch the welcome notification. Each sub-step writes its
// own audit entry, success or failure.
type Provisioner struct {
	backend        transport.Backend
	resolver       *Resolver
	notifier       Notifier
	trail          *audit.Log
	log            zerolog.Logger
	passwordLength int
}

func NewProvisioner(
	backend transport.Backend,
	resolver *Resolver,
	notifier Notifier,
	trail *audit.Log,
	log zerolog.Logger,
	passwordLength int,
) *Provisioner {
	return &Provisioner{
		backend:        backend,
		resolver:       resolver,
		notifier:       notifier,
		trail:          trail,
		log:            log,
		passwordLength: passwordLength,
	}
}

// Provision processes one record. A returned error marks the record failed;
// the caller continues with the next record either way. A missing role
// group and a failed notification are warnings, not failures.
func (p *Provisioner) Provision(ctx context.Context, sess *transport.Session, rec input.Record) (*Result, error) {
	summary := recordSummary(rec)

	if err := rec.Validate(); err != nil {
		p.trail.Record("create_account", summary, audit.Failure, err.Error())
		return nil, err
	}

	secret, err := password.Generate(p.passwordLength)
	if err != nil {
		p.trail.Record("create_account", summary, audit.Failure, err.Error())
		return nil, fmt.Errorf("failed to generate password: %w", err)
	}

	result := &Result{}
	result.AccountID, result.Created, err = p.createOrResolve(ctx, sess, rec, secret, summary)
	if err != nil {
		return nil, err
	}

	if rec.RoleLabel != "" {
		assigned, err := p.assignRole(ctx, sess, result.AccountID, rec.RoleLabel)
		if err != nil {
			return nil, err
		}
		result.RoleAssigned = assigned
	}

	p.sendNotification(ctx, rec, secret)

	p.log.Info().
		Int64("account_id", result.AccountID).
		Str("login", rec.Email).
		Bool("created", result.Created).
		Msg("Record provisioned")
	return result, nil
}

// createOrResolve creates the account, or resolves the existing one when
// the platform rejects the login as a duplicate. The rejection itself is
// still audited as a failure before recovery proceeds.
func (p *Provisioner) createOrResolve(ctx context.Context, sess *transport.Session, rec input.Record, secret string, summary map[string]any) (int64, bool, error) {
	fields := transport.AccountFields{
		Name:           rec.DisplayName(),
		Login:          rec.Email,
		Email:          rec.Email,
		Password:       secret,
		Active:         true,
		Street:         rec.Address,
		EmployeeNumber: rec.ExternalUserNumber,
	}

	id, err := p.backend.CreateAccount(ctx, sess, fields)
	if err == nil {
		p.trail.Record("create_account", summary, audit.Success, fmt.Sprintf("account %d created", id))
		return id, true, nil
	}

	var dup *transport.DuplicateError
	if !errors.As(err, &dup) {
		p.trail.Record("create_account", summary, audit.Failure, err.Error())
		return 0, false, fmt.Errorf("failed to create account for %q: %w", rec.Email, err)
	}

	p.trail.Record("create_account", summary, audit.Failure, err.Error())
	p.log.Info().Str("login", rec.Email).Msg("Login already exists, resolving existing account")

	id, err = p.backend.FindAccountByLogin(ctx, sess, rec.Email)
	if err != nil {
		p.trail.Record("resolve_account", summary, audit.Failure, err.Error())
		return 0, false, fmt.Errorf("failed to resolve existing account for %q: %w", rec.Email, err)
	}

	p.trail.Record("resolve_account", summary, audit.Success, fmt.Sprintf("resolved to account %d", id))
	return id, false, nil
}

// assignRole resolves the labeled group and adds the account to it through
// a read-modify-write of the membership set. A label that matches no group
// leaves the account untouched and reports (false, nil).
func (p *Provisioner) assignRole(ctx context.Context, sess *transport.Session, accountID int64, label string) (bool, error) {
	group, err := p.resolver.Resolve(ctx, sess, label)
	if errors.Is(err, transport.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to resolve group %q: %w", label, err)
	}

	assignInput := map[string]any{"account_id": accountID, "group_id": group.ID, "group_name": group.Name}

	acct, err := p.backend.ReadAccount(ctx, sess, accountID, []string{"groups_id"})
	if err != nil {
		p.trail.Record("assign_group", assignInput, audit.Failure, err.Error())
		return false, fmt.Errorf("failed to read membership of account %d: %w", accountID, err)
	}

	for _, gid := range acct.GroupIDs {
		if gid == group.ID {
			p.trail.Record("assign_group", assignInput, audit.Success, "already a member")
			return true, nil
		}
	}

	updated := append(append([]int64{}, acct.GroupIDs...), group.ID)
	if err := p.backend.SetGroupMembership(ctx, sess, accountID, updated); err != nil {
		p.trail.Record("assign_group", assignInput, audit.Failure, err.Error())
		return false, fmt.Errorf("failed to assign group %d to account %d: %w", group.ID, accountID, err)
	}

	p.trail.Record("assign_group", assignInput, audit.Success, fmt.Sprintf("membership now %v", updated))
	return true, nil
}

// sendNotification delivers the welcome mail. Delivery failure is recorded
// and logged but never rolls back the account.
func (p *Provisioner) sendNotification(ctx context.Context, rec input.Record, secret string) {
	notifyInput := map[string]any{
		"recipient": rec.Email,
		"login":     rec.Email,
		"password":  secret,
	}

	if err := p.notifier.Notify(ctx, rec.DisplayName(), rec.Email, rec.Email, secret, rec.RoleLabel); err != nil {
		p.trail.Record("send_welcome_email", notifyInput, audit.Failure, err.Error())
		p.log.Error().Err(err).Str("recipient", rec.Email).Msg("Failed to send welcome mail")
		return
	}
	p.trail.Record("send_welcome_email", notifyInput, audit.Success, "notification dispatched")
}

func recordSummary(rec input.Record) map[string]any {
	return map[string]any{
		"last_name":            rec.LastName,
		"first_name":           rec.FirstName,
		"external_user_number": rec.ExternalUserNumber,
		"login":                rec.Email,
		"email":                rec.Email,
		"role_label":           rec.RoleLabel,
	}
}
