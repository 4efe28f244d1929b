package provision

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/skydesk/odoo-provisioner/internal/audit"
	"github.com/skydesk/odoo-provisioner/internal/transport"
	"github.com/skydesk/odoo-provisioner/pkg/password"
)

// Service exposes day-two management of already provisioned accounts:
// lookup, contact updates, password resets, membership changes and
// deletion. Like the provisioner, every operation writes one audit entry.
type Service struct {
	backend        transport.Backend
	trail          *audit.Log
	log            zerolog.Logger
	passwordLength int
}

func NewService(backend transport.Backend, trail *audit.Log, log zerolog.Logger, passwordLength int) *Service {
	return &Service{backend: backend, trail: trail, log: log, passwordLength: passwordLength}
}

// FindAccount returns the id of the account holding the exact login.
func (s *Service) FindAccount(ctx context.Context, sess *transport.Session, login string) (int64, error) {
	in := map[string]any{"login": login}

	id, err := s.backend.FindAccountByLogin(ctx, sess, login)
	if err != nil {
		s.trail.Record("find_account", in, audit.Failure, err.Error())
		return 0, err
	}

	s.trail.Record("find_account", in, audit.Success, fmt.Sprintf("account %d", id))
	return id, nil
}

// UpdateContact changes an account's email address. The login follows the
// email, which is the natural join key across runs.
func (s *Service) UpdateContact(ctx context.Context, sess *transport.Session, id int64, email string) error {
	in := map[string]any{"account_id": id, "email": email}

	err := s.backend.UpdateAccount(ctx, sess, id, map[string]any{"email": email, "login": email})
	if err != nil {
		s.trail.Record("update_account", in, audit.Failure, err.Error())
		return fmt.Errorf("failed to update account %d: %w", id, err)
	}

	s.trail.Record("update_account", in, audit.Success, "contact updated")
	return nil
}

// ResetPassword sets a freshly generated policy-compliant password on the
// account and returns it so the caller can deliver it. The secret itself
// never reaches the audit trail.
func (s *Service) ResetPassword(ctx context.Context, sess *transport.Session, id int64) (string, error) {
	secret, err := password.Generate(s.passwordLength)
	if err != nil {
		return "", fmt.Errorf("failed to generate password: %w", err)
	}

	in := map[string]any{"account_id": id, "password": secret}

	if err := s.backend.UpdateAccount(ctx, sess, id, map[string]any{"password": secret}); err != nil {
		s.trail.Record("reset_password", in, audit.Failure, err.Error())
		return "", fmt.Errorf("failed to reset password for account %d: %w", id, err)
	}

	s.trail.Record("reset_password", in, audit.Success, "password reset")
	return secret, nil
}

// ListGroups returns every group matching the pattern; an empty pattern
// lists all groups on the platform.
func (s *Service) ListGroups(ctx context.Context, sess *transport.Session, pattern string) ([]transport.Group, error) {
	in := map[string]any{"pattern": pattern}

	groups, err := s.backend.ListGroups(ctx, sess, pattern)
	if err != nil {
		s.trail.Record("list_groups", in, audit.Failure, err.Error())
		return nil, err
	}

	s.trail.Record("list_groups", in, audit.Success, fmt.Sprintf("%d groups", len(groups)))
	return groups, nil
}

// AddGroups adds the account to each given group. The membership set is
// read first and replaced with the union, so repeated additions are
// idempotent and concurrent-run updates are not silently dropped.
func (s *Service) AddGroups(ctx context.Context, sess *transport.Session, id int64, groupIDs ...int64) error {
	return s.changeGroups(ctx, sess, id, groupIDs, nil)
}

// RemoveGroups removes the account from each given group.
func (s *Service) RemoveGroups(ctx context.Context, sess *transport.Session, id int64, groupIDs ...int64) error {
	return s.changeGroups(ctx, sess, id, nil, groupIDs)
}

func (s *Service) changeGroups(ctx context.Context, sess *transport.Session, id int64, add, remove []int64) error {
	in := map[string]any{"account_id": id, "add": add, "remove": remove}

	acct, err := s.backend.ReadAccount(ctx, sess, id, []string{"groups_id"})
	if err != nil {
		s.trail.Record("modify_groups", in, audit.Failure, err.Error())
		return fmt.Errorf("failed to read membership of account %d: %w", id, err)
	}

	current := make(map[int64]struct{}, len(acct.GroupIDs))
	updated := make([]int64, 0, len(acct.GroupIDs)+len(add))
	removed := make(map[int64]struct{}, len(remove))
	for _, gid := range remove {
		removed[gid] = struct{}{}
	}
	for _, gid := range acct.GroupIDs {
		current[gid] = struct{}{}
		if _, drop := removed[gid]; !drop {
			updated = append(updated, gid)
		}
	}
	for _, gid := range add {
		if _, member := current[gid]; !member {
			updated = append(updated, gid)
		}
	}

	if err := s.backend.SetGroupMembership(ctx, sess, id, updated); err != nil {
		s.trail.Record("modify_groups", in, audit.Failure, err.Error())
		return fmt.Errorf("failed to update membership of account %d: %w", id, err)
	}

	s.trail.Record("modify_groups", in, audit.Success, fmt.Sprintf("membership now %v", updated))
	return nil
}

// Delete removes the account and its memberships.
func (s *Service) Delete(ctx context.Context, sess *transport.Session, id int64) error {
	in := map[string]any{"account_id": id}

	if err := s.backend.DeleteAccount(ctx, sess, id); err != nil {
		s.trail.Record("delete_account", in, audit.Failure, err.Error())
		return fmt.Errorf("failed to delete account %d: %w", id, err)
	}

	s.trail.Record("delete_account", in, audit.Success, "account deleted")
	return nil
}
