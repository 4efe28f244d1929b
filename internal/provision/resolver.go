package provision

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	"github.com/skydesk/odoo-provisioner/internal/audit"
	"github.com/skydesk/odoo-provisioner/internal/transport"
)

// Resolver maps role labels from the source data to platform group ids by
// case-insensitive partial name match. Every record re-resolves its label;
// runs are bounded in size, so the redundant lookups are accepted for the
// simplicity.
type Resolver struct {
	backend transport.Backend
	trail   *audit.Log
	log     zerolog.Logger
}

func NewResolver(backend transport.Backend, trail *audit.Log, log zerolog.Logger) *Resolver {
	return &Resolver{backend: backend, trail: trail, log: log}
}

// Resolve returns a group matching the label, or transport.ErrNotFound. Not
// finding a group is a warning condition for callers, never a record
// failure.
func (r *Resolver) Resolve(ctx context.Context, sess *transport.Session, label string) (*transport.Group, error) {
	input := map[string]any{"label": label}

	group, err := r.backend.FindGroupByName(ctx, sess, label)
	if errors.Is(err, transport.ErrNotFound) {
		r.trail.Record("resolve_group", input, audit.Failure, "no group matches label")
		r.log.Warn().Str("label", label).Msg("No group matches role label")
		return nil, err
	}
	if err != nil {
		r.trail.Record("resolve_group", input, audit.Failure, err.Error())
		return nil, err
	}

	r.trail.Record("resolve_group", input, audit.Success, group.Name)
	return group, nil
}
