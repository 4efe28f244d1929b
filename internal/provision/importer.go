package provision

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/skydesk/odoo-provisioner/internal/audit"
	"github.com/skydesk/odoo-provisioner/internal/input"
	"github.com/skydesk/odoo-provisioner/internal/transport"
)

// SessionOpener establishes the authenticated session and the backend for
// one run. session.Manager is the production implementation.
type SessionOpener interface {
	Open(ctx context.Context) (*transport.Session, transport.Backend, error)
}

// Summary aggregates the terminal outcomes of one import run.
type Summary struct {
	TotalRecords int
	Succeeded    int
	Failed       int
}

// Importer drives one bulk import: a single session up front, then every
// record strictly in source order. One bad record never aborts the batch.
type Importer struct {
	opener         SessionOpener
	notifier       Notifier
	trail          *audit.Log
	log            zerolog.Logger
	passwordLength int
}

func NewImporter(opener SessionOpener, notifier Notifier, trail *audit.Log, log zerolog.Logger, passwordLength int) *Importer {
	return &Importer{
		opener:         opener,
		notifier:       notifier,
		trail:          trail,
		log:            log,
		passwordLength: passwordLength,
	}
}

// Run processes the batch. A session failure is fatal: no records are
// processed and the summary reports zero successes alongside the error.
func (i *Importer) Run(ctx context.Context, records []input.Record) (*Summary, error) {
	summary := &Summary{TotalRecords: len(records)}
	runInput := map[string]any{"total_records": len(records)}

	sess, backend, err := i.opener.Open(ctx)
	if err != nil {
		i.trail.Record("import", runInput, audit.Failure, err.Error())
		return summary, err
	}
	defer backend.Close()

	i.log.Info().
		Str("session_id", sess.ID).
		Str("backend", string(backend.Kind())).
		Int("records", len(records)).
		Msg("Starting import")

	provisioner := NewProvisioner(backend, NewResolver(backend, i.trail, i.log), i.notifier, i.trail, i.log, i.passwordLength)

	for idx, rec := range records {
		if _, err := provisioner.Provision(ctx, sess, rec); err != nil {
			summary.Failed++
			i.log.Error().Err(err).Int("record", idx+1).Str("login", rec.Email).Msg("Record failed")
			continue
		}
		summary.Succeeded++
	}

	i.trail.Record("import", runInput, audit.Success,
		fmt.Sprintf("%d/%d records provisioned", summary.Succeeded, summary.TotalRecords))
	i.log.Info().
		Int("succeeded", summary.Succeeded).
		Int("failed", summary.Failed).
		Msg("Import finished")
	return summary, nil
}
