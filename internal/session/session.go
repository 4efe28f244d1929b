// Package session establishes the authenticated handle every pipeline
// operation requires and selects the transport backend for the run.
package session

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/skydesk/odoo-provisioner/internal/audit"
	"github.com/skydesk/odoo-provisioner/internal/config"
	"github.com/skydesk/odoo-provisioner/internal/transport"
)

// AuthError reports that no session could be established on any backend.
// It is fatal for the whole run.
type AuthError struct {
	Err error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("session establishment failed: %v", e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// Manager obtains sessions against the remote platform. The JSON-RPC
// endpoint is tried first; when it is unreachable and a storage DSN is
// configured, the direct-storage backend takes over with identical
// semantics.
type Manager struct {
	cfg   *config.Config
	trail *audit.Log
	log   zerolog.Logger
}

func NewManager(cfg *config.Config, trail *audit.Log, log zerolog.Logger) *Manager {
	return &Manager{cfg: cfg, trail: trail, log: log}
}

// Open authenticates and returns a fresh session bound to the backend that
// accepted it. Calling Open again simply abandons any earlier session.
func (m *Manager) Open(ctx context.Context) (*transport.Session, transport.Backend, error) {
	authInput := map[string]any{
		"url":      m.cfg.Odoo.URL,
		"database": m.cfg.Odoo.Database,
		"username": m.cfg.Odoo.Username,
	}

	rpc := transport.NewRPC(m.cfg.Odoo, m.log)
	uid, rpcErr := rpc.Authenticate(ctx)
	if rpcErr == nil {
		sess := &transport.Session{
			ID:            uuid.NewString(),
			UID:           uid,
			Kind:          transport.KindRPC,
			EstablishedAt: time.Now(),
		}
		m.trail.Record("authenticate", authInput, audit.Success, fmt.Sprintf("uid %d via %s", uid, sess.Kind))
		return sess, rpc, nil
	}
	rpc.Close()
	m.trail.Record("authenticate", authInput, audit.Failure, rpcErr.Error())
	m.log.Warn().Err(rpcErr).Msg("JSON-RPC endpoint unavailable")

	if m.cfg.Storage.DSN == "" {
		return nil, nil, &AuthError{Err: rpcErr}
	}

	m.log.Info().Msg("Falling back to direct storage")
	pg, pgErr := transport.NewPostgres(ctx, m.cfg.Storage.DSN, m.cfg.Password.HashIterations, m.log)
	if pgErr != nil {
		m.trail.Record("authenticate", authInput, audit.Failure, pgErr.Error())
		return nil, nil, &AuthError{Err: fmt.Errorf("rpc: %v; storage: %w", rpcErr, pgErr)}
	}

	sess := &transport.Session{
		ID:            uuid.NewString(),
		Kind:          transport.KindDirect,
		EstablishedAt: time.Now(),
	}
	m.trail.Record("authenticate", authInput, audit.Success, fmt.Sprintf("connected via %s", sess.Kind))
	return sess, pg, nil
}
