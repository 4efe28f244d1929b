package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/skydesk/odoo-provisioner/internal/config"
)

// RPCBackend realizes the operation surface as authenticated JSON-RPC calls
// against the platform's /jsonrpc endpoint. All model operations go through
// the object service's execute_kw method.
type RPCBackend struct {
	endpoint string
	db       string
	login    string
	password string
	httpc    *http.Client
	log      zerolog.Logger
	nextID   atomic.Int64
}

func NewRPC(cfg config.OdooConfig, log zerolog.Logger) *RPCBackend {
	return &RPCBackend{
		endpoint: strings.TrimRight(cfg.URL, "/") + "/jsonrpc",
		db:       cfg.Database,
		login:    cfg.Username,
		password: cfg.Password,
		httpc:    &http.Client{Timeout: cfg.Timeout},
		log:      log,
	}
}

func (b *RPCBackend) Kind() Kind { return KindRPC }

func (b *RPCBackend) Close() { b.httpc.CloseIdleConnections() }

type rpcRequest struct {
	JSONRPC string    `json:"jsonrpc"`
	Method  string    `json:"method"`
	Params  rpcParams `json:"params"`
	ID      int64     `json:"id"`
}

type rpcParams struct {
	Service string `json:"service"`
	Method  string `json:"method"`
	Args    []any  `json:"args"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    struct {
		Message string `json:"message"`
	} `json:"data"`
}

func (e *rpcError) Error() string {
	if e.Data.Message != "" {
		return e.Data.Message
	}
	return e.Message
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

// call posts one {service, method, args} envelope and returns the raw
// result. Any error member in the response is a transport-level failure
// regardless of its shape.
func (b *RPCBackend) call(ctx context.Context, service, method string, args []any) (json.RawMessage, error) {
	payload, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		Method:  "call",
		Params:  rpcParams{Service: service, Method: method, Args: args},
		ID:      b.nextID.Add(1),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	var decoded rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if decoded.Error != nil {
		return nil, decoded.Error
	}
	return decoded.Result, nil
}

// Authenticate logs in against the common service and returns the platform
// user id. A falsy result means the credentials were rejected.
func (b *RPCBackend) Authenticate(ctx context.Context) (int64, error) {
	result, err := b.call(ctx, "common", "authenticate", []any{b.db, b.login, b.password, map[string]any{}})
	if err != nil {
		return 0, err
	}

	var uid any
	if err := json.Unmarshal(result, &uid); err != nil {
		return 0, fmt.Errorf("malformed authenticate response: %w", err)
	}
	id, ok := toInt64(uid)
	if !ok || id <= 0 {
		return 0, fmt.Errorf("credentials rejected for %q on database %q", b.login, b.db)
	}

	b.log.Info().Int64("uid", id).Str("database", b.db).Msg("Authenticated against JSON-RPC endpoint")
	return id, nil
}

func (b *RPCBackend) executeKw(ctx context.Context, sess *Session, model, method string, args []any, kwargs map[string]any) (json.RawMessage, error) {
	full := []any{b.db, sess.UID, b.password, model, method, args}
	if kwargs != nil {
		full = append(full, kwargs)
	}
	return b.call(ctx, "object", "execute_kw", full)
}

func (b *RPCBackend) CreateAccount(ctx context.Context, sess *Session, fields AccountFields) (int64, error) {
	values := map[string]any{
		"name":     fields.Name,
		"login":    fields.Login,
		"email":    fields.Email,
		"password": fields.Password,
		"active":   fields.Active,
		"street":   fields.Street,
	}
	if fields.EmployeeNumber != "" {
		values["employee_id"] = fields.EmployeeNumber
	}

	result, err := b.executeKw(ctx, sess, "res.users", "create", []any{values}, nil)
	if err != nil {
		if isDuplicateMessage(err.Error()) {
			return 0, &DuplicateError{Login: fields.Login}
		}
		return 0, &OpError{Op: "createAccount", Kind: KindRPC, Err: err}
	}

	id, err := decodeID(result)
	if err != nil {
		return 0, &OpError{Op: "createAccount", Kind: KindRPC, Err: err}
	}
	return id, nil
}

func (b *RPCBackend) FindAccountByLogin(ctx context.Context, sess *Session, login string) (int64, error) {
	domain := []any{[]any{"login", "=", login}}
	result, err := b.executeKw(ctx, sess, "res.users", "search", []any{domain}, nil)
	if err != nil {
		return 0, &OpError{Op: "findAccountByLogin", Kind: KindRPC, Err: err}
	}

	ids, err := decodeIDs(result)
	if err != nil {
		return 0, &OpError{Op: "findAccountByLogin", Kind: KindRPC, Err: err}
	}
	if len(ids) == 0 {
		return 0, ErrNotFound
	}
	return ids[0], nil
}

func (b *RPCBackend) ReadAccount(ctx context.Context, sess *Session, id int64, fields []string) (*Account, error) {
	fields = withGroupsField(fields)
	result, err := b.executeKw(ctx, sess, "res.users", "read",
		[]any{[]any{id}}, map[string]any{"fields": fields})
	if err != nil {
		return nil, &OpError{Op: "readAccount", Kind: KindRPC, Err: err}
	}

	var rows []map[string]any
	if err := json.Unmarshal(result, &rows); err != nil {
		return nil, &OpError{Op: "readAccount", Kind: KindRPC, Err: err}
	}
	if len(rows) == 0 {
		return nil, ErrNotFound
	}

	row := rows[0]
	acct := &Account{ID: id}
	acct.Name, _ = row["name"].(string)
	acct.Login, _ = row["login"].(string)
	acct.Email, _ = row["email"].(string)
	acct.Active, _ = row["active"].(bool)
	if raw, ok := row["groups_id"].([]any); ok {
		for _, v := range raw {
			if gid, ok := toInt64(v); ok {
				acct.GroupIDs = append(acct.GroupIDs, gid)
			}
		}
	}
	return acct, nil
}

func (b *RPCBackend) UpdateAccount(ctx context.Context, sess *Session, id int64, fields map[string]any) error {
	if _, err := b.requireAccount(ctx, sess, id, "updateAccount"); err != nil {
		return err
	}

	if _, err := b.executeKw(ctx, sess, "res.users", "write", []any{[]any{id}, fields}, nil); err != nil {
		return &OpError{Op: "updateAccount", Kind: KindRPC, Err: err}
	}
	return nil
}

func (b *RPCBackend) DeleteAccount(ctx context.Context, sess *Session, id int64) error {
	if _, err := b.requireAccount(ctx, sess, id, "deleteAccount"); err != nil {
		return err
	}

	if _, err := b.executeKw(ctx, sess, "res.users", "unlink", []any{[]any{id}}, nil); err != nil {
		return &OpError{Op: "deleteAccount", Kind: KindRPC, Err: err}
	}
	return nil
}

func (b *RPCBackend) FindGroupByName(ctx context.Context, sess *Session, pattern string) (*Group, error) {
	domain := []any{[]any{"name", "ilike", pattern}}
	result, err := b.executeKw(ctx, sess, "res.groups", "search_read",
		[]any{domain}, map[string]any{"fields": []string{"name", "category_id"}, "limit": 1})
	if err != nil {
		return nil, &OpError{Op: "findGroupByName", Kind: KindRPC, Err: err}
	}

	groups, err := decodeGroups(result)
	if err != nil {
		return nil, &OpError{Op: "findGroupByName", Kind: KindRPC, Err: err}
	}
	if len(groups) == 0 {
		return nil, ErrNotFound
	}
	return &groups[0], nil
}

func (b *RPCBackend) ListGroups(ctx context.Context, sess *Session, pattern string) ([]Group, error) {
	domain := []any{}
	if pattern != "" {
		domain = append(domain, []any{"name", "ilike", pattern})
	}
	result, err := b.executeKw(ctx, sess, "res.groups", "search_read",
		[]any{domain}, map[string]any{"fields": []string{"name", "category_id"}})
	if err != nil {
		return nil, &OpError{Op: "listGroups", Kind: KindRPC, Err: err}
	}

	groups, err := decodeGroups(result)
	if err != nil {
		return nil, &OpError{Op: "listGroups", Kind: KindRPC, Err: err}
	}
	return groups, nil
}

func decodeGroups(raw json.RawMessage) ([]Group, error) {
	var rows []map[string]any
	if err := json.Unmarshal(raw, &rows); err != nil {
		return nil, err
	}

	groups := make([]Group, 0, len(rows))
	for _, row := range rows {
		group := Group{}
		if gid, ok := toInt64(row["id"]); ok {
			group.ID = gid
		}
		group.Name, _ = row["name"].(string)
		// category_id reads as false or a [id, display name] pair.
		if pair, ok := row["category_id"].([]any); ok && len(pair) == 2 {
			group.Category, _ = pair[1].(string)
		}
		groups = append(groups, group)
	}
	return groups, nil
}

func (b *RPCBackend) SetGroupMembership(ctx context.Context, sess *Session, accountID int64, groupIDs []int64) error {
	// (6, 0, ids) replaces the membership set wholesale.
	values := map[string]any{"groups_id": []any{[]any{6, 0, groupIDs}}}
	if _, err := b.executeKw(ctx, sess, "res.users", "write", []any{[]any{accountID}, values}, nil); err != nil {
		return &OpError{Op: "setGroupMembership", Kind: KindRPC, Err: err}
	}
	return nil
}

// requireAccount maps a missing id to ErrNotFound before a write-style
// operation, mirroring the platform's search-then-act convention.
func (b *RPCBackend) requireAccount(ctx context.Context, sess *Session, id int64, op string) (int64, error) {
	domain := []any{[]any{"id", "=", id}}
	result, err := b.executeKw(ctx, sess, "res.users", "search", []any{domain}, nil)
	if err != nil {
		return 0, &OpError{Op: op, Kind: KindRPC, Err: err}
	}
	ids, err := decodeIDs(result)
	if err != nil {
		return 0, &OpError{Op: op, Kind: KindRPC, Err: err}
	}
	if len(ids) == 0 {
		return 0, ErrNotFound
	}
	return ids[0], nil
}

func isDuplicateMessage(msg string) bool {
	msg = strings.ToLower(msg)
	return strings.Contains(msg, "duplicate key") ||
		strings.Contains(msg, "already exist") ||
		strings.Contains(msg, "res_users_login_key")
}

func withGroupsField(fields []string) []string {
	if len(fields) == 0 {
		return []string{"name", "login", "email", "active", "groups_id"}
	}
	for _, f := range fields {
		if f == "groups_id" {
			return fields
		}
	}
	return append(append([]string{}, fields...), "groups_id")
}

func decodeID(raw json.RawMessage) (int64, error) {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return 0, err
	}
	id, ok := toInt64(v)
	if !ok {
		return 0, fmt.Errorf("unexpected id payload %s", raw)
	}
	return id, nil
}

func decodeIDs(raw json.RawMessage) ([]int64, error) {
	var vs []any
	if err := json.Unmarshal(raw, &vs); err != nil {
		return nil, err
	}
	ids := make([]int64, 0, len(vs))
	for _, v := range vs {
		if id, ok := toInt64(v); ok {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case float64:
		return int64(n), true
	case int64:
		return n, true
	case int:
		return int64(n), true
	case json.Number:
		i, err := n.Int64()
		return i, err == nil
	default:
		return 0, false
	}
}
