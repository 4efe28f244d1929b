package provision

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skydesk/odoo-provisioner/internal/audit"
	"github.com/skydesk/odoo-provisioner/internal/input"
	"github.com/skydesk/odoo-provisioner/internal/transport"
)

// fakeBackend is an in-memory Backend. Accounts and groups are held in
// plain maps; it mimics the duplicate-login rejection of the real
// backends.
type fakeBackend struct {
	nextID   int64
	accounts map[int64]*transport.Account
	groups   []transport.Group

	createErr map[string]error // per-login forced creation failure
	setErr    error
	setCalls  int
	updates   map[int64]map[string]any
	closed    bool
}

func newFakeBackend(groups ...transport.Group) *fakeBackend {
	return &fakeBackend{
		accounts:  make(map[int64]*transport.Account),
		groups:    groups,
		createErr: make(map[string]error),
		updates:   make(map[int64]map[string]any),
	}
}

func (f *fakeBackend) Kind() transport.Kind { return transport.KindRPC }

func (f *fakeBackend) Close() { f.closed = true }

func (f *fakeBackend) CreateAccount(_ context.Context, _ *transport.Session, fields transport.AccountFields) (int64, error) {
	if err := f.createErr[fields.Login]; err != nil {
		return 0, err
	}
	for _, acct := range f.accounts {
		if acct.Login == fields.Login {
			return 0, &transport.DuplicateError{Login: fields.Login}
		}
	}
	f.nextID++
	f.accounts[f.nextID] = &transport.Account{
		ID:     f.nextID,
		Name:   fields.Name,
		Login:  fields.Login,
		Email:  fields.Email,
		Active: fields.Active,
	}
	return f.nextID, nil
}

func (f *fakeBackend) FindAccountByLogin(_ context.Context, _ *transport.Session, login string) (int64, error) {
	for id, acct := range f.accounts {
		if acct.Login == login {
			return id, nil
		}
	}
	return 0, transport.ErrNotFound
}

func (f *fakeBackend) ReadAccount(_ context.Context, _ *transport.Session, id int64, _ []string) (*transport.Account, error) {
	acct, ok := f.accounts[id]
	if !ok {
		return nil, transport.ErrNotFound
	}
	copied := *acct
	copied.GroupIDs = append([]int64{}, acct.GroupIDs...)
	return &copied, nil
}

func (f *fakeBackend) UpdateAccount(_ context.Context, _ *transport.Session, id int64, fields map[string]any) error {
	if _, ok := f.accounts[id]; !ok {
		return transport.ErrNotFound
	}
	f.updates[id] = fields
	return nil
}

func (f *fakeBackend) DeleteAccount(_ context.Context, _ *transport.Session, id int64) error {
	if _, ok := f.accounts[id]; !ok {
		return transport.ErrNotFound
	}
	delete(f.accounts, id)
	return nil
}

func (f *fakeBackend) FindGroupByName(_ context.Context, _ *transport.Session, pattern string) (*transport.Group, error) {
	for _, g := range f.groups {
		if strings.Contains(strings.ToLower(g.Name), strings.ToLower(pattern)) {
			found := g
			return &found, nil
		}
	}
	return nil, transport.ErrNotFound
}

func (f *fakeBackend) ListGroups(_ context.Context, _ *transport.Session, pattern string) ([]transport.Group, error) {
	matched := make([]transport.Group, 0)
	for _, g := range f.groups {
		if pattern == "" || strings.Contains(strings.ToLower(g.Name), strings.ToLower(pattern)) {
			matched = append(matched, g)
		}
	}
	return matched, nil
}

func (f *fakeBackend) SetGroupMembership(_ context.Context, _ *transport.Session, accountID int64, groupIDs []int64) error {
	f.setCalls++
	if f.setErr != nil {
		return f.setErr
	}
	acct, ok := f.accounts[accountID]
	if !ok {
		return transport.ErrNotFound
	}
	acct.GroupIDs = append([]int64{}, groupIDs...)
	return nil
}

type fakeOpener struct {
	backend transport.Backend
	err     error
}

func (o *fakeOpener) Open(context.Context) (*transport.Session, transport.Backend, error) {
	if o.err != nil {
		return nil, nil, o.err
	}
	return &transport.Session{ID: "test-session", UID: 2, Kind: transport.KindRPC, EstablishedAt: time.Now()}, o.backend, nil
}

type notification struct {
	displayName, recipient, login, secret, role string
}

type fakeNotifier struct {
	sent []notification
	err  error
}

func (n *fakeNotifier) Notify(_ context.Context, displayName, recipient, login, secret, role string) error {
	n.sent = append(n.sent, notification{displayName, recipient, login, secret, role})
	return n.err
}

// trailEntries decodes the JSON lines written to the audit buffer.
func trailEntries(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	scanner := bufio.NewScanner(bytes.NewReader(buf.Bytes()))
	for scanner.Scan() {
		var entry map[string]any
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &entry))
		out = append(out, entry)
	}
	require.NoError(t, scanner.Err())
	return out
}

func entriesFor(entries []map[string]any, operation string) []map[string]any {
	var out []map[string]any
	for _, e := range entries {
		if e["operation"] == operation {
			out = append(out, e)
		}
	}
	return out
}

func testRecord() input.Record {
	return input.Record{
		LastName:           "Dupont",
		FirstName:          "Jean",
		ExternalUserNumber: "1001",
		Login:              "jean.dupont@example.com",
		Email:              "jean.dupont@example.com",
		Address:            "123 Rue de la Paix",
		RoleLabel:          "Sales",
	}
}

func newTestProvisioner(backend transport.Backend, notifier Notifier, buf *bytes.Buffer) (*Provisioner, *audit.Log) {
	trail := audit.New(buf)
	log := zerolog.Nop()
	return NewProvisioner(backend, NewResolver(backend, trail, log), notifier, trail, log, 12), trail
}

func TestProvisionCreatesAccount(t *testing.T) {
	backend := newFakeBackend(transport.Group{ID: 7, Name: "Sales Manager", Category: "Sales"})
	notifier := &fakeNotifier{}
	var buf bytes.Buffer
	p, _ := newTestProvisioner(backend, notifier, &buf)
	sess := &transport.Session{ID: "s", UID: 2, Kind: transport.KindRPC}

	result, err := p.Provision(context.Background(), sess, testRecord())
	require.NoError(t, err)
	assert.True(t, result.Created)
	assert.True(t, result.RoleAssigned)

	acct := backend.accounts[result.AccountID]
	require.NotNil(t, acct)
	assert.Equal(t, "Jean Dupont", acct.Name)
	assert.Equal(t, "jean.dupont@example.com", acct.Login)
	assert.True(t, acct.Active)
	assert.Equal(t, []int64{7}, acct.GroupIDs)

	require.Len(t, notifier.sent, 1)
	sent := notifier.sent[0]
	assert.Equal(t, "jean.dupont@example.com", sent.recipient)
	assert.Len(t, sent.secret, 12)
	assert.Equal(t, "Sales", sent.role)

	entries := trailEntries(t, &buf)
	require.Len(t, entriesFor(entries, "create_account"), 1)
	assert.Equal(t, "success", entriesFor(entries, "create_account")[0]["outcome"])
	require.Len(t, entriesFor(entries, "send_welcome_email"), 1)
}

func TestProvisionDuplicateResolvesExisting(t *testing.T) {
	backend := newFakeBackend()
	notifier := &fakeNotifier{}
	var buf bytes.Buffer
	p, _ := newTestProvisioner(backend, notifier, &buf)
	sess := &transport.Session{ID: "s", UID: 2, Kind: transport.KindRPC}
	rec := testRecord()
	rec.RoleLabel = ""

	first, err := p.Provision(context.Background(), sess, rec)
	require.NoError(t, err)
	require.True(t, first.Created)

	buf.Reset()
	second, err := p.Provision(context.Background(), sess, rec)
	require.NoError(t, err)
	assert.False(t, second.Created)
	assert.Equal(t, first.AccountID, second.AccountID)

	// The rejection is audited as a failure, then the recovery as a
	// success, in that order.
	entries := trailEntries(t, &buf)
	creates := entriesFor(entries, "create_account")
	require.Len(t, creates, 1)
	assert.Equal(t, "failure", creates[0]["outcome"])
	resolves := entriesFor(entries, "resolve_account")
	require.Len(t, resolves, 1)
	assert.Equal(t, "success", resolves[0]["outcome"])
}

func TestProvisionUnresolvableRoleLabel(t *testing.T) {
	backend := newFakeBackend() // no groups at all
	notifier := &fakeNotifier{}
	var buf bytes.Buffer
	p, _ := newTestProvisioner(backend, notifier, &buf)
	sess := &transport.Session{ID: "s", UID: 2, Kind: transport.KindRPC}

	result, err := p.Provision(context.Background(), sess, testRecord())
	require.NoError(t, err)
	assert.True(t, result.Created)
	assert.False(t, result.RoleAssigned)
	assert.Empty(t, backend.accounts[result.AccountID].GroupIDs)

	entries := trailEntries(t, &buf)
	resolveGroups := entriesFor(entries, "resolve_group")
	require.Len(t, resolveGroups, 1)
	assert.Equal(t, "failure", resolveGroups[0]["outcome"])
	// The record still succeeds end to end.
	assert.Equal(t, "success", entriesFor(entries, "create_account")[0]["outcome"])
	require.Len(t, notifier.sent, 1)
}

func TestProvisionGroupAssignmentIdempotent(t *testing.T) {
	backend := newFakeBackend(transport.Group{ID: 7, Name: "Sales Manager"})
	notifier := &fakeNotifier{}
	var buf bytes.Buffer
	p, _ := newTestProvisioner(backend, notifier, &buf)
	sess := &transport.Session{ID: "s", UID: 2, Kind: transport.KindRPC}

	_, err := p.Provision(context.Background(), sess, testRecord())
	require.NoError(t, err)
	require.Equal(t, 1, backend.setCalls)

	result, err := p.Provision(context.Background(), sess, testRecord())
	require.NoError(t, err)
	assert.True(t, result.RoleAssigned)
	// Membership already holds the group; no second write is issued.
	assert.Equal(t, 1, backend.setCalls)

	entries := trailEntries(t, &buf)
	assigns := entriesFor(entries, "assign_group")
	require.Len(t, assigns, 2)
	assert.Equal(t, "already a member", assigns[1]["result"])
}

func TestProvisionPreservesExistingMembership(t *testing.T) {
	backend := newFakeBackend(transport.Group{ID: 7, Name: "Sales Manager"})
	notifier := &fakeNotifier{}
	var buf bytes.Buffer
	p, _ := newTestProvisioner(backend, notifier, &buf)
	sess := &transport.Session{ID: "s", UID: 2, Kind: transport.KindRPC}
	rec := testRecord()
	rec.RoleLabel = ""

	result, err := p.Provision(context.Background(), sess, rec)
	require.NoError(t, err)
	backend.accounts[result.AccountID].GroupIDs = []int64{3}

	rec.RoleLabel = "Sales"
	_, err = p.Provision(context.Background(), sess, rec)
	require.NoError(t, err)
	assert.Equal(t, []int64{3, 7}, backend.accounts[result.AccountID].GroupIDs)
}

func TestProvisionInvalidRecord(t *testing.T) {
	backend := newFakeBackend()
	var buf bytes.Buffer
	p, _ := newTestProvisioner(backend, &fakeNotifier{}, &buf)
	sess := &transport.Session{ID: "s", UID: 2, Kind: transport.KindRPC}
	rec := testRecord()
	rec.Email = "not-an-email"

	_, err := p.Provision(context.Background(), sess, rec)
	require.Error(t, err)
	assert.Empty(t, backend.accounts)

	entries := trailEntries(t, &buf)
	creates := entriesFor(entries, "create_account")
	require.Len(t, creates, 1)
	assert.Equal(t, "failure", creates[0]["outcome"])
}

func TestProvisionNotificationFailureIsNotFatal(t *testing.T) {
	backend := newFakeBackend()
	notifier := &fakeNotifier{err: errors.New("smtp unreachable")}
	var buf bytes.Buffer
	p, _ := newTestProvisioner(backend, notifier, &buf)
	sess := &transport.Session{ID: "s", UID: 2, Kind: transport.KindRPC}
	rec := testRecord()
	rec.RoleLabel = ""

	result, err := p.Provision(context.Background(), sess, rec)
	require.NoError(t, err)
	assert.True(t, result.Created)

	entries := trailEntries(t, &buf)
	sends := entriesFor(entries, "send_welcome_email")
	require.Len(t, sends, 1)
	assert.Equal(t, "failure", sends[0]["outcome"])
}

func TestAuditNeverContainsSecret(t *testing.T) {
	backend := newFakeBackend(transport.Group{ID: 7, Name: "Sales Manager"})
	notifier := &fakeNotifier{}
	var buf bytes.Buffer
	p, _ := newTestProvisioner(backend, notifier, &buf)
	sess := &transport.Session{ID: "s", UID: 2, Kind: transport.KindRPC}

	_, err := p.Provision(context.Background(), sess, testRecord())
	require.NoError(t, err)

	require.Len(t, notifier.sent, 1)
	secret := notifier.sent[0].secret
	require.NotEmpty(t, secret)
	assert.NotContains(t, buf.String(), secret)
}

func TestImporterBatch(t *testing.T) {
	backend := newFakeBackend(transport.Group{ID: 7, Name: "Sales Manager"})
	// Record two is forced to fail with a non-duplicate error.
	backend.createErr["broken@example.com"] = &transport.OpError{
		Op: "createAccount", Kind: transport.KindRPC, Err: errors.New("connection reset"),
	}
	notifier := &fakeNotifier{}
	var buf bytes.Buffer
	trail := audit.New(&buf)
	importer := NewImporter(&fakeOpener{backend: backend}, notifier, trail, zerolog.Nop(), 12)

	records := []input.Record{}
	for i, email := range []string{"a@example.com", "broken@example.com", "c@example.com"} {
		records = append(records, input.Record{
			LastName:           fmt.Sprintf("User%d", i+1),
			FirstName:          "Test",
			ExternalUserNumber: fmt.Sprintf("%d", 1000+i),
			Login:              email,
			Email:              email,
			RoleLabel:          "Sales",
		})
	}

	summary, err := importer.Run(context.Background(), records)
	require.NoError(t, err)
	assert.Equal(t, &Summary{TotalRecords: 3, Succeeded: 2, Failed: 1}, summary)
	assert.Len(t, notifier.sent, 2)
	assert.True(t, backend.closed)

	entries := trailEntries(t, &buf)
	imports := entriesFor(entries, "import")
	require.Len(t, imports, 1)
	assert.Equal(t, "success", imports[0]["outcome"])
	assert.Equal(t, "2/3 records provisioned", imports[0]["result"])
}

func TestImporterSessionFailure(t *testing.T) {
	var buf bytes.Buffer
	trail := audit.New(&buf)
	opener := &fakeOpener{err: errors.New("credentials rejected")}
	importer := NewImporter(opener, &fakeNotifier{}, trail, zerolog.Nop(), 12)

	summary, err := importer.Run(context.Background(), []input.Record{testRecord()})
	require.Error(t, err)
	assert.Equal(t, &Summary{TotalRecords: 1}, summary)

	entries := trailEntries(t, &buf)
	imports := entriesFor(entries, "import")
	require.Len(t, imports, 1)
	assert.Equal(t, "failure", imports[0]["outcome"])
}

func TestServiceResetPassword(t *testing.T) {
	backend := newFakeBackend()
	var buf bytes.Buffer
	trail := audit.New(&buf)
	svc := NewService(backend, trail, zerolog.Nop(), 12)
	sess := &transport.Session{ID: "s", UID: 2, Kind: transport.KindRPC}

	id, err := backend.CreateAccount(context.Background(), sess, transport.AccountFields{Login: "jean@example.com"})
	require.NoError(t, err)

	secret, err := svc.ResetPassword(context.Background(), sess, id)
	require.NoError(t, err)
	assert.Len(t, secret, 12)
	assert.Equal(t, map[string]any{"password": secret}, backend.updates[id])
	assert.NotContains(t, buf.String(), secret)
}

func TestServiceChangeGroups(t *testing.T) {
	backend := newFakeBackend()
	var buf bytes.Buffer
	trail := audit.New(&buf)
	svc := NewService(backend, trail, zerolog.Nop(), 12)
	sess := &transport.Session{ID: "s", UID: 2, Kind: transport.KindRPC}

	id, err := backend.CreateAccount(context.Background(), sess, transport.AccountFields{Login: "jean@example.com"})
	require.NoError(t, err)
	backend.accounts[id].GroupIDs = []int64{3, 7}

	require.NoError(t, svc.AddGroups(context.Background(), sess, id, 7, 9))
	assert.Equal(t, []int64{3, 7, 9}, backend.accounts[id].GroupIDs)

	require.NoError(t, svc.RemoveGroups(context.Background(), sess, id, 3))
	assert.Equal(t, []int64{7, 9}, backend.accounts[id].GroupIDs)
}

func TestServiceListGroups(t *testing.T) {
	backend := newFakeBackend(
		transport.Group{ID: 3, Name: "Administration", Category: "Administration"},
		transport.Group{ID: 7, Name: "Sales Manager", Category: "Sales"},
		transport.Group{ID: 9, Name: "Sales User", Category: "Sales"},
	)
	var buf bytes.Buffer
	trail := audit.New(&buf)
	svc := NewService(backend, trail, zerolog.Nop(), 12)
	sess := &transport.Session{ID: "s", UID: 2, Kind: transport.KindRPC}

	// An empty pattern lists everything.
	all, err := svc.ListGroups(context.Background(), sess, "")
	require.NoError(t, err)
	assert.Len(t, all, 3)

	sales, err := svc.ListGroups(context.Background(), sess, "sales")
	require.NoError(t, err)
	require.Len(t, sales, 2)
	assert.Equal(t, "Sales Manager", sales[0].Name)

	// No match is an empty list, not an error.
	none, err := svc.ListGroups(context.Background(), sess, "nonexistent")
	require.NoError(t, err)
	assert.Empty(t, none)

	entries := trailEntries(t, &buf)
	lists := entriesFor(entries, "list_groups")
	require.Len(t, lists, 3)
	assert.Equal(t, "3 groups", lists[0]["result"])
	assert.Equal(t, "0 groups", lists[2]["result"])
}

func TestServiceUpdateContact(t *testing.T) {
	backend := newFakeBackend()
	var buf bytes.Buffer
	trail := audit.New(&buf)
	svc := NewService(backend, trail, zerolog.Nop(), 12)
	sess := &transport.Session{ID: "s", UID: 2, Kind: transport.KindRPC}

	id, err := backend.CreateAccount(context.Background(), sess, transport.AccountFields{Login: "old@example.com"})
	require.NoError(t, err)

	require.NoError(t, svc.UpdateContact(context.Background(), sess, id, "new@example.com"))
	// The login follows the email.
	assert.Equal(t, map[string]any{"email": "new@example.com", "login": "new@example.com"}, backend.updates[id])
}

func TestServiceDelete(t *testing.T) {
	backend := newFakeBackend()
	var buf bytes.Buffer
	trail := audit.New(&buf)
	svc := NewService(backend, trail, zerolog.Nop(), 12)
	sess := &transport.Session{ID: "s", UID: 2, Kind: transport.KindRPC}

	id, err := backend.CreateAccount(context.Background(), sess, transport.AccountFields{Login: "jean@example.com"})
	require.NoError(t, err)

	require.NoError(t, svc.Delete(context.Background(), sess, id))
	assert.Empty(t, backend.accounts)

	err = svc.Delete(context.Background(), sess, id)
	assert.ErrorIs(t, err, transport.ErrNotFound)
}
