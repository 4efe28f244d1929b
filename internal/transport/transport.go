package transport

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Kind identifies which backend a session was established against.
type Kind string

const (
	KindRPC    Kind = "jsonrpc"
	KindDirect Kind = "direct-storage"
)

// Session is an authenticated handle against the remote platform. It is
// established once per import run, belongs to exactly one backend kind and
// is read-only afterwards.
type Session struct {
	ID            string
	UID           int64 // platform user id; zero for direct-storage sessions
	Kind          Kind
	EstablishedAt time.Time
}

// AccountFields are the values written when creating an account.
type AccountFields struct {
	Name           string
	Login          string
	Email          string
	Password       string
	Active         bool
	Street         string
	EmployeeNumber string
}

// Account is the platform's view of a provisioned user.
type Account struct {
	ID       int64
	Name     string
	Login    string
	Email    string
	Active   bool
	GroupIDs []int64
}

// Group is a role bundle on the platform. Read-only from this pipeline.
type Group struct {
	ID       int64
	Name     string
	Category string
}

// ErrNotFound reports that an account or group lookup matched nothing.
var ErrNotFound = errors.New("not found")

// DuplicateError reports that account creation was rejected because the
// login already exists. Callers recover by resolving the existing account.
type DuplicateError struct {
	Login string
}

func (e *DuplicateError) Error() string {
	return fmt.Sprintf("account with login %q already exists", e.Login)
}

// OpError wraps a network or backend failure during a transport operation.
type OpError struct {
	Op   string
	Kind Kind
	Err  error
}

func (e *OpError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Kind, e.Op, e.Err)
}

func (e *OpError) Unwrap() error { return e.Err }

// Backend is the uniform operation surface over the remote platform. Two
// implementations exist: the JSON-RPC client and the direct-storage client.
// Both produce the same externally observable account state; callers never
// branch on the kind.
type Backend interface {
	Kind() Kind

	// CreateAccount creates a new account and returns its platform id. A
	// rejected duplicate login surfaces as *DuplicateError.
	CreateAccount(ctx context.Context, sess *Session, fields AccountFields) (int64, error)

	// FindAccountByLogin returns the id of the account with the exact
	// login, or ErrNotFound.
	FindAccountByLogin(ctx context.Context, sess *Session, login string) (int64, error)

	// ReadAccount reads the named fields of one account. Group membership
	// is always populated.
	ReadAccount(ctx context.Context, sess *Session, id int64, fields []string) (*Account, error)

	// UpdateAccount applies the given field values to an existing account.
	UpdateAccount(ctx context.Context, sess *Session, id int64, fields map[string]any) error

	// DeleteAccount removes an account and its group memberships.
	DeleteAccount(ctx context.Context, sess *Session, id int64) error

	// FindGroupByName performs a case-insensitive substring match on group
	// names and returns the first match. Ordering ties follow the
	// backend's natural ordering and differ across backends; callers may
	// rely only on getting "a" matching group.
	FindGroupByName(ctx context.Context, sess *Session, pattern string) (*Group, error)

	// ListGroups returns every group whose name matches the pattern,
	// case-insensitively. An empty pattern lists all groups. An empty
	// result is not an error.
	ListGroups(ctx context.Context, sess *Session, pattern string) ([]Group, error)

	// SetGroupMembership replaces an account's group set wholesale.
	// Additive and subtractive changes are built on top by reading the
	// current set first.
	SetGroupMembership(ctx context.Context, sess *Session, accountID int64, groupIDs []int64) error

	Close()
}
