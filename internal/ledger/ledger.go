// Package ledger keeps the proxy's user accounts: credentials, credit
// balances and which connection, if any, a user is logged in on.
package ledger

import (
	"errors"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

var (
	ErrUnknownUser         = errors.New("unknown user")
	ErrDuplicateUser       = errors.New("duplicate user")
	ErrWrongCredentials    = errors.New("wrong username or password")
	ErrAlreadyLoggedIn     = errors.New("user already logged in")
	ErrNotLoggedIn         = errors.New("user not logged in")
	ErrInsufficientCredits = errors.New("insufficient credits")
)

// Option configures a Ledger.
type Option func(*Ledger)

// WithBcryptCost overrides the bcrypt cost used to hash passwords.
func WithBcryptCost(cost int) Option {
	return func(l *Ledger) {
		l.cost = cost
	}
}

// user is the mutable account record. Fields are updated in place.
type user struct {
	name         string
	passwordHash []byte
	credits      int64
	sessionID    string // empty while logged out
}

// UserInfo is a read-only snapshot of an account.
type UserInfo struct {
	Name    string `json:"name" yaml:"name"`
	Online  bool   `json:"online" yaml:"online"`
	Credits int64  `json:"credits" yaml:"credits"`
}

// Ledger holds the accounts loaded at start-up. Accounts are never removed.
//
// A Ledger is not safe for concurrent use; the proxy serialises access.
type Ledger struct {
	users  map[string]*user
	order  []string
	cost   int
	logger *zap.Logger
}

// New creates an empty Ledger.
func New(logger *zap.Logger, opts ...Option) *Ledger {
	l := &Ledger{
		users:  make(map[string]*user),
		cost:   bcrypt.DefaultCost,
		logger: logger,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// AddUser registers an account. The password is only kept as a bcrypt hash.
func (l *Ledger) AddUser(name, password string, credits int64) error {
	if _, ok := l.users[name]; ok {
		return fmt.Errorf("add user %q: %w", name, ErrDuplicateUser)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), l.cost)
	if err != nil {
		return fmt.Errorf("hash password for %q: %w", name, err)
	}
	l.users[name] = &user{name: name, passwordHash: hash, credits: credits}
	l.order = append(l.order, name)
	return nil
}

// Login binds name to sessionID if the password matches and the user is not
// logged in on another connection.
func (l *Ledger) Login(name, password, sessionID string) error {
	u, ok := l.users[name]
	if !ok {
		return ErrWrongCredentials
	}
	if err := bcrypt.CompareHashAndPassword(u.passwordHash, []byte(password)); err != nil {
		return ErrWrongCredentials
	}
	if u.sessionID != "" {
		return ErrAlreadyLoggedIn
	}
	u.sessionID = sessionID
	l.logger.Info("User logged in", zap.String("user", name), zap.String("session", sessionID))
	return nil
}

// Logout releases the login held by sessionID.
func (l *Ledger) Logout(name, sessionID string) error {
	u, err := l.session(name, sessionID)
	if err != nil {
		return err
	}
	u.sessionID = ""
	l.logger.Info("User logged out", zap.String("user", name), zap.String("session", sessionID))
	return nil
}

// IsLoggedIn reports whether name is currently bound to any session.
func (l *Ledger) IsLoggedIn(name string) bool {
	u, ok := l.users[name]
	return ok && u.sessionID != ""
}

// Credits returns the balance of a logged in user.
func (l *Ledger) Credits(name string) (int64, error) {
	u, err := l.online(name)
	if err != nil {
		return 0, err
	}
	return u.credits, nil
}

// Buy adds amount credits to a logged in user and returns the new balance.
func (l *Ledger) Buy(name string, amount int64) (int64, error) {
	if amount <= 0 {
		return 0, fmt.Errorf("buy %d credits: amount must be positive", amount)
	}
	return l.Credit(name, amount)
}

// Credit adds amount to the balance of a logged in user.
func (l *Ledger) Credit(name string, amount int64) (int64, error) {
	u, err := l.online(name)
	if err != nil {
		return 0, err
	}
	u.credits += amount
	return u.credits, nil
}

// Debit removes amount from the balance of a logged in user. The balance
// never goes below zero.
func (l *Ledger) Debit(name string, amount int64) (int64, error) {
	u, err := l.online(name)
	if err != nil {
		return 0, err
	}
	if u.credits < amount {
		return u.credits, ErrInsufficientCredits
	}
	u.credits -= amount
	return u.credits, nil
}

// Users returns a snapshot of every account in registration order.
func (l *Ledger) Users() []UserInfo {
	out := make([]UserInfo, 0, len(l.order))
	for _, name := range l.order {
		u := l.users[name]
		out = append(out, UserInfo{Name: u.name, Online: u.sessionID != "", Credits: u.credits})
	}
	return out
}

func (l *Ledger) online(name string) (*user, error) {
	u, ok := l.users[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownUser, name)
	}
	if u.sessionID == "" {
		return nil, ErrNotLoggedIn
	}
	return u, nil
}

func (l *Ledger) session(name, sessionID string) (*user, error) {
	u, err := l.online(name)
	if err != nil {
		return nil, err
	}
	if u.sessionID != sessionID {
		return nil, ErrNotLoggedIn
	}
	return u, nil
}
