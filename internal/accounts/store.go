// Package accounts holds the connected cloud-account credentials.
package accounts

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"calsync/internal/models"
)

// MaxAccounts is the hard ceiling on connected cloud accounts.
const MaxAccounts = 5

var (
	// ErrAccountLimitExceeded is returned when adding an account would exceed
	// MaxAccounts.
	ErrAccountLimitExceeded = errors.New("account limit exceeded")
	// ErrDuplicateAccount is returned when the email is already connected.
	ErrDuplicateAccount = errors.New("account already connected")
	// ErrAccountNotFound is returned by lookups for unknown emails.
	ErrAccountNotFound = errors.New("account not found")
)

// Store is the credential store: per-account OAuth credentials and metadata,
// persisted as a 0600 JSON file. All mutation happens under one lock; the
// ceiling and duplicate checks run while holding it, so concurrent additions
// cannot jointly exceed the limit.
type Store struct {
	path   string
	logger *slog.Logger

	mu       sync.Mutex
	accounts map[string]models.Account // keyed by normalized email

	// onChange is invoked (outside error paths) after an account is added or
	// removed; the engine uses it to invalidate the aggregation cache.
	onChange func()
}

// NewStore loads (or initializes) the store backed by the file at path.
func NewStore(logger *slog.Logger, path string) (*Store, error) {
	s := &Store{
		path:     path,
		logger:   logger,
		accounts: make(map[string]models.Account),
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

// OnChange registers the hook called after every successful add or remove.
func (s *Store) OnChange(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onChange = fn
}

// List returns the connected accounts sorted by email.
func (s *Store) List() []models.Account {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]models.Account, 0, len(s.accounts))
	for _, a := range s.accounts {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].NormalizedEmail() < out[j].NormalizedEmail()
	})
	return out
}

// Get returns the account for the given email.
func (s *Store) Get(email string) (models.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.accounts[normalizeEmail(email)]
	if !ok {
		return models.Account{}, fmt.Errorf("%s: %w", email, ErrAccountNotFound)
	}
	return a, nil
}

// Add connects a new account. The ceiling and duplicate checks happen after
// acquiring the lock: the check and the insert are one atomic step. This is
// the single code path for both the interactive OAuth flow and pre-known
// account metadata.
func (s *Store) Add(info models.UserInfo, refreshToken string, tokenExpiry time.Time) (models.Account, error) {
	account, err := s.addLocked(info, refreshToken, tokenExpiry)
	if err != nil {
		return models.Account{}, err
	}
	s.notify()
	return account, nil
}

func (s *Store) addLocked(info models.UserInfo, refreshToken string, tokenExpiry time.Time) (models.Account, error) {
	email := normalizeEmail(info.Email)
	if email == "" {
		return models.Account{}, fmt.Errorf("account email is empty")
	}
	if refreshToken == "" {
		return models.Account{}, fmt.Errorf("refresh token is empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.accounts[email]; exists {
		return models.Account{}, fmt.Errorf("%s: %w", email, ErrDuplicateAccount)
	}
	if len(s.accounts) >= MaxAccounts {
		return models.Account{}, fmt.Errorf("limit is %d: %w", MaxAccounts, ErrAccountLimitExceeded)
	}

	account := models.Account{
		Email:        strings.TrimSpace(info.Email),
		DisplayName:  strings.TrimSpace(info.DisplayName),
		RefreshToken: refreshToken,
		TokenExpiry:  tokenExpiry,
		ConnectedAt:  time.Now(),
	}
	s.accounts[email] = account

	if err := s.persistLocked(); err != nil {
		delete(s.accounts, email)
		return models.Account{}, err
	}

	s.logger.Info("account connected", "account", account, "total", len(s.accounts))
	return account, nil
}

// Remove disconnects an account. It is idempotent: removing an absent email
// is not an error. Only local state is removed; the provider-side token is
// never revoked.
func (s *Store) Remove(email string) error {
	removed, err := s.removeLocked(email)
	if err != nil {
		return err
	}
	if removed {
		s.notify()
	}
	return nil
}

func (s *Store) removeLocked(email string) (bool, error) {
	key := normalizeEmail(email)

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.accounts[key]; !exists {
		return false, nil
	}
	delete(s.accounts, key)

	if err := s.persistLocked(); err != nil {
		return false, err
	}

	s.logger.Info("account disconnected", "email", email, "total", len(s.accounts))
	return true, nil
}

// Refresh records a newly minted token for the account.
func (s *Store) Refresh(email, newRefreshToken string, newExpiry time.Time) error {
	key := normalizeEmail(email)

	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.accounts[key]
	if !ok {
		return fmt.Errorf("%s: %w", email, ErrAccountNotFound)
	}
	if newRefreshToken != "" {
		a.RefreshToken = newRefreshToken
	}
	a.TokenExpiry = newExpiry
	s.accounts[key] = a

	return s.persistLocked()
}

// Count returns the number of connected accounts.
func (s *Store) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.accounts)
}

// notify runs the change hook synchronously, outside the store lock, so the
// cache is already invalidated by the time Add or Remove returns.
func (s *Store) notify() {
	s.mu.Lock()
	fn := s.onChange
	s.mu.Unlock()
	if fn != nil {
		fn()
	}
}

type storeFile struct {
	Accounts []models.Account `json:"accounts"`
}

func (s *Store) load() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read account store: %w", err)
	}

	var f storeFile
	if err := json.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("failed to decode account store: %w", err)
	}
	for _, a := range f.Accounts {
		s.accounts[a.NormalizedEmail()] = a
	}
	return nil
}

// persistLocked writes the store atomically with 0600 permissions. Caller
// must hold s.mu.
func (s *Store) persistLocked() error {
	f := storeFile{Accounts: make([]models.Account, 0, len(s.accounts))}
	for _, a := range s.accounts {
		f.Accounts = append(f.Accounts, a)
	}
	sort.Slice(f.Accounts, func(i, j int) bool {
		return f.Accounts[i].NormalizedEmail() < f.Accounts[j].NormalizedEmail()
	})

	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode account store: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".accounts-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		return err
	}
	return os.Rename(tmpName, s.path)
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
