package registry

import (
	"encoding/binary"
	"fmt"
	"sync"

	"AirShare/internal/storage"
)

// ID is an opaque identifier for a user or an operator.
// IDs are assigned externally and never change once registered.
type ID string

// Storage key prefixes.
var (
	prefixUser     = []byte("gu:") // gu:<ordinal BE8> -> user ID
	prefixOperator = []byte("go:") // go:<ordinal BE8> -> operator ID
)

// Service is the registration collaborator: it holds the stable-ordered
// sets of user and operator identifiers. The two sets are disjoint.
// Ordering is registration order and survives restarts via the ordinal
// encoded in the storage key.
type Service struct {
	db *storage.Storage

	mu        sync.RWMutex
	users     []ID
	operators []ID
	userSet   map[ID]struct{}
	opSet     map[ID]struct{}
}

// New creates a registration service backed by the given storage,
// restoring any previously registered identifiers in their original order.
func New(db *storage.Storage) (*Service, error) {
	s := &Service{
		db:      db,
		userSet: make(map[ID]struct{}),
		opSet:   make(map[ID]struct{}),
	}

	if err := s.load(); err != nil {
		return nil, fmt.Errorf("load registry:\n%w", err)
	}

	return s, nil
}

// AddUser registers a user identifier.
// Returns false if the identifier is empty or already taken (by either set).
func (s *Service) AddUser(id ID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id == "" || s.takenLocked(id) {
		return false
	}

	ordinal := uint64(len(s.users))
	s.users = append(s.users, id)
	s.userSet[id] = struct{}{}

	_ = s.db.Set(makeOrdinalKey(prefixUser, ordinal), []byte(id))

	return true
}

// AddOperator registers an operator identifier.
// Returns false if the identifier is empty or already taken (by either set).
func (s *Service) AddOperator(id ID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id == "" || s.takenLocked(id) {
		return false
	}

	ordinal := uint64(len(s.operators))
	s.operators = append(s.operators, id)
	s.opSet[id] = struct{}{}

	_ = s.db.Set(makeOrdinalKey(prefixOperator, ordinal), []byte(id))

	return true
}

// Users returns all registered user identifiers in registration order.
func (s *Service) Users() []ID {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]ID, len(s.users))
	copy(result, s.users)

	return result
}

// Operators returns all registered operator identifiers in registration order.
func (s *Service) Operators() []ID {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]ID, len(s.operators))
	copy(result, s.operators)

	return result
}

// IsUser returns true if the identifier is a registered user.
func (s *Service) IsUser(id ID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.userSet[id]

	return ok
}

// IsOperator returns true if the identifier is a registered operator.
func (s *Service) IsOperator(id ID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.opSet[id]

	return ok
}

// UserCount returns the number of registered users.
func (s *Service) UserCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.users)
}

// OperatorCount returns the number of registered operators.
func (s *Service) OperatorCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.operators)
}

// takenLocked reports whether id is present in either set (caller holds lock).
func (s *Service) takenLocked(id ID) bool {
	if _, ok := s.userSet[id]; ok {
		return true
	}

	_, ok := s.opSet[id]

	return ok
}

// load restores both ordered sets from storage.
// Ordinal keys are big-endian, so prefix iteration yields registration order.
func (s *Service) load() error {
	err := s.db.IteratePrefix(prefixUser, func(key, value []byte) error {
		id := ID(value)
		s.users = append(s.users, id)
		s.userSet[id] = struct{}{}
		return nil
	})
	if err != nil {
		return err
	}

	return s.db.IteratePrefix(prefixOperator, func(key, value []byte) error {
		id := ID(value)
		s.operators = append(s.operators, id)
		s.opSet[id] = struct{}{}
		return nil
	})
}

// makeOrdinalKey builds a storage key: prefix + ordinal (8 bytes big-endian).
func makeOrdinalKey(prefix []byte, ordinal uint64) []byte {
	key := make([]byte, len(prefix)+8)
	copy(key, prefix)
	binary.BigEndian.PutUint64(key[len(prefix):], ordinal)

	return key
}
