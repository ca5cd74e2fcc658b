package state

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

const (
	// stateDirPerm is the permission mode for the state directory (~/.chat-sync/).
	stateDirPerm = fs.FileMode(0o700)

	// stateFilePerm is the permission mode for the state database file.
	stateFilePerm = fs.FileMode(0o600)

	// stateOpenTimeout is the maximum time to wait for the bolt database lock.
	stateOpenTimeout = 5 * time.Second
)

var (
	appBucket = []byte("app")
	tokenKey  = []byte("token")
)

func groupPinsBucket(groupID string) []byte {
	return []byte("group:" + groupID + ":pins")
}

func groupRosterBucket(groupID string) []byte {
	return []byte("group:" + groupID + ":roster")
}

// RosterEntry is the persisted form of a group member, cached so the
// member list can render before the first roster fetch completes.
type RosterEntry struct {
	UserID      string    `json:"user_id"`
	DisplayName string    `json:"display_name"`
	Role        string    `json:"role"`
	JoinedAt    time.Time `json:"joined_at"`
}

// State wraps a bbolt database for all persistent client state: the sticky
// pin set per group, the cached roster, and the session token.
type State struct {
	db *bolt.DB
}

// Load opens the state database at ~/.chat-sync/state.db, creating it
// if it does not exist. The app bucket is created on open.
func Load() (*State, error) {
	return LoadAt(dbPath())
}

// LoadAt opens a state database at the given path, creating it if it
// does not exist. Useful for tests that need an isolated database.
func LoadAt(path string) (*State, error) {
	if err := os.MkdirAll(filepath.Dir(path), stateDirPerm); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	db, err := bolt.Open(path, stateFilePerm, &bolt.Options{Timeout: stateOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening state db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(appBucket)

		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing state db: %w", err)
	}

	return &State{db: db}, nil
}

// Close closes the database.
func (s *State) Close() error {
	return s.db.Close()
}

// Token returns the cached session token, or empty string.
func (s *State) Token() string {
	var token string

	_ = s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(appBucket)

		v := b.Get(tokenKey)
		if v != nil {
			token = string(v)
		}

		return nil
	})

	return token
}

// SetToken persists the session token.
func (s *State) SetToken(token string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(appBucket).Put(tokenKey, []byte(token))
	})
}

// InitGroupBuckets ensures the pin and roster buckets exist for the given
// group. Call once after the session's group is known.
func (s *State) InitGroupBuckets(groupID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(groupPinsBucket(groupID)); err != nil {
			return err
		}

		_, err := tx.CreateBucketIfNotExists(groupRosterBucket(groupID))

		return err
	})
}

// AddStickyPin records an entry id in the group's sticky pin set. The set
// is mutated only on explicit pin actions and explicit server pin events,
// never by a refresh, so pins survive reloads and listing races.
func (s *State) AddStickyPin(groupID, entryID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(groupPinsBucket(groupID))
		if b == nil {
			return fmt.Errorf("pins bucket not initialized for group %s", groupID)
		}

		return b.Put([]byte(entryID), []byte{1})
	})
}

// RemoveStickyPin removes an entry id from the group's sticky pin set.
func (s *State) RemoveStickyPin(groupID, entryID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(groupPinsBucket(groupID))
		if b == nil {
			return nil
		}

		return b.Delete([]byte(entryID))
	})
}

// StickyPins returns the group's sticky pin set.
func (s *State) StickyPins(groupID string) (map[string]struct{}, error) {
	result := make(map[string]struct{})
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(groupPinsBucket(groupID))
		if b == nil {
			return nil
		}

		return b.ForEach(func(k, _ []byte) error {
			result[string(k)] = struct{}{}

			return nil
		})
	})

	return result, err
}

// HasStickyPin reports whether the entry id is in the group's sticky set.
func (s *State) HasStickyPin(groupID, entryID string) bool {
	found := false
	_ = s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(groupPinsBucket(groupID))
		if b == nil {
			return nil
		}

		found = b.Get([]byte(entryID)) != nil

		return nil
	})

	return found
}

// ReplaceStickyPin rewrites a sticky entry under a new id. Used when an
// optimistically pinned entry is later confirmed with its permanent id.
func (s *State) ReplaceStickyPin(groupID, oldID, newID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(groupPinsBucket(groupID))
		if b == nil {
			return nil
		}

		if b.Get([]byte(oldID)) == nil {
			return nil
		}
		if err := b.Delete([]byte(oldID)); err != nil {
			return err
		}

		return b.Put([]byte(newID), []byte{1})
	})
}

// SetRoster replaces the cached roster for a group.
func (s *State) SetRoster(groupID string, members []RosterEntry) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		// Drop and recreate so members who left don't linger in the cache.
		if tx.Bucket(groupRosterBucket(groupID)) != nil {
			if err := tx.DeleteBucket(groupRosterBucket(groupID)); err != nil {
				return err
			}
		}

		b, err := tx.CreateBucket(groupRosterBucket(groupID))
		if err != nil {
			return err
		}

		for _, m := range members {
			data, err := json.Marshal(m)
			if err != nil {
				return err
			}

			if err := b.Put([]byte(m.UserID), data); err != nil {
				return err
			}
		}

		return nil
	})
}

// Roster returns the cached roster for a group.
func (s *State) Roster(groupID string) ([]RosterEntry, error) {
	var members []RosterEntry
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(groupRosterBucket(groupID))
		if b == nil {
			return nil
		}

		return b.ForEach(func(_, v []byte) error {
			var m RosterEntry
			if err := json.Unmarshal(v, &m); err != nil {
				return err
			}

			members = append(members, m)

			return nil
		})
	})

	return members, err
}

func dbPath() string {
	dir, err := os.UserHomeDir()
	if err != nil {
		// Fail loudly rather than silently writing to the current directory
		// where the database (containing a session token) might end up with
		// wrong permissions or inside a source-controlled tree.
		fmt.Fprintf(os.Stderr, "fatal: cannot determine home directory: %v\n", err)
		os.Exit(1)
	}

	return filepath.Join(dir, ".chat-sync", "state.db")
}
