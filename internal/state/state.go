// Package state persists the small amount of client-side state that
// survives restarts: the cached auth token, the saved push token, and
// per-room read cursors. The engine never reads the credential itself;
// main hands it to the request layer.
package state

import (
	"encoding/binary"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

const (
	// stateDirPerm is the permission mode for the state directory.
	stateDirPerm = fs.FileMode(0o700)

	// stateFilePerm is the permission mode for the state database file.
	stateFilePerm = fs.FileMode(0o600)

	// stateOpenTimeout is the maximum time to wait for the bolt database lock.
	stateOpenTimeout = 5 * time.Second
)

var (
	appBucket        = []byte("app")
	readCursorBucket = []byte("read_cursors")

	tokenKey     = []byte("token")
	pushTokenKey = []byte("push_token")
)

// State wraps a bbolt database for all persistent client state.
type State struct {
	db *bolt.DB
}

// Load opens the state database at the given path, creating it if it
// does not exist. Tests point it at a temp directory.
func Load(path string) (*State, error) {
	if err := os.MkdirAll(filepath.Dir(path), stateDirPerm); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	db, err := bolt.Open(path, stateFilePerm, &bolt.Options{Timeout: stateOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening state db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(appBucket); err != nil {
			return err
		}

		_, err := tx.CreateBucketIfNotExists(readCursorBucket)

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

// Token returns the cached authentication token, or empty string.
// The token's validity is checked by a probe request, not here.
func (s *State) Token() string {
	return s.appValue(tokenKey)
}

// SetToken persists the authentication token. An empty token clears it.
func (s *State) SetToken(token string) error {
	return s.setAppValue(tokenKey, token)
}

// PushToken returns the saved push notification token, or empty string.
func (s *State) PushToken() string {
	return s.appValue(pushTokenKey)
}

// SetPushToken persists the push notification token.
func (s *State) SetPushToken(token string) error {
	return s.setAppValue(pushTokenKey, token)
}

func (s *State) appValue(key []byte) string {
	var value string

	_ = s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(appBucket).Get(key)
		if v != nil {
			value = string(v)
		}

		return nil
	})

	return value
}

func (s *State) setAppValue(key []byte, value string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(appBucket)
		if value == "" {
			return b.Delete(key)
		}

		return b.Put(key, []byte(value))
	})
}

// ReadCursor returns the id of the last message marked read in a room,
// or 0 if the room has no cursor.
func (s *State) ReadCursor(roomID int64) (int64, error) {
	var cursor int64

	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(readCursorBucket).Get(roomKey(roomID))
		if len(v) == 8 {
			cursor = int64(binary.BigEndian.Uint64(v))
		}

		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("reading cursor for room %d: %w", roomID, err)
	}

	return cursor, nil
}

// SetReadCursor records the last message marked read in a room. A
// cursor never moves backwards: setting an older id is a no-op.
func (s *State) SetReadCursor(roomID, messageID int64) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(readCursorBucket)
		key := roomKey(roomID)

		if v := b.Get(key); len(v) == 8 {
			if int64(binary.BigEndian.Uint64(v)) >= messageID {
				return nil
			}
		}

		var buf [8]byte
		binary.BigEndian.PutUint64(buf[:], uint64(messageID))

		return b.Put(key, buf[:])
	})
	if err != nil {
		return fmt.Errorf("setting cursor for room %d: %w", roomID, err)
	}

	return nil
}

func roomKey(roomID int64) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(roomID))

	return buf[:]
}
