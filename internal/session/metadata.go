// Package session implements the staged multi-package session state
// machine (§4.6): submission, readiness marking, boot-time staging, and
// the persistent record of each session's progress. Persistence follows
// the bbolt-backed metadata store shape this module's history uses for
// device metadata — one bucket of JSON-marshaled records — adapted from
// keying by device name to keying by the caller-supplied numeric
// session id.
package session

import (
	"encoding/json"
	"strconv"

	bolt "go.etcd.io/bbolt"

	"github.com/aospa-op5t-derp/android-system-apex/internal/errdefs"
)

// State is a session's position in the state machine described in §4.6.
type State string

const (
	StateVerified         State = "VERIFIED"
	StateStaged           State = "STAGED"
	StateActivated        State = "ACTIVATED"
	StateActivationFailed State = "ACTIVATION_FAILED"
)

// Record is the persisted representation of a staged session.
type Record struct {
	SessionID      int
	State          State
	ChildSessionID []int
}

var sessionsBucketName = []byte("sessions")

// Metadata is the bbolt-backed session store.
type Metadata struct {
	db *bolt.DB
}

// OpenMetadata opens (or creates) the session database at dbfile.
func OpenMetadata(dbfile string) (*Metadata, error) {
	db, err := bolt.Open(dbfile, 0600, nil)
	if err != nil {
		return nil, err
	}

	m := &Metadata{db: db}
	if err := m.db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(sessionsBucketName)
		return err
	}); err != nil {
		return nil, err
	}

	return m, nil
}

// Close closes the underlying database.
func (m *Metadata) Close() error {
	return m.db.Close()
}

// Put inserts or overwrites a session record.
func (m *Metadata) Put(r Record) error {
	return m.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(sessionsBucketName)
		return putObject(bucket, sessionKey(r.SessionID), &r)
	})
}

// Get retrieves a session record by id.
func (m *Metadata) Get(sessionID int) (Record, error) {
	var r Record
	err := m.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(sessionsBucketName)
		return getObject(bucket, sessionKey(sessionID), &r)
	})
	return r, err
}

// UpdateState transitions a session's state. fn validates the current
// state and returns the next one, or an error to abort the transaction
// — the same "load, mutate via callback, save" shape as UpdateDevice.
func (m *Metadata) UpdateState(sessionID int, fn func(current State) (State, error)) error {
	return m.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(sessionsBucketName)

		var r Record
		if err := getObject(bucket, sessionKey(sessionID), &r); err != nil {
			return err
		}

		next, err := fn(r.State)
		if err != nil {
			return err
		}
		r.State = next

		return putObject(bucket, sessionKey(sessionID), &r)
	})
}

// ForEachInState invokes fn for every record currently in state.
func (m *Metadata) ForEachInState(state State, fn func(Record) error) error {
	return m.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(sessionsBucketName)
		return bucket.ForEach(func(key, value []byte) error {
			var r Record
			if err := json.Unmarshal(value, &r); err != nil {
				return err
			}
			if r.State != state {
				return nil
			}
			return fn(r)
		})
	})
}

func sessionKey(sessionID int) string {
	return strconv.Itoa(sessionID)
}

func putObject(bucket *bolt.Bucket, key string, obj interface{}) error {
	data, err := json.Marshal(obj)
	if err != nil {
		return err
	}
	return bucket.Put([]byte(key), data)
}

func getObject(bucket *bolt.Bucket, key string, obj interface{}) error {
	data := bucket.Get([]byte(key))
	if data == nil {
		return errdefs.Wrapf(errdefs.ErrSessionNotFound, nil, "no session record for %q", key)
	}
	return json.Unmarshal(data, obj)
}
