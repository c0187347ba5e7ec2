// Package store persists the device presence journal in bbolt.
package store

import (
	"encoding/json"
	"errors"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	presenceBucket = []byte("device_presence")

	ErrDeviceNotFound = errors.New("device not found in presence journal")
)

// Presence is the last known connection state of a device.
type Presence struct {
	Name           string    `json:"name"`
	RemoteAddr     string    `json:"remote_addr"`
	Online         bool      `json:"online"`
	FirstSeen      time.Time `json:"first_seen"`
	ConnectedAt    time.Time `json:"connected_at"`
	DisconnectedAt time.Time `json:"disconnected_at,omitzero"`
	Connects       int       `json:"connects"`
}

// OpenDB opens or creates the bbolt database at path.
func OpenDB(path string) (*bolt.DB, error) {
	return bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
}

// PresenceJournal is a bbolt-backed record of when each device was last seen.
type PresenceJournal struct {
	db *bolt.DB
}

// NewPresenceJournal creates or opens the presence bucket in the given database.
func NewPresenceJournal(db *bolt.DB) (*PresenceJournal, error) {
	err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(presenceBucket)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &PresenceJournal{db: db}, nil
}

// RecordConnect marks name online as of at.
func (j *PresenceJournal) RecordConnect(name, remoteAddr string, at time.Time) error {
	return j.update(name, func(p *Presence) {
		if p.FirstSeen.IsZero() {
			p.FirstSeen = at
		}
		p.RemoteAddr = remoteAddr
		p.Online = true
		p.ConnectedAt = at
		p.DisconnectedAt = time.Time{}
		p.Connects++
	})
}

// RecordDisconnect marks name offline as of at.
func (j *PresenceJournal) RecordDisconnect(name string, at time.Time) error {
	return j.update(name, func(p *Presence) {
		p.Online = false
		p.DisconnectedAt = at
	})
}

func (j *PresenceJournal) update(name string, fn func(*Presence)) error {
	return j.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(presenceBucket)

		p := Presence{Name: name}
		if data := b.Get([]byte(name)); data != nil {
			// A malformed record is overwritten.
			_ = json.Unmarshal(data, &p)
			p.Name = name
		}
		fn(&p)

		data, err := json.Marshal(p)
		if err != nil {
			return err
		}
		return b.Put([]byte(name), data)
	})
}

// Get returns the presence record of name, or ErrDeviceNotFound.
func (j *PresenceJournal) Get(name string) (Presence, error) {
	var p Presence
	err := j.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(presenceBucket).Get([]byte(name))
		if data == nil {
			return ErrDeviceNotFound
		}
		return json.Unmarshal(data, &p)
	})
	return p, err
}

// List returns every presence record ordered by device name. Malformed
// records are skipped.
func (j *PresenceJournal) List() ([]Presence, error) {
	var out []Presence
	err := j.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(presenceBucket).ForEach(func(_, v []byte) error {
			var p Presence
			if err := json.Unmarshal(v, &p); err != nil {
				return nil
			}
			out = append(out, p)
			return nil
		})
	})
	return out, err
}

// MarkAllOffline closes out records left online by a previous process.
// Call once on startup, before any device is admitted.
func (j *PresenceJournal) MarkAllOffline(at time.Time) (int, error) {
	var stale []Presence
	err := j.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(presenceBucket)
		err := b.ForEach(func(_, v []byte) error {
			var p Presence
			if err := json.Unmarshal(v, &p); err == nil && p.Online {
				stale = append(stale, p)
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, p := range stale {
			p.Online = false
			p.DisconnectedAt = at
			data, err := json.Marshal(p)
			if err != nil {
				return err
			}
			if err := b.Put([]byte(p.Name), data); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return len(stale), nil
}

// Prune removes offline records whose disconnect is older than retention,
// plus any malformed records. Online devices are never pruned.
func (j *PresenceJournal) Prune(retention time.Duration) (int, error) {
	cutoff := time.Now().Add(-retention)
	var toDelete [][]byte
	err := j.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(presenceBucket)
		err := b.ForEach(func(k, v []byte) error {
			var p Presence
			if err := json.Unmarshal(v, &p); err != nil {
				toDelete = append(toDelete, append([]byte{}, k...))
				return nil
			}
			if !p.Online && !p.DisconnectedAt.After(cutoff) {
				toDelete = append(toDelete, append([]byte{}, k...))
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range toDelete {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return len(toDelete), nil
}
