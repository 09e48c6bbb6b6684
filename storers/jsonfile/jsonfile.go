// Package jsonfile provides an implementation of the grants.Storer interface
// that keeps both partitions in a single JSON document on disk:
//
//	{"granterGrants": [...], "granteeGrants": [...]}
//
// Every write replaces the file atomically, and an flock on a sibling
// ".lock" file serializes access between processes sharing the document.
package jsonfile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/zeebo/blake3"
	yall "yall.in"

	"lockbox.dev/authz/grants"
)

// ErrMalformedFile is returned when the store file exists but can't be
// parsed.
var ErrMalformedFile = errors.New("malformed grants file")

type entry struct {
	Granter    string  `json:"granter,omitempty"`
	Grantee    string  `json:"grantee,omitempty"`
	Permission string  `json:"permission"`
	Expiration *string `json:"expiration"`
}

type document struct {
	GranterGrants []entry `json:"granterGrants"`
	GranteeGrants []entry `json:"granteeGrants"`
}

func (d *document) partition(role grants.Role) *[]entry {
	if role == grants.RoleGrantee {
		return &d.GranteeGrants
	}
	return &d.GranterGrants
}

func toEntry(record grants.Record) entry {
	e := entry{
		Permission: record.Permission,
		Expiration: record.Expiration,
	}
	if record.Role == grants.RoleGrantee {
		e.Grantee = record.Counterparty
	} else {
		e.Granter = record.Counterparty
	}
	return e
}

func fromEntry(role grants.Role, e entry) grants.Record {
	record := grants.Record{
		Role:       role,
		Permission: e.Permission,
		Expiration: e.Expiration,
	}
	if role == grants.RoleGrantee {
		record.Counterparty = e.Grantee
	} else {
		record.Counterparty = e.Granter
	}
	return record
}

// Storer is a JSON file implementation of the Storer interface.
type Storer struct {
	path string

	lock  sync.Mutex
	doc   document
	index map[grants.Role]map[string]struct{}

	// exists and sum describe the file contents doc was last synced with.
	exists bool
	sum    [32]byte
}

// NewStorer returns a Storer backed by the file at path. The file is created
// by Init, or by the first write.
func NewStorer(path string) *Storer {
	return &Storer{path: path}
}

// withFile runs fn while holding both the in-process and the cross-process
// lock, with the in-memory document reloaded if the file's contents changed
// on disk.
func (s *Storer) withFile(ctx context.Context, fn func() error) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	unlock, err := lockFile(s.path + ".lock")
	if err != nil {
		return err
	}
	defer unlock()

	if err := s.reload(ctx); err != nil {
		return err
	}
	return fn()
}

func (s *Storer) reload(ctx context.Context) error {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		s.setDocument(document{})
		s.exists, s.sum = false, [32]byte{}
		return nil
	}
	if err != nil {
		return err
	}
	sum := blake3.Sum256(data)
	if s.exists && sum == s.sum {
		return nil
	}
	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrMalformedFile, s.path, err)
	}
	yall.FromContext(ctx).WithField("path", s.path).Debug("loaded grants file")
	s.setDocument(doc)
	s.exists, s.sum = true, sum
	return nil
}

func (s *Storer) setDocument(doc document) {
	s.doc = doc
	s.index = map[grants.Role]map[string]struct{}{}
	for _, role := range grants.Roles {
		set := map[string]struct{}{}
		for _, e := range *s.doc.partition(role) {
			set[fromEntry(role, e).Key().String()] = struct{}{}
		}
		s.index[role] = set
	}
}

func (s *Storer) write() error {
	if s.doc.GranterGrants == nil {
		s.doc.GranterGrants = []entry{}
	}
	if s.doc.GranteeGrants == nil {
		s.doc.GranteeGrants = []entry{}
	}
	data, err := json.MarshalIndent(s.doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding grants file: %w", err)
	}

	dir := filepath.Dir(s.path)
	tmpFile, err := os.CreateTemp(dir, filepath.Base(s.path)+"-*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp grants file: %w", err)
	}
	tmpPath := tmpFile.Name()

	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmpFile.Write(data); err != nil {
		tmpFile.Close()
		return fmt.Errorf("writing grants file: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		tmpFile.Close()
		return fmt.Errorf("syncing grants file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("closing temp grants file: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		return fmt.Errorf("renaming grants file to %s: %w", s.path, err)
	}
	success = true

	if err := syncDir(dir); err != nil {
		return fmt.Errorf("syncing %s: %w", dir, err)
	}
	s.exists, s.sum = true, blake3.Sum256(data)
	return nil
}

// Init creates the file with both partitions empty if it doesn't exist, and
// returns ErrMalformedFile if it exists but can't be parsed.
func (s *Storer) Init(ctx context.Context) error {
	return s.withFile(ctx, func() error {
		if s.exists {
			return nil
		}
		return s.write()
	})
}

// CreateGrant appends the passed Record to its partition, returning an
// ErrGrantAlreadyExists error if a Record with the same Key is already
// there.
func (s *Storer) CreateGrant(ctx context.Context, record grants.Record) error {
	return s.withFile(ctx, func() error {
		key := record.Key().String()
		if _, ok := s.index[record.Role][key]; ok {
			return grants.ErrGrantAlreadyExists
		}
		part := s.doc.partition(record.Role)
		*part = append(*part, toEntry(record))
		if err := s.write(); err != nil {
			*part = (*part)[:len(*part)-1]
			return err
		}
		s.index[record.Role][key] = struct{}{}
		return nil
	})
}

// ListGrants returns the partition for role in file order.
func (s *Storer) ListGrants(ctx context.Context, role grants.Role) ([]grants.Record, error) {
	var results []grants.Record
	err := s.withFile(ctx, func() error {
		entries := *s.doc.partition(role)
		results = make([]grants.Record, 0, len(entries))
		for _, e := range entries {
			results = append(results, fromEntry(role, e))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return results, nil
}

// ClearGrants empties the partition for role, leaving the other untouched.
func (s *Storer) ClearGrants(ctx context.Context, role grants.Role) error {
	return s.withFile(ctx, func() error {
		part := s.doc.partition(role)
		old := *part
		*part = []entry{}
		if err := s.write(); err != nil {
			*part = old
			return err
		}
		s.index[role] = map[string]struct{}{}
		return nil
	})
}
