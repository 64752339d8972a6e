// remote/memory.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package remote

import (
	"fmt"
	"sort"
	"strings"
)

// Memory is a Store that keeps all objects in RAM.  It's really only
// useful for testing code built on top of Store; its exported fields let
// tests inject the failures that a real store produces over the network.
type Memory struct {
	// RejectUploads makes every Upload call fail.
	RejectUploads bool
	// FailUploads makes the next n Upload calls fail.
	FailUploads int
	// FailList makes every List call fail.
	FailList bool

	// Call counters, for tests to assert against.
	Authorizations int
	TargetsIssued  int
	UploadCalls    int

	objects map[string]Object
	data    map[string][]byte
	nextID  int
}

func NewMemory() *Memory {
	return &Memory{
		objects: make(map[string]Object),
		data:    make(map[string][]byte),
	}
}

func (m *Memory) String() string {
	return "memory"
}

func (m *Memory) Authorize() (Session, error) {
	m.Authorizations++
	return Session{
		APIBase: "memory",
		Token:   fmt.Sprintf("token-%d", m.Authorizations),
	}, nil
}

func (m *Memory) GetUploadTarget(s Session) (UploadTarget, error) {
	m.TargetsIssued++
	return UploadTarget{
		URL:   "memory/upload",
		Token: fmt.Sprintf("upload-token-%d", m.TargetsIssued),
	}, nil
}

func (m *Memory) Upload(t UploadTarget, key string, body []byte, digest string) error {
	m.UploadCalls++
	if m.RejectUploads {
		return ErrRejected
	}
	if m.FailUploads > 0 {
		m.FailUploads--
		return ErrRejected
	}

	// Uploading to an existing key replaces the object there, matching
	// the key-granularity idempotence of the real stores.
	m.nextID++
	m.objects[key] = Object{Key: key, ID: fmt.Sprintf("id-%d", m.nextID)}
	m.data[key] = append([]byte(nil), body...)
	return nil
}

func (m *Memory) List(s Session, prefix string) ([]Object, error) {
	if m.FailList {
		return nil, ErrRejected
	}

	var objects []Object
	for key, obj := range m.objects {
		if strings.HasPrefix(key, prefix) {
			objects = append(objects, obj)
		}
	}
	sort.Slice(objects, func(i, j int) bool {
		return objects[i].Key < objects[j].Key
	})
	return objects, nil
}

func (m *Memory) Delete(s Session, obj Object) error {
	stored, ok := m.objects[obj.Key]
	if !ok || stored.ID != obj.ID {
		return ErrRejected
	}
	delete(m.objects, obj.Key)
	delete(m.data, obj.Key)
	return nil
}

// NumObjects returns how many objects the store currently holds.
func (m *Memory) NumObjects() int {
	return len(m.objects)
}

// Data returns the stored body for key, or nil if absent.
func (m *Memory) Data(key string) []byte {
	return m.data[key]
}
