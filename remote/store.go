// remote/store.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package remote

import (
	"errors"

	u "github.com/b2keep/b2keep/util"
)

var (
	ErrNotAuthorized = errors.New("account authorization failed")
	ErrUnavailable   = errors.New("no upload target available")
	ErrRejected      = errors.New("store rejected request")
)

///////////////////////////////////////////////////////////////////////////
// Logging

var log *u.Logger

func SetLogger(l *u.Logger) {
	log = l
}

///////////////////////////////////////////////////////////////////////////
// Interface to remote object stores

// Session holds the ephemeral authorization state for one run: where to
// direct API calls and the bearer token to present.  It's obtained from
// Authorize and refreshed whenever a token is rejected or may have
// expired during a long pause.  A single owner should refresh it; other
// components only read it.
type Session struct {
	APIBase string
	Token   string
}

// UploadTarget is a short-lived destination for a single upload attempt.
// Targets expire quickly and must not be reused across attempts.
type UploadTarget struct {
	URL   string
	Token string
}

// Object describes a stored object: the key it was uploaded under and the
// store-assigned identifier needed to delete it.
type Object struct {
	Key string
	ID  string
}

// Store describes the remote object-store operations the backup pipeline
// needs.  Implementations do not retry internally; retrying a failed call
// is the caller's job, at whole-request granularity.
//
// Note: it isn't safe in general for multiple threads to call Store
// methods concurrently.
type Store interface {
	// String returns the name of the Store in the form of a string.
	String() string

	// Authorize authenticates with the store and returns a fresh
	// Session.
	Authorize() (Session, error)

	// GetUploadTarget returns a short-lived destination for one upload
	// attempt.
	GetUploadTarget(s Session) (UploadTarget, error)

	// Upload stores body under the given key at the target.  digest is
	// the hex SHA-1 of body, which the store verifies on receipt.
	// Uploading to an existing key replaces the visible object at that
	// key, so re-uploading after an ambiguous failure is harmless.
	Upload(t UploadTarget, key string, body []byte, digest string) error

	// List returns the objects whose keys start with prefix.  A nil
	// slice with a nil error means the prefix is legitimately empty;
	// callers that gate destructive actions on a listing must treat an
	// error as "unknown", not "empty".
	List(s Session, prefix string) ([]Object, error)

	// Delete removes the given object.
	Delete(s Session, obj Object) error
}
