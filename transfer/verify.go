// transfer/verify.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package transfer

import (
	"github.com/b2keep/b2keep/chunk"
	"github.com/b2keep/b2keep/remote"
)

// Verifier confirms that every locally-produced part reached the remote
// store.  Verification is the gate in front of all local deletion, so it
// fails closed: a listing that can't be fetched counts as "not verified",
// never as "nothing there."
type Verifier struct {
	store   remote.Store
	session *remote.Session
	dir     string
}

func NewVerifier(store remote.Store, session *remote.Session, dir string) *Verifier {
	return &Verifier{store: store, session: session, dir: dir}
}

// VerifyVolume reports whether every local part of the volume for the
// given period has a matching object in the remote store.
func (v *Verifier) VerifyVolume(period, volume string) bool {
	objects, err := v.store.List(*v.session, volume+"/"+period)
	if err != nil {
		log.Warning("%s: listing remote objects: %s", volume, err)
		return false
	}
	if len(objects) == 0 {
		log.Warning("%s not found on %s.", volume, v.store)
		return false
	}

	remoteKeys := make(map[string]struct{})
	for _, obj := range objects {
		remoteKeys[obj.Key] = struct{}{}
	}

	parts, err := chunk.ListParts(v.dir, period, volume)
	if err != nil {
		log.Warning("%s: listing local parts: %s", volume, err)
		return false
	}
	for _, p := range parts {
		if _, ok := remoteKeys[p.RemoteKey()]; !ok {
			log.Warning("%s not found on %s.", p.Name(), v.store)
			return false
		}
	}
	return true
}

// VerifyAll reports whether every volume verified for the given period.
func (v *Verifier) VerifyAll(period string, volumes []string) bool {
	ok := true
	for _, volume := range volumes {
		if !v.VerifyVolume(period, volume) {
			ok = false
		}
	}
	return ok
}
