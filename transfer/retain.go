// transfer/retain.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package transfer

import (
	"os"
	"path/filepath"

	"github.com/b2keep/b2keep/chunk"
	"github.com/b2keep/b2keep/remote"
)

// Retention prunes data that is no longer needed: the current period's
// local parts once they have been verified remotely, and archives and
// remote objects that have aged out.
type Retention struct {
	store   remote.Store
	session *remote.Session
	dir     string
}

func NewRetention(store remote.Store, session *remote.Session, dir string) *Retention {
	return &Retention{store: store, session: session, dir: dir}
}

// PruneCurrent deletes the local part files (and their digest and parity
// companions) for the given period.  Callers must only invoke this after
// every volume verified; an unverified run keeps its parts so the next
// run can upload them again.
func (r *Retention) PruneCurrent(period string, volumes []string) {
	log.Print("Delete current local encrypted archive file parts.")
	for _, volume := range volumes {
		parts, err := chunk.ListParts(r.dir, period, volume)
		if err != nil {
			log.Error("%s: %s", volume, err)
			continue
		}
		for _, p := range parts {
			r.removeLocal(chunk.PartPath(r.dir, p))
			r.removeCompanion(chunk.DigestPath(r.dir, p))
			r.removeCompanion(chunk.PartPath(r.dir, p) + ".rs")
		}
	}
}

// PruneOldLocal deletes local archives whose period tag is at or past the
// cutoff tag, along with any part files a failed run from that long ago
// may have left behind.  The zero-padded tag format makes string
// comparison equivalent to date comparison.
func (r *Retention) PruneOldLocal(cutoff string, volumes []string) {
	log.Print("Delete old local archived volume files.")

	known := make(map[string]struct{})
	for _, volume := range volumes {
		known[volume] = struct{}{}
	}

	entries, err := os.ReadDir(r.dir)
	if err != nil {
		log.Error("%s: %s", r.dir, err)
		return
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}

		if period, volume, ok := chunk.ParseArchiveName(e.Name()); ok {
			if period > cutoff {
				continue
			}
			if _, ok := known[volume]; !ok {
				continue
			}
			r.removeLocal(filepath.Join(r.dir, e.Name()))
			r.removeCompanion(filepath.Join(r.dir, e.Name()) + ".rs")
			continue
		}

		if p, ok := chunk.ParsePartName(e.Name()); ok {
			if p.Period > cutoff {
				continue
			}
			if _, ok := known[p.Volume]; !ok {
				continue
			}
			r.removeLocal(chunk.PartPath(r.dir, p))
			r.removeCompanion(chunk.DigestPath(r.dir, p))
			r.removeCompanion(chunk.PartPath(r.dir, p) + ".rs")
		}
	}
}

// PruneOldRemote deletes remote objects under each volume's key prefix
// for the cutoff period.  An empty listing is fine; a volume may
// legitimately have nothing that old.
func (r *Retention) PruneOldRemote(cutoff string, volumes []string) {
	log.Print("Deleting old volumes from %s.", r.store)
	for _, volume := range volumes {
		prefix := volume + "/" + cutoff
		log.Print("Deleting volume: %s", prefix)

		objects, err := r.store.List(*r.session, prefix)
		if err != nil {
			log.Warning("%s: listing remote objects: %s", prefix, err)
			continue
		}
		if len(objects) == 0 {
			log.Print("Unable to delete.  There are no old volumes matching: %s",
				prefix)
			continue
		}

		for _, obj := range objects {
			if err := r.store.Delete(*r.session, obj); err != nil {
				log.Warning("%s: delete: %s", obj.Key, err)
			} else {
				log.Print("Deleted %s from %s.", obj.Key, r.store)
			}
		}
	}
}

func (r *Retention) removeLocal(path string) {
	if err := os.Remove(path); err != nil {
		log.Error("%s: %s", path, err)
	} else {
		log.Verbose("%s: deleted", path)
	}
}

// removeCompanion removes a file that may or may not exist alongside a
// primary artifact; a missing companion isn't an error.
func (r *Retention) removeCompanion(path string) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		log.Error("%s: %s", path, err)
	}
}
