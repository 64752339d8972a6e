// transfer/uploader.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package transfer

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/b2keep/b2keep/chunk"
	"github.com/b2keep/b2keep/remote"
)

// UploadConfig collects the retry policy for part uploads.
type UploadConfig struct {
	// Directory holding the encrypted part files.
	Dir string
	// Per-part attempt budget.
	Attempts int
	// Backoff between attempts grows as BackoffModifier * i^2 for
	// attempt index i.  The profile is deliberately slow-growing at
	// first and then long: these are infrequent, large, off-peak
	// transfers, not latency-sensitive requests.
	BackoffModifier time.Duration
}

const DefaultAttempts = 6
const DefaultBackoffModifier = 225 * time.Second

// Uploader moves encrypted parts to the remote store, one part at a time,
// retrying each with backoff and refreshing the session after scheduler
// pauses.  A part whose attempt budget is exhausted is recorded in the
// Result but never aborts the rest of the run.
type Uploader struct {
	store   remote.Store
	session *remote.Session
	sched   *Scheduler
	config  UploadConfig

	sleep func(time.Duration)
}

// Result summarizes an upload run: parts that exhausted their attempt
// budget and volumes that couldn't be processed at all.
type Result struct {
	Failed       []chunk.Part
	VolumeErrors map[string]error
}

func (r Result) Ok() bool {
	return len(r.Failed) == 0 && len(r.VolumeErrors) == 0
}

func NewUploader(store remote.Store, session *remote.Session,
	sched *Scheduler, config UploadConfig) *Uploader {
	if config.Attempts == 0 {
		config.Attempts = DefaultAttempts
	}
	if config.BackoffModifier == 0 {
		config.BackoffModifier = DefaultBackoffModifier
	}
	return &Uploader{
		store:   store,
		session: session,
		sched:   sched,
		config:  config,
		sleep:   time.Sleep,
	}
}

// UploadAll uploads the parts of every volume for the given period.
func (up *Uploader) UploadAll(period string, volumes []string) Result {
	result := Result{VolumeErrors: make(map[string]error)}

	for _, volume := range volumes {
		log.Print("Uploading volume: %s", volume)
		failed, err := up.UploadVolume(period, volume)
		if err != nil {
			// A local read problem, not a transfer problem; give up on
			// this volume and move on to the next.
			log.Error("%s: %s", volume, err)
			result.VolumeErrors[volume] = err
			continue
		}
		result.Failed = append(result.Failed, failed...)
	}

	return result
}

// UploadVolume uploads the volume's parts in ascending sequence order,
// continuing past individual part failures.  The returned parts are those
// that exhausted their attempt budget.  A non-nil error means the local
// part files couldn't be read and the volume was abandoned.
func (up *Uploader) UploadVolume(period, volume string) ([]chunk.Part, error) {
	parts, err := chunk.ListParts(up.config.Dir, period, volume)
	if err != nil {
		return nil, err
	}

	var failed []chunk.Part
	for _, p := range parts {
		if up.sched.Gate() {
			// The pause was probably long enough for the session token
			// to expire; get a fresh one before resuming.
			sess, err := up.store.Authorize()
			if err != nil {
				log.Error("re-authorization after pause: %s", err)
			} else {
				*up.session = sess
			}
		}

		ok, err := up.UploadPart(p)
		if err != nil {
			return failed, err
		}
		if !ok {
			failed = append(failed, p)
		}
	}
	return failed, nil
}

// UploadPart attempts to upload one part, fetching a fresh upload target
// before every attempt and backing off between attempts.  ok reports
// whether the part made it; a non-nil error means the part file itself
// couldn't be read locally.
func (up *Uploader) UploadPart(p chunk.Part) (ok bool, err error) {
	body, digest, err := up.readPart(p)
	if err != nil {
		return false, err
	}

	for i := 0; i < up.config.Attempts; i++ {
		target, terr := up.store.GetUploadTarget(*up.session)
		if terr != nil {
			log.Warning("%s: get upload target: %s", p.Name(), terr)
		} else {
			uerr := up.store.Upload(target, p.RemoteKey(), body, digest)
			if uerr == nil {
				log.Print("Uploaded %s.", p.Name())
				return true, nil
			}
			log.Warning("%s: attempt %d: %s", p.Name(), i+1, uerr)
		}

		// Back off after each attempt except for the last.
		if i < up.config.Attempts-1 {
			delay := up.config.BackoffModifier * time.Duration(i*i)
			log.Print("Backing off for %s.", delay)
			up.sleep(delay)
		}
	}

	log.Error("Failed to upload %s after %d tries.", p.Name(),
		up.config.Attempts)
	return false, nil
}

func (up *Uploader) readPart(p chunk.Part) (body []byte, digest string, err error) {
	digestBytes, err := os.ReadFile(chunk.DigestPath(up.config.Dir, p))
	if err != nil {
		return nil, "", fmt.Errorf("reading part digest: %w", err)
	}
	body, err = os.ReadFile(chunk.PartPath(up.config.Dir, p))
	if err != nil {
		return nil, "", fmt.Errorf("reading part: %w", err)
	}
	return body, strings.TrimSpace(string(digestBytes)), nil
}
