// chunk/part.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package chunk

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"
)

// A Part identifies one encrypted chunk of a volume's archive: which
// volume it belongs to, which backup period produced it, and its 1-based
// position in the sequence of chunks.
type Part struct {
	Volume string
	Period string
	Seq    int
}

const partMarker = ".tar.gz.enc.part"

// Name returns the local filename for the part.  The sequence number is
// zero-padded to three digits so that the lexicographic sort order of part
// filenames matches their numeric order.
func (p Part) Name() string {
	return fmt.Sprintf("%s-%s.tar.gz.enc.part%03d", p.Period, p.Volume, p.Seq)
}

// DigestName returns the filename of the part's detached ciphertext
// digest, stored alongside the part itself.
func (p Part) DigestName() string {
	return p.Name() + ".sha1"
}

// RemoteKey returns the object key under which the part is stored
// remotely.
func (p Part) RemoteKey() string {
	return p.Volume + "/" + p.Name()
}

// ArchiveName returns the local filename of the archive for the given
// volume and period.
func ArchiveName(period, volume string) string {
	return fmt.Sprintf("%s-%s.tar.gz", period, volume)
}

// PeriodTag returns the calendar tag for the backup period that contains
// the given time: the first day of its month, formatted YYYYMMDD.  The tag
// prefixes archive and part filenames and remote object keys so that all
// artifacts of one run can be correlated.
func PeriodTag(t time.Time) string {
	return t.Format("200601") + "01"
}

// RetirePeriodTag returns the period tag used when expiring old data: the
// period that contained the instant the given number of weeks before t.
func RetirePeriodTag(t time.Time, weeks int) string {
	return PeriodTag(t.AddDate(0, 0, -7*weeks))
}

// ParsePartName parses a part filename of the form
// {period}-{volume}.tar.gz.enc.partNNN.  It reports false for digest
// files, archives, and anything else that doesn't match.
func ParsePartName(name string) (Part, bool) {
	i := strings.Index(name, partMarker)
	if i < 0 {
		return Part{}, false
	}
	seqStr := name[i+len(partMarker):]
	if len(seqStr) < 3 {
		return Part{}, false
	}
	seq, err := strconv.Atoi(seqStr)
	if err != nil {
		return Part{}, false
	}

	base := name[:i]
	dash := strings.Index(base, "-")
	if dash <= 0 || dash == len(base)-1 {
		return Part{}, false
	}
	period := base[:dash]
	for _, c := range period {
		if c < '0' || c > '9' {
			return Part{}, false
		}
	}

	return Part{Volume: base[dash+1:], Period: period, Seq: seq}, true
}

// ParseArchiveName parses an archive filename of the form
// {period}-{volume}.tar.gz.
func ParseArchiveName(name string) (period, volume string, ok bool) {
	if !strings.HasSuffix(name, ".tar.gz") {
		return "", "", false
	}
	base := strings.TrimSuffix(name, ".tar.gz")
	dash := strings.Index(base, "-")
	if dash <= 0 || dash == len(base)-1 {
		return "", "", false
	}
	period = base[:dash]
	for _, c := range period {
		if c < '0' || c > '9' {
			return "", "", false
		}
	}
	return period, base[dash+1:], true
}

// ListParts scans dir for the encrypted parts of the given volume and
// period and returns them in ascending sequence order.
func ListParts(dir, period, volume string) ([]Part, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var parts []Part
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		p, ok := ParsePartName(e.Name())
		if !ok || p.Period != period || p.Volume != volume {
			continue
		}
		parts = append(parts, p)
	}

	sort.Slice(parts, func(i, j int) bool { return parts[i].Seq < parts[j].Seq })
	return parts, nil
}

// PartPath returns the full local path of the part's ciphertext file.
func PartPath(dir string, p Part) string {
	return filepath.Join(dir, p.Name())
}

// DigestPath returns the full local path of the part's digest file.
func DigestPath(dir string, p Part) string {
	return filepath.Join(dir, p.DigestName())
}
