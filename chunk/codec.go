// chunk/codec.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package chunk

import (
	"crypto/rand"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"

	u "github.com/b2keep/b2keep/util"
	"golang.org/x/crypto/nacl/secretbox"
)

// KeySize is the number of bytes in a secretbox encryption key.
const KeySize = 32

// NonceSize is the number of bytes in the random nonce that prefixes each
// part's ciphertext.
const NonceSize = 24

// Overhead is the number of bytes a part's ciphertext is larger than its
// plaintext: the nonce plus the authentication tag.
const Overhead = NonceSize + secretbox.Overhead

var ErrCorruptPart = errors.New("part failed authentication")

// CorruptPartError reports that the ciphertext of the part with the given
// sequence number failed its authentication check during decode.  Note
// that decryption with the wrong key is indistinguishable from tampering,
// so a wrong key surfaces this error as well.
type CorruptPartError struct {
	Seq int
}

func (e *CorruptPartError) Error() string {
	return fmt.Sprintf("part %03d failed authentication", e.Seq)
}

func (e *CorruptPartError) Is(target error) bool {
	return target == ErrCorruptPart
}

///////////////////////////////////////////////////////////////////////////
// Logging

var log *u.Logger

func SetLogger(l *u.Logger) {
	log = l
}

///////////////////////////////////////////////////////////////////////////
// Codec

// Codec splits archives into fixed-size authenticated ciphertext parts
// and reassembles them.  Each part is independently encrypted with
// secretbox using a fresh random nonce; the part file holds the nonce
// followed by the sealed box, so a part can be decrypted without any
// external header.  A detached digest file holds the hex SHA-1 of the
// ciphertext, which the remote store requires as a content hash on
// upload.
type Codec struct {
	// Directory the part files are written to and read from.
	Dir string
	// Plaintext bytes per part; only the final part may be shorter.
	PartSize int
	Key      *[KeySize]byte
}

// Encode reads the archive stream for the given volume and period and
// writes its encrypted parts.  The source is consumed sequentially in
// PartSize windows so that arbitrarily large archives are processed in
// constant memory.  Parts are numbered from 1; an empty source produces
// no parts at all.  Returns the number of parts written.
func (c *Codec) Encode(src io.Reader, period, volume string) (int, error) {
	buf := make([]byte, c.PartSize)
	seq := 0

	for {
		n, err := io.ReadFull(src, buf)
		if n > 0 {
			seq++
			p := Part{Volume: volume, Period: period, Seq: seq}
			if werr := c.writePart(p, buf[:n]); werr != nil {
				return seq, werr
			}
			log.Debug("%s: wrote part (%s plaintext)", p.Name(),
				u.FmtBytes(int64(n)))
		}

		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return seq, nil
		}
		if err != nil {
			return seq, fmt.Errorf("%s-%s: reading archive: %w", period,
				volume, err)
		}
	}
}

func (c *Codec) writePart(p Part, plain []byte) error {
	var nonce [NonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return err
	}
	box := secretbox.Seal(nonce[:], plain, &nonce, c.Key)

	// The digest file is written first so that the presence of a part
	// file implies its digest is on disk.
	sum := sha1.Sum(box)
	digest := hex.EncodeToString(sum[:])
	if err := os.WriteFile(DigestPath(c.Dir, p), []byte(digest), 0600); err != nil {
		return err
	}
	return os.WriteFile(PartPath(c.Dir, p), box, 0600)
}

// Decode reads the encrypted parts for the given volume and period in
// ascending sequence order starting at 1 and appends the decrypted
// plaintext to dst.  The first missing sequence number ends the decode;
// a gap is not itself an error, so callers that require all parts must
// check the returned count.  Reconstruction is append-only: output
// written before a failure is not rolled back, so callers should start
// with an empty destination.  Returns the number of parts decoded.
func (c *Codec) Decode(dst io.Writer, period, volume string) (int, error) {
	for seq := 1; ; seq++ {
		p := Part{Volume: volume, Period: period, Seq: seq}
		box, err := os.ReadFile(PartPath(c.Dir, p))
		if os.IsNotExist(err) {
			return seq - 1, nil
		}
		if err != nil {
			return seq - 1, fmt.Errorf("%s: %w", p.Name(), err)
		}

		if len(box) < Overhead {
			return seq - 1, &CorruptPartError{Seq: seq}
		}
		var nonce [NonceSize]byte
		copy(nonce[:], box[:NonceSize])
		plain, ok := secretbox.Open(nil, box[NonceSize:], &nonce, c.Key)
		if !ok {
			return seq - 1, &CorruptPartError{Seq: seq}
		}

		if _, err := dst.Write(plain); err != nil {
			return seq - 1, fmt.Errorf("%s: %w", p.Name(), err)
		}
	}
}
