// chunk/codec_test.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package chunk

import (
	"bytes"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"math/rand"
	"os"
	"testing"

	u "github.com/b2keep/b2keep/util"
)

func init() {
	SetLogger(u.NewLogger(false, false))
}

func testCodec(t *testing.T, partSize int) *Codec {
	var key [KeySize]byte
	_, _ = rand.Read(key[:])
	return &Codec{Dir: t.TempDir(), PartSize: partSize, Key: &key}
}

func TestRoundTrip(t *testing.T) {
	const partSize = 1024
	for _, length := range []int{0, 1, partSize - 1, partSize, partSize + 1,
		3 * partSize, 3*partSize + 7} {
		c := testCodec(t, partSize)

		plain := make([]byte, length)
		_, _ = rand.Read(plain)

		n, err := c.Encode(bytes.NewReader(plain), "20260801", "vol")
		if err != nil {
			t.Fatalf("length %d: encode: %s", length, err)
		}
		want := (length + partSize - 1) / partSize
		if n != want {
			t.Errorf("length %d: wrote %d parts, expected %d", length, n, want)
		}

		var out bytes.Buffer
		n, err = c.Decode(&out, "20260801", "vol")
		if err != nil {
			t.Fatalf("length %d: decode: %s", length, err)
		}
		if n != want {
			t.Errorf("length %d: read %d parts, expected %d", length, n, want)
		}
		if !bytes.Equal(out.Bytes(), plain) {
			t.Errorf("length %d: decoded bytes differ from original", length)
		}
	}
}

// An input that is an exact multiple of the part size must not produce a
// trailing empty part.
func TestNoEmptyFinalPart(t *testing.T) {
	c := testCodec(t, 512)
	plain := make([]byte, 2*512)

	n, err := c.Encode(bytes.NewReader(plain), "20260801", "vol")
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("wrote %d parts, expected 2", n)
	}
	if _, err := os.Stat(PartPath(c.Dir, Part{Volume: "vol", Period: "20260801",
		Seq: 3})); !os.IsNotExist(err) {
		t.Errorf("unexpected third part file")
	}
}

func TestDigestMatchesCiphertext(t *testing.T) {
	c := testCodec(t, 256)
	plain := make([]byte, 700)
	_, _ = rand.Read(plain)

	if _, err := c.Encode(bytes.NewReader(plain), "20260801", "vol"); err != nil {
		t.Fatal(err)
	}

	for seq := 1; seq <= 3; seq++ {
		p := Part{Volume: "vol", Period: "20260801", Seq: seq}
		box, err := os.ReadFile(PartPath(c.Dir, p))
		if err != nil {
			t.Fatal(err)
		}
		digest, err := os.ReadFile(DigestPath(c.Dir, p))
		if err != nil {
			t.Fatal(err)
		}
		sum := sha1.Sum(box)
		if string(digest) != hex.EncodeToString(sum[:]) {
			t.Errorf("part %d: digest file doesn't match ciphertext", seq)
		}
	}
}

func TestCorruptPart(t *testing.T) {
	c := testCodec(t, 256)
	plain := make([]byte, 700)
	_, _ = rand.Read(plain)

	if _, err := c.Encode(bytes.NewReader(plain), "20260801", "vol"); err != nil {
		t.Fatal(err)
	}

	// Flip one bit in the second part.
	p := Part{Volume: "vol", Period: "20260801", Seq: 2}
	box, err := os.ReadFile(PartPath(c.Dir, p))
	if err != nil {
		t.Fatal(err)
	}
	box[len(box)/2] ^= 0x40
	if err := os.WriteFile(PartPath(c.Dir, p), box, 0600); err != nil {
		t.Fatal(err)
	}

	var out bytes.Buffer
	n, err := c.Decode(&out, "20260801", "vol")
	if err == nil {
		t.Fatal("decode of corrupted part didn't fail?")
	}
	if !errors.Is(err, ErrCorruptPart) {
		t.Errorf("got %v, expected ErrCorruptPart", err)
	}
	var cerr *CorruptPartError
	if !errors.As(err, &cerr) {
		t.Errorf("error isn't a CorruptPartError: %v", err)
	} else if cerr.Seq != 2 {
		t.Errorf("corrupt part reported as %d, expected 2", cerr.Seq)
	}
	// The part before the corrupt one decoded cleanly.
	if n != 1 {
		t.Errorf("decoded %d parts before failure, expected 1", n)
	}
	if !bytes.Equal(out.Bytes(), plain[:256]) {
		t.Errorf("decoded prefix differs from original")
	}
}

// Decryption with the wrong key is indistinguishable from tampering.
func TestWrongKey(t *testing.T) {
	c := testCodec(t, 256)
	plain := make([]byte, 100)
	if _, err := c.Encode(bytes.NewReader(plain), "20260801", "vol"); err != nil {
		t.Fatal(err)
	}

	var other [KeySize]byte
	_, _ = rand.Read(other[:])
	c.Key = &other

	var out bytes.Buffer
	_, err := c.Decode(&out, "20260801", "vol")
	if !errors.Is(err, ErrCorruptPart) {
		t.Errorf("got %v, expected ErrCorruptPart", err)
	}
}

// A missing sequence number ends the decode without error; the caller
// checks the count.
func TestGapStopsDecode(t *testing.T) {
	c := testCodec(t, 256)
	plain := make([]byte, 700)
	_, _ = rand.Read(plain)

	if _, err := c.Encode(bytes.NewReader(plain), "20260801", "vol"); err != nil {
		t.Fatal(err)
	}
	p := Part{Volume: "vol", Period: "20260801", Seq: 2}
	if err := os.Remove(PartPath(c.Dir, p)); err != nil {
		t.Fatal(err)
	}

	var out bytes.Buffer
	n, err := c.Decode(&out, "20260801", "vol")
	if err != nil {
		t.Fatalf("decode: %s", err)
	}
	if n != 1 {
		t.Errorf("decoded %d parts, expected 1", n)
	}
}

func TestEmptyInput(t *testing.T) {
	c := testCodec(t, 256)
	n, err := c.Encode(bytes.NewReader(nil), "20260801", "vol")
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("empty input wrote %d parts", n)
	}

	entries, err := os.ReadDir(c.Dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("empty input left %d files behind", len(entries))
	}
}
