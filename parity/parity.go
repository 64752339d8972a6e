// parity/parity.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

// Package parity applies Reed-Solomon encoding to retained local files,
// based on github.com/klauspost/reedsolomon.  Encrypted parts may sit on
// local disk for months before retention removes them; a .rs companion
// file per part lets bit rot be detected and, with enough surviving
// shards, repaired.

package parity

import (
	"encoding/gob"
	"io"
	"os"

	u "github.com/b2keep/b2keep/util"
	"github.com/klauspost/reedsolomon"
	"golang.org/x/crypto/sha3"
)

// HashSize is the number of bytes in the hash values used to locate
// corruption within a shard.
const HashSize = 64

type Hash [HashSize]byte

// hashBytes computes the SHAKE256 hash of the given byte slice.
func hashBytes(b []byte) Hash {
	var h Hash
	sha3.ShakeSum256(h[:], b)
	return h
}

// File is the contents of a .rs companion file: enough parity to rebuild
// a bounded amount of damage, plus hashes at hashRate granularity to find
// where the damage is.
type File struct {
	// Size of the original file
	FileSize                   int64
	NDataShards, NParityShards int
	HashRate                   int64
	Hashes                     [][]Hash // First the data hashes, then the parity hashes.
	ParityShards               [][]byte
}

// Protect writes a .rs companion for fn using the given shard counts and
// hash granularity.
func Protect(fn, rsfn string, nDataShards, nParityShards int, hashRate int64) error {
	pf := File{
		NDataShards:   nDataShards,
		NParityShards: nParityShards,
		HashRate:      hashRate,
	}

	var err error
	var dataShards [][]byte
	dataShards, pf.FileSize, err = readAndShardFile(fn, nDataShards)
	if err != nil {
		return err
	}

	for i := 0; i < nParityShards; i++ {
		pf.ParityShards = append(pf.ParityShards,
			make([]byte, len(dataShards[0])))
	}

	enc, err := reedsolomon.New(nDataShards, nParityShards)
	if err != nil {
		return err
	}
	allShards := append(dataShards, pf.ParityShards...)
	if err := enc.Encode(allShards); err != nil {
		return err
	}
	if ok, err := enc.Verify(allShards); !ok || err != nil {
		panic("verify failed")
	}

	for _, s := range allShards {
		pf.Hashes = append(pf.Hashes, hashShards(shard(s, hashRate)))
	}

	fout, err := os.Create(rsfn)
	if err != nil {
		return err
	}
	if err := gob.NewEncoder(fout).Encode(pf); err != nil {
		fout.Close()
		return err
	}
	return fout.Close()
}

// Check verifies fn against its .rs companion, reporting any corrupt
// hash chunks via the logger.
func Check(fn, rsfn string, log *u.Logger) error {
	return checkOrRestore(fn, rsfn, log, false)
}

// Restore attempts to rebuild a damaged fn from the surviving shards,
// writing the result to fn + ".recovered".
func Restore(fn, rsfn string, log *u.Logger) error {
	return checkOrRestore(fn, rsfn, log, true)
}

func checkOrRestore(fn, rsfn string, log *u.Logger, restore bool) error {
	pf, err := readParityFile(rsfn)
	if err != nil {
		return err
	}

	dataShards, _, err := readAndShardFile(fn, pf.NDataShards)
	if err != nil {
		return err
	}

	// First shard as for Reed-Solomon, then shard for the hash chunk
	// size.
	var allShards [][][]byte
	for _, s := range dataShards {
		allShards = append(allShards, shard(s, pf.HashRate))
	}
	for _, s := range pf.ParityShards {
		allShards = append(allShards, shard(s, pf.HashRate))
	}

	// Loop over the hash chunks looking for corruption.
	errors := 0
	nHashChunks := len(allShards[0]) // == len(allShards[*])
	for hc := 0; hc < nHashChunks; hc++ {
		for s := 0; s < len(allShards); s++ {
			if hashBytes(allShards[s][hc]) == pf.Hashes[s][hc] {
				continue
			}

			if log != nil {
				kind := "data"
				idx := s
				if s >= len(dataShards) {
					kind = "parity"
					idx = s - len(dataShards)
				}
				if restore {
					log.Warning("%s: %s shard %d hash %d mismatch\n", fn,
						kind, idx, hc)
				} else {
					log.Error("%s: %s shard %d hash %d mismatch\n", fn,
						kind, idx, hc)
				}
			}
			errors++
			// nil it out (in case we're going to try and recover)
			allShards[s][hc] = nil
		}
	}

	if !restore || errors == 0 {
		return nil
	}

	// Try to recover the file.
	enc, err := reedsolomon.New(pf.NDataShards, pf.NParityShards)
	if err != nil {
		return err
	}

	for hc := 0; hc < nHashChunks; hc++ {
		missing := 0
		var recon [][]byte
		for _, s := range allShards {
			recon = append(recon, s[hc])
			if s[hc] == nil {
				missing++
			}
		}
		if missing > 0 {
			if err := enc.Reconstruct(recon); err != nil {
				return err
			}
		}

		for s := 0; s < len(dataShards); s++ {
			copy(dataShards[s][int64(hc)*pf.HashRate:], recon[s])
		}
	}

	f, err := os.Create(fn + ".recovered")
	if err != nil {
		return err
	}
	w := &limitedWriter{f, pf.FileSize}
	for _, s := range dataShards {
		if _, err := w.Write(s); err != nil {
			f.Close()
			return err
		}
	}
	return f.Close()
}

// readAndShardFile reads fn and splits it into nshards equal-size byte
// slices, zero-padding the tail of the last one.
func readAndShardFile(fn string, nshards int) (shards [][]byte, size int64, err error) {
	f, err := os.Open(fn)
	if err != nil {
		return
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		return
	}
	size = fi.Size()

	shardSize := (size + int64(nshards) - 1) / int64(nshards)
	// Allocate extra space so all shards can be the same size.
	buf := make([]byte, int64(nshards)*shardSize)

	if _, err = io.ReadFull(f, buf[:size]); err != nil {
		return
	}

	shards = shard(buf, shardSize)
	return
}

func shard(b []byte, size int64) (s [][]byte) {
	for int64(len(b)) > size {
		s = append(s, b[:size])
		b = b[size:]
	}
	return append(s, b)
}

func hashShards(b [][]byte) (hashes []Hash) {
	for _, s := range b {
		hashes = append(hashes, hashBytes(s))
	}
	return
}

func readParityFile(fn string) (File, error) {
	var pf File
	f, err := os.Open(fn)
	if err != nil {
		return pf, err
	}
	defer f.Close()
	err = gob.NewDecoder(f).Decode(&pf)
	return pf, err
}

type limitedWriter struct {
	W io.Writer
	N int64
}

func (w *limitedWriter) Write(data []byte) (int, error) {
	if int64(len(data)) > w.N {
		data = data[:w.N]
	}
	n, err := w.W.Write(data)
	w.N -= int64(n)
	return n, err
}
