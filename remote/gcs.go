// remote/gcs.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package remote

import (
	"bytes"
	"fmt"
	"hash/crc32"
	"io"

	gcs "cloud.google.com/go/storage"
	"golang.org/x/net/context"
	"google.golang.org/api/iterator"
)

// Implements the Store interface on top of a Google Cloud Storage bucket,
// as an alternative to B2.  Authorization is ambient (application default
// credentials), so Authorize and GetUploadTarget have nothing to fetch;
// they exist to satisfy the Store contract.
type gcsStore struct {
	ctx     context.Context
	client  *gcs.Client
	bucket  *gcs.BucketHandle
	options GCSOptions
}

type GCSOptions struct {
	BucketName string
	ProjectId  string
	// Optional. Will use "us-central1" if not specified.
	Location string
}

func NewGCS(options GCSOptions) Store {
	g := &gcsStore{ctx: context.Background(), options: options}

	var err error
	g.client, err = gcs.NewClient(g.ctx)
	log.CheckError(err)

	// Create the bucket if it doesn't exist.
	g.bucket = g.client.Bucket(options.BucketName)
	if _, err := g.bucket.Attrs(g.ctx); err == gcs.ErrBucketNotExist {
		loc := options.Location
		if loc == "" {
			loc = "us-central1"
		}
		log.Verbose("%s: creating bucket @ %s", options.BucketName, loc)
		log.Check(options.ProjectId != "")
		err := g.bucket.Create(g.ctx, options.ProjectId,
			&gcs.BucketAttrs{Location: loc})
		log.CheckError(err)
	} else {
		log.CheckError(err)
	}

	return g
}

func (g *gcsStore) String() string {
	return "gs://" + g.options.BucketName
}

func (g *gcsStore) Authorize() (Session, error) {
	return Session{APIBase: "gs://" + g.options.BucketName}, nil
}

func (g *gcsStore) GetUploadTarget(s Session) (UploadTarget, error) {
	return UploadTarget{URL: s.APIBase}, nil
}

var castagnoliTable = crc32.MakeTable(crc32.Castagnoli)

func (g *gcsStore) Upload(t UploadTarget, key string, body []byte, digest string) error {
	// digest is the SHA-1 that B2 wants; GCS verifies integrity with
	// CRC32C instead, checked below.
	log.Verbose("%s: starting upload", key)

	w := g.bucket.Object(key).NewWriter(g.ctx)
	// Make it upload along the way rather than waiting until the rate
	// limiting code eventually gives it all the data.
	w.ChunkSize = 256 * 1024
	w.ContentType = "application/octet-stream"

	r := NewLimitedUploadReader(bytes.NewReader(body))
	if _, err := io.Copy(w, r); err != nil {
		w.Close()
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}

	// Double-check that the CRC we compute locally is the same as what
	// GCS thinks it is; a mismatch means the bytes were corrupted on the
	// way over, so report it as a failed upload and let the caller retry
	// from scratch.
	localCrc := crc32.Checksum(body, castagnoliTable)
	if gcsCrc := w.Attrs().CRC32C; localCrc != gcsCrc {
		return fmt.Errorf("%s: CRC32 checksum mismatch. Local: %d, GCS: %d",
			key, localCrc, gcsCrc)
	}

	log.Verbose("%s: finished upload", key)
	return nil
}

func (g *gcsStore) List(s Session, prefix string) ([]Object, error) {
	var objects []Object
	it := g.bucket.Objects(g.ctx, &gcs.Query{Prefix: prefix})
	for {
		obj, err := it.Next()
		if err == iterator.Done {
			return objects, nil
		}
		if err != nil {
			return nil, err
		}
		objects = append(objects, Object{Key: obj.Name, ID: obj.Name})
	}
}

func (g *gcsStore) Delete(s Session, obj Object) error {
	return g.bucket.Object(obj.Key).Delete(g.ctx)
}
