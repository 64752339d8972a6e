// remote/b2_test.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package remote

import (
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sort"
	"strings"
	"testing"

	u "github.com/b2keep/b2keep/util"
)

func init() {
	SetLogger(u.NewLogger(false, false))
}

// fakeB2 is a minimal in-process implementation of the handful of B2
// native API calls the b2 Store uses.
type fakeB2 struct {
	t       *testing.T
	server  *httptest.Server
	objects map[string]string // key -> fileId
	bodies  map[string][]byte
	nextID  int

	failUploads  bool
	authFailures int
}

func newFakeB2(t *testing.T) *fakeB2 {
	f := &fakeB2{
		t:       t,
		objects: make(map[string]string),
		bodies:  make(map[string][]byte),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/b2api/v2/b2_authorize_account", f.authorize)
	mux.HandleFunc("/b2api/v2/b2_get_upload_url", f.getUploadURL)
	mux.HandleFunc("/upload", f.upload)
	mux.HandleFunc("/b2api/v2/b2_list_file_names", f.list)
	mux.HandleFunc("/b2api/v2/b2_delete_file_version", f.deleteFile)
	f.server = httptest.NewServer(mux)
	t.Cleanup(f.server.Close)
	return f
}

func (f *fakeB2) store() Store {
	return NewB2(B2Options{
		KeyID:    "keyid",
		Key:      "applicationKey",
		BucketID: "bucket0",
		AuthURL:  f.server.URL + "/b2api/v2/b2_authorize_account",
	})
}

func (f *fakeB2) authorize(w http.ResponseWriter, r *http.Request) {
	if f.authFailures > 0 {
		f.authFailures--
		http.Error(w, `{"code":"bad_auth_token"}`, http.StatusUnauthorized)
		return
	}
	id, key, ok := r.BasicAuth()
	if !ok || id != "keyid" || key != "applicationKey" {
		http.Error(w, `{"code":"unauthorized"}`, http.StatusUnauthorized)
		return
	}
	json.NewEncoder(w).Encode(map[string]string{
		"apiUrl":             f.server.URL,
		"authorizationToken": "account-token",
	})
}

func (f *fakeB2) checkToken(w http.ResponseWriter, r *http.Request) bool {
	if r.Header.Get("Authorization") != "account-token" {
		http.Error(w, `{"code":"bad_auth_token"}`, http.StatusUnauthorized)
		return false
	}
	return true
}

func (f *fakeB2) getUploadURL(w http.ResponseWriter, r *http.Request) {
	if !f.checkToken(w, r) {
		return
	}
	var req struct {
		BucketID string `json:"bucketId"`
	}
	json.NewDecoder(r.Body).Decode(&req)
	if req.BucketID != "bucket0" {
		http.Error(w, `{"code":"bad_bucket_id"}`, http.StatusBadRequest)
		return
	}
	json.NewEncoder(w).Encode(map[string]string{
		"uploadUrl":          f.server.URL + "/upload",
		"authorizationToken": "upload-token",
	})
}

func (f *fakeB2) upload(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("Authorization") != "upload-token" {
		http.Error(w, `{"code":"bad_auth_token"}`, http.StatusUnauthorized)
		return
	}
	if f.failUploads {
		http.Error(w, `{"code":"service_unavailable"}`, http.StatusServiceUnavailable)
		return
	}

	name, err := url.PathUnescape(r.Header.Get("X-Bz-File-Name"))
	if err != nil {
		http.Error(w, `{"code":"bad_file_name"}`, http.StatusBadRequest)
		return
	}
	body, _ := io.ReadAll(r.Body)
	sum := sha1.Sum(body)
	if hex.EncodeToString(sum[:]) != r.Header.Get("X-Bz-Content-Sha1") {
		http.Error(w, `{"code":"checksum_mismatch"}`, http.StatusBadRequest)
		return
	}

	f.nextID++
	f.objects[name] = fmt.Sprintf("file-%d", f.nextID)
	f.bodies[name] = body
	json.NewEncoder(w).Encode(map[string]string{"fileName": name})
}

func (f *fakeB2) list(w http.ResponseWriter, r *http.Request) {
	if !f.checkToken(w, r) {
		return
	}
	var req struct {
		Prefix string `json:"prefix"`
	}
	json.NewDecoder(r.Body).Decode(&req)

	type file struct {
		FileName string `json:"fileName"`
		FileID   string `json:"fileId"`
	}
	files := []file{}
	for key, id := range f.objects {
		if strings.HasPrefix(key, req.Prefix) {
			files = append(files, file{FileName: key, FileID: id})
		}
	}
	sort.Slice(files, func(i, j int) bool { return files[i].FileName < files[j].FileName })
	json.NewEncoder(w).Encode(map[string]interface{}{"files": files})
}

func (f *fakeB2) deleteFile(w http.ResponseWriter, r *http.Request) {
	if !f.checkToken(w, r) {
		return
	}
	var req struct {
		FileName string `json:"fileName"`
		FileID   string `json:"fileId"`
	}
	json.NewDecoder(r.Body).Decode(&req)
	if f.objects[req.FileName] != req.FileID {
		http.Error(w, `{"code":"file_not_present"}`, http.StatusBadRequest)
		return
	}
	delete(f.objects, req.FileName)
	delete(f.bodies, req.FileName)
	json.NewEncoder(w).Encode(map[string]string{})
}

func TestB2EndToEnd(t *testing.T) {
	f := newFakeB2(t)
	b := f.store()

	session, err := b.Authorize()
	if err != nil {
		t.Fatalf("authorize: %s", err)
	}
	if session.Token != "account-token" || session.APIBase != f.server.URL {
		t.Fatalf("session = %+v", session)
	}

	target, err := b.GetUploadTarget(session)
	if err != nil {
		t.Fatalf("get upload target: %s", err)
	}

	body := []byte("ciphertext bytes")
	sum := sha1.Sum(body)
	digest := hex.EncodeToString(sum[:])
	key := "photos/20260801-photos.tar.gz.enc.part001"
	if err := b.Upload(target, key, body, digest); err != nil {
		t.Fatalf("upload: %s", err)
	}
	if string(f.bodies[key]) != string(body) {
		t.Errorf("server stored %q", f.bodies[key])
	}

	objects, err := b.List(session, "photos/20260801")
	if err != nil {
		t.Fatalf("list: %s", err)
	}
	if len(objects) != 1 || objects[0].Key != key {
		t.Fatalf("objects = %+v", objects)
	}

	if objects, err = b.List(session, "docs/"); err != nil {
		t.Fatalf("list: %s", err)
	} else if len(objects) != 0 {
		t.Errorf("unexpected objects under empty prefix: %+v", objects)
	}

	objects, _ = b.List(session, "photos/")
	if err := b.Delete(session, objects[0]); err != nil {
		t.Fatalf("delete: %s", err)
	}
	if len(f.objects) != 0 {
		t.Errorf("object still on server after delete")
	}
}

func TestB2BadCredentials(t *testing.T) {
	f := newFakeB2(t)
	b := NewB2(B2Options{
		KeyID:    "keyid",
		Key:      "wrong",
		BucketID: "bucket0",
		AuthURL:  f.server.URL + "/b2api/v2/b2_authorize_account",
	})

	_, err := b.Authorize()
	if !errors.Is(err, ErrNotAuthorized) {
		t.Errorf("got %v, expected ErrNotAuthorized", err)
	}
}

func TestB2UploadFailureSurfaces(t *testing.T) {
	f := newFakeB2(t)
	b := f.store()

	session, err := b.Authorize()
	if err != nil {
		t.Fatal(err)
	}
	target, err := b.GetUploadTarget(session)
	if err != nil {
		t.Fatal(err)
	}

	f.failUploads = true
	body := []byte("bytes")
	sum := sha1.Sum(body)
	if err := b.Upload(target, "k", body, hex.EncodeToString(sum[:])); err == nil {
		t.Errorf("upload against failing server succeeded?")
	}

	// The store doesn't retry internally; the same upload works once the
	// server recovers.
	f.failUploads = false
	if err := b.Upload(target, "k", body, hex.EncodeToString(sum[:])); err != nil {
		t.Errorf("upload after recovery: %s", err)
	}
}

func TestB2ExpiredSession(t *testing.T) {
	f := newFakeB2(t)
	b := f.store()

	stale := Session{APIBase: f.server.URL, Token: "expired"}
	if _, err := b.GetUploadTarget(stale); !errors.Is(err, ErrUnavailable) {
		t.Errorf("got %v, expected ErrUnavailable", err)
	}
	if _, err := b.List(stale, "photos/"); err == nil {
		t.Errorf("list with an expired token succeeded?")
	}
}

// Object keys contain / separators and may contain characters that need
// escaping in the X-Bz-File-Name header.
func TestB2KeyEncoding(t *testing.T) {
	f := newFakeB2(t)
	b := f.store()

	session, _ := b.Authorize()
	target, _ := b.GetUploadTarget(session)

	key := "my photos/20260801-my photos.tar.gz.enc.part001"
	body := []byte("x")
	sum := sha1.Sum(body)
	if err := b.Upload(target, key, body, hex.EncodeToString(sum[:])); err != nil {
		t.Fatalf("upload: %s", err)
	}
	if _, ok := f.objects[key]; !ok {
		t.Errorf("server keys = %+v", f.objects)
	}
}
