// remote/b2.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package remote

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"io/ioutil"
	"net/http"
	"net/url"
	"strings"
)

const b2AuthURL = "https://api.backblazeb2.com/b2api/v2/b2_authorize_account"

// A single List call returns at most this many objects.  A volume would
// need a part size small enough to produce over a thousand parts to hit
// the cap; the default part size keeps counts far below it.
const b2MaxFileCount = 1000

type B2Options struct {
	KeyID    string
	Key      string
	BucketID string

	// Optional. Overrides the standard authorization endpoint (used by
	// the tests to point at a local server).
	AuthURL string

	// Optional. A default client is used if nil.
	Client *http.Client
}

// Implements the Store interface against the Backblaze B2 native API.
type b2 struct {
	options B2Options
	client  *http.Client
}

// NewB2 returns a Store that talks to Backblaze B2.  No network traffic
// happens until Authorize is called.
func NewB2(options B2Options) Store {
	if options.AuthURL == "" {
		options.AuthURL = b2AuthURL
	}
	client := options.Client
	if client == nil {
		client = http.DefaultClient
	}
	return &b2{options: options, client: client}
}

func (b *b2) String() string {
	return "b2://" + b.options.BucketID
}

func (b *b2) Authorize() (Session, error) {
	req, err := http.NewRequest("GET", b.options.AuthURL, nil)
	if err != nil {
		return Session{}, err
	}
	req.SetBasicAuth(b.options.KeyID, b.options.Key)

	var resp struct {
		APIURL string `json:"apiUrl"`
		Token  string `json:"authorizationToken"`
	}
	if err := b.do(req, &resp); err != nil {
		return Session{}, fmt.Errorf("%w: %v", ErrNotAuthorized, err)
	}
	return Session{APIBase: resp.APIURL, Token: resp.Token}, nil
}

func (b *b2) GetUploadTarget(s Session) (UploadTarget, error) {
	body := map[string]string{"bucketId": b.options.BucketID}
	req, err := b.apiRequest(s, "b2_get_upload_url", body)
	if err != nil {
		return UploadTarget{}, err
	}

	var resp struct {
		UploadURL string `json:"uploadUrl"`
		Token     string `json:"authorizationToken"`
	}
	if err := b.do(req, &resp); err != nil {
		return UploadTarget{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return UploadTarget{URL: resp.UploadURL, Token: resp.Token}, nil
}

func (b *b2) Upload(t UploadTarget, key string, body []byte, digest string) error {
	r := NewLimitedUploadReader(bytes.NewReader(body))
	req, err := http.NewRequest("POST", t.URL, r)
	if err != nil {
		return err
	}
	req.ContentLength = int64(len(body))
	req.Header.Set("Authorization", t.Token)
	req.Header.Set("X-Bz-File-Name", encodeKey(key))
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("X-Bz-Content-Sha1", digest)

	return b.do(req, nil)
}

func (b *b2) List(s Session, prefix string) ([]Object, error) {
	body := map[string]interface{}{
		"bucketId":     b.options.BucketID,
		"maxFileCount": b2MaxFileCount,
		"prefix":       prefix,
	}
	req, err := b.apiRequest(s, "b2_list_file_names", body)
	if err != nil {
		return nil, err
	}

	var resp struct {
		Files []struct {
			FileName string `json:"fileName"`
			FileID   string `json:"fileId"`
		} `json:"files"`
	}
	if err := b.do(req, &resp); err != nil {
		return nil, err
	}

	var objects []Object
	for _, f := range resp.Files {
		objects = append(objects, Object{Key: f.FileName, ID: f.FileID})
	}
	return objects, nil
}

func (b *b2) Delete(s Session, obj Object) error {
	body := map[string]string{"fileName": obj.Key, "fileId": obj.ID}
	req, err := b.apiRequest(s, "b2_delete_file_version", body)
	if err != nil {
		return err
	}
	return b.do(req, nil)
}

func (b *b2) apiRequest(s Session, call string, body interface{}) (*http.Request, error) {
	buf, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequest("POST", s.APIBase+"/b2api/v2/"+call,
		bytes.NewReader(buf))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", s.Token)
	return req, nil
}

// do performs the request and decodes a JSON response body into out, if
// non-nil.  Connection errors and non-2xx statuses are reported the same
// way, as a plain error; the caller retries at whole-request granularity
// or gives up.
func (b *b2) do(req *http.Request, out interface{}) error {
	resp, err := b.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		// Read a little of the body for the log; B2 returns a JSON
		// message describing what it didn't like.
		msg, _ := ioutil.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s: HTTP %d: %s", req.URL.Path, resp.StatusCode,
			strings.TrimSpace(string(msg)))
	}

	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// encodeKey percent-encodes an object key for the X-Bz-File-Name header,
// preserving the / separators between segments.
func encodeKey(key string) string {
	segments := strings.Split(key, "/")
	for i, s := range segments {
		segments[i] = url.PathEscape(s)
	}
	return strings.Join(segments, "/")
}
