// Package offsite copies finished snapshot and journal files to an
// S3-compatible bucket (R2, MinIO, S3) so a lost host does not lose the world.
package offsite

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"strings"
	"time"
)

const (
	algorithm = "AWS4-HMAC-SHA256"
	service   = "s3"
)

type Target struct {
	Endpoint  string
	Bucket    string
	Region    string // "auto" for R2
	AccessKey string
	SecretKey string
}

// Client uploads objects with path-style URLs and SigV4 signing.
type Client struct {
	t    Target
	base string
	http *http.Client
	now  func() time.Time
}

func NewClient(t Target) (*Client, error) {
	t.Endpoint = strings.TrimSpace(t.Endpoint)
	t.Bucket = strings.TrimSpace(t.Bucket)
	if t.Endpoint == "" || t.Bucket == "" || t.AccessKey == "" || t.SecretKey == "" {
		return nil, fmt.Errorf("offsite: endpoint, bucket and keys are required")
	}
	if t.Region == "" {
		t.Region = "auto"
	}
	if !strings.Contains(t.Endpoint, "://") {
		t.Endpoint = "https://" + t.Endpoint
	}
	u, err := url.Parse(t.Endpoint)
	if err != nil || u.Host == "" {
		return nil, fmt.Errorf("offsite: bad endpoint %q", t.Endpoint)
	}
	return &Client{
		t:    t,
		base: strings.TrimRight(u.String(), "/"),
		http: &http.Client{Timeout: 2 * time.Minute},
		now:  time.Now,
	}, nil
}

// PutFile uploads the file at local under key.
func (c *Client) PutFile(ctx context.Context, key, local string) error {
	key = cleanKey(key)
	if key == "" {
		return fmt.Errorf("offsite: empty object key")
	}
	f, err := os.Open(local)
	if err != nil {
		return err
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil {
		return err
	}
	if st.IsDir() {
		return fmt.Errorf("offsite: %s is a directory", local)
	}
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return err
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return err
	}

	uri := "/" + c.t.Bucket + "/" + escapeKey(key)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.base+uri, f)
	if err != nil {
		return err
	}
	req.ContentLength = st.Size()
	req.Header.Set("Content-Type", "application/octet-stream")
	c.sign(req, uri, hex.EncodeToString(h.Sum(nil)))

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 == 2 {
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 8*1024))
	return fmt.Errorf("offsite: put %s: status %d: %s", key, resp.StatusCode, strings.TrimSpace(string(body)))
}

// sign sets the SigV4 headers over host, payload hash and date.
func (c *Client) sign(req *http.Request, uri, payloadHash string) {
	now := c.now().UTC()
	stamp := now.Format("20060102T150405Z")
	day := now.Format("20060102")
	host := req.URL.Host

	req.Header.Set("x-amz-content-sha256", payloadHash)
	req.Header.Set("x-amz-date", stamp)

	const signed = "host;x-amz-content-sha256;x-amz-date"
	canonical := strings.Join([]string{
		req.Method,
		uri,
		"",
		"host:" + host + "\nx-amz-content-sha256:" + payloadHash + "\nx-amz-date:" + stamp + "\n",
		signed,
		payloadHash,
	}, "\n")
	scope := day + "/" + c.t.Region + "/" + service + "/aws4_request"
	sum := sha256.Sum256([]byte(canonical))
	toSign := algorithm + "\n" + stamp + "\n" + scope + "\n" + hex.EncodeToString(sum[:])

	key := mac([]byte("AWS4"+c.t.SecretKey), day)
	key = mac(key, c.t.Region)
	key = mac(key, service)
	key = mac(key, "aws4_request")
	sig := hex.EncodeToString(mac(key, toSign))

	req.Header.Set("Authorization", fmt.Sprintf("%s Credential=%s/%s, SignedHeaders=%s, Signature=%s",
		algorithm, c.t.AccessKey, scope, signed, sig))
}

func mac(key []byte, data string) []byte {
	h := hmac.New(sha256.New, key)
	_, _ = h.Write([]byte(data))
	return h.Sum(nil)
}

// cleanKey normalizes separators and refuses keys that climb out of the
// bucket root.
func cleanKey(key string) string {
	key = strings.TrimSpace(strings.ReplaceAll(key, "\\", "/"))
	if key == "" {
		return ""
	}
	clean := strings.TrimPrefix(path.Clean("/"+key), "/")
	if clean == "" || clean == "." {
		return ""
	}
	return clean
}

func escapeKey(key string) string {
	parts := strings.Split(key, "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return strings.Join(parts, "/")
}
