package s3

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryClient is an in-process Client used by tests and local development.
// It also serves its objects over HTTP at /{bucket}/{key} so presigned URLs
// can be followed.
type MemoryClient struct {
	mu      sync.RWMutex
	objects map[string]memoryObject
	baseURL string
}

type memoryObject struct {
	data        []byte
	contentType string
	modified    time.Time
}

// NewMemoryClient creates an empty store.
func NewMemoryClient() *MemoryClient {
	return &MemoryClient{objects: make(map[string]memoryObject)}
}

// SetBaseURL sets the address PresignGetObject URLs point at, typically an
// httptest server wrapping the client.
func (c *MemoryClient) SetBaseURL(base string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.baseURL = strings.TrimSuffix(base, "/")
}

func memoryKey(bucket, key string) string {
	return bucket + "/" + key
}

func (c *MemoryClient) PutObject(ctx context.Context, bucket, key string, body io.ReadSeeker, contentType string) error {
	data, err := io.ReadAll(body)
	if err != nil {
		return fmt.Errorf("failed to read object data: %w", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.objects[memoryKey(bucket, key)] = memoryObject{data: data, contentType: contentType, modified: time.Now()}
	return ctx.Err()
}

func (c *MemoryClient) GetObject(ctx context.Context, bucket, key string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	obj, ok := c.objects[memoryKey(bucket, key)]
	if !ok {
		return nil, fmt.Errorf("%s/%s: %w", bucket, key, ErrNotFound)
	}
	return io.NopCloser(bytes.NewReader(obj.data)), nil
}

func (c *MemoryClient) ListObjects(_ context.Context, bucket, prefix string) ([]ObjectInfo, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []ObjectInfo
	full := memoryKey(bucket, prefix)
	for k, obj := range c.objects {
		if strings.HasPrefix(k, full) {
			out = append(out, ObjectInfo{
				Key:          strings.TrimPrefix(k, bucket+"/"),
				Size:         int64(len(obj.data)),
				LastModified: obj.modified,
			})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (c *MemoryClient) HeadBucket(context.Context, string) error { return nil }

func (c *MemoryClient) PresignGetObject(ctx context.Context, bucket, key string, ttl time.Duration) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	c.mu.RLock()
	base := c.baseURL
	c.mu.RUnlock()
	if base == "" {
		base = "memory://"
	}
	expires := time.Now().Add(ttl).Unix()
	return fmt.Sprintf("%s/%s/%s?expires=%d", base, bucket, key, expires), nil
}

// ServeHTTP answers GET /{bucket}/{key}, rejecting URLs past their expiry.
func (c *MemoryClient) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if exp := r.URL.Query().Get("expires"); exp != "" {
		var unix int64
		if _, err := fmt.Sscan(exp, &unix); err != nil || time.Now().Unix() > unix {
			http.Error(w, "request has expired", http.StatusForbidden)
			return
		}
	}
	p, err := url.PathUnescape(strings.TrimPrefix(r.URL.Path, "/"))
	if err != nil {
		http.Error(w, "bad path", http.StatusBadRequest)
		return
	}
	bucket, key, ok := strings.Cut(p, "/")
	if !ok {
		http.NotFound(w, r)
		return
	}
	c.mu.RLock()
	obj, found := c.objects[memoryKey(bucket, key)]
	c.mu.RUnlock()
	if !found {
		http.NotFound(w, r)
		return
	}
	if obj.contentType != "" {
		w.Header().Set("Content-Type", obj.contentType)
	}
	_, _ = w.Write(obj.data)
}

// ContentType returns the stored content type of an object.
func (c *MemoryClient) ContentType(bucket, key string) string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.objects[memoryKey(bucket, key)].contentType
}
