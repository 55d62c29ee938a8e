// Package objectstoretest provides an in-memory objectstore.Store for tests.
package objectstoretest

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"video-chunk-pipeline/internal/objectstore"
)

type Object struct {
	Data        []byte
	ContentType string
}

// Fake is a concurrency-safe in-memory Store. Hook functions, when set, run before the default
// behaviour and may return an error to fail the call.
type Fake struct {
	mu      sync.Mutex
	objects map[string]Object
	puts    map[string]int
	deletes []string

	PutHook    func(key string, attempt int) error
	SignHook   func(key string) (string, error)
	DeleteHook func(key string) error
}

func New() *Fake {
	return &Fake{objects: map[string]Object{}, puts: map[string]int{}}
}

func id(bucket, key string) string { return bucket + "/" + key }

func (f *Fake) Put(ctx context.Context, bucket, key string, r io.Reader, size int64, contentType string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	f.puts[key]++
	attempt := f.puts[key]
	hook := f.PutHook
	f.mu.Unlock()
	if hook != nil {
		if err := hook(key, attempt); err != nil {
			return err
		}
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	if int64(len(data)) != size {
		return fmt.Errorf("fake: size mismatch for %s: %d != %d", key, len(data), size)
	}
	f.mu.Lock()
	f.objects[id(bucket, key)] = Object{Data: data, ContentType: contentType}
	f.mu.Unlock()
	return nil
}

func (f *Fake) SignedURL(ctx context.Context, bucket, key string, expiry time.Duration) (string, error) {
	if f.SignHook != nil {
		return f.SignHook(key)
	}
	if _, ok := f.Object(bucket, key); !ok {
		return "", objectstore.ErrNotFound
	}
	return fmt.Sprintf("https://signed.example/%s/%s?expires=%d", bucket, key, int(expiry.Seconds())), nil
}

func (f *Fake) Delete(ctx context.Context, bucket, key string) error {
	if f.DeleteHook != nil {
		if err := f.DeleteHook(key); err != nil {
			return err
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletes = append(f.deletes, key)
	delete(f.objects, id(bucket, key))
	return nil
}

func (f *Fake) Get(ctx context.Context, bucket, key string) (io.ReadCloser, error) {
	obj, ok := f.Object(bucket, key)
	if !ok {
		return nil, objectstore.ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(obj.Data)), nil
}

func (f *Fake) Stat(ctx context.Context, bucket, key string) (objectstore.ObjectInfo, error) {
	obj, ok := f.Object(bucket, key)
	if !ok {
		return objectstore.ObjectInfo{}, objectstore.ErrNotFound
	}
	return objectstore.ObjectInfo{Key: key, Size: int64(len(obj.Data)), ContentType: obj.ContentType}, nil
}

func (f *Fake) ObjectURL(bucket, key string) string {
	return "https://objects.example/" + id(bucket, key)
}

func (f *Fake) Object(bucket, key string) (Object, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	obj, ok := f.objects[id(bucket, key)]
	return obj, ok
}

// Keys lists stored keys for bucket in sorted order.
func (f *Fake) Keys(bucket string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	prefix := bucket + "/"
	for k := range f.objects {
		if len(k) > len(prefix) && k[:len(prefix)] == prefix {
			out = append(out, k[len(prefix):])
		}
	}
	sort.Strings(out)
	return out
}

// PutCount is the number of Put calls seen for key, including failed ones.
func (f *Fake) PutCount(key string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.puts[key]
}

func (f *Fake) Deleted() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.deletes...)
}
