package objectstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/url"
	"sync"
	"time"
)

// Fake is an in-memory Client for tests.
type Fake struct {
	mu      sync.Mutex
	objects map[string]FakeObject
	// PutErrors are returned, in order, by the next Put calls.
	PutErrors []error
	Puts      int
	// PingErr is returned by Ping.
	PingErr error
}

// FakeObject is a stored object with the options it was written with.
type FakeObject struct {
	Data    []byte
	Options PutOptions
}

// NewFake returns an empty fake store.
func NewFake() *Fake {
	return &Fake{objects: make(map[string]FakeObject)}
}

func (f *Fake) Put(_ context.Context, key string, r io.Reader, size int64, opts PutOptions) error {
	f.mu.Lock()
	f.Puts++
	if len(f.PutErrors) > 0 {
		err := f.PutErrors[0]
		f.PutErrors = f.PutErrors[1:]
		f.mu.Unlock()
		return err
	}
	f.mu.Unlock()

	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	if size >= 0 && int64(len(data)) != size {
		return fmt.Errorf("short upload: %d of %d bytes", len(data), size)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[key] = FakeObject{Data: data, Options: opts}
	return nil
}

func (f *Fake) Stat(_ context.Context, key string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	obj, ok := f.objects[key]
	if !ok {
		return 0, fmt.Errorf("object %s not found", key)
	}
	return int64(len(obj.Data)), nil
}

func (f *Fake) PresignGet(_ context.Context, key string, ttl time.Duration, filename string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.objects[key]; !ok {
		return "", fmt.Errorf("object %s not found", key)
	}
	q := url.Values{}
	q.Set("X-Amz-Expires", fmt.Sprintf("%d", int(ttl.Seconds())))
	q.Set("filename", filename)
	return "https://objects.test/" + key + "?" + q.Encode(), nil
}

func (f *Fake) Remove(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, key)
	return nil
}

func (f *Fake) Ping(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.PingErr
}

// Object returns the stored object for key.
func (f *Fake) Object(key string) (FakeObject, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	obj, ok := f.objects[key]
	if ok {
		obj.Data = bytes.Clone(obj.Data)
	}
	return obj, ok
}
