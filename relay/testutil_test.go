package relay

import (
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"chatrelay/storage"
)

// testTimeout bounds every polling wait in this package's tests.
const testTimeout = 2 * time.Second

// fakeClient captures deliveries for assertions without any real transport.
type fakeClient struct {
	name      string
	transport Transport

	mu        sync.Mutex
	envelopes []Envelope
	chunks    [][]byte
	failSends bool
	closed    bool
}

func newFakeClient(name string, transport Transport) *fakeClient {
	return &fakeClient{name: name, transport: transport}
}

func (c *fakeClient) Name() string         { return c.name }
func (c *fakeClient) Transport() Transport { return c.transport }

func (c *fakeClient) Deliver(env Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failSends {
		return errors.New("send failed")
	}
	c.envelopes = append(c.envelopes, env)
	return nil
}

func (c *fakeClient) DeliverChunk(chunk []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failSends {
		return errors.New("send failed")
	}
	copied := append([]byte(nil), chunk...)
	c.chunks = append(c.chunks, copied)
	return nil
}

func (c *fakeClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeClient) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeClient) envelopesOfKind(kind string) []Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	matched := make([]Envelope, 0)
	for _, env := range c.envelopes {
		if env.Kind == kind {
			matched = append(matched, env)
		}
	}
	return matched
}

func (c *fakeClient) receivedBytes() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	var joined []byte
	for _, chunk := range c.chunks {
		joined = append(joined, chunk...)
	}
	return joined
}

func waitForEnvelope(t *testing.T, c *fakeClient, kind string, timeout time.Duration) Envelope {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if matched := c.envelopesOfKind(kind); len(matched) > 0 {
			return matched[0]
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %q envelope on %q", kind, c.name)
	return Envelope{}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, desc string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", desc)
}

// testRelay bundles a registry, router, and transfer manager over temp storage.
type testRelay struct {
	registry  *Registry
	router    *Router
	transfers *TransferManager
	files     *storage.Files
	store     *storage.Store
}

func newTestRelay(t *testing.T, rateLimit int64) *testRelay {
	t.Helper()

	dir := t.TempDir()
	store, _, err := storage.Open(dir)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})

	files, err := storage.NewFiles(dir)
	if err != nil {
		t.Fatalf("open files: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	registry := NewRegistry()
	router := NewRouter(registry, logger)
	transfers := NewTransferManager(files, store, router, rateLimit, logger)
	t.Cleanup(transfers.Wait)

	return &testRelay{
		registry:  registry,
		router:    router,
		transfers: transfers,
		files:     files,
		store:     store,
	}
}
