package testutil

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
)

// Ingest is one captured POST to the collector.
type Ingest struct {
	Path string
	Body []byte
}

// Collector is a fake backend ingestion server that records every POST it
// receives. Setting Fail makes it answer 503 (the batch is still recorded
// as attempted, under FailedPaths).
type Collector struct {
	Server *httptest.Server

	mu       sync.Mutex
	fail     bool
	received []Ingest
	failed   []string
}

// StartCollector starts a fake collector. It is closed via t.Cleanup.
func StartCollector(t *testing.T) *Collector {
	t.Helper()

	c := &Collector{}
	c.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)

		c.mu.Lock()
		defer c.mu.Unlock()
		if c.fail {
			c.failed = append(c.failed, r.URL.Path)
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		c.received = append(c.received, Ingest{Path: r.URL.Path, Body: body})
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(c.Server.Close)
	return c
}

// SetFail toggles failure mode.
func (c *Collector) SetFail(fail bool) {
	c.mu.Lock()
	c.fail = fail
	c.mu.Unlock()
}

// Received returns a copy of all successfully ingested posts.
func (c *Collector) Received() []Ingest {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Ingest(nil), c.received...)
}

// FailedPaths returns the paths of posts rejected while in failure mode.
func (c *Collector) FailedPaths() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.failed...)
}

// ByPath returns ingested posts matching path.
func (c *Collector) ByPath(path string) []Ingest {
	var out []Ingest
	for _, in := range c.Received() {
		if in.Path == path {
			out = append(out, in)
		}
	}
	return out
}

// Decode unmarshals an ingest body into out.
func (in Ingest) Decode(t *testing.T, out any) {
	t.Helper()
	if err := json.Unmarshal(in.Body, out); err != nil {
		t.Fatalf("decode %s body: %v", in.Path, err)
	}
}
