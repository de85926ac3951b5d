package sandbox

import (
	"context"
	"io"
	"net/http"
	"time"

	"kiln/internal/permission"
)

// Fetch is the network shim. Every request is pre-checked against the
// network allow-list; non-matching hosts fail closed before any connection
// is attempted.
type Fetch struct {
	spec   *permission.Spec
	client *http.Client
}

// NewFetch builds a network shim for one execution. A nil client gets a
// default with a conservative timeout.
func NewFetch(spec *permission.Spec, client *http.Client) *Fetch {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Fetch{spec: spec, client: client}
}

// Do performs a pre-checked HTTP request.
func (f *Fetch) Do(req *http.Request) (*http.Response, error) {
	host := req.URL.Hostname()
	if d := f.spec.CheckHost(host); !d.Allowed {
		return nil, permission.Denied("net.fetch", host, d.Reason)
	}
	return f.client.Do(req)
}

// Get fetches a URL with the standard GET semantics.
func (f *Fetch) Get(ctx context.Context, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	return f.Do(req)
}

// Post sends a body with the standard POST semantics.
func (f *Fetch) Post(ctx context.Context, url, contentType string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", contentType)
	return f.Do(req)
}
