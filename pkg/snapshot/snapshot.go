// Package snapshot defines the cached response snapshot that generation
// stores persist: status, headers and body captured from one upstream
// response, plus the time it was stored.
package snapshot

import (
	"bytes"
	"io"
	"net/http"
	"strconv"
	"time"
)

// Snapshot is a full response snapshot. It is immutable once written to
// a store except by explicit overwrite.
type Snapshot struct {
	Status     int
	Header     http.Header
	Body       []byte
	StoredTime time.Time
}

// FromResponse captures resp into a Snapshot. It fully reads and closes
// resp.Body.
func FromResponse(resp *http.Response) (*Snapshot, error) {
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	return &Snapshot{
		Status:     resp.StatusCode,
		Header:     resp.Header.Clone(),
		Body:       body,
		StoredTime: time.Now(),
	}, nil
}

// Ok reports whether the snapshot carries a 2xx status.
func (s *Snapshot) Ok() bool {
	return s.Status >= 200 && s.Status <= 299
}

// WriteTo writes the snapshot as an HTTP response.
func (s *Snapshot) WriteTo(w http.ResponseWriter) {
	h := w.Header()
	for k, vs := range s.Header {
		h[k] = vs
	}
	h.Set("Content-Length", strconv.Itoa(len(s.Body)))
	w.WriteHeader(s.Status)
	_, _ = w.Write(s.Body)
}

// Response converts the snapshot back into an *http.Response.
func (s *Snapshot) Response() *http.Response {
	return &http.Response{
		StatusCode: s.Status,
		Header:     s.Header.Clone(),
		Body:       io.NopCloser(bytes.NewReader(s.Body)),
	}
}
