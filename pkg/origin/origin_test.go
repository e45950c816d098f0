package origin

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func Test_fetch(t *testing.T) {
	var gotURI string
	var gotHeader http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotURI = r.URL.RequestURI()
		gotHeader = r.Header.Clone()
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	c, err := NewClient(ClientOpts{BaseURL: srv.URL})
	require.NoError(t, err)

	header := make(http.Header)
	header.Set("Accept", "application/json")
	header.Set("Connection", "keep-alive") // hop header, must be stripped

	s, err := c.Fetch(context.Background(), http.MethodGet, "/api/items?page=2", header, nil)
	require.NoError(t, err)
	require.Equal(t, 200, s.Status)
	require.Equal(t, `{"ok":true}`, string(s.Body))
	require.Equal(t, "application/json", s.Header.Get("Content-Type"))

	require.Equal(t, "/api/items?page=2", gotURI)
	require.Equal(t, "application/json", gotHeader.Get("Accept"))
	require.Empty(t, gotHeader.Get("Connection"))
}

func Test_fetch_non2xxIsNotError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c, err := NewClient(ClientOpts{BaseURL: srv.URL})
	require.NoError(t, err)
	s, err := c.Fetch(context.Background(), http.MethodGet, "/", nil, nil)
	require.NoError(t, err)
	require.Equal(t, 500, s.Status)
	require.False(t, s.Ok())
}

func Test_fetch_transportFailure(t *testing.T) {
	// A closed server means a connection-level failure.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	c, err := NewClient(ClientOpts{BaseURL: srv.URL})
	require.NoError(t, err)
	_, err = c.Fetch(context.Background(), http.MethodGet, "/", nil, nil)
	require.Error(t, err)
}

func Test_fetch_bodyCapped(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(strings.Repeat("x", 1024)))
	}))
	defer srv.Close()

	c, err := NewClient(ClientOpts{BaseURL: srv.URL, MaxBodySize: 64})
	require.NoError(t, err)
	s, err := c.Fetch(context.Background(), http.MethodGet, "/", nil, nil)
	require.NoError(t, err)
	require.Len(t, s.Body, 64)
}

func Test_host(t *testing.T) {
	c, err := NewClient(ClientOpts{BaseURL: "http://App.Example:8069"})
	require.NoError(t, err)
	require.Equal(t, "app.example:8069", c.Host())
}

func Test_newClient_emptyBaseURL(t *testing.T) {
	_, err := NewClient(ClientOpts{})
	require.Error(t, err)
}
