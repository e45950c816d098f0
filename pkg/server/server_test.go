package server

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"testing"
	"time"
)

func Test_server(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}

	s := NewServer(ServerOpts{
		Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("ok"))
		}),
	})

	errChan := make(chan error, 1)
	go func() {
		errChan <- s.ServeHTTP(l)
	}()

	resp, err := http.Get(fmt.Sprintf("http://%s/", l.Addr()))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatal("unexpected status")
	}

	s.Close()
	select {
	case err := <-errChan:
		if !errors.Is(err, ErrServerClosed) {
			t.Fatalf("want ErrServerClosed, got %v", err)
		}
	case <-time.After(time.Second * 5):
		t.Fatal("server did not stop")
	}

	// Serving on a closed server fails immediately.
	l2, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer l2.Close()
	if err := s.ServeHTTP(l2); !errors.Is(err, ErrServerClosed) {
		t.Fatalf("want ErrServerClosed, got %v", err)
	}
}

func Test_server_missingHandler(t *testing.T) {
	s := NewServer(ServerOpts{})
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()
	if err := s.ServeHTTP(l); err == nil {
		t.Fatal("want error")
	}
}
