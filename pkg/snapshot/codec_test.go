package snapshot

import (
	"bytes"
	"net/http"
	"testing"
	"time"
)

func Test_packUnpack(t *testing.T) {
	s := &Snapshot{
		Status: 200,
		Header: http.Header{
			"Content-Type":  []string{"text/html; charset=utf-8"},
			"Cache-Control": []string{"no-store", "max-age=0"},
		},
		Body:       []byte("<!doctype html><html><body>shell</body></html>"),
		StoredTime: time.Unix(1700000000, 0),
	}

	b, err := Pack(s)
	if err != nil {
		t.Fatal(err)
	}
	got, err := Unpack(b)
	if err != nil {
		t.Fatal(err)
	}

	if got.Status != s.Status {
		t.Fatal("status mismatched")
	}
	if !bytes.Equal(got.Body, s.Body) {
		t.Fatal("body mismatched")
	}
	if got.Header.Get("Content-Type") != "text/html; charset=utf-8" {
		t.Fatal("header mismatched")
	}
	if len(got.Header["Cache-Control"]) != 2 {
		t.Fatal("multi-value header lost")
	}
	if !got.StoredTime.Equal(s.StoredTime) {
		t.Fatal("stored time mismatched")
	}
}

func Test_packEmptyBody(t *testing.T) {
	s := &Snapshot{Status: 204, Header: http.Header{}, StoredTime: time.Now()}
	b, err := Pack(s)
	if err != nil {
		t.Fatal(err)
	}
	got, err := Unpack(b)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != 204 || len(got.Body) != 0 {
		t.Fatal()
	}
}

func Test_unpackShortData(t *testing.T) {
	for _, b := range [][]byte{nil, {0x01}, make([]byte, headerOverhead-1)} {
		if _, err := Unpack(b); err == nil {
			t.Fatal("want error on short data")
		}
	}
}

func Test_ok(t *testing.T) {
	if !(&Snapshot{Status: 200}).Ok() || !(&Snapshot{Status: 299}).Ok() {
		t.Fatal()
	}
	if (&Snapshot{Status: 199}).Ok() || (&Snapshot{Status: 304}).Ok() || (&Snapshot{Status: 500}).Ok() {
		t.Fatal()
	}
}
