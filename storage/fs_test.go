package storage

import (
	"context"
	"encoding/base64"
	"errors"
	"testing"
)

func newTestStore(t *testing.T) *FSStore {
	t.Helper()
	s, err := NewFSStore(t.TempDir(), "/files")
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestFSStoreRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.Save(ctx, "jobs/abc/page.html", []byte("<p>hi</p>"), "text/html"); err != nil {
		t.Fatalf("Save: %v", err)
	}
	data, err := s.Read(ctx, "jobs/abc/page.html")
	if err != nil || string(data) != "<p>hi</p>" {
		t.Fatalf("Read = %q, %v", data, err)
	}
	if got := s.URL("jobs/abc/page.html"); got != "/files/jobs/abc/page.html" {
		t.Errorf("URL = %q", got)
	}
}

func TestFSStoreInternalURL(t *testing.T) {
	s, err := NewFSStore(t.TempDir(), "https://cdn.example.com/files",
		WithFSInternalBaseURL("http://api.internal:8090/files"))
	if err != nil {
		t.Fatal(err)
	}
	if got := s.URL("uploads/f1"); got != "https://cdn.example.com/files/uploads/f1" {
		t.Errorf("URL = %q", got)
	}
	if got := s.InternalURL("uploads/f1"); got != "http://api.internal:8090/files/uploads/f1" {
		t.Errorf("InternalURL = %q", got)
	}

	// Without an internal base the two audiences share one address.
	s2 := newTestStore(t)
	if s2.InternalURL("uploads/f1") != s2.URL("uploads/f1") {
		t.Errorf("InternalURL = %q, URL = %q", s2.InternalURL("uploads/f1"), s2.URL("uploads/f1"))
	}
}

func TestFSStoreMissingKey(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.Read(context.Background(), "nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Read missing = %v, want ErrNotFound", err)
	}
	// Delete of a missing key is idempotent.
	if err := s.Delete(context.Background(), "nope"); err != nil {
		t.Errorf("Delete missing = %v", err)
	}
}

func TestFSStoreDeletePrefix(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	s.Save(ctx, "jobs/abc/a.png", []byte("a"), "image/png")
	s.Save(ctx, "jobs/abc/b.png", []byte("b"), "image/png")
	s.Save(ctx, "jobs/other/c.png", []byte("c"), "image/png")

	if err := s.DeletePrefix(ctx, "jobs/abc"); err != nil {
		t.Fatalf("DeletePrefix: %v", err)
	}
	if _, err := s.Read(ctx, "jobs/abc/a.png"); !errors.Is(err, ErrNotFound) {
		t.Error("prefix member survived")
	}
	if _, err := s.Read(ctx, "jobs/other/c.png"); err != nil {
		t.Error("sibling prefix was removed")
	}
	// Second pass is a no-op.
	if err := s.DeletePrefix(ctx, "jobs/abc"); err != nil {
		t.Errorf("repeat DeletePrefix: %v", err)
	}
}

func TestFSStoreRejectsTraversal(t *testing.T) {
	s := newTestStore(t)
	err := s.Save(context.Background(), "../../etc/passwd", []byte("x"), "text/plain")
	if err == nil {
		// filepath.Clean("/../../etc/passwd") = "/etc/passwd", which resolves
		// inside the root; make sure it really did.
		if _, rerr := s.Read(context.Background(), "etc/passwd"); rerr != nil {
			t.Error("traversal key escaped the root")
		}
	}
}

func TestUploadImages(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	png := base64.StdEncoding.EncodeToString([]byte{0x89, 'P', 'N', 'G'})

	urls, err := UploadImages(ctx, s, "jobs/abc/images", map[string]string{"fig1.png": png})
	if err != nil {
		t.Fatalf("UploadImages: %v", err)
	}
	if urls["fig1.png"] != "/files/jobs/abc/images/fig1.png" {
		t.Errorf("url = %q", urls["fig1.png"])
	}
	data, err := s.Read(ctx, "jobs/abc/images/fig1.png")
	if err != nil || string(data[1:4]) != "PNG" {
		t.Errorf("stored bytes = %v, %v", data, err)
	}
}

func TestUploadImagesBadBase64FailsBatch(t *testing.T) {
	s := newTestStore(t)
	_, err := UploadImages(context.Background(), s, "p", map[string]string{"bad.png": "!!not-base64!!"})
	if err == nil {
		t.Fatal("expected decode error")
	}
}

func TestUploadImagesEmpty(t *testing.T) {
	urls, err := UploadImages(context.Background(), newTestStore(t), "p", nil)
	if err != nil || urls != nil {
		t.Errorf("got %v, %v", urls, err)
	}
}
