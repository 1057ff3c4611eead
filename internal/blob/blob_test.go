package blob

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"strings"
	"testing"
	"time"
)

func TestKeys(t *testing.T) {
	tests := []struct {
		got, want string
	}{
		{DocumentKey("doc_1", "Lease Agreement (v2).pdf"), "documents/doc_1/Lease_Agreement__v2_.pdf"},
		{DocumentKey("doc_1", "../../etc/passwd"), "documents/doc_1/.._.._etc_passwd"},
		{DocumentKey("doc_1", ""), "documents/doc_1/file"},
		{SignatureKey("usr_a", "sig_1"), "signatures/usr_a/sig_1"},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("key = %q, want %q", tt.got, tt.want)
		}
	}
}

func exerciseStore(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()
	key := DocumentKey("doc_test", "contract.pdf")
	body := []byte("%PDF-1.4 test body")

	obj, err := s.Put(ctx, key, bytes.NewReader(body), int64(len(body)), "application/pdf")
	if err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if obj.Size != int64(len(body)) || obj.Key != key {
		t.Fatalf("unexpected object %+v", obj)
	}

	rc, meta, err := s.Get(ctx, key)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	got, err := io.ReadAll(rc)
	_ = rc.Close()
	if err != nil || !bytes.Equal(got, body) {
		t.Fatalf("Get() body = %q, %v", got, err)
	}
	if meta.ContentType != "application/pdf" {
		t.Fatalf("content type = %q", meta.ContentType)
	}

	link, err := s.URL(ctx, key, time.Minute)
	if err != nil || !strings.Contains(link, "contract.pdf") {
		t.Fatalf("URL() = %q, %v", link, err)
	}

	if err := s.Delete(ctx, key); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, _, err := s.Get(ctx, key); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get() after delete error = %v, want ErrNotFound", err)
	}
}

func TestMemoryStore(t *testing.T) {
	exerciseStore(t, NewMemoryStore())
}

func TestMemoryStoreRejectsOversize(t *testing.T) {
	big := bytes.Repeat([]byte{'x'}, MaxUploadSize+1)
	if _, err := NewMemoryStore().Put(context.Background(), "k", bytes.NewReader(big), int64(len(big)), "text/plain"); err == nil {
		t.Fatal("expected oversize upload to fail")
	}
}

func TestMinioStore(t *testing.T) {
	endpoint := os.Getenv("SIGNFLOW_TEST_MINIO_ENDPOINT")
	if endpoint == "" {
		t.Skip("SIGNFLOW_TEST_MINIO_ENDPOINT not set")
	}
	s, err := NewMinioStore(context.Background(), MinioConfig{
		Endpoint:  endpoint,
		AccessKey: os.Getenv("SIGNFLOW_TEST_MINIO_ACCESS_KEY"),
		SecretKey: os.Getenv("SIGNFLOW_TEST_MINIO_SECRET_KEY"),
		Bucket:    "signflow-test",
	})
	if err != nil {
		t.Fatalf("NewMinioStore() error = %v", err)
	}
	exerciseStore(t, s)
}
