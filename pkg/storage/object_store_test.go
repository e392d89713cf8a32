package storage

import (
	"context"
	"strings"
	"testing"
	"time"
)

func TestReportKey(t *testing.T) {
	if got := ReportKey(12); got != "reports/consultation-12.pdf" {
		t.Fatalf("key = %s", got)
	}
}

func TestMemoryObjectStorePutAndPresign(t *testing.T) {
	s := NewMemoryObjectStore()
	ctx := context.Background()
	key := ReportKey(12)

	if _, err := s.PresignGet(ctx, key, time.Minute); err == nil {
		t.Fatal("expected presign of missing object to fail")
	}
	err := s.Put(ctx, Object{
		Key:         key,
		Body:        strings.NewReader("%PDF-1.3"),
		Size:        8,
		ContentType: "application/pdf",
		Metadata:    map[string]string{"sha256": "abc"},
	})
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	got, ok := s.Get(key)
	if !ok || string(got) != "%PDF-1.3" {
		t.Fatalf("get = %q %v", got, ok)
	}
	if md := s.Metadata(key); md["sha256"] != "abc" {
		t.Fatalf("metadata = %v", md)
	}
	url, err := s.PresignGet(ctx, key, time.Minute)
	if err != nil || !strings.HasPrefix(url, "memory://"+key) || !strings.HasSuffix(url, "expires=60") {
		t.Fatalf("presign = %q %v", url, err)
	}
}

func TestMemoryObjectStoreGetReturnsCopy(t *testing.T) {
	s := NewMemoryObjectStore()
	_ = s.Put(context.Background(), Object{Key: "k", Body: strings.NewReader("abc")})
	b, _ := s.Get("k")
	b[0] = 'x'
	if again, _ := s.Get("k"); string(again) != "abc" {
		t.Fatalf("stored body mutated: %q", again)
	}
}

func TestNewMinioStoreRequiresBucket(t *testing.T) {
	if _, err := NewMinioStore(context.Background(), MinioConfig{Endpoint: "localhost:9000"}); err == nil {
		t.Fatal("expected missing bucket to fail")
	}
}
