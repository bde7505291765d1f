package dataset

import (
	"bytes"
	"context"
	"errors"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/johannesboyne/gofakes3"
	"github.com/johannesboyne/gofakes3/backend/s3mem"
	"github.com/minio/minio-go/v7"

	"github.com/fisync/fisync/pkg/volume"
)

const testBucket = "datasets"

func setupFakeS3(t *testing.T) ObjectConfig {
	t.Helper()
	backend := s3mem.New()
	server := httptest.NewServer(gofakes3.New(backend).Server())
	t.Cleanup(server.Close)
	if err := backend.CreateBucket(testBucket); err != nil {
		t.Fatalf("create bucket: %v", err)
	}
	t.Setenv("AWS_ACCESS_KEY_ID", "test")
	t.Setenv("AWS_SECRET_ACCESS_KEY", "test")
	t.Setenv("AWS_CONFIG_FILE", filepath.Join(t.TempDir(), "config"))
	t.Setenv("AWS_SHARED_CREDENTIALS_FILE", filepath.Join(t.TempDir(), "credentials"))
	return ObjectConfig{
		Endpoint:       strings.TrimPrefix(server.URL, "http://"),
		Region:         "us-east-1",
		Bucket:         testBucket,
		Prefix:         "archive/",
		Insecure:       true,
		ForcePathStyle: true,
	}
}

func upload(t *testing.T, src *MinioSource, key string, data []byte) {
	t.Helper()
	_, err := src.client.PutObject(context.Background(), testBucket, key,
		bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{})
	if err != nil {
		t.Fatalf("put %s: %v", key, err)
	}
}

func seedObjects(t *testing.T, cfg ObjectConfig) (*MinioSource, *Dataset) {
	t.Helper()
	src, err := NewMinioSource(cfg)
	if err != nil {
		t.Fatalf("NewMinioSource() error = %v", err)
	}
	d, err := Phantom("brain", [3]int{4, 4, 3}, 1)
	if err != nil {
		t.Fatal(err)
	}
	manifest, err := marshalYAML(d.Manifest())
	if err != nil {
		t.Fatal(err)
	}
	upload(t, src, "archive/brain.yaml", manifest)
	upload(t, src, "archive/brain.raw", Encode(d))
	return src, d
}

func checkObjectSource(t *testing.T, src Source, want *Dataset) {
	t.Helper()
	ctx := context.Background()
	got, err := src.Load(ctx, "brain")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if got.Meta() != want.Meta() {
		t.Errorf("Meta() = %+v, want %+v", got.Meta(), want.Meta())
	}
	addr := volume.Addr(volume.Transverse, 1, 0)
	a, _ := want.Slice(addr)
	b, _ := got.Slice(addr)
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("slice differs at %d", i)
		}
	}

	if _, err := src.Load(ctx, "absent"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Load(absent) error = %v, want ErrNotFound", err)
	}
}

func TestMinioSource(t *testing.T) {
	cfg := setupFakeS3(t)
	src, want := seedObjects(t, cfg)
	checkObjectSource(t, src, want)
}

func TestS3Source(t *testing.T) {
	cfg := setupFakeS3(t)
	_, want := seedObjects(t, cfg)

	src, err := NewS3Source(context.Background(), cfg)
	if err != nil {
		t.Fatalf("NewS3Source() error = %v", err)
	}
	checkObjectSource(t, src, want)
}

func TestObjectConfigValidation(t *testing.T) {
	if _, err := NewMinioSource(ObjectConfig{Endpoint: "localhost:9000"}); err == nil {
		t.Error("missing bucket should fail")
	}
	if _, err := NewMinioSource(ObjectConfig{Bucket: "b"}); err == nil {
		t.Error("missing minio endpoint should fail")
	}
}
