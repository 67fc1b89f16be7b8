package artifacts

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// fakeS3 is an in-memory bucket.
type fakeS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
	puts    int
}

func newFakeS3() *fakeS3 { return &fakeS3{objects: make(map[string][]byte)} }

func (f *fakeS3) HeadObject(_ context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.objects[*in.Key]; !ok {
		return nil, &types.NotFound{}
	}
	return &s3.HeadObjectOutput{}, nil
}

func (f *fakeS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[*in.Key]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[*in.Key] = data
	f.puts++
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) DeleteObject(_ context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, *in.Key)
	return &s3.DeleteObjectOutput{}, nil
}

func newTestFileStore(t *testing.T) *FileStore {
	t.Helper()
	store, err := NewFileStore(filepath.Join(t.TempDir(), "artifacts"))
	if err != nil {
		t.Fatalf("NewFileStore failed: %v", err)
	}
	return store
}

func TestStores_RoundTrip(t *testing.T) {
	backends := map[string]Store{
		"fs": newTestFileStore(t),
		"s3": &S3Store{client: newFakeS3(), bucket: "modules", prefix: "plugins/"},
	}
	for name, store := range backends {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			data := []byte("\x00asm\x01\x00\x00\x00")

			ref, err := store.Put(ctx, data)
			if err != nil {
				t.Fatalf("Put failed: %v", err)
			}
			if ref != Ref(data) {
				t.Errorf("Put returned %s, want %s", ref, Ref(data))
			}

			again, err := store.Put(ctx, data)
			if err != nil || again != ref {
				t.Fatalf("second Put = %s, %v", again, err)
			}

			got, err := store.Get(ctx, ref)
			if err != nil {
				t.Fatalf("Get failed: %v", err)
			}
			if !bytes.Equal(got, data) {
				t.Errorf("Get = %q, want %q", got, data)
			}

			ok, err := store.Exists(ctx, ref)
			if err != nil || !ok {
				t.Fatalf("Exists = %v, %v", ok, err)
			}

			if err := store.Delete(ctx, ref); err != nil {
				t.Fatalf("Delete failed: %v", err)
			}
			if err := store.Delete(ctx, ref); err != nil {
				t.Fatalf("second Delete failed: %v", err)
			}

			_, err = store.Get(ctx, ref)
			if !errors.Is(err, ErrNotFound) {
				t.Errorf("Get after delete = %v, want ErrNotFound", err)
			}
			ok, err = store.Exists(ctx, ref)
			if err != nil || ok {
				t.Errorf("Exists after delete = %v, %v", ok, err)
			}

			if _, err := store.Get(ctx, "sha256:xyz"); !errors.Is(err, ErrInvalidRef) {
				t.Errorf("Get(bad ref) = %v, want ErrInvalidRef", err)
			}
		})
	}
}

func TestS3Store_PutSkipsExisting(t *testing.T) {
	fake := newFakeS3()
	store := &S3Store{client: fake, bucket: "modules", prefix: "p/"}
	ctx := context.Background()

	ref, err := store.Put(ctx, []byte("module"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := store.Put(ctx, []byte("module")); err != nil {
		t.Fatal(err)
	}
	if fake.puts != 1 {
		t.Errorf("expected a single upload, got %d", fake.puts)
	}
	if _, ok := fake.objects["p/"+strings.TrimPrefix(ref, "sha256:")+".wasm"]; !ok {
		t.Errorf("object key does not follow <prefix><digest>.wasm: %v", fake.objects)
	}
}

func TestResolver(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	store := newTestFileStore(t)
	r := &Resolver{Store: store, BaseDir: dir}

	if err := os.WriteFile(filepath.Join(dir, "local.wasm"), []byte("from disk"), 0o600); err != nil {
		t.Fatal(err)
	}
	got, err := r.Resolve(ctx, "local.wasm")
	if err != nil || string(got) != "from disk" {
		t.Fatalf("Resolve(path) = %q, %v", got, err)
	}

	if _, err := r.Resolve(ctx, "missing.wasm"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Resolve(missing) = %v, want ErrNotFound", err)
	}

	ref, err := store.Put(ctx, []byte("from store"))
	if err != nil {
		t.Fatal(err)
	}
	got, err = r.Resolve(ctx, ref)
	if err != nil || string(got) != "from store" {
		t.Fatalf("Resolve(ref) = %q, %v", got, err)
	}

	// Corrupt the blob behind the reference.
	blob := filepath.Join(store.baseDir, strings.TrimPrefix(ref, "sha256:")+".wasm")
	if err := os.WriteFile(blob, []byte("tampered"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Resolve(ctx, ref); !errors.Is(err, ErrDigestMismatch) {
		t.Errorf("Resolve(tampered) = %v, want ErrDigestMismatch", err)
	}

	if _, err := (&Resolver{}).Resolve(ctx, ref); !errors.Is(err, ErrNotFound) {
		t.Errorf("Resolve without store = %v, want ErrNotFound", err)
	}
}

func TestNewStore(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	store, err := NewStore(ctx, Config{Dir: dir})
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}
	fs, ok := store.(*FileStore)
	if !ok {
		t.Fatalf("expected *FileStore, got %T", store)
	}
	if want := filepath.Join(dir, "artifacts"); fs.baseDir != want {
		t.Errorf("baseDir = %s, want %s", fs.baseDir, want)
	}

	if _, err := NewStore(ctx, Config{Type: StoreTypeS3}); err == nil || !strings.Contains(err.Error(), "bucket is required") {
		t.Errorf("s3 without bucket: %v", err)
	}

	_, err = NewStore(ctx, Config{Type: StoreTypeGCS})
	if err == nil {
		t.Error("gcs without bucket should fail")
	} else if !strings.Contains(err.Error(), "not enabled") && !strings.Contains(err.Error(), "bucket is required") {
		t.Errorf("unexpected gcs error: %v", err)
	}

	if _, err := NewStore(ctx, Config{Type: "azure"}); err == nil || !strings.Contains(err.Error(), "unsupported") {
		t.Errorf("unsupported type: %v", err)
	}
}
