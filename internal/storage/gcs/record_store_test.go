package gcs

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"cloud.google.com/go/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
)

const testBucket = "test-bucket"

// fakeGCS simulates the subset of the GCS JSON API the store touches.
type fakeGCS struct {
	t           *testing.T
	mu          sync.Mutex
	objects     map[string]string
	uploads     int
	forceStatus int
}

func (f *fakeGCS) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.forceStatus != 0 {
		w.WriteHeader(f.forceStatus)
		fmt.Fprintf(w, `{"error":{"code":%d,"message":"forced"}}`, f.forceStatus)
		return
	}

	switch {
	case r.Method == http.MethodGet && strings.Contains(r.URL.Path, "/b/"+testBucket+"/o/"):
		name := r.URL.Path[strings.Index(r.URL.Path, "/o/")+3:]
		if _, ok := f.objects[name]; !ok {
			w.WriteHeader(http.StatusNotFound)
			fmt.Fprint(w, `{"error":{"code":404,"message":"No such object"}}`)
			return
		}
		fmt.Fprintf(w, `{"bucket":%q,"name":%q,"size":"%d"}`, testBucket, name, len(f.objects[name]))
	case r.Method == http.MethodPost && strings.Contains(r.URL.Path, "/b/"+testBucket+"/o"):
		name := r.URL.Query().Get("name")
		assert.Equal(f.t, "0", r.URL.Query().Get("ifGenerationMatch"), "uploads must be conditional")
		body, err := io.ReadAll(r.Body)
		assert.NoError(f.t, err)
		f.uploads++
		if _, ok := f.objects[name]; ok {
			w.WriteHeader(http.StatusPreconditionFailed)
			fmt.Fprint(w, `{"error":{"code":412,"message":"conditionNotMet"}}`)
			return
		}
		f.objects[name] = string(body)
		fmt.Fprintf(w, `{"bucket":%q,"name":%q}`, testBucket, name)
	default:
		w.WriteHeader(http.StatusBadRequest)
	}
}

func newTestStore(t *testing.T, fake *fakeGCS, prefix string) *RecordStore {
	t.Helper()

	server := httptest.NewServer(fake)
	t.Cleanup(server.Close)

	client, err := storage.NewClient(context.Background(), option.WithEndpoint(server.URL), option.WithoutAuthentication())
	require.NoError(t, err)

	store, err := New(client, Config{Bucket: testBucket, Prefix: prefix})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestNewValidates(t *testing.T) {
	t.Parallel()

	_, err := New(nil, Config{Bucket: testBucket})
	require.Error(t, err)

	client, err := storage.NewClient(context.Background(), option.WithoutAuthentication())
	require.NoError(t, err)
	defer client.Close()
	_, err = New(client, Config{})
	require.Error(t, err)
}

func TestRecordStore_SaveThenExists(t *testing.T) {
	t.Parallel()

	fake := &fakeGCS{t: t, objects: map[string]string{}}
	store := newTestStore(t, fake, "/records/")
	ctx := context.Background()

	exists, err := store.Exists(ctx, 100)
	require.NoError(t, err)
	require.False(t, exists)

	require.NoError(t, store.Save(ctx, 100, []byte(`{"id":100}`)))

	fake.mu.Lock()
	body, ok := fake.objects["records/100.json"]
	fake.mu.Unlock()
	require.True(t, ok)
	require.Contains(t, body, `{"id":100}`)

	exists, err = store.Exists(ctx, 100)
	require.NoError(t, err)
	require.True(t, exists)
}

func TestRecordStore_SaveExistingIsNoop(t *testing.T) {
	t.Parallel()

	fake := &fakeGCS{t: t, objects: map[string]string{"7.json": "first"}}
	store := newTestStore(t, fake, "")

	require.NoError(t, store.Save(context.Background(), 7, []byte("second")))

	fake.mu.Lock()
	defer fake.mu.Unlock()
	require.Equal(t, "first", fake.objects["7.json"])
	require.Equal(t, 1, fake.uploads)
}

func TestRecordStore_Errors(t *testing.T) {
	t.Parallel()

	fake := &fakeGCS{t: t, objects: map[string]string{}, forceStatus: http.StatusForbidden}
	store := newTestStore(t, fake, "records")

	_, err := store.Exists(context.Background(), 1)
	require.Error(t, err)
	require.Error(t, store.Save(context.Background(), 1, []byte("{}")))
}
