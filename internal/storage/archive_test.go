package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/servercraft/panel/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeS3 records PUT requests the way a path-style S3 endpoint receives them
type fakeS3 struct {
	mu     sync.Mutex
	status int
	puts   map[string][]byte
}

func (f *fakeS3) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.status != 0 {
		w.WriteHeader(f.status)
		return
	}
	if r.Method != http.MethodPut {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	body, _ := io.ReadAll(r.Body)
	f.puts[r.URL.Path] = body
	w.Header().Set("ETag", `"etag"`)
	w.WriteHeader(http.StatusOK)
}

func newTestArchive(t *testing.T, srv *fakeS3) *ArchiveStore {
	t.Helper()
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)

	store, err := NewArchiveStore(&config.StorageConfig{
		Endpoint:        ts.URL,
		Region:          "us-east-1",
		Bucket:          "audit",
		AccessKeyID:     "test",
		SecretAccessKey: "test-secret",
		Prefix:          "security-archive/",
	})
	require.NoError(t, err)
	store.now = func() time.Time { return time.Date(2026, 5, 4, 3, 2, 1, 0, time.UTC) }
	return store
}

func TestNewArchiveStore_RequiresBucket(t *testing.T) {
	_, err := NewArchiveStore(&config.StorageConfig{Endpoint: "localhost:9000"})
	assert.Error(t, err)
}

func TestArchiveKey(t *testing.T) {
	store := &ArchiveStore{prefix: "p/"}
	at := time.Date(2026, 5, 4, 3, 2, 1, 0, time.FixedZone("X", 3600))
	key := store.ArchiveKey("failed_logins", at)

	assert.True(t, strings.HasPrefix(key, "p/failed_logins/2026/05/04/failed_logins-"))
	assert.True(t, strings.HasSuffix(key, ".jsonl"))
}

func TestPutJSONL(t *testing.T) {
	srv := &fakeS3{puts: map[string][]byte{}}
	store := newTestArchive(t, srv)

	type row struct {
		Email string `json:"email"`
		IP    string `json:"ip_address"`
	}
	key, err := store.PutJSONL(context.Background(), "failed_logins", []any{
		row{Email: "a@example.com", IP: "192.0.2.1"},
		row{Email: "b@example.com", IP: "192.0.2.2"},
	})
	require.NoError(t, err)
	assert.Equal(t, store.ArchiveKey("failed_logins", store.now()), key)

	body, ok := srv.puts["/audit/"+key]
	require.True(t, ok, "expected a PUT to /audit/%s, got %v", key, srv.puts)

	var got []row
	sc := bufio.NewScanner(strings.NewReader(string(body)))
	for sc.Scan() {
		var r row
		require.NoError(t, json.Unmarshal(sc.Bytes(), &r))
		got = append(got, r)
	}
	assert.Equal(t, []row{{"a@example.com", "192.0.2.1"}, {"b@example.com", "192.0.2.2"}}, got)
}

func TestPutJSONL_Empty(t *testing.T) {
	srv := &fakeS3{puts: map[string][]byte{}}
	store := newTestArchive(t, srv)

	key, err := store.PutJSONL(context.Background(), "failed_logins", nil)
	require.NoError(t, err)
	assert.Empty(t, key)
	assert.Empty(t, srv.puts)
}

func TestPutJSONL_UploadError(t *testing.T) {
	srv := &fakeS3{puts: map[string][]byte{}, status: http.StatusForbidden}
	store := newTestArchive(t, srv)

	_, err := store.PutJSONL(context.Background(), "failed_logins", []any{map[string]string{"a": "b"}})
	assert.Error(t, err)
}
