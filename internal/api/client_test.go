package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "mediasync/internal/errors"
)

var gifBlob = []byte{'G', 'I', 'F', '8', '9', 'a', 1, 0, 1, 0, 0, 0, 0}

func testClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	ts := httptest.NewServer(handler)
	t.Cleanup(ts.Close)
	return NewClient(ts.URL, "tok_test", nil, ts.Client())
}

// --- CreateReplica ---

func TestCreateReplica_Success(t *testing.T) {
	var gotPath, gotOverwrite, gotAuth, gotPartType string
	var gotBlob []byte

	client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/media/m1/replicas", r.URL.Path)
		gotAuth = r.Header.Get("Authorization")

		require.NoError(t, r.ParseMultipartForm(10<<20))
		gotPath = r.FormValue("path")
		gotOverwrite = r.FormValue("overwrite")

		fh := r.MultipartForm.File["file"][0]
		gotPartType = fh.Header.Get("Content-Type")
		f, err := fh.Open()
		require.NoError(t, err)
		gotBlob, _ = io.ReadAll(f)
		f.Close()

		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(Replica{ID: "r9", Name: "a.jpg", Size: int64(len(gotBlob))})
	})

	replica, err := client.CreateReplica(context.Background(), "m1", "photos/a.jpg", gifBlob, false, nil)
	require.NoError(t, err)

	assert.Equal(t, "r9", replica.ID)
	assert.Equal(t, "Bearer tok_test", gotAuth)
	assert.Equal(t, "photos/a.jpg", gotPath)
	assert.Equal(t, "false", gotOverwrite)
	assert.Equal(t, gifBlob, gotBlob)
	assert.Equal(t, "image/gif", gotPartType, "content type is sniffed, not taken from the name")
}

func TestCreateReplica_OverwriteFlag(t *testing.T) {
	var gotOverwrite string
	client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseMultipartForm(10<<20))
		gotOverwrite = r.FormValue("overwrite")
		json.NewEncoder(w).Encode(Replica{ID: "r1"})
	})

	_, err := client.CreateReplica(context.Background(), "m1", "photos/a.jpg", gifBlob, true, nil)
	require.NoError(t, err)
	assert.Equal(t, "true", gotOverwrite)
}

func TestCreateReplica_ConflictWithEntry(t *testing.T) {
	client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		json.NewEncoder(w).Encode(AlreadyExistsError{
			URL:   "photos/a.jpg",
			Entry: &ExistingEntry{Name: "a.jpg", Kind: "image", Size: 4096},
		})
	})

	_, err := client.CreateReplica(context.Background(), "m1", "photos/a.jpg", gifBlob, false, nil)
	require.Error(t, err)

	var exists *AlreadyExistsError
	require.ErrorAs(t, err, &exists)
	assert.Equal(t, "photos/a.jpg", exists.URL)
	require.NotNil(t, exists.Entry)
	assert.Equal(t, int64(4096), exists.Entry.Size)
}

func TestCreateReplica_ConflictUnparseableBody(t *testing.T) {
	client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		w.Write([]byte("<html>conflict</html>"))
	})

	_, err := client.CreateReplica(context.Background(), "m1", "photos/a.jpg", gifBlob, false, nil)
	require.Error(t, err)

	var exists *AlreadyExistsError
	require.ErrorAs(t, err, &exists, "a 409 is a conflict even without a descriptor")
	assert.Equal(t, "photos/a.jpg", exists.URL)
	assert.Nil(t, exists.Entry)
}

func TestCreateReplica_ReportsProgress(t *testing.T) {
	client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		io.Copy(io.Discard, r.Body)
		json.NewEncoder(w).Encode(Replica{ID: "r1"})
	})

	var mu sync.Mutex
	var lastLoaded, total int64
	_, err := client.CreateReplica(context.Background(), "m1", "photos/a.jpg", gifBlob, false, func(loaded, t int64) {
		mu.Lock()
		lastLoaded, total = loaded, t
		mu.Unlock()
	})
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Positive(t, total)
	assert.Equal(t, total, lastLoaded, "the final callback reports the full body sent")
}

func TestCreateReplica_ServerError(t *testing.T) {
	client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte("storage backend offline"))
	})

	_, err := client.CreateReplica(context.Background(), "m1", "photos/a.jpg", gifBlob, false, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrAPIRequest)
	assert.Contains(t, err.Error(), "storage backend offline")
}

func TestCreateReplica_EscapesMediumID(t *testing.T) {
	var gotPath string
	client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.EscapedPath()
		json.NewEncoder(w).Encode(Replica{ID: "r1"})
	})

	_, err := client.CreateReplica(context.Background(), "m/1", "a.jpg", gifBlob, false, nil)
	require.NoError(t, err)
	assert.Equal(t, "/media/m%2F1/replicas", gotPath)
}

// --- DeleteReplica ---

func TestDeleteReplica_DetachOnly(t *testing.T) {
	var gotQuery url.Values
	client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodDelete, r.Method)
		assert.Equal(t, "/replicas/r1", r.URL.Path)
		gotQuery = r.URL.Query()
		w.WriteHeader(http.StatusNoContent)
	})

	require.NoError(t, client.DeleteReplica(context.Background(), "r1", false))
	assert.Equal(t, "false", gotQuery.Get("delete_object"))
}

func TestDeleteReplica_DeleteObject(t *testing.T) {
	var gotQuery url.Values
	client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.Query()
		w.WriteHeader(http.StatusOK)
	})

	require.NoError(t, client.DeleteReplica(context.Background(), "r1", true))
	assert.Equal(t, "true", gotQuery.Get("delete_object"))
}

func TestDeleteReplica_NotFound(t *testing.T) {
	client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	err := client.DeleteReplica(context.Background(), "r1", false)
	assert.ErrorIs(t, err, apperrors.ErrMediumNotFound)
}

// --- UpdateMediumOrdering ---

func TestUpdateMediumOrdering_Success(t *testing.T) {
	createdAt := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	var got orderingRequest
	client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		assert.Equal(t, "/media/m1/ordering", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		json.NewEncoder(w).Encode(Medium{ID: "m1", Replicas: []Replica{{ID: "r2"}, {ID: "r1"}}})
	})

	medium, err := client.UpdateMediumOrdering(context.Background(), "m1", []string{"r2", "r1"}, createdAt)
	require.NoError(t, err)

	assert.Equal(t, []string{"r2", "r1"}, got.ReplicaIDs)
	assert.True(t, createdAt.Equal(got.CreatedAt), "created_at passes through unchanged")
	assert.Len(t, medium.Replicas, 2)
}

func TestUpdateMediumOrdering_NotFound(t *testing.T) {
	client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	_, err := client.UpdateMediumOrdering(context.Background(), "m1", nil, time.Now())
	assert.ErrorIs(t, err, apperrors.ErrMediumNotFound)
}

func TestUpdateMediumOrdering_Unauthorized(t *testing.T) {
	client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})

	_, err := client.UpdateMediumOrdering(context.Background(), "m1", nil, time.Now())
	assert.ErrorIs(t, err, apperrors.ErrInvalidToken)
}

// --- GetMedium ---

func TestGetMedium_Success(t *testing.T) {
	client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/media/m1", r.URL.Path)
		assert.Equal(t, "Bearer tok_test", r.Header.Get("Authorization"))
		json.NewEncoder(w).Encode(Medium{ID: "m1", Title: "holiday", Replicas: []Replica{{ID: "r1", Name: "a.jpg"}}})
	})

	medium, err := client.GetMedium(context.Background(), "m1")
	require.NoError(t, err)
	assert.Equal(t, "holiday", medium.Title)
	require.Len(t, medium.Replicas, 1)
	assert.Equal(t, "a.jpg", medium.Replicas[0].Name)
}

func TestGetMedium_NotFound(t *testing.T) {
	client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	_, err := client.GetMedium(context.Background(), "missing")
	assert.ErrorIs(t, err, apperrors.ErrMediumNotFound)
}

func TestGetMedium_MalformedBody(t *testing.T) {
	client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("not json"))
	})

	_, err := client.GetMedium(context.Background(), "m1")
	assert.ErrorIs(t, err, apperrors.ErrAPIResponse)
}

// --- sanitizeResponseBody ---

func TestSanitizeResponseBody(t *testing.T) {
	tests := []struct {
		name string
		in   []byte
		want string
	}{
		{"plain", []byte("hello"), "hello"},
		{"control chars", []byte("a\x00b\x1bc"), "a?b?c"},
		{"keeps newlines", []byte("line1\nline2"), "line1\nline2"},
		{"invalid utf8", []byte{0xff, 'o', 'k'}, "?ok"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, sanitizeResponseBody(tt.in))
		})
	}
}

func TestSanitizeResponseBody_Truncates(t *testing.T) {
	long := make([]byte, 1000)
	for i := range long {
		long[i] = 'a'
	}
	assert.Len(t, sanitizeResponseBody(long), 256)
}

// --- redirect policy ---

func TestSameHostRedirectPolicy_BlocksCrossHost(t *testing.T) {
	orig, _ := http.NewRequest(http.MethodGet, "https://catalog.example.com/media/m1", nil)
	next, _ := http.NewRequest(http.MethodGet, "https://evil.example.net/steal", nil)

	err := sameHostRedirectPolicy(next, []*http.Request{orig})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "different host")
}

func TestSameHostRedirectPolicy_AllowsSameHost(t *testing.T) {
	orig, _ := http.NewRequest(http.MethodGet, "https://catalog.example.com/media/m1", nil)
	next, _ := http.NewRequest(http.MethodGet, "https://catalog.example.com/media/m1/", nil)

	assert.NoError(t, sameHostRedirectPolicy(next, []*http.Request{orig}))
}

func TestSameHostRedirectPolicy_LimitsHops(t *testing.T) {
	req, _ := http.NewRequest(http.MethodGet, "https://catalog.example.com/", nil)
	via := make([]*http.Request, 10)
	for i := range via {
		via[i] = req
	}

	err := sameHostRedirectPolicy(req, via)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "redirects")
}
