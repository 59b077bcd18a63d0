package embedding

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ollamaServer(t *testing.T, dims int, hits *atomic.Int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/embeddings" || r.Method != http.MethodPost {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		var req ollamaEmbedRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		if hits != nil {
			hits.Add(1)
		}
		vec := make([]float32, dims)
		for i := range vec {
			vec[i] = float32(i) * 0.001
		}
		_ = json.NewEncoder(w).Encode(ollamaEmbedResponse{Embedding: vec})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestOllamaProvider(t *testing.T) {
	var hits atomic.Int32
	server := ollamaServer(t, 768, &hits)
	p := NewOllamaProvider(server.URL, "test-model", 768)

	t.Run("dimensions", func(t *testing.T) {
		assert.Equal(t, 768, p.Dimensions())
	})

	t.Run("embed single", func(t *testing.T) {
		vec, err := p.Embed(context.Background(), "test text")
		require.NoError(t, err)
		slice := vec.Slice()
		require.Len(t, slice, 768)
		assert.Equal(t, float32(0), slice[0])
		assert.InDelta(t, 0.1, slice[100], 1e-6)
	})

	t.Run("embed batch", func(t *testing.T) {
		before := hits.Load()
		vecs, err := p.EmbedBatch(context.Background(), []string{"a", "b", "c", "d", "e", "f"})
		require.NoError(t, err)
		require.Len(t, vecs, 6)
		for i, vec := range vecs {
			assert.Len(t, vec.Slice(), 768, "vector %d", i)
		}
		assert.Equal(t, int32(6), hits.Load()-before)
	})

	t.Run("embed batch empty", func(t *testing.T) {
		vecs, err := p.EmbedBatch(context.Background(), nil)
		require.NoError(t, err)
		assert.Nil(t, vecs)
	})
}

func TestOllamaProviderErrors(t *testing.T) {
	t.Run("server error carries status", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "internal error", http.StatusServiceUnavailable)
		}))
		defer server.Close()

		_, err := NewOllamaProvider(server.URL, "test-model", 768).Embed(context.Background(), "test")
		var se *StatusError
		require.ErrorAs(t, err, &se)
		assert.Equal(t, http.StatusServiceUnavailable, se.HTTPStatus())
	})

	t.Run("empty embedding", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_ = json.NewEncoder(w).Encode(ollamaEmbedResponse{Embedding: nil})
		}))
		defer server.Close()

		_, err := NewOllamaProvider(server.URL, "test-model", 768).Embed(context.Background(), "test")
		assert.ErrorContains(t, err, "empty embedding")
	})

	t.Run("dimension mismatch", func(t *testing.T) {
		server := ollamaServer(t, 1024, nil)
		_, err := NewOllamaProvider(server.URL, "test-model", 768).Embed(context.Background(), "test")
		assert.ErrorContains(t, err, "returned 1024 dimensions, want 768")
	})

	t.Run("batch fails on first error", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte("not json"))
		}))
		defer server.Close()

		_, err := NewOllamaProvider(server.URL, "test-model", 768).EmbedBatch(context.Background(), []string{"a", "b"})
		assert.ErrorContains(t, err, "batch item")
	})
}
