package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pastebin/pkg/domain"
)

func fakeServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/pastes", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		var req CreateRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		if req.Content == "" {
			writeErr(w, domain.ErrContentRequired)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(Created{ShortID: "abcde", URL: "http://x/abcde", IsPrivate: req.Password != ""})
	})
	mux.HandleFunc("GET /api/pastes/{id}", func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.PathValue("id") != "abcde":
			writeErr(w, domain.ErrPasteNotFound)
		case r.Header.Get(passwordHeader) == "":
			writeErr(w, domain.ErrPasswordRequired)
		case r.Header.Get(passwordHeader) != "pw":
			writeErr(w, domain.ErrInvalidPassword)
		default:
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(domain.Paste{ShortID: "abcde", Content: "hello", Kind: domain.KindCode})
		}
	})
	mux.HandleFunc("DELETE /api/pastes/{id}", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get(passwordHeader) != "pw" {
			writeErr(w, domain.ErrInvalidPassword)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"deleted"}`))
	})
	mux.HandleFunc("GET /api/pastes/broken", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad gateway", http.StatusBadGateway)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func writeErr(w http.ResponseWriter, e *domain.Err) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(e.Status)
	json.NewEncoder(w).Encode(domain.ToResp(e))
}

func TestPutAndGet(t *testing.T) {
	srv := fakeServer(t)
	c, err := New(srv.URL+"/", nil)
	require.NoError(t, err)
	ctx := context.Background()

	created, err := c.Put(ctx, CreateRequest{Content: "hello", Kind: "code", Password: "pw"})
	require.NoError(t, err)
	assert.Equal(t, "abcde", created.ShortID)
	assert.True(t, created.IsPrivate)

	_, err = c.Get(ctx, "abcde", "")
	assert.True(t, PasswordRequired(err))
	_, err = c.Get(ctx, "abcde", "nope")
	assert.True(t, PasswordRequired(err))

	p, err := c.Get(ctx, "abcde", "pw")
	require.NoError(t, err)
	assert.Equal(t, "hello", p.Content)
	assert.Equal(t, domain.KindCode, p.Kind)

	require.NoError(t, c.Delete(ctx, "abcde", "pw"))
}

func TestErrors(t *testing.T) {
	srv := fakeServer(t)
	c, err := New(srv.URL, nil)
	require.NoError(t, err)
	ctx := context.Background()

	_, err = c.Put(ctx, CreateRequest{})
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadRequest, apiErr.Status)
	assert.Equal(t, "CONTENT_REQUIRED", apiErr.Code)
	assert.False(t, PasswordRequired(err))

	_, err = c.Get(ctx, "zzzzz", "")
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusNotFound, apiErr.Status)

	_, err = c.Get(ctx, "broken", "")
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "UNEXPECTED_STATUS", apiErr.Code)

	_, err = New("ftp://example.com", nil)
	assert.Error(t, err)
}
