package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pastebin/pkg/client"
	"pastebin/pkg/domain"
)

type stored struct {
	req     client.CreateRequest
	deleted bool
}

func newServer(t *testing.T, s *stored) *httptest.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/pastes", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&s.req))
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(client.Created{ShortID: "abcde", URL: "http://paste.test/abcde"})
	})
	mux.HandleFunc("GET /api/pastes/abcde", func(w http.ResponseWriter, r *http.Request) {
		if s.req.Password != "" && r.Header.Get("X-Paste-Password") != s.req.Password {
			w.WriteHeader(http.StatusUnauthorized)
			json.NewEncoder(w).Encode(domain.ToResp(domain.ErrPasswordRequired))
			return
		}
		json.NewEncoder(w).Encode(domain.Paste{ShortID: "abcde", Content: s.req.Content})
	})
	mux.HandleFunc("DELETE /api/pastes/abcde", func(w http.ResponseWriter, r *http.Request) {
		s.deleted = r.Header.Get("X-Paste-Password") == s.req.Password
		w.Write([]byte(`{"status":"deleted"}`))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func stubPassword(t *testing.T, pw string) {
	orig := readPassword
	readPassword = func() ([]byte, error) { return []byte(pw), nil }
	t.Cleanup(func() { readPassword = orig })
}

func TestPutGetPrivate(t *testing.T) {
	s := &stored{}
	srv := newServer(t, s)
	stubPassword(t, "hunter2")
	ctx := context.Background()

	var out, errOut bytes.Buffer
	err := run(ctx, []string{"put", "-code", "-private", "-server", srv.URL}, strings.NewReader("package main\n"), &out, &errOut)
	require.NoError(t, err)
	assert.Equal(t, "http://paste.test/abcde\n", out.String())
	assert.Equal(t, "code", s.req.Kind)
	assert.Equal(t, "hunter2", s.req.Password)
	assert.Contains(t, errOut.String(), "Password: ")

	out.Reset()
	require.NoError(t, run(ctx, []string{"get", "-server", srv.URL, "abcde"}, nil, &out, &errOut))
	assert.Equal(t, "package main\n", out.String())

	out.Reset()
	require.NoError(t, run(ctx, []string{"get", "-server", srv.URL, "-delete", "abcde"}, nil, &out, &errOut))
	assert.True(t, s.deleted)
	assert.Equal(t, "deleted abcde\n", out.String())
}

func TestPutPublic(t *testing.T) {
	s := &stored{}
	srv := newServer(t, s)
	var out bytes.Buffer
	require.NoError(t, run(context.Background(), []string{"put", "-server", srv.URL}, strings.NewReader("hi"), &out, &bytes.Buffer{}))
	assert.Equal(t, "text", s.req.Kind)
	assert.Empty(t, s.req.Password)
}

func TestUsageErrors(t *testing.T) {
	ctx := context.Background()
	var errOut bytes.Buffer
	assert.Error(t, run(ctx, nil, nil, &bytes.Buffer{}, &errOut))
	assert.Error(t, run(ctx, []string{"list"}, nil, &bytes.Buffer{}, &errOut))
	assert.Error(t, run(ctx, []string{"get"}, nil, &bytes.Buffer{}, &errOut))
	assert.Error(t, run(ctx, []string{"get", "-server", "ftp://x", "abcde"}, nil, &bytes.Buffer{}, &errOut))
}
