package web

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pastebin/cfg"
	"pastebin/pkg/domain"
	"pastebin/svc/access"
	"pastebin/svc/auth"
	"pastebin/svc/cache"
	"pastebin/svc/db"
	"pastebin/svc/lim"
	"pastebin/svc/svc"
	"pastebin/svc/sweep"
)

var dbCounter atomic.Int64

var testPepper = []byte("test-pepper-0123456789abcdefghijklmnop")

func testCfg() *cfg.Cfg {
	return &cfg.Cfg{
		Port:        "0",
		Environment: "test",
		Limits: cfg.Limits{
			MaxContentChars:        50,
			MaxStoreBytes:          1 << 20,
			MaxRequestBytes:        1 << 16,
			Retention:              time.Hour,
			MaxPasswordLength:      64,
			SubmitPerMinute:        100,
			FailedLoginWindow:      time.Minute,
			FailedLoginMaxAttempts: 5,
		},
		ShortIDMaxRetries: 32,
		UnlockTTL:         30 * time.Minute,
		Locale:            "cs",
		TimeZone:          "Europe/Prague",
		ContextTimeout:    5 * time.Second,
	}
}

type testEnv struct {
	srv   *httptest.Server
	store *db.SQLite
}

func newEnv(t *testing.T, c *cfg.Cfg) *testEnv {
	t.Helper()
	store, err := db.NewSQLiteWithConfig(
		fmt.Sprintf("file:webtest%d?mode=memory&cache=shared", dbCounter.Add(1)), 4, 4, time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	h, err := auth.NewHasher(1, 1024, 1, testPepper)
	require.NoError(t, err)
	h.SetMinVerifyDuration(0)
	require.NoError(t, h.Start(2))
	t.Cleanup(h.Stop)

	lru, err := cache.NewLRU(100)
	require.NoError(t, err)
	policy := access.New(lim.NewMemoryAttempts(c.Limits.FailedLoginWindow), h, c.Limits.FailedLoginMaxAttempts)
	paste, err := svc.NewPaste(store, lru, nil, h, policy, nil, c)
	require.NoError(t, err)
	limiter, err := lim.New(c.Limits.SubmitPerMinute, nil, nil)
	require.NoError(t, err)
	t.Cleanup(limiter.Stop)

	s := NewServer(c, Deps{
		Paste:         paste,
		Limiter:       limiter,
		Store:         store,
		Sweeper:       sweep.New(store, paste),
		SessionSecret: []byte("session-secret-for-tests-0123456789"),
	})
	ts := httptest.NewServer(s)
	t.Cleanup(ts.Close)
	return &testEnv{srv: ts, store: store}
}

func (e *testEnv) client() *http.Client {
	return &http.Client{CheckRedirect: func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}}
}

func (e *testEnv) submit(t *testing.T, form url.Values) *http.Response {
	t.Helper()
	resp, err := e.client().PostForm(e.srv.URL+"/", form)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (e *testEnv) create(t *testing.T, form url.Values) string {
	t.Helper()
	resp := e.submit(t, form)
	require.Equal(t, http.StatusSeeOther, resp.StatusCode)
	loc := resp.Header.Get("Location")
	require.Len(t, loc, 6)
	return loc[1:]
}

func do(t *testing.T, req *http.Request) (*http.Response, string) {
	t.Helper()
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, string(body)
}

func (e *testEnv) get(t *testing.T, path string, cookies ...*http.Cookie) (*http.Response, string) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, e.srv.URL+path, nil)
	require.NoError(t, err)
	for _, c := range cookies {
		req.AddCookie(c)
	}
	return do(t, req)
}

func (e *testEnv) post(t *testing.T, path string, form url.Values) (*http.Response, string) {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, e.srv.URL+path, strings.NewReader(form.Encode()))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return do(t, req)
}

func TestIndex(t *testing.T) {
	e := newEnv(t, testCfg())
	resp, body := e.get(t, "/")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, `name="content"`)
	assert.Contains(t, body, "Nový paste")
	assert.Equal(t, "nosniff", resp.Header.Get("X-Content-Type-Options"))
}

func TestSubmitAndShowText(t *testing.T) {
	e := newEnv(t, testCfg())
	id := e.create(t, url.Values{"content": {"hello"}})

	resp, body := e.get(t, "/"+id)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, `<pre class="kind-text">hello</pre>`)

	stored, err := e.store.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, domain.KindText, stored.Kind)
}

func TestContentIsEscaped(t *testing.T) {
	e := newEnv(t, testCfg())
	for _, typ := range []string{"", "on"} {
		id := e.create(t, url.Values{"content": {`<script>alert(1)</script>`}, "type": {typ}})
		_, body := e.get(t, "/"+id)
		assert.NotContains(t, body, "<script>alert(1)</script>")
		assert.Contains(t, body, "&lt;script&gt;alert(1)&lt;/script&gt;")
		if typ == "on" {
			assert.Contains(t, body, `<pre class="kind-code"><code>`)
		}
	}
}

func TestSubmitValidation(t *testing.T) {
	e := newEnv(t, testCfg())

	resp := e.submit(t, url.Values{"content": {strings.Repeat("é", 50)}})
	assert.Equal(t, http.StatusSeeOther, resp.StatusCode, "exactly the limit")

	resp = e.submit(t, url.Values{"content": {strings.Repeat("a", 51)}})
	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
	tooLarge, _ := io.ReadAll(resp.Body)
	assert.Contains(t, string(tooLarge), "Maximální velikost paste je 50 znaků!")

	resp = e.submit(t, url.Values{"content": {""}})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = e.submit(t, url.Values{"content": {"x"}, "is_private": {"on"}, "password": {strings.Repeat("p", 65)}})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	body, _ := io.ReadAll(resp.Body)
	assert.Contains(t, string(body), "Maximální délka hesla je 64 znaků")
}

func TestRequestTooLarge(t *testing.T) {
	c := testCfg()
	c.Limits.MaxRequestBytes = 512
	e := newEnv(t, c)
	resp := e.submit(t, url.Values{"content": {strings.Repeat("a", 1024)}})
	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
	body, _ := io.ReadAll(resp.Body)
	assert.Contains(t, string(body), "Příliš velký požadavek! Maximální velikost paste je 50 znaků.")
}

func TestSubmitAtDefaultLimits(t *testing.T) {
	if testing.Short() {
		t.Skip("posts bodies of about 36 MB")
	}
	t.Setenv("MAX_CONTENT_CHARS", "")
	t.Setenv("MAX_REQUEST_BYTES", "")
	def, err := cfg.Load()
	require.NoError(t, err)
	c := testCfg()
	c.Limits.MaxContentChars = def.Limits.MaxContentChars
	c.Limits.MaxRequestBytes = def.Limits.MaxRequestBytes
	c.Limits.MaxStoreBytes = 1 << 30
	e := newEnv(t, c)

	// 6 and 12 bytes per rune once percent-encoded.
	for _, r := range []string{"ž", "😀"} {
		resp := e.submit(t, url.Values{"content": {strings.Repeat(r, c.Limits.MaxContentChars)}})
		assert.Equal(t, http.StatusSeeOther, resp.StatusCode, r)
	}
	resp := e.submit(t, url.Values{"content": {strings.Repeat("😀", c.Limits.MaxContentChars+1)}})
	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
}

func TestPrivateWithoutPasswordIsPublic(t *testing.T) {
	e := newEnv(t, testCfg())
	id := e.create(t, url.Values{"content": {"visible"}, "is_private": {"on"}})
	resp, body := e.get(t, "/"+id)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, "visible")
	assert.NotContains(t, body, `name="password"`)
}

func TestPrivateFlow(t *testing.T) {
	e := newEnv(t, testCfg())
	id := e.create(t, url.Values{"content": {"top secret"}, "is_private": {"on"}, "password": {"secret"}})

	resp, body := e.get(t, "/"+id)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, `type="password"`)
	assert.NotContains(t, body, "top secret")

	resp, body = e.post(t, "/"+id, url.Values{"password": {"wrong"}})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, "Nesprávné heslo pro zobrazení.")
	assert.NotContains(t, body, "top secret")

	resp, body = e.post(t, "/"+id, url.Values{"password": {"secret"}})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, "top secret")

	var unlock *http.Cookie
	for _, c := range resp.Cookies() {
		if c.Name == unlockCookie {
			unlock = c
		}
	}
	require.NotNil(t, unlock)
	assert.Equal(t, "/"+id, unlock.Path)
	assert.True(t, unlock.HttpOnly)

	resp, body = e.get(t, "/"+id, unlock)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, "top secret", "unlock cookie skips the prompt")

	other := e.create(t, url.Values{"content": {"other"}, "is_private": {"on"}, "password": {"secret"}})
	_, body = e.get(t, "/"+other, &http.Cookie{Name: unlockCookie, Value: unlock.Value})
	assert.NotContains(t, body, "other</pre>", "cookie is bound to one paste")
}

func TestFailedAttemptsLockOut(t *testing.T) {
	e := newEnv(t, testCfg())
	id := e.create(t, url.Values{"content": {"x"}, "is_private": {"on"}, "password": {"secret"}})
	for i := 0; i < 5; i++ {
		resp, _ := e.post(t, "/"+id, url.Values{"password": {"nope"}})
		require.Equal(t, http.StatusOK, resp.StatusCode)
	}
	resp, body := e.post(t, "/"+id, url.Values{"password": {"secret"}})
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Contains(t, body, "Překročený limit pokusů")

	resp, _ = e.get(t, "/"+id)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
}

func TestDeleteFlow(t *testing.T) {
	e := newEnv(t, testCfg())
	id := e.create(t, url.Values{"content": {"bye"}, "is_private": {"on"}, "password": {"pw"}})

	resp, body := e.post(t, "/"+id, url.Values{"password": {"bad"}, "action": {"delete"}})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, "Nesprávné heslo pro smazání.")
	assert.NotContains(t, body, "bye</pre>")

	resp, body = e.post(t, "/"+id, url.Values{"password": {"pw"}, "action": {"delete"}})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, "Paste "+id+" byl smazán.")

	resp, _ = e.get(t, "/"+id)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	pub := e.create(t, url.Values{"content": {"public"}})
	resp, _ = e.post(t, "/"+pub, url.Values{"password": {"x"}, "action": {"delete"}})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestUnknownAndExpired(t *testing.T) {
	c := testCfg()
	c.Limits.Retention = time.Millisecond
	e := newEnv(t, c)

	resp, body := e.get(t, "/ZZZZZ")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Contains(t, body, "Paste nenalezen")

	id := e.create(t, url.Values{"content": {"fleeting"}})
	time.Sleep(20 * time.Millisecond)
	resp, body = e.get(t, "/"+id)
	assert.Equal(t, http.StatusGone, resp.StatusCode)
	assert.Contains(t, body, "Paste expiroval a byl smazán.")

	resp, _ = e.get(t, "/"+id)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestSubmitRateLimit(t *testing.T) {
	c := testCfg()
	c.Limits.SubmitPerMinute = 2
	e := newEnv(t, c)
	for i := 0; i < 2; i++ {
		resp := e.submit(t, url.Values{"content": {fmt.Sprintf("p%d", i)}})
		require.Equal(t, http.StatusSeeOther, resp.StatusCode)
	}
	resp := e.submit(t, url.Values{"content": {"one too many"}})
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	body, _ := io.ReadAll(resp.Body)
	assert.Contains(t, string(body), "Překročený limit požadavků!")
}

func TestAcceptLanguage(t *testing.T) {
	e := newEnv(t, testCfg())
	req, err := http.NewRequest(http.MethodGet, e.srv.URL+"/ZZZZZ", nil)
	require.NoError(t, err)
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")
	resp, body := do(t, req)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Contains(t, body, "Paste not found")
	assert.Contains(t, body, `lang="en"`)
}

func TestAPI(t *testing.T) {
	e := newEnv(t, testCfg())

	req, err := http.NewRequest(http.MethodPost, e.srv.URL+"/api/pastes",
		strings.NewReader(`{"content":"func main() {}","kind":"code","password":"pw"}`))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, body := do(t, req)
	require.Equal(t, http.StatusCreated, resp.StatusCode, body)
	var created CreateResp
	require.NoError(t, json.Unmarshal([]byte(body), &created))
	assert.True(t, created.IsPrivate)
	assert.Equal(t, e.srv.URL+"/"+created.ShortID, created.URL)

	req, _ = http.NewRequest(http.MethodGet, e.srv.URL+"/api/pastes/"+created.ShortID, nil)
	resp, body = do(t, req)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	var errResp domain.ErrResp
	require.NoError(t, json.Unmarshal([]byte(body), &errResp))
	assert.Equal(t, "PASSWORD_REQUIRED", errResp.Error.Code)

	req.Header.Set(passwordHeader, "pw")
	resp, body = do(t, req)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var got domain.Paste
	require.NoError(t, json.Unmarshal([]byte(body), &got))
	assert.Equal(t, "func main() {}", got.Content)
	assert.Equal(t, domain.KindCode, got.Kind)
	assert.NotContains(t, body, "argon2id")

	req, _ = http.NewRequest(http.MethodDelete, e.srv.URL+"/api/pastes/"+created.ShortID, nil)
	req.Header.Set(passwordHeader, "pw")
	resp, _ = do(t, req)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	req, _ = http.NewRequest(http.MethodGet, e.srv.URL+"/api/pastes/"+created.ShortID, nil)
	resp, _ = do(t, req)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAPIRejectsBadRequests(t *testing.T) {
	e := newEnv(t, testCfg())
	cases := []struct {
		name, contentType, body string
		status                  int
	}{
		{"form body", "text/plain", `{"content":"x"}`, http.StatusUnsupportedMediaType},
		{"unknown field", "application/json", `{"content":"x","ttl":"1h"}`, http.StatusBadRequest},
		{"bad kind", "application/json", `{"content":"x","kind":"html"}`, http.StatusBadRequest},
		{"empty", "application/json", `{"content":""}`, http.StatusBadRequest},
		{"too long", "application/json", `{"content":"` + strings.Repeat("a", 51) + `"}`, http.StatusRequestEntityTooLarge},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req, err := http.NewRequest(http.MethodPost, e.srv.URL+"/api/pastes", strings.NewReader(tc.body))
			require.NoError(t, err)
			req.Header.Set("Content-Type", tc.contentType)
			resp, _ := do(t, req)
			assert.Equal(t, tc.status, resp.StatusCode)
			assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
		})
	}
}

func TestHealthAndReady(t *testing.T) {
	e := newEnv(t, testCfg())
	resp, _ := e.get(t, "/health")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp, body := e.get(t, "/ready")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, `"database":"up"`)
	assert.Contains(t, body, `"cache":"unavailable"`)
}
