package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	xerrors "folio-service/internal/pkg/errors"
	"folio-service/internal/pkg/session"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type stubValidator struct {
	sessions map[string]*session.Session
	err      error
}

func (v *stubValidator) Validate(_ context.Context, sessionID string) (*session.Session, error) {
	if v.err != nil {
		return nil, v.err
	}
	sess, ok := v.sessions[sessionID]
	if !ok {
		return nil, xerrors.ErrNotFound
	}
	return sess, nil
}

func newTestRouter(v SessionValidator) (*gin.Engine, *AuthGateway) {
	gin.SetMode(gin.TestMode)
	g := NewAuthGateway(v, "app_session", false, 50*time.Millisecond, zap.NewNop())

	r := gin.New()
	r.GET("/api/v1/me", g.Authenticate(), func(c *gin.Context) {
		sess := MustGetSession(c)
		c.JSON(http.StatusOK, gin.H{"subject_id": sess.SubjectID})
	})
	r.GET("/api/v1/admin", append(g.AdminOnly(), func(c *gin.Context) {
		c.Status(http.StatusOK)
	})...)
	r.GET("/api/v1/vault", g.Authenticate(), g.RequireMFA(), func(c *gin.Context) {
		c.Status(http.StatusOK)
	})
	r.GET("/dashboard", g.Authenticate(), func(c *gin.Context) {
		c.Status(http.StatusOK)
	})
	return r, g
}

func liveSession(id string) *session.Session {
	return &session.Session{
		ID:        id,
		SubjectID: 7,
		DeviceID:  "dev-1",
		Role:      session.RoleOwner,
	}
}

func doRequest(r *gin.Engine, path, cookie, bearer string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if cookie != "" {
		req.AddCookie(&http.Cookie{Name: "app_session", Value: cookie})
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func wireCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Code string `json:"code"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body.Code
}

func TestAuthenticateMissingCredential(t *testing.T) {
	r, _ := newTestRouter(&stubValidator{})

	w := doRequest(r, "/api/v1/me", "", "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "unauthorized", wireCode(t, w))
}

func TestAuthenticateCookie(t *testing.T) {
	v := &stubValidator{sessions: map[string]*session.Session{"sid-1": liveSession("sid-1")}}
	r, _ := newTestRouter(v)

	w := doRequest(r, "/api/v1/me", "sid-1", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"subject_id":7`)
}

func TestAuthenticateBearer(t *testing.T) {
	v := &stubValidator{sessions: map[string]*session.Session{"sid-1": liveSession("sid-1")}}
	r, _ := newTestRouter(v)

	w := doRequest(r, "/api/v1/me", "", "sid-1")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestAuthenticateCookieWinsOverBearer(t *testing.T) {
	v := &stubValidator{sessions: map[string]*session.Session{"cookie-sid": liveSession("cookie-sid")}}
	r, _ := newTestRouter(v)

	// bearer names an unknown session; the cookie one must be used
	w := doRequest(r, "/api/v1/me", "cookie-sid", "other-sid")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestAuthenticateUnknownSessionClearsCookie(t *testing.T) {
	r, _ := newTestRouter(&stubValidator{})

	w := doRequest(r, "/api/v1/me", "gone", "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "not_found", wireCode(t, w))

	cleared := false
	for _, ck := range w.Result().Cookies() {
		if ck.Name == "app_session" && ck.MaxAge < 0 {
			cleared = true
		}
	}
	assert.True(t, cleared, "stale cookie must be cleared")
}

func TestAuthenticateStableCodes(t *testing.T) {
	cases := []struct {
		err  error
		code string
	}{
		{xerrors.ErrExpired, "expired"},
		{xerrors.ErrIdleExpired, "idle_expired"},
		{xerrors.ErrRoleVersionMismatch, "role_version_mismatch"},
	}
	for _, tc := range cases {
		r, _ := newTestRouter(&stubValidator{err: tc.err})
		w := doRequest(r, "/api/v1/me", "sid", "")
		assert.Equal(t, http.StatusUnauthorized, w.Code, tc.code)
		assert.Equal(t, tc.code, wireCode(t, w))
	}
}

func TestAuthenticateStoreOutageReadsAsUnauthorized(t *testing.T) {
	r, _ := newTestRouter(&stubValidator{err: xerrors.ErrStoreUnavailable})

	w := doRequest(r, "/api/v1/me", "sid", "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "unauthorized", wireCode(t, w))
	assert.NotContains(t, w.Body.String(), "store_unavailable")
}

func TestAuthenticatePublishesLatency(t *testing.T) {
	gin.SetMode(gin.TestMode)
	v := &stubValidator{sessions: map[string]*session.Session{"sid-1": liveSession("sid-1")}}
	g := NewAuthGateway(v, "app_session", false, 50*time.Millisecond, zap.NewNop())

	var latency time.Duration
	var ok bool
	r := gin.New()
	r.GET("/api/v1/me", g.Authenticate(), func(c *gin.Context) {
		raw, exists := c.Get("auth_latency")
		if exists {
			latency, ok = raw.(time.Duration)
		}
		c.Status(http.StatusOK)
	})

	w := doRequest(r, "/api/v1/me", "sid-1", "")
	require.Equal(t, http.StatusOK, w.Code)
	require.True(t, ok, "auth_latency must be set on the request context")
	assert.GreaterOrEqual(t, latency, time.Duration(0))
}

func TestClearCookieHonorsSecureFlag(t *testing.T) {
	gin.SetMode(gin.TestMode)
	g := NewAuthGateway(&stubValidator{}, "app_session", true, 0, zap.NewNop())

	r := gin.New()
	r.GET("/api/v1/me", g.Authenticate(), func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	w := doRequest(r, "/api/v1/me", "gone", "")
	require.Equal(t, http.StatusUnauthorized, w.Code)

	var cleared *http.Cookie
	for _, ck := range w.Result().Cookies() {
		if ck.Name == "app_session" {
			cleared = ck
		}
	}
	require.NotNil(t, cleared)
	assert.True(t, cleared.Secure, "cleared cookie must carry the configured secure flag")
}

func TestAuthenticatePagePathRedirects(t *testing.T) {
	r, _ := newTestRouter(&stubValidator{})

	w := doRequest(r, "/dashboard", "", "")
	assert.Equal(t, http.StatusFound, w.Code)
	assert.Equal(t, "/login?redirect=%2Fdashboard", w.Header().Get("Location"))
}

func TestAdminOnly(t *testing.T) {
	owner := liveSession("owner-sid")
	admin := liveSession("admin-sid")
	admin.Role = session.RoleAdmin
	v := &stubValidator{sessions: map[string]*session.Session{"owner-sid": owner, "admin-sid": admin}}
	r, _ := newTestRouter(v)

	w := doRequest(r, "/api/v1/admin", "owner-sid", "")
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "forbidden", wireCode(t, w))

	w = doRequest(r, "/api/v1/admin", "admin-sid", "")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRequireMFA(t *testing.T) {
	plain := liveSession("plain-sid")
	stepped := liveSession("stepped-sid")
	stepped.MFAVerified = true
	v := &stubValidator{sessions: map[string]*session.Session{"plain-sid": plain, "stepped-sid": stepped}}
	r, _ := newTestRouter(v)

	w := doRequest(r, "/api/v1/vault", "plain-sid", "")
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "step_up_required", wireCode(t, w))

	w = doRequest(r, "/api/v1/vault", "stepped-sid", "")
	assert.Equal(t, http.StatusOK, w.Code)
}

type panicValidator struct{}

func (panicValidator) Validate(context.Context, string) (*session.Session, error) {
	panic("boom")
}

func TestAuthenticatePanicDenies(t *testing.T) {
	r, _ := newTestRouter(panicValidator{})

	w := doRequest(r, "/api/v1/me", "sid", "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "unauthorized", wireCode(t, w))
}
