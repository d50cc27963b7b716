package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestIssueVerifyRoundTrip(t *testing.T) {
	j := JWT{Secret: []byte("s3cret"), TokenTTL: time.Hour}
	tok, exp, err := j.Issue("ops", RoleViewer)
	if err != nil {
		t.Fatalf("issue err=%v", err)
	}
	if d := time.Until(exp); d < 59*time.Minute || d > time.Hour {
		t.Fatalf("expires in %v want=~1h", d)
	}
	claims, err := j.Verify(tok)
	if err != nil {
		t.Fatalf("verify err=%v", err)
	}
	if claims.Subject != "ops" || claims.Role != RoleViewer || claims.CanWrite() {
		t.Fatalf("claims=%+v", claims)
	}
	if _, err := (JWT{Secret: []byte("other")}).Verify(tok); err == nil {
		t.Fatalf("verify with wrong secret succeeded")
	}
}

func TestIssueRejectsUnknownRoleAndExpiredTokens(t *testing.T) {
	j := JWT{Secret: []byte("s3cret")}
	if _, _, err := j.Issue("ops", "root"); err == nil {
		t.Fatalf("unknown role accepted")
	}
	if _, _, err := (JWT{}).Issue("ops", RoleAdmin); err == nil {
		t.Fatalf("issue without secret succeeded")
	}
	past := time.Now().Add(-time.Hour)
	tok, _, err := j.Sign(Claims{Role: RoleAdmin, RegisteredClaims: jwt.RegisteredClaims{
		Subject:   "ops",
		ExpiresAt: jwt.NewNumericDate(past),
	}})
	if err != nil {
		t.Fatalf("sign err=%v", err)
	}
	if _, err := j.Verify(tok); err == nil {
		t.Fatalf("expired token accepted")
	}
}

func newRouter(j JWT, logger *zap.Logger) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(AuditWrites(logger), RequireBearer(j))
	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusOK) })
	r.GET("/api/v1/things", func(c *gin.Context) { c.Status(http.StatusOK) })
	r.POST("/api/v1/things", func(c *gin.Context) { c.Status(http.StatusCreated) })
	return r
}

func call(r http.Handler, method, path, token string) int {
	req := httptest.NewRequest(method, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w.Code
}

func TestRequireBearer(t *testing.T) {
	j := JWT{Secret: []byte("s3cret"), TokenTTL: time.Hour}
	admin, _, _ := j.Issue("alice", RoleAdmin)
	viewer, _, _ := j.Issue("bob", RoleViewer)
	core, logs := observer.New(zap.InfoLevel)
	r := newRouter(j, zap.New(core))

	cases := []struct {
		method, path, token string
		want                int
	}{
		{http.MethodGet, "/healthz", "", http.StatusOK},
		{http.MethodGet, "/api/v1/things", "", http.StatusUnauthorized},
		{http.MethodGet, "/api/v1/things", "garbage", http.StatusUnauthorized},
		{http.MethodGet, "/api/v1/things", viewer, http.StatusOK},
		{http.MethodPost, "/api/v1/things", viewer, http.StatusForbidden},
		{http.MethodPost, "/api/v1/things", admin, http.StatusCreated},
	}
	for _, tc := range cases {
		if got := call(r, tc.method, tc.path, tc.token); got != tc.want {
			t.Fatalf("%s %s status=%d want=%d", tc.method, tc.path, got, tc.want)
		}
	}

	writes := logs.FilterMessage("api write").All()
	if len(writes) != 2 {
		t.Fatalf("audit entries=%d want=2", len(writes))
	}
	if denied := writes[0].ContextMap(); denied["subject"] != "bob" || denied["status"] != int64(http.StatusForbidden) {
		t.Fatalf("audit=%v", denied)
	}
	last := writes[1].ContextMap()
	if last["subject"] != "alice" || last["status"] != int64(http.StatusCreated) {
		t.Fatalf("audit=%v", last)
	}
}

func TestRequireBearerDisabledWithoutSecret(t *testing.T) {
	r := newRouter(JWT{}, nil)
	if got := call(r, http.MethodPost, "/api/v1/things", ""); got != http.StatusCreated {
		t.Fatalf("status=%d want=%d", got, http.StatusCreated)
	}
}

func TestBearerToken(t *testing.T) {
	cases := map[string]string{
		"Bearer abc":   "abc",
		"bearer  abc ": "abc",
		"Basic abc":    "",
		"abc":          "",
		"":             "",
	}
	for in, want := range cases {
		if got := bearerToken(in); got != want {
			t.Fatalf("bearerToken(%q)=%q want=%q", in, got, want)
		}
	}
}
