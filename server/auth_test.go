package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/GoCodeAlone/sortie/activity"
)

func login(t *testing.T, s *Server, user, pass string) *httptest.ResponseRecorder {
	t.Helper()
	body, _ := json.Marshal(loginRequest{Username: user, Password: pass})
	req := httptest.NewRequest(http.MethodPost, "/api/auth/login", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, req)
	return rr
}

func tokenFor(t *testing.T, s *Server) string {
	t.Helper()
	rr := login(t, s, "admin", "secret")
	if rr.Code != http.StatusOK {
		t.Fatalf("login failed: %d %s", rr.Code, rr.Body.String())
	}
	var resp loginResponse
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("decode login: %v", err)
	}
	return resp.Token
}

func TestSignAndVerifyJWT(t *testing.T) {
	token, err := signJWT("my-test-secret", "alice", "org-1", time.Hour, time.Now())
	if err != nil {
		t.Fatalf("signJWT: %v", err)
	}
	c, err := verifyJWT("my-test-secret", token)
	if err != nil {
		t.Fatalf("verifyJWT: %v", err)
	}
	if c.Subject != "alice" || c.OrgID != "org-1" {
		t.Errorf("caller = %+v, want alice in org-1", c)
	}
}

func TestVerifyJWT_ExpiredToken(t *testing.T) {
	token, err := signJWT("my-test-secret", "alice", "org-1", time.Hour, time.Now().Add(-2*time.Hour))
	if err != nil {
		t.Fatalf("signJWT: %v", err)
	}
	if _, err := verifyJWT("my-test-secret", token); err == nil {
		t.Fatal("expected error for expired token")
	}
}

func TestVerifyJWT_BadSignature(t *testing.T) {
	token, _ := signJWT("correct-secret", "alice", "org-1", time.Hour, time.Now())
	if _, err := verifyJWT("wrong-secret", token); err == nil {
		t.Fatal("expected error for wrong secret")
	}
}

func TestVerifyJWT_RequiresOrg(t *testing.T) {
	claims := jwt.RegisteredClaims{Subject: "alice", ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("s"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := verifyJWT("s", token); err == nil {
		t.Fatal("expected error for token without org")
	}
}

func TestHandleLogin_Success(t *testing.T) {
	s, _ := newTestServer(t)
	rr := login(t, s, "admin", "secret")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var resp loginResponse
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Token == "" || resp.Org != "org-1" {
		t.Errorf("response = %+v", resp)
	}
	c, err := verifyJWT(testSecret, resp.Token)
	if err != nil || c.OrgID != "org-1" {
		t.Errorf("issued token = %+v, %v", c, err)
	}
}

func TestHandleLogin_WrongPassword(t *testing.T) {
	s, _ := newTestServer(t)
	if rr := login(t, s, "admin", "wrong"); rr.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", rr.Code)
	}
	if rr := login(t, s, "root", "secret"); rr.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 for unknown user, got %d", rr.Code)
	}
}

func TestHandleLogin_DisabledWithoutPassword(t *testing.T) {
	s, _ := newTestServer(t)
	s.cfg.Auth.AdminPass = ""
	if rr := login(t, s, "admin", ""); rr.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", rr.Code)
	}
}

func TestAuthMiddleware_MissingToken(t *testing.T) {
	s, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/api/agents", nil)
	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, req)
	if rr.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", rr.Code)
	}
}

func TestAuthMiddleware_ValidToken(t *testing.T) {
	s, _ := newTestServer(t)
	token := tokenFor(t, s)

	req := httptest.NewRequest(http.MethodGet, "/api/agents", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if !strings.Contains(rr.Body.String(), `"org_id":"org-1"`) {
		t.Errorf("body = %s, want org from token", rr.Body.String())
	}

	me := httptest.NewRequest(http.MethodGet, "/api/auth/me", nil)
	me.Header.Set("Authorization", "Bearer "+token)
	rr = httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, me)
	if !strings.Contains(rr.Body.String(), `"username":"admin"`) {
		t.Errorf("me = %s", rr.Body.String())
	}
}

func TestStatus_Public(t *testing.T) {
	s, _ := newTestServer(t)
	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/status", nil))
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), `"version":"test"`) {
		t.Errorf("status = %d %s", rr.Code, rr.Body.String())
	}
}

func TestSSE_RequiresToken(t *testing.T) {
	s, _ := newTestServer(t)
	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/events", nil))
	if rr.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", rr.Code)
	}
}

func TestSSE_StreamsOrgActivity(t *testing.T) {
	s, hub := newTestServer(t)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()
	token := tokenFor(t, s)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/events?token="+token, nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	reader := bufio.NewReader(resp.Body)
	readEvent := func() string {
		t.Helper()
		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				t.Fatalf("read event: %v", err)
			}
			if strings.HasPrefix(line, "data: ") {
				return strings.TrimSpace(strings.TrimPrefix(line, "data: "))
			}
		}
	}
	if ev := readEvent(); !strings.Contains(ev, "connected") {
		t.Fatalf("first event = %s", ev)
	}

	_ = hub.Record(ctx, &activity.Entry{ID: "e0", OrgID: "org-2", Summary: "not yours", Payload: activity.TaskCreated{TaskID: "t0", Title: "other"}})
	_ = hub.Record(ctx, &activity.Entry{ID: "e1", OrgID: "org-1", Summary: "task created: patrol", Payload: activity.TaskCreated{TaskID: "t1", Title: "patrol"}})
	ev := readEvent()
	if !strings.Contains(ev, `"type":"activity"`) || !strings.Contains(ev, "patrol") {
		t.Errorf("event = %s, want org-1 activity", ev)
	}
}
