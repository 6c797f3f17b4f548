package admin

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"faasrt/internal/invocation"
	"faasrt/internal/runtime/engine"
	"faasrt/internal/runtime/module"
	"faasrt/internal/runtime/worker"
	appErr "faasrt/pkg/errors"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"golang.org/x/crypto/bcrypt"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeRuntime struct {
	mu      sync.Mutex
	modules map[string]engine.ModuleInfo
	events  chan engine.Event
}

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{modules: make(map[string]engine.ModuleInfo), events: make(chan engine.Event, 8)}
}

func (r *fakeRuntime) Register(spec module.Spec, unit module.Unit) (engine.ModuleInfo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.modules[spec.Name]; ok {
		return engine.ModuleInfo{}, appErr.New(appErr.ModuleAlreadyExists)
	}
	info := engine.ModuleInfo{Name: spec.Name, Kind: unit.Kind(), Source: spec.Source, BoundPort: 9000 + len(r.modules)}
	r.modules[spec.Name] = info
	return info, nil
}

func (r *fakeRuntime) Retire(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.modules[name]; !ok {
		return appErr.New(appErr.ModuleNotFound)
	}
	delete(r.modules, name)
	return nil
}

func (r *fakeRuntime) Module(name string) (engine.ModuleInfo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	info, ok := r.modules[name]
	if !ok {
		return engine.ModuleInfo{}, appErr.New(appErr.ModuleNotFound)
	}
	return info, nil
}

func (r *fakeRuntime) Modules() []engine.ModuleInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]engine.ModuleInfo, 0, len(r.modules))
	for _, m := range r.modules {
		out = append(out, m)
	}
	return out
}

func (r *fakeRuntime) Workers() []worker.Stats { return []worker.Stats{{ID: 0}, {ID: 1}} }

func (r *fakeRuntime) Stats() engine.Stats {
	return engine.Stats{Modules: len(r.Modules()), Workers: r.Workers()}
}

func (r *fakeRuntime) Subscribe(int) (<-chan engine.Event, func()) {
	return r.events, func() {}
}

type fakeLoader struct {
	digest string
}

func (l *fakeLoader) Load(_ context.Context, spec module.Spec, digest string) (module.Unit, error) {
	if l.digest != "" && digest != l.digest {
		return nil, appErr.New(appErr.ArtifactHashMismatch)
	}
	return module.Builtin(strings.TrimPrefix(spec.Source, "builtin:"))
}

func (l *fakeLoader) Upload(_ context.Context, key string, data []byte) (string, string, error) {
	return "minio://modules/" + key, "abc", nil
}

type fakeInvocations struct{}

func (fakeInvocations) Get(_ context.Context, id string) (invocation.Record, error) {
	if id != "r1" {
		return invocation.Record{}, appErr.New(appErr.NotFound)
	}
	return invocation.Record{RequestID: "r1", Module: "echo"}, nil
}

func (fakeInvocations) Recent(_ context.Context, module string, limit int) ([]invocation.Record, error) {
	out := []invocation.Record{}
	for i := 0; i < limit; i++ {
		out = append(out, invocation.Record{Module: module})
	}
	return out, nil
}

type testServer struct {
	router  *gin.Engine
	runtime *fakeRuntime
	admin   string
	viewer  string
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte("secret"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	auth, err := NewAuthenticator(AuthConfig{
		JWTSecret: "test-secret",
		JWTIssuer: "faasrt",
		Users: []Credential{
			{Username: "root", PasswordHash: string(hash), Role: RoleAdmin},
			{Username: "ops", PasswordHash: string(hash)},
		},
	})
	if err != nil {
		t.Fatalf("authenticator: %v", err)
	}
	rt := newFakeRuntime()
	h := NewHandler(Deps{Runtime: rt, Loader: &fakeLoader{}, Invocations: fakeInvocations{}, Auth: auth})
	s := &testServer{router: NewRouter(h), runtime: rt}
	s.admin = s.login(t, "root", "secret")
	s.viewer = s.login(t, "ops", "secret")
	return s
}

type envelope struct {
	Code    appErr.ErrorCode `json:"code"`
	Message string           `json:"message"`
	Data    json.RawMessage  `json:"data"`
	TraceID string           `json:"trace_id"`
}

func (s *testServer) do(t *testing.T, method, path, token string, body interface{}) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	var env envelope
	if err := json.Unmarshal(w.Body.Bytes(), &env); err != nil {
		t.Fatalf("decode %s %s: %v (%s)", method, path, err, w.Body.String())
	}
	return w, env
}

func (s *testServer) login(t *testing.T, user, pass string) string {
	t.Helper()
	w, env := s.do(t, http.MethodPost, "/api/v1/auth/token", "", TokenRequest{Username: user, Password: pass})
	if w.Code != http.StatusOK {
		t.Fatalf("login %s: %d %s", user, w.Code, w.Body.String())
	}
	var tok Token
	if err := json.Unmarshal(env.Data, &tok); err != nil || tok.AccessToken == "" {
		t.Fatalf("decode token: %v", err)
	}
	return tok.AccessToken
}

func TestHealthAndTrace(t *testing.T) {
	s := newTestServer(t)
	w, env := s.do(t, http.MethodGet, "/healthz", "", nil)
	if w.Code != http.StatusOK || env.TraceID == "" {
		t.Fatalf("health: %d %+v", w.Code, env)
	}
	if w.Header().Get("X-Trace-Id") != env.TraceID || w.Header().Get("X-Request-Id") == "" {
		t.Fatalf("trace headers missing: %v", w.Header())
	}
}

func TestLoginRejectsBadPassword(t *testing.T) {
	s := newTestServer(t)
	w, env := s.do(t, http.MethodPost, "/api/v1/auth/token", "", TokenRequest{Username: "root", Password: "nope"})
	if w.Code != http.StatusUnauthorized || env.Code != appErr.InvalidCredentials {
		t.Fatalf("expected invalid credentials, got %d %+v", w.Code, env)
	}
	w, env = s.do(t, http.MethodPost, "/api/v1/auth/token", "", TokenRequest{Username: "ghost", Password: "secret"})
	if env.Code != appErr.InvalidCredentials {
		t.Fatalf("unknown user: %d %+v", w.Code, env)
	}
}

func TestAuthRequired(t *testing.T) {
	s := newTestServer(t)
	if w, env := s.do(t, http.MethodGet, "/api/v1/modules", "", nil); w.Code != http.StatusUnauthorized || env.Code != appErr.TokenInvalid {
		t.Fatalf("expected 401, got %d %+v", w.Code, env)
	}
	if w, _ := s.do(t, http.MethodGet, "/api/v1/modules", "garbage", nil); w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for a bad token, got %d", w.Code)
	}
	w, env := s.do(t, http.MethodPost, "/api/v1/modules", s.viewer, RegisterModuleRequest{Spec: module.Spec{Name: "e", Source: "builtin:echo"}})
	if w.Code != http.StatusForbidden || env.Code != appErr.Forbidden {
		t.Fatalf("viewer must not register, got %d %+v", w.Code, env)
	}
}

func TestExpiredToken(t *testing.T) {
	auth, _ := NewAuthenticator(AuthConfig{JWTSecret: "s", TokenTTL: time.Millisecond})
	tok, err := auth.issue("root", RoleAdmin)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	time.Sleep(1100 * time.Millisecond)
	if _, err := auth.Authenticate(tok.AccessToken); appErr.GetCode(err) != appErr.TokenExpired {
		t.Fatalf("expected expired token, got %v", err)
	}
	other, _ := NewAuthenticator(AuthConfig{JWTSecret: "different"})
	fresh, _ := other.issue("root", RoleAdmin)
	if _, err := auth.Authenticate(fresh.AccessToken); appErr.GetCode(err) != appErr.TokenInvalid {
		t.Fatalf("foreign token accepted: %v", err)
	}
}

func TestModuleLifecycle(t *testing.T) {
	s := newTestServer(t)
	w, env := s.do(t, http.MethodPost, "/api/v1/modules", s.admin, RegisterModuleRequest{
		Spec: module.Spec{Name: "echo", Source: "builtin:echo", Arguments: "a b"},
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("register: %d %s", w.Code, w.Body.String())
	}
	var info engine.ModuleInfo
	json.Unmarshal(env.Data, &info)
	if info.Name != "echo" || info.Kind != "native" || info.BoundPort == 0 {
		t.Fatalf("unexpected info %+v", info)
	}

	w, env = s.do(t, http.MethodPost, "/api/v1/modules", s.admin, RegisterModuleRequest{Spec: module.Spec{Name: "echo", Source: "builtin:echo"}})
	if w.Code != http.StatusConflict || env.Code != appErr.ModuleAlreadyExists {
		t.Fatalf("duplicate register: %d %+v", w.Code, env)
	}
	if w, _ := s.do(t, http.MethodPost, "/api/v1/modules", s.admin, RegisterModuleRequest{Spec: module.Spec{Name: "x"}}); w.Code != http.StatusBadRequest {
		t.Fatalf("missing source: %d", w.Code)
	}

	if w, _ := s.do(t, http.MethodGet, "/api/v1/modules/echo", s.viewer, nil); w.Code != http.StatusOK {
		t.Fatalf("get module: %d", w.Code)
	}
	if w, env := s.do(t, http.MethodGet, "/api/v1/modules/none", s.viewer, nil); w.Code != http.StatusNotFound || env.Code != appErr.ModuleNotFound {
		t.Fatalf("missing module: %d %+v", w.Code, env)
	}
	if w, _ := s.do(t, http.MethodDelete, "/api/v1/modules/echo", s.admin, nil); w.Code != http.StatusOK {
		t.Fatalf("retire: %d", w.Code)
	}
	if len(s.runtime.Modules()) != 0 {
		t.Fatalf("module not retired")
	}
}

func TestInvocationRoutes(t *testing.T) {
	s := newTestServer(t)
	w, env := s.do(t, http.MethodGet, "/api/v1/invocations/r1", s.viewer, nil)
	var rec invocation.Record
	json.Unmarshal(env.Data, &rec)
	if w.Code != http.StatusOK || rec.Module != "echo" {
		t.Fatalf("get invocation: %d %+v", w.Code, rec)
	}
	if w, _ := s.do(t, http.MethodGet, "/api/v1/invocations/zz", s.viewer, nil); w.Code != http.StatusNotFound {
		t.Fatalf("missing invocation: %d", w.Code)
	}
	w, env = s.do(t, http.MethodGet, "/api/v1/modules/echo/invocations?limit=3", s.viewer, nil)
	var recs []invocation.Record
	json.Unmarshal(env.Data, &recs)
	if w.Code != http.StatusOK || len(recs) != 3 {
		t.Fatalf("list invocations: %d %d", w.Code, len(recs))
	}
	if w, _ := s.do(t, http.MethodGet, "/api/v1/modules/echo/invocations?limit=x", s.viewer, nil); w.Code != http.StatusBadRequest {
		t.Fatalf("bad limit: %d", w.Code)
	}
	w, env = s.do(t, http.MethodGet, "/api/v1/workers", s.viewer, nil)
	var workers []worker.Stats
	json.Unmarshal(env.Data, &workers)
	if w.Code != http.StatusOK || len(workers) != 2 {
		t.Fatalf("workers: %d %s", w.Code, w.Body.String())
	}
}

func TestUploadArtifact(t *testing.T) {
	s := newTestServer(t)
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	mw.WriteField("key", "team/fn.wasm")
	fw, _ := mw.CreateFormFile("file", "fn.wasm")
	fw.Write([]byte("\x00asm"))
	mw.Close()

	req := httptest.NewRequest(http.MethodPost, "/api/v1/artifacts", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+s.admin)
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	if w.Code != http.StatusCreated || !strings.Contains(w.Body.String(), "minio://modules/team/fn.wasm") {
		t.Fatalf("upload: %d %s", w.Code, w.Body.String())
	}
}

func TestEventStream(t *testing.T) {
	s := newTestServer(t)
	srv := httptest.NewServer(s.router)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/events?module=echo"
	header := http.Header{"Authorization": []string{"Bearer " + s.viewer}}
	conn, resp, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		t.Fatalf("dial: %v (%v)", err, resp)
	}
	defer conn.Close()

	s.runtime.events <- engine.Event{Type: engine.EventCompleted, RequestID: "skip", Module: "other"}
	s.runtime.events <- engine.Event{Type: engine.EventCompleted, RequestID: "r1", Module: "echo"}
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var ev engine.Event
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("read: %v", err)
	}
	if ev.RequestID != "r1" {
		t.Fatalf("filter not applied, got %+v", ev)
	}

	if _, _, err := websocket.DefaultDialer.Dial(strings.Replace(url, "?module=echo", "", 1), nil); err == nil {
		t.Fatalf("unauthenticated upgrade should fail")
	}
}
