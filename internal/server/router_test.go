package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/procevents/internal/controller"
	"github.com/loykin/procevents/internal/report"
)

type fixedStatus controller.Status

func (f fixedStatus) Status() controller.Status { return controller.Status(f) }

func setupRouter(t *testing.T, base string, rep *report.Reporter) http.Handler {
	t.Helper()
	gin.SetMode(gin.TestMode)
	st := fixedStatus{SessionID: "s-1", Executable: "/bin/prog", RunCount: 2, Iteration: 1, PID: 1000, State: "stopped", StopIndex: 3, Running: true}
	return NewRouter(st, rep, base, nil).Handler()
}

func doReq(t *testing.T, h http.Handler, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestStatus(t *testing.T) {
	h := setupRouter(t, "/api/", report.Discard())
	rec := doReq(t, h, http.MethodGet, "/api/status")
	require.Equal(t, http.StatusOK, rec.Code)

	var st controller.Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.Equal(t, "s-1", st.SessionID)
	assert.Equal(t, 1000, st.PID)
	assert.Equal(t, "stopped", st.State)
	assert.Equal(t, 3, st.StopIndex)
}

func TestStatusWithoutSource(t *testing.T) {
	gin.SetMode(gin.TestMode)
	h := NewRouter(nil, nil, "", nil).Handler()
	assert.Equal(t, http.StatusServiceUnavailable, doReq(t, h, http.MethodGet, "/status").Code)
	assert.Equal(t, http.StatusServiceUnavailable, doReq(t, h, http.MethodGet, "/events").Code)
}

func TestMetricsEndpoint(t *testing.T) {
	h := setupRouter(t, "", report.Discard())
	rec := doReq(t, h, http.MethodGet, "/metrics")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestUnknownPath(t *testing.T) {
	h := setupRouter(t, "/base", report.Discard())
	assert.Equal(t, http.StatusNotFound, doReq(t, h, http.MethodGet, "/status").Code)
}

func TestEventsStreamsTranscript(t *testing.T) {
	rep := report.New(io.Discard)
	srv := httptest.NewServer(setupRouter(t, "", rep))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/events"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer func() { _ = conn.Close() }()
	_ = resp.Body.Close()

	rep.Printf("process %d launched", 1000)
	rep.Warnf("process %d unloaded, this shouldn't happen", 1000)

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var first, second report.Line
	require.NoError(t, conn.ReadJSON(&first))
	require.NoError(t, conn.ReadJSON(&second))
	assert.Equal(t, "process 1000 launched", first.Text)
	assert.Equal(t, report.LevelInfo, first.Level)
	assert.Equal(t, report.LevelWarn, second.Level)
}

func TestSlowClientIsDropped(t *testing.T) {
	ec := &eventClient{send: make(chan []byte, 2), cancel: func() {}}
	for i := 0; i < 3; i++ {
		ec.push(report.Line{Text: "x"})
	}
	assert.True(t, ec.closed)
	n := 0
	for range ec.send {
		n++
	}
	assert.Equal(t, 2, n)
	ec.shutdown()
}

func TestNewServerStartClose(t *testing.T) {
	srv, err := NewServer("127.0.0.1:0", "/x", fixedStatus{SessionID: "s"}, report.Discard(), nil)
	require.NoError(t, err)

	resp, err := http.Get("http://" + srv.Addr() + "/x/status")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.NoError(t, srv.Shutdown(ctx))
}

func TestSanitizeBase(t *testing.T) {
	cases := map[string]string{"": "", "/": "", "api": "/api", "/api/": "/api", " /a/b// ": "/a/b"}
	for in, want := range cases {
		assert.Equal(t, want, sanitizeBase(in), in)
	}
}
