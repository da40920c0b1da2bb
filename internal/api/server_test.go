package api_test

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/studyhub/groupchannel/internal/api"
	"github.com/studyhub/groupchannel/internal/dispatcher"
	"github.com/studyhub/groupchannel/internal/protocol"
	"github.com/studyhub/groupchannel/internal/service"
	"github.com/studyhub/groupchannel/internal/service/mocks"
	"github.com/studyhub/groupchannel/internal/sessionstore"
)

const testTimeout = 5 * time.Second

func TestHealthEndpoint(t *testing.T) {
	t.Parallel()
	ctrl := gomock.NewController(t)
	t.Cleanup(ctrl.Finish)

	mockSvc := mocks.NewMockChannelService(ctrl)
	// No expectations needed - health check doesn't call service
	server := api.NewServer(mockSvc)

	req, err := http.NewRequest("GET", "/health", nil)
	require.NoError(t, err)

	rr := httptest.NewRecorder()
	server.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))

	var response map[string]string
	err = json.Unmarshal(rr.Body.Bytes(), &response)
	require.NoError(t, err)
	assert.Equal(t, "healthy", response["status"])
}

func TestReadinessEndpoint(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name           string
		setupMock      func(*mocks.MockChannelService)
		expectedStatus int
		expectedBody   string
	}{
		{
			name: "service ready",
			setupMock: func(m *mocks.MockChannelService) {
				m.EXPECT().CheckReadiness(gomock.Any()).Return(nil)
			},
			expectedStatus: http.StatusOK,
			expectedBody:   "ready",
		},
		{
			name: "service not ready",
			setupMock: func(m *mocks.MockChannelService) {
				m.EXPECT().CheckReadiness(gomock.Any()).Return(fmt.Errorf("registry not started"))
			},
			expectedStatus: http.StatusServiceUnavailable,
			expectedBody:   "error",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			ctrl := gomock.NewController(t)
			t.Cleanup(ctrl.Finish)

			mockSvc := mocks.NewMockChannelService(ctrl)
			tt.setupMock(mockSvc)

			server := api.NewServer(mockSvc)

			req, err := http.NewRequest("GET", "/readiness", nil)
			require.NoError(t, err)

			rr := httptest.NewRecorder()
			server.ServeHTTP(rr, req)

			assert.Equal(t, tt.expectedStatus, rr.Code)
			assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))

			var response map[string]string
			err = json.Unmarshal(rr.Body.Bytes(), &response)
			require.NoError(t, err)

			if tt.expectedStatus == http.StatusOK {
				assert.Equal(t, tt.expectedBody, response["status"])
			} else {
				assert.Contains(t, response, tt.expectedBody)
			}
		})
	}
}

func TestVersionEndpoint(t *testing.T) {
	t.Parallel()
	ctrl := gomock.NewController(t)
	t.Cleanup(ctrl.Finish)

	mockSvc := mocks.NewMockChannelService(ctrl)
	server := api.NewServer(mockSvc)

	req, err := http.NewRequest("GET", "/version", nil)
	require.NoError(t, err)

	rr := httptest.NewRecorder()
	server.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))

	var response map[string]string
	err = json.Unmarshal(rr.Body.Bytes(), &response)
	require.NoError(t, err)

	assert.Contains(t, response, "version")
	assert.Contains(t, response, "commit")
	assert.Contains(t, response, "build_date")
	assert.Contains(t, response, "go_version")
	assert.Contains(t, response, "platform")
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()
	ctrl := gomock.NewController(t)
	t.Cleanup(ctrl.Finish)

	mockSvc := mocks.NewMockChannelService(ctrl)

	t.Run("not configured", func(t *testing.T) {
		t.Parallel()

		rr := httptest.NewRecorder()
		api.NewServer(mockSvc).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
		assert.Equal(t, http.StatusNotFound, rr.Code)
	})

	t.Run("configured", func(t *testing.T) {
		t.Parallel()

		metrics := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = io.WriteString(w, "groupchannel_channels_open 0\n")
		})

		rr := httptest.NewRecorder()
		api.NewServer(mockSvc, api.WithMetricsHandler(metrics)).
			ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
		assert.Equal(t, http.StatusOK, rr.Code)
		assert.Contains(t, rr.Body.String(), "groupchannel_channels_open")
	})
}

func TestLoggingMiddleware(t *testing.T) {
	t.Parallel()
	ctrl := gomock.NewController(t)
	t.Cleanup(ctrl.Finish)

	mockSvc := mocks.NewMockChannelService(ctrl)
	server := api.NewServer(mockSvc, api.WithMiddlewares(api.LoggingMiddleware))

	rr := httptest.NewRecorder()
	server.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rr.Code)
}

// newLiveServer serves the API over a real dispatcher registry
func newLiveServer(t *testing.T) *httptest.Server {
	t.Helper()

	registry := dispatcher.NewRegistry(dispatcher.WithSessionStore(sessionstore.NewMemoryStore()))
	errCh := make(chan error, 1)
	go func() { errCh <- registry.Start(context.Background()) }()

	svc, err := service.New(registry)
	require.NoError(t, err)

	server := httptest.NewServer(api.NewServer(svc))
	t.Cleanup(func() {
		server.Close()
		require.NoError(t, registry.Stop())
		require.NoError(t, <-errCh)
	})
	return server
}

func dial(t *testing.T, server *httptest.Server, groupID, runID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/api/v1/groups/" + groupID + "/runs/" + runID + "/channel"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	_ = resp.Body.Close()
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// nextFrame reads frames until one matches
func nextFrame(t *testing.T, conn *websocket.Conn, match func(map[string]any) bool) map[string]any {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(testTimeout)))
	for {
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)
		var frame map[string]any
		require.NoError(t, json.Unmarshal(data, &frame))
		if match(frame) {
			return frame
		}
	}
}

func isAction(action protocol.Action, memberID string) func(map[string]any) bool {
	return func(frame map[string]any) bool {
		return frame["action"] == string(action) && frame["memberId"] == memberID
	}
}

func TestServer_ChannelLifecycle(t *testing.T) {
	t.Parallel()

	server := newLiveServer(t)

	alice := dial(t, server, "g1", "alice")
	snapshot := nextFrame(t, alice, isAction(protocol.ActionOpened, "alice"))
	assert.Equal(t, "g1", snapshot["groupId"])

	bob := dial(t, server, "g1", "bob")
	nextFrame(t, bob, isAction(protocol.ActionOpened, "bob"))
	nextFrame(t, alice, isAction(protocol.ActionJoined, "bob"))

	// Broadcast payloads reach the other members untouched
	require.NoError(t, bob.WriteMessage(websocket.TextMessage, []byte(`{"text":"hello"}`)))
	frame := nextFrame(t, alice, func(f map[string]any) bool { return f["text"] != nil })
	assert.Equal(t, "hello", frame["text"])

	// A session update over HTTP reaches every channel
	req, err := http.NewRequest(http.MethodPut, server.URL+"/api/v1/groups/g1/session",
		strings.NewReader(`{"expectedVersion":0,"data":{"step":1}}`))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var result service.SessionResult
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&result))
	assert.Equal(t, service.SessionAccepted, result.Status)
	assert.Equal(t, int64(1), result.Version)

	isSession := func(f map[string]any) bool { return f["action"] == string(protocol.ActionSession) }
	for _, conn := range []*websocket.Conn{alice, bob} {
		session := nextFrame(t, conn, isSession)
		assert.InDelta(t, 1, session["version"], 0)
	}

	// Finishing the group closes every channel
	resp, err = http.Post(server.URL+"/api/v1/groups/g1/finish", "application/json", nil)
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	require.NoError(t, alice.SetReadDeadline(time.Now().Add(testTimeout)))
	for {
		if _, _, err := alice.ReadMessage(); err != nil {
			assert.True(t, websocket.IsCloseError(err, websocket.ClosePolicyViolation), "unexpected error: %v", err)
			break
		}
	}

	// A finished group refuses new channels before the upgrade
	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/api/v1/groups/g1/runs/carol/channel"
	_, resp, err = websocket.DefaultDialer.Dial(url, nil)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}
