package httptransport

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/upcoach/deltasync"
	"github.com/upcoach/deltasync/storage/memory"
)

const testSecret = "test-secret"

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()

	registry := deltasync.NewRegistry()
	registry.Register("goal", memory.New())
	registry.Register("habit", memory.New())
	orchestrator := deltasync.NewOrchestrator(registry)

	r := chi.NewRouter()
	r.Route("/api/sync", func(r chi.Router) {
		r.Use(JWTAuth(testSecret))
		r.Mount("/", NewHandler(orchestrator).Routes())
	})

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func newTestClient(t *testing.T, srv *httptest.Server, userID string) *Client {
	t.Helper()
	token, err := GenerateToken(userID, testSecret, time.Hour)
	require.NoError(t, err)
	return NewClient(srv.URL+"/api/sync", WithToken(token))
}

func TestPushPullRoundTrip(t *testing.T) {
	srv := newTestServer(t)
	client := newTestClient(t, srv, "user-1")
	ctx := context.Background()

	resp, err := client.Push(ctx, deltasync.SyncRequest{
		Operations: []deltasync.SyncOperation{{
			ID:         "op-1",
			Type:       deltasync.OpCreate,
			EntityType: "goal",
			EntityID:   "goal-1",
			Data:       json.RawMessage(`{"title":"run a marathon"}`),
		}},
	})
	require.NoError(t, err)
	assert.True(t, resp.Success)
	require.Len(t, resp.Results, 1)
	assert.Equal(t, int64(1), resp.Results[0].NewVersion)
	require.Len(t, resp.ServerChanges, 1)
	assert.NotEmpty(t, resp.NextCursor)

	page, err := client.Pull(ctx, deltasync.DeltaRequest{EntityType: "goal"})
	require.NoError(t, err)
	require.Len(t, page.Entities, 1)
	assert.Equal(t, "goal-1", page.Entities[0].EntityID)
	assert.JSONEq(t, `{"title":"run a marathon"}`, string(page.Entities[0].Data))
	assert.False(t, page.HasMore)
}

func TestPushConflictSurvivesTheWire(t *testing.T) {
	srv := newTestServer(t)
	client := newTestClient(t, srv, "user-1")
	ctx := context.Background()

	_, err := client.Push(ctx, deltasync.SyncRequest{
		Operations: []deltasync.SyncOperation{{
			ID: "op-1", Type: deltasync.OpCreate, EntityType: "goal", EntityID: "goal-1",
			Data: json.RawMessage(`{"v":"server"}`),
		}},
	})
	require.NoError(t, err)

	stale := int64(0)
	resp, err := client.Push(ctx, deltasync.SyncRequest{
		Operations: []deltasync.SyncOperation{{
			ID: "op-2", Type: deltasync.OpUpdate, EntityType: "goal", EntityID: "goal-1",
			Data: json.RawMessage(`{"v":"client"}`), Version: &stale,
		}},
	})
	require.NoError(t, err)
	assert.False(t, resp.Success)
	require.Len(t, resp.Results, 1)
	conflict := resp.Results[0].Conflict
	require.NotNil(t, conflict)
	assert.Equal(t, int64(1), conflict.ServerVersion)
	assert.Equal(t, int64(0), conflict.LocalVersion)
	assert.JSONEq(t, `{"v":"server"}`, string(conflict.ServerData))
}

func TestUsersAreIsolated(t *testing.T) {
	srv := newTestServer(t)
	alice := newTestClient(t, srv, "alice")
	bob := newTestClient(t, srv, "bob")
	ctx := context.Background()

	_, err := alice.Push(ctx, deltasync.SyncRequest{
		Operations: []deltasync.SyncOperation{{
			ID: "op-1", Type: deltasync.OpCreate, EntityType: "goal", EntityID: "goal-1",
			Data: json.RawMessage(`{}`),
		}},
	})
	require.NoError(t, err)

	page, err := bob.Pull(ctx, deltasync.DeltaRequest{EntityType: "goal"})
	require.NoError(t, err)
	assert.Empty(t, page.Entities)
}

func TestStatusEndpoint(t *testing.T) {
	srv := newTestServer(t)
	client := newTestClient(t, srv, "user-1")
	ctx := context.Background()

	resp, err := client.Push(ctx, deltasync.SyncRequest{
		Operations: []deltasync.SyncOperation{{
			ID: "op-1", Type: deltasync.OpCreate, EntityType: "habit", EntityID: "habit-1",
			Data: json.RawMessage(`{}`),
		}},
	})
	require.NoError(t, err)

	status, err := client.Status(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, 1, status.Entities["habit"].Count)
	assert.Equal(t, 0, status.Entities["goal"].Count)

	status, err = client.Status(ctx, resp.NextCursor)
	require.NoError(t, err)
	assert.Zero(t, status.PendingChanges)
}

func TestPullRejectsUnknownEntityType(t *testing.T) {
	srv := newTestServer(t)
	client := newTestClient(t, srv, "user-1")

	_, err := client.Pull(context.Background(), deltasync.DeltaRequest{EntityType: "widget"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 400")
}

func TestPullRequiresEntityType(t *testing.T) {
	srv := newTestServer(t)
	client := newTestClient(t, srv, "user-1")

	_, err := client.Pull(context.Background(), deltasync.DeltaRequest{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "entityType is required")
}

func TestMalformedBodyIsBadRequest(t *testing.T) {
	srv := newTestServer(t)
	token, err := GenerateToken("user-1", testSecret, time.Hour)
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodPost, srv.URL+"/api/sync/push", bytes.NewBufferString("{not json"))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	var envelope map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&envelope))
	assert.Equal(t, "malformed JSON body", envelope["error"])
}

func TestOversizedBodyIsRejected(t *testing.T) {
	registry := deltasync.NewRegistry()
	registry.Register("goal", memory.New())
	handler := NewHandler(deltasync.NewOrchestrator(registry), WithMaxRequestSize(64))

	r := chi.NewRouter()
	r.Mount("/", handler.Routes())

	body := bytes.Repeat([]byte("a"), 128)
	req := httptest.NewRequest(http.MethodPost, "/push", bytes.NewReader(body))
	req = req.WithContext(WithUserID(req.Context(), "user-1"))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}
