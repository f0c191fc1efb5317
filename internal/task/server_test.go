package task

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/nao1215/taskhub/internal/config"
	"github.com/nao1215/taskhub/pkg/middleware"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const testSecret = "test-secret"

func init() {
	gin.SetMode(gin.TestMode)
}

// setupTestServer はテスト用のタスクサーバーを構築する。
func setupTestServer(t *testing.T) http.Handler {
	t.Helper()

	cfg := config.Task{
		Port:            "0",
		JWTSecret:       testSecret,
		FrontendURL:     "http://localhost:3000",
		DevTokenEnabled: true,
	}
	return NewServer(cfg, setupTestDB(t), zaptest.NewLogger(t)).Handler()
}

// doRequest はuserIDのトークンを付与してリクエストを実行する。userIDが空の場合は認証なし。
func doRequest(t *testing.T, h http.Handler, method, path, userID string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if userID != "" {
		token, err := middleware.GenerateJWT(testSecret, userID, time.Hour)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+token)
	}

	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestServer_Tasks(t *testing.T) {
	t.Parallel()

	t.Run("タスク作成から取得とコメント追加までできること", func(t *testing.T) {
		t.Parallel()

		h := setupTestServer(t)

		w := doRequest(t, h, http.MethodPost, "/api/v1/tasks", "user-a", map[string]string{
			"title": "T1", "description": "説明", "assignee_id": "user-b",
		})
		require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

		var created Task
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
		require.Equal(t, "user-a", created.AuthorID)
		require.Equal(t, "user-b", created.AssigneeID)

		w = doRequest(t, h, http.MethodGet, "/api/v1/tasks/"+created.ID, "user-b", nil)
		require.Equal(t, http.StatusOK, w.Code)

		w = doRequest(t, h, http.MethodPost, "/api/v1/tasks/"+created.ID+"/comments", "user-b",
			map[string]string{"body": "対応します"})
		require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

		w = doRequest(t, h, http.MethodGet, "/api/v1/outbox/stats", "user-a", nil)
		require.Equal(t, http.StatusOK, w.Code)
		require.JSONEq(t, `{"pending":2}`, w.Body.String())
	})

	t.Run("存在しないタスクは404", func(t *testing.T) {
		t.Parallel()

		h := setupTestServer(t)

		w := doRequest(t, h, http.MethodGet, "/api/v1/tasks/missing", "user-a", nil)
		require.Equal(t, http.StatusNotFound, w.Code)

		w = doRequest(t, h, http.MethodPost, "/api/v1/tasks/missing/comments", "user-a",
			map[string]string{"body": "hello"})
		require.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("タイトルがない場合は400", func(t *testing.T) {
		t.Parallel()

		w := doRequest(t, setupTestServer(t), http.MethodPost, "/api/v1/tasks", "user-a",
			map[string]string{"description": "説明のみ"})
		require.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("認証なしは401", func(t *testing.T) {
		t.Parallel()

		w := doRequest(t, setupTestServer(t), http.MethodPost, "/api/v1/tasks", "",
			map[string]string{"title": "T1"})
		require.Equal(t, http.StatusUnauthorized, w.Code)
	})
}

func TestServer_DevToken(t *testing.T) {
	t.Parallel()

	t.Run("発行したトークンでAPIを呼び出せること", func(t *testing.T) {
		t.Parallel()

		h := setupTestServer(t)
		w := doRequest(t, h, http.MethodPost, "/auth/dev-token", "", map[string]string{"user_id": "user-a"})
		require.Equal(t, http.StatusOK, w.Code)

		var resp struct {
			Token string `json:"token"`
		}
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))

		claims, err := middleware.ParseJWT(testSecret, resp.Token)
		require.NoError(t, err)
		require.Equal(t, "user-a", claims.UserID)
	})

	t.Run("無効化されている場合は404", func(t *testing.T) {
		t.Parallel()

		cfg := config.Task{JWTSecret: testSecret, DevTokenEnabled: false}
		h := NewServer(cfg, setupTestDB(t), nil).Handler()

		w := doRequest(t, h, http.MethodPost, "/auth/dev-token", "", map[string]string{"user_id": "user-a"})
		require.Equal(t, http.StatusNotFound, w.Code)
	})
}

func TestServer_Health(t *testing.T) {
	t.Parallel()

	w := doRequest(t, setupTestServer(t), http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.JSONEq(t, `{"status":"ok","service":"task"}`, w.Body.String())
}
