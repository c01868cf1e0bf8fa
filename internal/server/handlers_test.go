package server

import (
	"bytes"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sandbox/internal/artifact"
	"sandbox/internal/auth"
	"sandbox/internal/config"
	"sandbox/internal/metrics"
	"sandbox/internal/scheduler"
	"sandbox/internal/store"
)

const testWorkerToken = "worker-secret"

type testEnv struct {
	server    *Server
	store     *store.Memory
	artifacts *artifact.Memory
	issuer    *auth.TokenIssuer
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	privatePEM := string(pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	}))
	publicBytes, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	require.NoError(t, err)
	publicPEM := string(pem.EncodeToMemory(&pem.Block{
		Type:  "PUBLIC KEY",
		Bytes: publicBytes,
	}))

	issuer, err := auth.NewTokenIssuer(privatePEM)
	require.NoError(t, err)
	verifier, err := auth.NewTokenVerifier(publicPEM)
	require.NoError(t, err)
	workers, err := auth.NewWorkerAuthenticator(testWorkerToken)
	require.NoError(t, err)

	taskStore := store.NewMemory(30 * time.Minute)
	artifacts := artifact.NewMemory()

	srv, err := NewServer(config.ServerConfig{Host: "127.0.0.1", Port: 0}, Deps{
		Store:     taskStore,
		Artifacts: artifacts,
		Issuer:    issuer,
		Verifier:  verifier,
		Workers:   workers,
		Metrics:   metrics.New(),
		Scheduler: scheduler.NewPgQueue(),
	})
	require.NoError(t, err)

	return &testEnv{server: srv, store: taskStore, artifacts: artifacts, issuer: issuer}
}

func (e *testEnv) rpc(t *testing.T, endpoint string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()

	payload, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/v1/rpc/"+endpoint, bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	e.server.Engine().ServeHTTP(w, req)
	return w
}

func workerHeaders() map[string]string {
	return map[string]string{
		"x-access-token": testWorkerToken,
		"x-worker-id":    "01TESTWORKER00000000000000",
	}
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder, out any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), out))
}

func createImageTask(t *testing.T, e *testEnv, headers map[string]string) TaskView {
	t.Helper()

	w := e.rpc(t, "CreateTask", map[string]any{
		"params": map[string]any{
			"kind":             "image_generation",
			"prompt":           "a lighthouse at dusk",
			"iterations":       20,
			"number_of_images": 2,
		},
	}, headers)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp struct {
		Task TaskView `json:"task"`
	}
	decodeBody(t, w, &resp)
	require.NotEmpty(t, resp.Task.TaskID)
	return resp.Task
}

func TestImageTaskLifecycle(t *testing.T) {
	e := newTestEnv(t)

	created := createImageTask(t, e, nil)
	assert.Nil(t, created.UserID)
	assert.JSONEq(t, `{"kind":"pending"}`, string(created.Status))

	// Worker leases the task.
	w := e.rpc(t, "GetTaskToRun", map[string]any{}, workerHeaders())
	require.Equal(t, http.StatusOK, w.Code)
	var leaseResp struct {
		Task TaskView `json:"task"`
	}
	decodeBody(t, w, &leaseResp)
	assert.Equal(t, created.TaskID, leaseResp.Task.TaskID)

	// Progress report flips the task to in_progress.
	w = e.rpc(t, "UpdateTaskStatus", map[string]any{
		"task_id": created.TaskID,
		"status": map[string]any{
			"kind": "in_progress", "current_image": 0, "current_step": 5, "total_steps": 20,
		},
	}, workerHeaders())
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	// Two images uploaded.
	var assetIDs []string
	for i := 0; i < 2; i++ {
		w = e.rpc(t, "CreateTaskAsset", map[string]any{
			"task_id": created.TaskID,
			"data":    []byte("png bytes"),
		}, workerHeaders())
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		var assetResp struct {
			AssetID string `json:"asset_id"`
		}
		decodeBody(t, w, &assetResp)
		require.NotEmpty(t, assetResp.AssetID)
		assetIDs = append(assetIDs, assetResp.AssetID)
	}

	w = e.rpc(t, "UpdateTaskStatus", map[string]any{
		"task_id": created.TaskID,
		"status":  map[string]any{"kind": "finished"},
	}, workerHeaders())
	require.Equal(t, http.StatusOK, w.Code)

	// The finished task carries both asset ids, in creation order.
	w = e.rpc(t, "GetTask", map[string]any{"task_id": created.TaskID}, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var getResp struct {
		Task TaskView `json:"task"`
	}
	decodeBody(t, w, &getResp)
	assert.JSONEq(t, `{"kind":"finished"}`, string(getResp.Task.Status))
	assert.Equal(t, assetIDs, getResp.Task.AssetIDs)

	// The artifact is downloadable.
	req := httptest.NewRequest(http.MethodGet, "/v1/storage/"+assetIDs[0], nil)
	rec := httptest.NewRecorder()
	e.server.Engine().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/png", rec.Header().Get("Content-Type"))
	assert.Equal(t, "png bytes", rec.Body.String())
}

func TestLeaseOnDrainedQueueReturnsEmptyTask(t *testing.T) {
	e := newTestEnv(t)

	w := e.rpc(t, "GetTaskToRun", map[string]any{}, workerHeaders())
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"task":{}}`, w.Body.String())
}

func TestWorkerRealmRejectsBadTokens(t *testing.T) {
	e := newTestEnv(t)

	w := e.rpc(t, "GetTaskToRun", map[string]any{}, map[string]string{
		"x-access-token": "not-the-secret",
	})
	require.Equal(t, http.StatusUnauthorized, w.Code)
	var resp struct {
		Error errorBody `json:"error"`
	}
	decodeBody(t, w, &resp)
	assert.Equal(t, "wrong_token", resp.Error.Kind)

	w = e.rpc(t, "GetTaskToRun", map[string]any{}, nil)
	require.Equal(t, http.StatusUnauthorized, w.Code)
	decodeBody(t, w, &resp)
	assert.Equal(t, "unauthenticated", resp.Error.Kind)
}

func TestFinishedTaskIgnoresLateStatusReports(t *testing.T) {
	e := newTestEnv(t)
	created := createImageTask(t, e, nil)

	w := e.rpc(t, "UpdateTaskStatus", map[string]any{
		"task_id": created.TaskID,
		"status":  map[string]any{"kind": "finished"},
	}, workerHeaders())
	require.Equal(t, http.StatusOK, w.Code)

	w = e.rpc(t, "UpdateTaskStatus", map[string]any{
		"task_id": created.TaskID,
		"status": map[string]any{
			"kind": "in_progress", "current_image": 0, "current_step": 19, "total_steps": 20,
		},
	}, workerHeaders())
	require.Equal(t, http.StatusOK, w.Code)

	w = e.rpc(t, "GetTask", map[string]any{"task_id": created.TaskID}, nil)
	var resp struct {
		Task TaskView `json:"task"`
	}
	decodeBody(t, w, &resp)
	assert.JSONEq(t, `{"kind":"finished"}`, string(resp.Task.Status))
}

func TestProgressReportsAreBoundsChecked(t *testing.T) {
	e := newTestEnv(t)

	// A single-image task with 20 iterations.
	w := e.rpc(t, "CreateTask", map[string]any{
		"params": map[string]any{
			"kind":             "image_generation",
			"prompt":           "a lighthouse at dusk",
			"iterations":       20,
			"number_of_images": 1,
		},
	}, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var createResp struct {
		Task TaskView `json:"task"`
	}
	decodeBody(t, w, &createResp)
	taskID := createResp.Task.TaskID

	// Both bounds violated: image index past the batch, step past the run.
	w = e.rpc(t, "UpdateTaskStatus", map[string]any{
		"task_id": taskID,
		"status": map[string]any{
			"kind": "in_progress", "current_image": 5, "current_step": 99, "total_steps": 20,
		},
	}, workerHeaders())
	require.Equal(t, http.StatusBadRequest, w.Code, w.Body.String())
	var errResp struct {
		Error errorBody `json:"error"`
	}
	decodeBody(t, w, &errResp)
	assert.Equal(t, "invalid_argument", errResp.Error.Kind)

	// The bad report was not persisted.
	w = e.rpc(t, "GetTask", map[string]any{"task_id": taskID}, nil)
	var getResp struct {
		Task TaskView `json:"task"`
	}
	decodeBody(t, w, &getResp)
	assert.JSONEq(t, `{"kind":"pending"}`, string(getResp.Task.Status))

	// Each bound individually.
	w = e.rpc(t, "UpdateTaskStatus", map[string]any{
		"task_id": taskID,
		"status": map[string]any{
			"kind": "in_progress", "current_image": 1, "current_step": 5, "total_steps": 20,
		},
	}, workerHeaders())
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = e.rpc(t, "UpdateTaskStatus", map[string]any{
		"task_id": taskID,
		"status": map[string]any{
			"kind": "in_progress", "current_image": 0, "current_step": 21, "total_steps": 20,
		},
	}, workerHeaders())
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// The last step of the last image is in range.
	w = e.rpc(t, "UpdateTaskStatus", map[string]any{
		"task_id": taskID,
		"status": map[string]any{
			"kind": "in_progress", "current_image": 0, "current_step": 20, "total_steps": 20,
		},
	}, workerHeaders())
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
}

func TestProgressBoundsCheckOnUnknownTask(t *testing.T) {
	e := newTestEnv(t)

	w := e.rpc(t, "UpdateTaskStatus", map[string]any{
		"task_id": "does-not-exist",
		"status": map[string]any{
			"kind": "in_progress", "current_image": 0, "current_step": 1, "total_steps": 20,
		},
	}, workerHeaders())
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestGetTaskNotFound(t *testing.T) {
	e := newTestEnv(t)

	w := e.rpc(t, "GetTask", map[string]any{"task_id": "does-not-exist"}, nil)
	require.Equal(t, http.StatusNotFound, w.Code)
	var resp struct {
		Error errorBody `json:"error"`
	}
	decodeBody(t, w, &resp)
	assert.Equal(t, "not_found", resp.Error.Kind)
}

func TestCreateTaskRejectsUnknownKind(t *testing.T) {
	e := newTestEnv(t)

	w := e.rpc(t, "CreateTask", map[string]any{
		"params": map[string]any{"kind": "video_generation"},
	}, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestChatTaskFlow(t *testing.T) {
	e := newTestEnv(t)

	// A logged-in user creates a chat task and asks a question.
	user, err := e.store.UpsertUserByEmail(t.Context(), "user@example.com")
	require.NoError(t, err)
	token, err := e.issuer.Issue(user.ID, user.Email, "Test User")
	require.NoError(t, err)
	userHeaders := map[string]string{"x-access-token": token}

	w := e.rpc(t, "CreateTask", map[string]any{
		"params": map[string]any{"kind": "chat_message_generation"},
	}, userHeaders)
	require.Equal(t, http.StatusOK, w.Code)
	var createResp struct {
		Task TaskView `json:"task"`
	}
	decodeBody(t, w, &createResp)
	require.NotNil(t, createResp.Task.UserID)
	assert.Equal(t, user.ID, *createResp.Task.UserID)
	taskID := createResp.Task.TaskID

	w = e.rpc(t, "AddChatUserMessage", map[string]any{
		"task_id": taskID, "content": "What is a lease?",
	}, userHeaders)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	// The worker answers.
	w = e.rpc(t, "AddChatAssistantMessage", map[string]any{
		"task_id": taskID, "content": "A claim on a queued task.",
	}, workerHeaders())
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = e.rpc(t, "GetChatMessages", map[string]any{"task_id": taskID}, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var listResp struct {
		Messages []ChatMessageView `json:"messages"`
	}
	decodeBody(t, w, &listResp)
	require.Len(t, listResp.Messages, 2)
	assert.Equal(t, 0, listResp.Messages[0].MessageIndex)
	assert.Equal(t, "user", listResp.Messages[0].Role)
	assert.Equal(t, 1, listResp.Messages[1].MessageIndex)
	assert.Equal(t, "assistant", listResp.Messages[1].Role)
}

func TestGetAllTasksRequiresToken(t *testing.T) {
	e := newTestEnv(t)

	w := e.rpc(t, "GetAllTasks", map[string]any{}, nil)
	require.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestGetAllTasksReturnsOnlyOwnTasksNewestFirst(t *testing.T) {
	e := newTestEnv(t)

	user, err := e.store.UpsertUserByEmail(t.Context(), "user@example.com")
	require.NoError(t, err)
	token, err := e.issuer.Issue(user.ID, user.Email, "Test User")
	require.NoError(t, err)
	userHeaders := map[string]string{"x-access-token": token}

	first := createImageTask(t, e, userHeaders)
	second := createImageTask(t, e, userHeaders)
	createImageTask(t, e, nil) // anonymous, not theirs

	w := e.rpc(t, "GetAllTasks", map[string]any{}, userHeaders)
	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Tasks []TaskView `json:"tasks"`
	}
	decodeBody(t, w, &resp)
	require.Len(t, resp.Tasks, 2)
	ids := []string{resp.Tasks[0].TaskID, resp.Tasks[1].TaskID}
	assert.Contains(t, ids, first.TaskID)
	assert.Contains(t, ids, second.TaskID)
}

func TestGetAllTasksCarriesAssetsPerTask(t *testing.T) {
	e := newTestEnv(t)

	user, err := e.store.UpsertUserByEmail(t.Context(), "user@example.com")
	require.NoError(t, err)
	token, err := e.issuer.Issue(user.ID, user.Email, "Test User")
	require.NoError(t, err)
	userHeaders := map[string]string{"x-access-token": token}

	first := createImageTask(t, e, userHeaders)
	second := createImageTask(t, e, userHeaders)

	w := e.rpc(t, "CreateTaskAsset", map[string]any{
		"task_id": first.TaskID, "data": []byte("png bytes"),
	}, workerHeaders())
	require.Equal(t, http.StatusOK, w.Code)
	var assetResp struct {
		AssetID string `json:"asset_id"`
	}
	decodeBody(t, w, &assetResp)

	w = e.rpc(t, "GetAllTasks", map[string]any{}, userHeaders)
	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Tasks []TaskView `json:"tasks"`
	}
	decodeBody(t, w, &resp)
	require.Len(t, resp.Tasks, 2)

	byID := make(map[string]TaskView, len(resp.Tasks))
	for _, view := range resp.Tasks {
		byID[view.TaskID] = view
	}
	assert.Equal(t, []string{assetResp.AssetID}, byID[first.TaskID].AssetIDs)
	assert.Empty(t, byID[second.TaskID].AssetIDs)
}

func TestExpiredUserTokenIsRejected(t *testing.T) {
	e := newTestEnv(t)

	w := e.rpc(t, "GetAllTasks", map[string]any{}, map[string]string{
		"x-access-token": "garbage-token",
	})
	require.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestOAuthLoginIssuesUsableToken(t *testing.T) {
	e := newTestEnv(t)

	google := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/token":
			json.NewEncoder(w).Encode(map[string]string{"access_token": "at-1"})
		case "/userinfo":
			json.NewEncoder(w).Encode(auth.OAuthProfile{Email: "login@example.com", Name: "Login User"})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer google.Close()

	oauth := auth.NewGoogleOAuth("client-id", "client-secret")
	oauth.TokenURL = google.URL + "/token"
	oauth.UserinfoURL = google.URL + "/userinfo"
	e.server.deps.OAuth = oauth

	w := e.rpc(t, "OAuthLogin", map[string]any{
		"code": "auth-code", "redirect_uri": "http://localhost/callback",
	}, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var resp struct {
		AccessToken string `json:"access_token"`
	}
	decodeBody(t, w, &resp)
	require.NotEmpty(t, resp.AccessToken)

	// The minted token works against a user endpoint.
	w = e.rpc(t, "GetAllTasks", map[string]any{}, map[string]string{
		"x-access-token": resp.AccessToken,
	})
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestStorageMissReturns404(t *testing.T) {
	e := newTestEnv(t)

	req := httptest.NewRequest(http.MethodGet, "/v1/storage/missing", nil)
	rec := httptest.NewRecorder()
	e.server.Engine().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestWorkerPingTracksLiveness(t *testing.T) {
	e := newTestEnv(t)

	w := e.rpc(t, "GetTaskToRun", map[string]any{}, workerHeaders())
	require.Equal(t, http.StatusOK, w.Code)

	counters, err := e.store.Counters(t.Context())
	require.NoError(t, err)
	assert.Equal(t, int64(1), counters.ActiveWorkers)
}

func TestWorkersCannotResetTaskToPending(t *testing.T) {
	e := newTestEnv(t)
	created := createImageTask(t, e, nil)

	w := e.rpc(t, "UpdateTaskStatus", map[string]any{
		"task_id": created.TaskID,
		"status":  map[string]any{"kind": "pending"},
	}, workerHeaders())
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
