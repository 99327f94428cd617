package integration

import (
	"bufio"
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	_ "github.com/go-sql-driver/mysql"
	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/mysql"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/joeyagent/backend/internal/auth"
	"github.com/joeyagent/backend/internal/config"
	"github.com/joeyagent/backend/internal/handlers"
	"github.com/joeyagent/backend/internal/middleware"
	"github.com/joeyagent/backend/internal/models"
	"github.com/joeyagent/backend/internal/progress"
	"github.com/joeyagent/backend/internal/repositories"
	"github.com/joeyagent/backend/internal/services"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const testAPIKey = "integration-key"

var (
	testDB     *sql.DB
	testLogger *zap.Logger
)

type testApp struct {
	router    chi.Router
	processor *services.TaskProcessor
}

// setupTestApp wires the API the way the server does, with the given run phases
func setupTestApp(t *testing.T, phases []services.Phase) *testApp {
	t.Helper()

	projectRepo := repositories.NewProjectRepository(testDB)
	taskLogRepo := repositories.NewTaskLogRepository(testDB)
	userRepo := repositories.NewUserRepository(testDB)
	broker := progress.NewMemoryBroker()

	processor := services.NewTaskProcessor(projectRepo, taskLogRepo, broker, nil, phases, testLogger)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = processor.Shutdown(ctx)
		_ = broker.Close()
	})

	projectService := services.NewProjectService(projectRepo, taskLogRepo, processor, nil, broker, testLogger)
	streamer := services.NewProgressStreamer(projectRepo, taskLogRepo, broker, 50*time.Millisecond, testLogger)
	tokens := auth.NewTokenGenerator("integration-secret", time.Hour)
	authService := services.NewAuthService(userRepo, tokens, testLogger)

	authMw := middleware.AuthMiddleware(tokens)
	authHandler := handlers.NewAuthHandler(authService, middleware.APIKeyMiddleware(testAPIKey), authMw, time.Hour, false, testLogger)
	projectHandler := handlers.NewProjectHandler(projectService, streamer, nil, testLogger)

	r := chi.NewRouter()
	r.Route("/api", func(r chi.Router) {
		authHandler.RegisterRoutes(r)
		r.Group(func(r chi.Router) {
			r.Use(authMw)
			projectHandler.RegisterRoutes(r)
		})
	})

	return &testApp{router: r, processor: processor}
}

func instantPhases() []services.Phase {
	return services.PhasesWithDelays([]time.Duration{0, 0, 0})
}

// TestMain sets up and tears down the test environment
func TestMain(m *testing.M) {
	flag.Parse()
	if testing.Short() {
		os.Exit(m.Run())
	}

	var err error
	testLogger, err = zap.NewDevelopment()
	if err != nil {
		panic(fmt.Sprintf("Failed to initialize logger: %v", err))
	}

	cfg, err := config.LoadTestConfig()
	if err != nil {
		panic(fmt.Sprintf("Failed to load test config: %v", err))
	}
	dsn := "root:password@tcp(localhost:3306)/joeyagent_test?parseTime=true&loc=UTC&clientFoundRows=true&charset=utf8mb4"
	if cfg.Database.Host != "" {
		dsn = cfg.DSN()
	}

	testDB, err = sql.Open("mysql", dsn)
	if err != nil {
		panic(fmt.Sprintf("Failed to connect to test database: %v", err))
	}
	if err = testDB.Ping(); err != nil {
		panic(fmt.Sprintf("Failed to ping test database: %v", err))
	}

	if err = migrateTestSchema(testDB); err != nil {
		panic(fmt.Sprintf("Failed to migrate test database: %v", err))
	}

	code := m.Run()

	testDB.Close()
	os.Exit(code)
}

func migrateTestSchema(db *sql.DB) error {
	driver, err := mysql.WithInstance(db, &mysql.Config{})
	if err != nil {
		return err
	}
	m, err := migrate.NewWithDatabaseInstance("file://../../migrations", "mysql", driver)
	if err != nil {
		return err
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}

// cleanupTestData removes all test data; projects and logs go with their owners
func cleanupTestData(t *testing.T) {
	t.Helper()
	_, err := testDB.Exec("DELETE FROM users")
	require.NoError(t, err, "Failed to cleanup test data")
}

// login signs a GitHub user in and returns the access token
func login(t *testing.T, app *testApp, githubID string) string {
	t.Helper()

	body, err := json.Marshal(models.GitHubLoginRequest{GitHubID: githubID, Username: "user-" + githubID})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/api/auth/github-login", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Key", testAPIKey)
	w := httptest.NewRecorder()
	app.router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp models.LoginResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.AccessToken)
	return resp.AccessToken
}

func doRequest(t *testing.T, app *testApp, token, method, path string, payload any) *httptest.ResponseRecorder {
	t.Helper()

	var body bytes.Buffer
	if payload != nil {
		require.NoError(t, json.NewEncoder(&body).Encode(payload))
	}
	req := httptest.NewRequest(method, path, &body)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	app.router.ServeHTTP(w, req)
	return w
}

func createProject(t *testing.T, app *testApp, token, name string) models.Project {
	t.Helper()

	w := doRequest(t, app, token, http.MethodPost, "/api/projects/", models.CreateProjectRequest{
		Name:       name,
		TaskPrompt: "Build a todo app",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var p models.Project
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &p))
	return p
}

func waitForStatus(t *testing.T, app *testApp, token string, id int, want models.ProjectStatus) models.Project {
	t.Helper()

	var p models.Project
	require.Eventually(t, func() bool {
		w := doRequest(t, app, token, http.MethodGet, fmt.Sprintf("/api/projects/%d", id), nil)
		if w.Code != http.StatusOK {
			return false
		}
		p = models.Project{}
		if err := json.Unmarshal(w.Body.Bytes(), &p); err != nil {
			return false
		}
		return p.Status == want
	}, 10*time.Second, 25*time.Millisecond, "project %d never reached %s", id, want)
	return p
}

func getLogs(t *testing.T, app *testApp, token string, id int) []models.TaskLog {
	t.Helper()

	w := doRequest(t, app, token, http.MethodGet, fmt.Sprintf("/api/projects/%d/logs", id), nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var logs []models.TaskLog
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &logs))
	return logs
}

func TestIntegration_ProjectRunCompletes(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration tests in short mode")
	}
	defer cleanupTestData(t)

	app := setupTestApp(t, instantPhases())
	token := login(t, app, "1001")

	created := createProject(t, app, token, "Todo")
	assert.Equal(t, models.ProjectStatusPending, created.Status)

	done := waitForStatus(t, app, token, created.ID, models.ProjectStatusCompleted)
	require.NotNil(t, done.ResultSummary)
	assert.Contains(t, *done.ResultSummary, "Completed task: Todo")
	assert.NotNil(t, done.StartedAt)
	assert.NotNil(t, done.CompletedAt)

	logs := getLogs(t, app, token, created.ID)
	messages := make([]string, len(logs))
	for i, l := range logs {
		messages[i] = l.Message
	}
	assert.Equal(t, []string{
		"Starting task: Todo",
		"Calling Claude API...",
		"Analyzing requirements...",
		"Generating code...",
		"Running tests...",
		"Task completed successfully",
	}, messages)
	assert.Equal(t, models.LogTypeSuccess, logs[len(logs)-1].LogType)
}

func TestIntegration_StreamFinishedProject(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration tests in short mode")
	}
	defer cleanupTestData(t)

	app := setupTestApp(t, instantPhases())
	token := login(t, app, "1002")

	created := createProject(t, app, token, "Stream me")
	waitForStatus(t, app, token, created.ID, models.ProjectStatusCompleted)

	w := doRequest(t, app, token, http.MethodGet, fmt.Sprintf("/api/projects/%d/stream", created.ID), nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))

	var types []string
	lastLogID := 0
	scanner := bufio.NewScanner(w.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var event struct {
			Type   string `json:"type"`
			LogID  int    `json:"log_id"`
			Status string `json:"status"`
		}
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &event))
		types = append(types, event.Type)
		if event.Type == "log" {
			assert.Greater(t, event.LogID, lastLogID, "logs must arrive in id order")
			lastLogID = event.LogID
		}
		if event.Type == "complete" {
			assert.Equal(t, "completed", event.Status)
		}
	}

	require.Len(t, types, 8)
	assert.Equal(t, "status", types[6])
	assert.Equal(t, "complete", types[7])
	for _, typ := range types[:6] {
		assert.Equal(t, "log", typ)
	}
}

func TestIntegration_CancelRunningProject(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration tests in short mode")
	}
	defer cleanupTestData(t)

	app := setupTestApp(t, services.PhasesWithDelays([]time.Duration{time.Hour}))
	token := login(t, app, "1003")

	created := createProject(t, app, token, "Long")
	waitForStatus(t, app, token, created.ID, models.ProjectStatusRunning)

	cancelled := models.ProjectStatusCancelled
	w := doRequest(t, app, token, http.MethodPatch, fmt.Sprintf("/api/projects/%d", created.ID),
		models.UpdateProjectRequest{Status: &cancelled})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var p models.Project
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &p))
	assert.Equal(t, models.ProjectStatusCancelled, p.Status)
	assert.NotNil(t, p.CompletedAt)
	assert.False(t, app.processor.IsRunning(created.ID))

	logs := getLogs(t, app, token, created.ID)
	require.NotEmpty(t, logs)
	assert.Equal(t, "Task cancelled by user", logs[len(logs)-1].Message)
	assert.Equal(t, models.LogTypeWarning, logs[len(logs)-1].LogType)

	// A second cancellation conflicts with the terminal status
	w = doRequest(t, app, token, http.MethodPatch, fmt.Sprintf("/api/projects/%d", created.ID),
		models.UpdateProjectRequest{Status: &cancelled})
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestIntegration_DeleteRunningProject(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration tests in short mode")
	}
	defer cleanupTestData(t)

	app := setupTestApp(t, services.PhasesWithDelays([]time.Duration{time.Hour}))
	token := login(t, app, "1004")

	created := createProject(t, app, token, "Doomed")
	waitForStatus(t, app, token, created.ID, models.ProjectStatusRunning)

	w := doRequest(t, app, token, http.MethodDelete, fmt.Sprintf("/api/projects/%d", created.ID), nil)
	require.Equal(t, http.StatusNoContent, w.Code, w.Body.String())

	w = doRequest(t, app, token, http.MethodGet, fmt.Sprintf("/api/projects/%d", created.ID), nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	var count int
	require.NoError(t, testDB.QueryRow("SELECT COUNT(*) FROM task_logs WHERE project_id = ?", created.ID).Scan(&count))
	assert.Zero(t, count)
}

func TestIntegration_ProjectsAreOwnerScoped(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration tests in short mode")
	}
	defer cleanupTestData(t)

	app := setupTestApp(t, instantPhases())
	owner := login(t, app, "2001")
	stranger := login(t, app, "2002")

	created := createProject(t, app, owner, "Private")
	waitForStatus(t, app, owner, created.ID, models.ProjectStatusCompleted)

	tests := []struct {
		name   string
		method string
		path   string
	}{
		{name: "get", method: http.MethodGet, path: fmt.Sprintf("/api/projects/%d", created.ID)},
		{name: "logs", method: http.MethodGet, path: fmt.Sprintf("/api/projects/%d/logs", created.ID)},
		{name: "stream", method: http.MethodGet, path: fmt.Sprintf("/api/projects/%d/stream", created.ID)},
		{name: "delete", method: http.MethodDelete, path: fmt.Sprintf("/api/projects/%d", created.ID)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := doRequest(t, app, stranger, tt.method, tt.path, nil)
			assert.Equal(t, http.StatusNotFound, w.Code)
		})
	}

	w := doRequest(t, app, stranger, http.MethodGet, "/api/projects/", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var projects []models.Project
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &projects))
	assert.Empty(t, projects)
}
