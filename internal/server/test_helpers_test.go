package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/corkboard/internal/access"
	"github.com/MarcoPoloResearchLab/corkboard/internal/activity"
	"github.com/MarcoPoloResearchLab/corkboard/internal/auth"
	"github.com/MarcoPoloResearchLab/corkboard/internal/boards"
	"github.com/MarcoPoloResearchLab/corkboard/internal/database"
	"github.com/MarcoPoloResearchLab/corkboard/internal/realtime"
	"github.com/MarcoPoloResearchLab/corkboard/internal/users"
	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const testSigningSecret = "test-signing-secret"

type testStack struct {
	server   *httptest.Server
	db       *gorm.DB
	issuer   *auth.TokenIssuer
	access   *access.Service
	registry *realtime.Registry
}

type stackOptions struct {
	activity  bool
	heartbeat time.Duration
}

func newTestStack(t *testing.T, options stackOptions) *testStack {
	t.Helper()
	gin.SetMode(gin.TestMode)
	logger := zap.NewNop()

	db, err := database.OpenSQLite(filepath.Join(t.TempDir(), "server.db"), logger)
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	t.Cleanup(func() { _ = sqlDB.Close() })

	validator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(testSigningSecret),
		CookieName:    "app_session",
	})
	if err != nil {
		t.Fatalf("failed to construct validator: %v", err)
	}
	issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{SigningSecret: []byte(testSigningSecret), TokenTTL: time.Hour})
	if err != nil {
		t.Fatalf("failed to construct issuer: %v", err)
	}
	userService, err := users.NewService(users.ServiceConfig{Database: db, Logger: logger})
	if err != nil {
		t.Fatalf("failed to construct users service: %v", err)
	}
	accessService, err := access.NewService(access.ServiceConfig{Database: db, Logger: logger})
	if err != nil {
		t.Fatalf("failed to construct access service: %v", err)
	}

	hub := realtime.NewHub(64)
	broadcaster, err := realtime.NewBroadcaster(realtime.BroadcasterConfig{Transport: hub, Logger: logger})
	if err != nil {
		t.Fatalf("failed to construct broadcaster: %v", err)
	}
	registry, err := realtime.NewRegistry(realtime.RegistryConfig{Broadcaster: broadcaster, Profiles: userService, Logger: logger})
	if err != nil {
		t.Fatalf("failed to construct registry: %v", err)
	}

	var recorder boards.Recorder
	var activityReader ActivityReader
	if options.activity {
		redisServer, err := miniredis.Run()
		if err != nil {
			t.Fatalf("start miniredis: %v", err)
		}
		t.Cleanup(redisServer.Close)
		client := redis.NewClient(&redis.Options{Addr: redisServer.Addr()})
		t.Cleanup(func() { _ = client.Close() })
		log, err := activity.NewRedisLog(activity.Config{Client: client, Logger: logger})
		if err != nil {
			t.Fatalf("failed to construct activity log: %v", err)
		}
		recorder = log
		activityReader = log
	}

	boardService, err := boards.NewService(boards.ServiceConfig{
		Database:   db,
		Authorizer: accessService,
		Granter:    accessService,
		Publisher:  broadcaster,
		Recorder:   recorder,
		IDProvider: boards.NewUUIDProvider(),
		Logger:     logger,
	})
	if err != nil {
		t.Fatalf("failed to construct boards service: %v", err)
	}

	handler, err := NewHTTPHandler(Dependencies{
		Sessions:          validator,
		Users:             userService,
		BoardsService:     boardService,
		Access:            accessService,
		Hub:               hub,
		Registry:          registry,
		Activity:          activityReader,
		SessionIDs:        boards.NewUUIDProvider(),
		HeartbeatInterval: options.heartbeat,
		Logger:            logger,
	})
	if err != nil {
		t.Fatalf("failed to construct http handler: %v", err)
	}
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	return &testStack{server: server, db: db, issuer: issuer, access: accessService, registry: registry}
}

func (s *testStack) token(t *testing.T, userID, displayName string) string {
	t.Helper()
	token, _, err := s.issuer.Issue(auth.SessionClaims{UserID: userID, UserDisplayName: displayName})
	if err != nil {
		t.Fatalf("failed to issue token: %v", err)
	}
	return token
}

type apiResponse struct {
	status int
	header http.Header
	body   []byte
}

func (r apiResponse) decode(t *testing.T, target any) {
	t.Helper()
	if err := json.Unmarshal(r.body, target); err != nil {
		t.Fatalf("failed to decode %s: %v", string(r.body), err)
	}
}

func (r apiResponse) errorCode(t *testing.T) string {
	t.Helper()
	var payload struct {
		Error string `json:"error"`
	}
	r.decode(t, &payload)
	return payload.Error
}

func (s *testStack) call(t *testing.T, method, path, token string, body any, headers map[string]string) apiResponse {
	t.Helper()
	var reader io.Reader = http.NoBody
	if body != nil {
		switch typed := body.(type) {
		case string:
			reader = bytes.NewBufferString(typed)
		default:
			encoded, err := json.Marshal(body)
			if err != nil {
				t.Fatalf("failed to encode body: %v", err)
			}
			reader = bytes.NewReader(encoded)
		}
	}
	request, err := http.NewRequestWithContext(context.Background(), method, s.server.URL+path, reader)
	if err != nil {
		t.Fatalf("failed to construct request: %v", err)
	}
	if token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}
	request.Header.Set("Content-Type", "application/json")
	for key, value := range headers {
		request.Header.Set(key, value)
	}
	response, err := http.DefaultClient.Do(request)
	if err != nil {
		t.Fatalf("%s %s failed: %v", method, path, err)
	}
	defer response.Body.Close()
	payload, err := io.ReadAll(response.Body)
	if err != nil {
		t.Fatalf("failed to read response: %v", err)
	}
	return apiResponse{status: response.StatusCode, header: response.Header, body: payload}
}

func (s *testStack) mustCall(t *testing.T, method, path, token string, body any, wantStatus int, target any) {
	t.Helper()
	response := s.call(t, method, path, token, body, nil)
	if response.status != wantStatus {
		t.Fatalf("%s %s: expected status %d, got %d (%s)", method, path, wantStatus, response.status, string(response.body))
	}
	if target != nil {
		response.decode(t, target)
	}
}

type seededBoard struct {
	boardID string
	listIDs []string
	cardIDs []string
}

// seedBoard creates a board with two lists and three cards in the first list
// through the HTTP API.
func (s *testStack) seedBoard(t *testing.T, token string) seededBoard {
	t.Helper()
	var board boards.Board
	s.mustCall(t, http.MethodPost, "/boards", token, map[string]any{"title": "Roadmap"}, http.StatusCreated, &board)

	seeded := seededBoard{boardID: board.BoardID}
	for _, title := range []string{"Todo", "Done"} {
		var list boards.List
		s.mustCall(t, http.MethodPost, "/boards/"+board.BoardID+"/lists", token, map[string]any{"title": title}, http.StatusCreated, &list)
		seeded.listIDs = append(seeded.listIDs, list.ListID)
	}
	for _, title := range []string{"one", "two", "three"} {
		var card boards.Card
		s.mustCall(t, http.MethodPost, "/lists/"+seeded.listIDs[0]+"/cards", token, map[string]any{"title": title}, http.StatusCreated, &card)
		seeded.cardIDs = append(seeded.cardIDs, card.CardID)
	}
	return seeded
}
