package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/CandorWorksLab/entwine/backend/internal/auth"
	"github.com/CandorWorksLab/entwine/backend/internal/chat"
	"github.com/CandorWorksLab/entwine/backend/internal/database"
	"github.com/CandorWorksLab/entwine/backend/internal/overlap"
	"github.com/CandorWorksLab/entwine/backend/internal/profiles"
	"github.com/CandorWorksLab/entwine/backend/internal/pseudonym"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	testSigningSecret = "router-test-secret"
	testIssuer        = "entwine-auth"
	testAudience      = "entwine-api"
)

type testServer struct {
	handler http.Handler
	issuer  *auth.TokenIssuer
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := database.OpenSQLite(dsn, zap.NewNop())
	if err != nil {
		t.Fatalf("open database: %v", err)
	}

	hasher, err := pseudonym.NewHasher("router-test-salt")
	if err != nil {
		t.Fatalf("new hasher: %v", err)
	}
	idProvider := overlap.NewUUIDProvider()

	rooms, err := chat.NewRooms(chat.RoomsConfig{Database: db, IDProvider: idProvider})
	if err != nil {
		t.Fatalf("new rooms: %v", err)
	}
	overlapService, err := overlap.NewService(overlap.ServiceConfig{
		Database:   db,
		Hasher:     hasher,
		IDProvider: idProvider,
		Rooms:      rooms,
	})
	if err != nil {
		t.Fatalf("new overlap service: %v", err)
	}
	dispatcher := NewRealtimeDispatcher()
	chatService, err := chat.NewService(chat.ServiceConfig{
		Database:   db,
		Rooms:      rooms,
		Members:    overlapService,
		Publisher:  dispatcher,
		IDProvider: idProvider,
	})
	if err != nil {
		t.Fatalf("new chat service: %v", err)
	}
	profileService, err := profiles.NewService(profiles.ServiceConfig{Database: db})
	if err != nil {
		t.Fatalf("new profile service: %v", err)
	}
	validator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(testSigningSecret),
		Issuer:        testIssuer,
		Audience:      testAudience,
	})
	if err != nil {
		t.Fatalf("new session validator: %v", err)
	}

	handler, err := NewHTTPHandler(Dependencies{
		Validator: validator,
		Overlap:   overlapService,
		Profiles:  profileService,
		Chat:      chatService,
		Realtime:  dispatcher,
		Logger:    zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("new handler: %v", err)
	}

	issuer := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(testSigningSecret),
		Issuer:        testIssuer,
		Audience:      testAudience,
	})
	return &testServer{handler: handler, issuer: issuer}
}

func (s *testServer) tokenFor(t *testing.T, userID string) string {
	t.Helper()
	token, _, err := s.issuer.IssueSessionToken(context.Background(), userID, userID+"@example.com")
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return token
}

func (s *testServer) request(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(encoded)
	} else {
		reader = bytes.NewReader(nil)
	}
	request := httptest.NewRequest(method, path, reader)
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}
	recorder := httptest.NewRecorder()
	s.handler.ServeHTTP(recorder, request)
	return recorder
}

func decodeBody(t *testing.T, recorder *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var payload map[string]any
	if err := json.NewDecoder(recorder.Body).Decode(&payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return payload
}

func TestRouterRejectsMissingToken(t *testing.T) {
	server := newTestServer(t)

	cases := []struct {
		method string
		path   string
		body   any
	}{
		{http.MethodPost, "/declare", map[string]string{"partner": "x"}},
		{http.MethodGet, "/alerts", nil},
		{http.MethodPost, "/alerts/read", nil},
		{http.MethodGet, "/profile", nil},
		{http.MethodPost, "/upgrade", nil},
	}
	for _, testCase := range cases {
		recorder := server.request(t, testCase.method, testCase.path, "", testCase.body)
		if recorder.Code != http.StatusUnauthorized {
			t.Fatalf("%s %s: expected 401, got %d", testCase.method, testCase.path, recorder.Code)
		}
	}
}

func TestRouterDeclareAndOverlapFlow(t *testing.T) {
	server := newTestServer(t)
	tokenA := server.tokenFor(t, "user-a")
	tokenB := server.tokenFor(t, "user-b")

	first := server.request(t, http.MethodPost, "/declare", tokenA,
		map[string]string{"partner": "alice@example.com", "intent": "exclusive"})
	if first.Code != http.StatusOK {
		t.Fatalf("first declare: expected 200, got %d: %s", first.Code, first.Body.String())
	}
	if payload := decodeBody(t, first); payload["overlap"] != false {
		t.Fatalf("first declare should not overlap: %+v", payload)
	}

	// A case and whitespace variant of the same contact must collide.
	second := server.request(t, http.MethodPost, "/declare", tokenB,
		map[string]string{"partner": " ALICE@Example.com ", "intent": "casual"})
	if second.Code != http.StatusOK {
		t.Fatalf("second declare: expected 200, got %d: %s", second.Code, second.Body.String())
	}
	if payload := decodeBody(t, second); payload["overlap"] != true {
		t.Fatalf("second declare should overlap: %+v", payload)
	}

	var roomIDs []string
	for _, token := range []string{tokenA, tokenB} {
		recorder := server.request(t, http.MethodGet, "/alerts", token, nil)
		if recorder.Code != http.StatusOK {
			t.Fatalf("alerts: expected 200, got %d", recorder.Code)
		}
		payload := decodeBody(t, recorder)
		alerts, ok := payload["alerts"].([]any)
		if !ok || len(alerts) != 1 {
			t.Fatalf("expected one alert, got %+v", payload["alerts"])
		}
		alert := alerts[0].(map[string]any)
		if alert["status"] != "new" {
			t.Fatalf("expected new alert, got %+v", alert)
		}
		roomID, _ := alert["room_id"].(string)
		if roomID == "" {
			t.Fatalf("expected a room id on the alert: %+v", alert)
		}
		roomIDs = append(roomIDs, roomID)
	}
	if roomIDs[0] != roomIDs[1] {
		t.Fatalf("declarers should share a room: %v", roomIDs)
	}
}

func TestRouterDeclareValidation(t *testing.T) {
	server := newTestServer(t)
	token := server.tokenFor(t, "user-a")

	cases := []struct {
		name    string
		payload map[string]string
		wantErr string
	}{
		{"blank partner", map[string]string{"partner": "   "}, "partner_required"},
		{"unknown intent", map[string]string{"partner": "a@b.c", "intent": "married"}, "invalid_intent"},
	}
	for _, testCase := range cases {
		t.Run(testCase.name, func(t *testing.T) {
			recorder := server.request(t, http.MethodPost, "/declare", token, testCase.payload)
			if recorder.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d", recorder.Code)
			}
			if payload := decodeBody(t, recorder); payload["error"] != testCase.wantErr {
				t.Fatalf("expected %q error, got %+v", testCase.wantErr, payload)
			}
		})
	}
}

func TestRouterMarkAlertsRead(t *testing.T) {
	server := newTestServer(t)
	tokenA := server.tokenFor(t, "user-a")
	tokenB := server.tokenFor(t, "user-b")

	server.request(t, http.MethodPost, "/declare", tokenA, map[string]string{"partner": "p@example.com"})
	server.request(t, http.MethodPost, "/declare", tokenB, map[string]string{"partner": "p@example.com"})

	recorder := server.request(t, http.MethodPost, "/alerts/read", tokenA, nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("mark read: expected 200, got %d", recorder.Code)
	}

	payload := decodeBody(t, server.request(t, http.MethodGet, "/alerts", tokenA, nil))
	alert := payload["alerts"].([]any)[0].(map[string]any)
	if alert["status"] != "read" {
		t.Fatalf("expected read alert, got %+v", alert)
	}

	// The other declarer's alert stays untouched.
	payload = decodeBody(t, server.request(t, http.MethodGet, "/alerts", tokenB, nil))
	alert = payload["alerts"].([]any)[0].(map[string]any)
	if alert["status"] != "new" {
		t.Fatalf("expected new alert for other user, got %+v", alert)
	}
}

func TestRouterProfileLifecycle(t *testing.T) {
	server := newTestServer(t)
	token := server.tokenFor(t, "user-a")

	// The auth middleware ensures the profile row on first contact.
	payload := decodeBody(t, server.request(t, http.MethodGet, "/profile", token, nil))
	profile, ok := payload["profile"].(map[string]any)
	if !ok {
		t.Fatalf("expected ensured profile, got %+v", payload)
	}
	if profile["is_pro"] != false {
		t.Fatalf("expected free tier default, got %+v", profile)
	}
	user := payload["user"].(map[string]any)
	if user["id"] != "user-a" || user["email"] != "user-a@example.com" {
		t.Fatalf("unexpected user block: %+v", user)
	}

	recorder := server.request(t, http.MethodPost, "/profile", token, map[string]string{"nickname": "  Quiet Fox  "})
	if recorder.Code != http.StatusOK {
		t.Fatalf("update profile: expected 200, got %d", recorder.Code)
	}
	payload = decodeBody(t, server.request(t, http.MethodGet, "/profile", token, nil))
	if payload["profile"].(map[string]any)["nickname"] != "Quiet Fox" {
		t.Fatalf("expected trimmed nickname, got %+v", payload["profile"])
	}
}

func TestRouterUpgradeUnlocksAlertStats(t *testing.T) {
	server := newTestServer(t)
	tokenA := server.tokenFor(t, "user-a")
	tokenB := server.tokenFor(t, "user-b")

	server.request(t, http.MethodPost, "/declare", tokenA, map[string]string{"partner": "p@example.com", "intent": "exclusive"})
	server.request(t, http.MethodPost, "/declare", tokenB, map[string]string{"partner": "p@example.com", "intent": "casual"})

	payload := decodeBody(t, server.request(t, http.MethodGet, "/alerts", tokenA, nil))
	if payload["is_pro"] != false {
		t.Fatalf("expected free tier, got %+v", payload)
	}
	alert := payload["alerts"].([]any)[0].(map[string]any)
	if _, present := alert["stats"]; present {
		t.Fatalf("free tier must not receive stats: %+v", alert)
	}
	if alert["teaser"] == "" {
		t.Fatalf("free tier should receive an upgrade teaser: %+v", alert)
	}

	recorder := server.request(t, http.MethodPost, "/upgrade", tokenA, nil)
	if payload := decodeBody(t, recorder); payload["is_pro"] != true {
		t.Fatalf("expected pro after upgrade, got %+v", payload)
	}

	payload = decodeBody(t, server.request(t, http.MethodGet, "/alerts", tokenA, nil))
	alert = payload["alerts"].([]any)[0].(map[string]any)
	stats, ok := alert["stats"].(map[string]any)
	if !ok {
		t.Fatalf("pro tier should receive stats: %+v", alert)
	}
	if stats["overlap_count"] != float64(1) {
		t.Fatalf("stats should count the other declarer only: %+v", stats)
	}
}

func TestRouterGlobalStatsIsPublic(t *testing.T) {
	server := newTestServer(t)
	tokenA := server.tokenFor(t, "user-a")
	tokenB := server.tokenFor(t, "user-b")

	server.request(t, http.MethodPost, "/declare", tokenA, map[string]string{"partner": "p@example.com"})
	server.request(t, http.MethodPost, "/declare", tokenB, map[string]string{"partner": "p@example.com"})
	server.request(t, http.MethodPost, "/declare", tokenA, map[string]string{"partner": "q@example.com"})

	recorder := server.request(t, http.MethodGet, "/stats", "", nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("stats: expected 200, got %d", recorder.Code)
	}
	payload := decodeBody(t, recorder)
	if payload["total_declarations"] != float64(3) {
		t.Fatalf("expected 3 declarations, got %+v", payload)
	}
	if payload["total_overlaps"] != float64(1) {
		t.Fatalf("expected 1 overlap, got %+v", payload)
	}
}

func TestRouterRoomMessages(t *testing.T) {
	server := newTestServer(t)
	tokenA := server.tokenFor(t, "user-a")
	tokenB := server.tokenFor(t, "user-b")
	outsider := server.tokenFor(t, "user-c")

	server.request(t, http.MethodPost, "/declare", tokenA, map[string]string{"partner": "p@example.com"})
	server.request(t, http.MethodPost, "/declare", tokenB, map[string]string{"partner": "p@example.com"})

	payload := decodeBody(t, server.request(t, http.MethodGet, "/alerts", tokenA, nil))
	roomID := payload["alerts"].([]any)[0].(map[string]any)["room_id"].(string)

	recorder := server.request(t, http.MethodPost, "/rooms/"+roomID+"/messages", tokenA, map[string]string{"content": "anyone here?"})
	if recorder.Code != http.StatusOK {
		t.Fatalf("post message: expected 200, got %d: %s", recorder.Code, recorder.Body.String())
	}

	recorder = server.request(t, http.MethodGet, "/rooms/"+roomID+"/messages", tokenB, nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("list messages: expected 200, got %d", recorder.Code)
	}
	messages := decodeBody(t, recorder)["messages"].([]any)
	if len(messages) != 1 {
		t.Fatalf("expected one message, got %d", len(messages))
	}
	if messages[0].(map[string]any)["content"] != "anyone here?" {
		t.Fatalf("unexpected message: %+v", messages[0])
	}

	recorder = server.request(t, http.MethodGet, "/rooms/"+roomID+"/messages", outsider, nil)
	if recorder.Code != http.StatusForbidden {
		t.Fatalf("outsider: expected 403, got %d", recorder.Code)
	}

	recorder = server.request(t, http.MethodGet, "/rooms/no-such-room/messages", tokenA, nil)
	if recorder.Code != http.StatusNotFound {
		t.Fatalf("missing room: expected 404, got %d", recorder.Code)
	}

	recorder = server.request(t, http.MethodPost, "/rooms/"+roomID+"/messages", tokenA, map[string]string{"content": "   "})
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("blank content: expected 400, got %d", recorder.Code)
	}
}

func TestRouterTokenViaQueryParam(t *testing.T) {
	server := newTestServer(t)
	token := server.tokenFor(t, "user-a")

	request := httptest.NewRequest(http.MethodGet, "/alerts?access_token="+token, nil)
	recorder := httptest.NewRecorder()
	server.handler.ServeHTTP(recorder, request)
	if recorder.Code != http.StatusOK {
		t.Fatalf("query token: expected 200, got %d", recorder.Code)
	}
}

func TestRouterHealthz(t *testing.T) {
	server := newTestServer(t)
	recorder := server.request(t, http.MethodGet, "/healthz", "", nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("healthz: expected 200, got %d", recorder.Code)
	}
}
