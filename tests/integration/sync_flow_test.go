package integration_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/pocketledger/backend/internal/auth"
	"github.com/pocketledger/backend/internal/database"
	"github.com/pocketledger/backend/internal/ledger"
	"github.com/pocketledger/backend/internal/server"
)

const (
	integrationSecret   = "integration-secret"
	integrationIssuer   = "pocketledger-auth"
	integrationAudience = "pocketledger-api"
	integrationUserID   = "user-abc"
	jsonContentType     = "application/json"
)

func TestDeviceSyncFlow(testContext *testing.T) {
	gin.SetMode(gin.TestMode)

	db, err := database.OpenSQLite("file:integration?mode=memory&cache=shared", zap.NewNop())
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}

	ledgerService, err := ledger.NewService(ledger.ServiceConfig{
		Database:   db,
		IDProvider: ledger.NewUUIDProvider(),
		Logger:     zap.NewNop(),
	})
	if err != nil {
		testContext.Fatalf("failed to build ledger service: %v", err)
	}

	tokenIssuer := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(integrationSecret),
		Issuer:        integrationIssuer,
		Audience:      integrationAudience,
		TokenTTL:      time.Hour,
	})

	handler, err := server.NewHTTPHandler(server.Dependencies{
		TokenValidator: tokenIssuer,
		LedgerService:  ledgerService,
		Dispatcher:     server.NewSyncDispatcher(),
		Access:         server.AccessPolicy{SyncEnabled: true},
		Logger:         zap.NewNop(),
	})
	if err != nil {
		testContext.Fatalf("failed to build handler: %v", err)
	}

	testServer := httptest.NewServer(handler)
	defer testServer.Close()

	token, _, err := tokenIssuer.Issue(integrationUserID, false, time.Time{})
	if err != nil {
		testContext.Fatalf("failed to issue token: %v", err)
	}

	// Device A creates a book with a category and a transaction.
	pushPayload := map[string]any{
		"items": []any{
			map[string]any{
				"table": "books", "client_id": "book-1", "version": 1,
				"updated_at": 1700000100000,
				"data":       map[string]any{"title": "Household"},
			},
			map[string]any{
				"table": "categories", "client_id": "cat-1", "version": 1,
				"updated_at": 1700000100000,
				"data":       map[string]any{"name": "Food", "bookId": "book-1"},
			},
			map[string]any{
				"table": "transactions", "client_id": "txn-1", "version": 1,
				"updated_at": 1700000100000,
				"data": map[string]any{
					"type": "expense", "amount": 42.5, "category": "Food",
					"categoryId": "cat-1", "bookId": "book-1",
					"date": 1700000000000, "note": "groceries",
				},
			},
		},
	}
	pushResult := postJSON(testContext, testServer.URL+"/sync/push", token, pushPayload)

	var pushResponse struct {
		Results map[string][]struct {
			ClientID string  `json:"client_id"`
			ServerID *string `json:"server_id"`
			Version  int64   `json:"version"`
			Action   string  `json:"action"`
		} `json:"results"`
	}
	decodeBody(testContext, pushResult, &pushResponse)
	for _, table := range []string{"books", "categories", "transactions"} {
		outcomes := pushResponse.Results[table]
		if len(outcomes) != 1 {
			testContext.Fatalf("expected one %s outcome, got %d", table, len(outcomes))
		}
		if outcomes[0].Action != "created" {
			testContext.Fatalf("expected %s item to be created, got %s", table, outcomes[0].Action)
		}
		if outcomes[0].ServerID == nil || *outcomes[0].ServerID == "" {
			testContext.Fatalf("expected server id for %s item", table)
		}
	}

	// Device B restores from scratch.
	initialResponse := getJSON(testContext, testServer.URL+"/sync/initial", token)
	var initialPayload struct {
		ServerTime int64                       `json:"serverTime"`
		Changes    map[string][]map[string]any `json:"changes"`
	}
	decodeBody(testContext, initialResponse, &initialPayload)
	if initialPayload.ServerTime == 0 {
		testContext.Fatalf("expected a server time in the initial snapshot")
	}
	if len(initialPayload.Changes["books"]) != 1 || len(initialPayload.Changes["transactions"]) != 1 {
		testContext.Fatalf("initial snapshot incomplete: %#v", initialPayload.Changes)
	}
	cursor := initialPayload.ServerTime

	// Device A retries the same batch; nothing must double-apply.
	retryResult := postJSON(testContext, testServer.URL+"/sync/push", token, pushPayload)
	var retryResponse struct {
		Results map[string][]struct {
			Action string `json:"action"`
		} `json:"results"`
	}
	decodeBody(testContext, retryResult, &retryResponse)
	for table, outcomes := range retryResponse.Results {
		for _, outcome := range outcomes {
			if outcome.Action != "skipped_newer_server" {
				testContext.Fatalf("retry on %s must be skipped, got %s", table, outcome.Action)
			}
		}
	}

	// Device A deletes the transaction.
	deleteResult := postJSON(testContext, testServer.URL+"/sync/push", token, map[string]any{
		"items": []any{
			map[string]any{
				"table": "transactions", "client_id": "txn-1", "version": 2,
				"deleted": true, "updated_at": cursor + 1000,
			},
		},
	})
	var deleteResponse struct {
		Results map[string][]struct {
			Action  string `json:"action"`
			Deleted bool   `json:"deleted"`
		} `json:"results"`
	}
	decodeBody(testContext, deleteResult, &deleteResponse)
	if outcomes := deleteResponse.Results["transactions"]; len(outcomes) != 1 || outcomes[0].Action != "marked_deleted" || !outcomes[0].Deleted {
		testContext.Fatalf("expected marked_deleted outcome, got %#v", deleteResponse.Results)
	}

	// Device B pulls from its cursor and receives only the tombstone.
	pullResult := postJSON(testContext, testServer.URL+"/sync/pull", token, map[string]any{
		"lastSyncAt": cursor,
	})
	var pullPayload struct {
		ServerTime int64                       `json:"serverTime"`
		Changes    map[string][]map[string]any `json:"changes"`
	}
	decodeBody(testContext, pullResult, &pullPayload)
	if len(pullPayload.Changes["books"]) != 0 {
		testContext.Fatalf("unchanged books must not replay: %#v", pullPayload.Changes["books"])
	}
	tombstones := pullPayload.Changes["transactions"]
	if len(tombstones) != 1 {
		testContext.Fatalf("expected the transaction tombstone, got %#v", tombstones)
	}
	if deleted, _ := tombstones[0]["deleted"].(bool); !deleted {
		testContext.Fatalf("pulled change must be a tombstone: %#v", tombstones[0])
	}
	if clientID, _ := tombstones[0]["client_id"].(string); clientID != "txn-1" {
		testContext.Fatalf("unexpected tombstone identity: %#v", tombstones[0])
	}

	// A brand new device restores and never sees the deleted record.
	freshResponse := getJSON(testContext, testServer.URL+"/sync/initial", token)
	var freshPayload struct {
		Changes map[string][]map[string]any `json:"changes"`
	}
	decodeBody(testContext, freshResponse, &freshPayload)
	if len(freshPayload.Changes["transactions"]) != 0 {
		testContext.Fatalf("fresh restore must omit tombstones: %#v", freshPayload.Changes["transactions"])
	}
	if len(freshPayload.Changes["books"]) != 1 || len(freshPayload.Changes["categories"]) != 1 {
		testContext.Fatalf("live records missing from fresh restore: %#v", freshPayload.Changes)
	}
}

func postJSON(testContext *testing.T, url, token string, payload any) *http.Response {
	testContext.Helper()
	body, err := json.Marshal(payload)
	if err != nil {
		testContext.Fatalf("failed to encode payload: %v", err)
	}
	request, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		testContext.Fatalf("failed to build request: %v", err)
	}
	request.Header.Set("Content-Type", jsonContentType)
	request.Header.Set("Authorization", "Bearer "+token)
	response, err := http.DefaultClient.Do(request)
	if err != nil {
		testContext.Fatalf("request failed: %v", err)
	}
	if response.StatusCode != http.StatusOK {
		testContext.Fatalf("unexpected status %d for %s", response.StatusCode, url)
	}
	return response
}

func getJSON(testContext *testing.T, url, token string) *http.Response {
	testContext.Helper()
	request, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		testContext.Fatalf("failed to build request: %v", err)
	}
	request.Header.Set("Authorization", "Bearer "+token)
	response, err := http.DefaultClient.Do(request)
	if err != nil {
		testContext.Fatalf("request failed: %v", err)
	}
	if response.StatusCode != http.StatusOK {
		testContext.Fatalf("unexpected status %d for %s", response.StatusCode, url)
	}
	return response
}

func decodeBody(testContext *testing.T, response *http.Response, target any) {
	testContext.Helper()
	defer response.Body.Close()
	if err := json.NewDecoder(response.Body).Decode(target); err != nil {
		testContext.Fatalf("failed to decode response: %v", err)
	}
}
