package sync

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"chatsync/internal/models"
	"chatsync/internal/record"
)

func TestClientPullChanges(t *testing.T) {
	var gotAuth string
	var gotBody pullRequest

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/sync/pullChanges" {
			t.Errorf("Unexpected path %s", r.URL.Path)
		}
		gotAuth = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("Failed to decode request: %v", err)
		}
		json.NewEncoder(w).Encode(PullResult{
			Timestamp: 99,
			Changes: record.Changes{
				models.TableUsers: {Updated: []models.Record{{"id": "u1", "name": "Alice"}}},
			},
		})
	}))
	defer server.Close()

	client := NewClient(server.URL, "tok")

	last := 42.0
	result, err := client.PullChanges(context.Background(), &last)
	if err != nil {
		t.Fatalf("PullChanges failed: %v", err)
	}

	if gotAuth != "Bearer tok" {
		t.Errorf("Expected bearer token, got %q", gotAuth)
	}
	if gotBody.LastPulledAt == nil || *gotBody.LastPulledAt != 42 {
		t.Errorf("Expected lastPulledAt 42, got %v", gotBody.LastPulledAt)
	}
	if result.Timestamp != 99 {
		t.Errorf("Expected timestamp 99, got %v", result.Timestamp)
	}
	users := result.Changes[models.TableUsers]
	if len(users.Updated) != 1 || users.Updated[0].String("name") != "Alice" {
		t.Errorf("Unexpected changeset %v", result.Changes)
	}
}

func TestClientPullRequiresTimestamp(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"changes": map[string]any{}})
	}))
	defer server.Close()

	client := NewClient(server.URL, "")
	if _, err := client.PullChanges(context.Background(), nil); err == nil {
		t.Error("Expected an error for a missing timestamp")
	}
}

func TestClientMapsAPIErrors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		json.NewEncoder(w).Encode(map[string]string{"code": "unauthorized", "message": "bad token"})
	}))
	defer server.Close()

	client := NewClient(server.URL, "stale")
	_, err := client.PullChanges(context.Background(), nil)

	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("Expected an APIError, got %v", err)
	}
	if apiErr.StatusCode != http.StatusUnauthorized || apiErr.Code != "unauthorized" {
		t.Errorf("Unexpected error %+v", apiErr)
	}
}

func TestClientPushRejection(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(pushResponse{OK: false})
	}))
	defer server.Close()

	client := NewClient(server.URL, "tok")
	err := client.PushChanges(context.Background(), map[string]any{"users": map[string]any{}}, 1)
	if err == nil {
		t.Error("Expected an error when the server rejects the changeset")
	}
}
