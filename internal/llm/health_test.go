package llm

import (
	"context"
	"net/http"
	"testing"
)

func TestCheckHealth(t *testing.T) {
	up := newRecordingServer(t, respondJSON(http.StatusOK, openAICompletion))
	down := newRecordingServer(t, respondJSON(http.StatusUnauthorized, `{"error":{"message":"bad key"}}`))

	obs := &fakeObserver{}
	router := NewRouter(Config{Observer: obs})
	_ = router.AddProvider(context.Background(), Descriptor{Name: "up", Type: TypeOpenAI, Model: "m", APIKeys: []string{"k"}, BaseURL: up.URL + "/v1"})
	_ = router.AddProvider(context.Background(), Descriptor{Name: "down", Type: TypeOpenAI, Model: "m", APIKeys: []string{"k"}, BaseURL: down.URL + "/v1"})

	results := router.CheckHealth(context.Background())
	if !results["up"] || results["down"] || len(results) != 2 {
		t.Fatalf("CheckHealth() = %v", results)
	}
	if !obs.health["up"] || obs.health["down"] {
		t.Fatalf("observed health = %v", obs.health)
	}

	body := up.lastBody()
	if body["max_tokens"] != float64(probeMaxTokens) {
		t.Fatalf("probe max_tokens = %v", body["max_tokens"])
	}
	msgs := body["messages"].([]any)
	if msgs[0].(map[string]any)["content"] != probeMessage {
		t.Fatalf("probe message = %v", msgs[0])
	}
}

func TestHealthSchedule(t *testing.T) {
	if err := ValidateSchedule(""); err != nil {
		t.Fatalf("ValidateSchedule(empty) error = %v", err)
	}
	if err := ValidateSchedule("*/30 * * * * *"); err != nil {
		t.Fatalf("ValidateSchedule(seconds) error = %v", err)
	}
	if err := ValidateSchedule("@every 5m"); err != nil {
		t.Fatalf("ValidateSchedule(@every) error = %v", err)
	}
	if err := ValidateSchedule("not a schedule"); err == nil {
		t.Fatal("ValidateSchedule(invalid) error = nil")
	}

	router := NewRouter(Config{})
	if err := router.StartHealthChecks(""); err != nil {
		t.Fatalf("StartHealthChecks(empty) error = %v", err)
	}
	if err := router.StartHealthChecks("@every 1h"); err != nil {
		t.Fatalf("StartHealthChecks() error = %v", err)
	}
	if err := router.StartHealthChecks("@every 1h"); err == nil {
		t.Fatal("second StartHealthChecks() error = nil")
	}
	router.StopHealthChecks()
	router.StopHealthChecks()
}
