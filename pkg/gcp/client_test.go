package gcp

import (
	"context"
	"os"
	"testing"
	"time"
)

func TestClientRoundTrip(t *testing.T) {
	projectID := os.Getenv("GOOGLE_CLOUD_PROJECT")
	if projectID == "" {
		t.Skip("GOOGLE_CLOUD_PROJECT not set, skipping GCP integration test")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	client, err := NewClient(ctx, projectID, "us-central1")
	if err != nil {
		t.Fatalf("Failed to create GCP client: %v", err)
	}
	defer client.Close()

	type doc struct {
		SessionID string `firestore:"session_id"`
		Note      string `firestore:"note"`
	}
	want := doc{SessionID: "gcp-test", Note: "hello"}
	if err := client.StoreDocument(ctx, "research_test", "gcp-test", want); err != nil {
		t.Fatalf("StoreDocument: %v", err)
	}
	var got doc
	if err := client.GetDocument(ctx, "research_test", "gcp-test", &got); err != nil {
		t.Fatalf("GetDocument: %v", err)
	}
	if got != want {
		t.Errorf("Expected %+v, but got %+v", want, got)
	}

	if err := client.PublishJSON(ctx, "research-status-test", map[string]string{"type": "test"}, nil); err != nil {
		t.Errorf("PublishJSON: %v", err)
	}
}

func TestServiceName(t *testing.T) {
	c := &Client{ProjectID: "p", Region: "europe-west1"}
	if got := c.serviceName("drone-searcher"); got != "projects/p/locations/europe-west1/services/drone-searcher" {
		t.Errorf("unexpected service name %s", got)
	}
}
