package gcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"cloud.google.com/go/firestore"
	"cloud.google.com/go/pubsub"
	run "cloud.google.com/go/run/apiv2"
	runpb "cloud.google.com/go/run/apiv2/runpb"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"github.com/spawn-mcp/research-coordinator/pkg/logging"
)

// Client wraps the GCP service clients used by the research coordinator
type Client struct {
	ProjectID       string
	Region          string
	RunClient       *run.ServicesClient
	FirestoreClient *firestore.Client
	PubSubClient    *pubsub.Client

	topicsMu sync.Mutex
	topics   map[string]*pubsub.Topic
	log      *slog.Logger
}

// NewClient creates a new GCP client with all necessary services
func NewClient(ctx context.Context, projectID, region string, opts ...option.ClientOption) (*Client, error) {
	runClient, err := run.NewServicesClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create Cloud Run client: %w", err)
	}

	firestoreClient, err := firestore.NewClient(ctx, projectID, opts...)
	if err != nil {
		runClient.Close()
		return nil, fmt.Errorf("failed to create Firestore client: %w", err)
	}

	pubsubClient, err := pubsub.NewClient(ctx, projectID, opts...)
	if err != nil {
		runClient.Close()
		firestoreClient.Close()
		return nil, fmt.Errorf("failed to create Pub/Sub client: %w", err)
	}

	return &Client{
		ProjectID:       projectID,
		Region:          region,
		RunClient:       runClient,
		FirestoreClient: firestoreClient,
		PubSubClient:    pubsubClient,
		topics:          make(map[string]*pubsub.Topic),
		log:             logging.For("gcp"),
	}, nil
}

// Close closes all GCP clients
func (c *Client) Close() error {
	var errs []error

	c.topicsMu.Lock()
	for _, t := range c.topics {
		t.Stop()
	}
	c.topicsMu.Unlock()

	if err := c.RunClient.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close Cloud Run client: %w", err))
	}
	if err := c.FirestoreClient.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close Firestore client: %w", err))
	}
	if err := c.PubSubClient.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close Pub/Sub client: %w", err))
	}

	if len(errs) > 0 {
		return fmt.Errorf("errors closing clients: %v", errs)
	}
	return nil
}

func (c *Client) serviceName(name string) string {
	return fmt.Sprintf("projects/%s/locations/%s/services/%s", c.ProjectID, c.Region, name)
}

// GetServiceURL retrieves the URL for a Cloud Run service
func (c *Client) GetServiceURL(ctx context.Context, serviceName string) (string, error) {
	service, err := c.RunClient.GetService(ctx, &runpb.GetServiceRequest{Name: c.serviceName(serviceName)})
	if err != nil {
		return "", fmt.Errorf("failed to get service %s: %w", serviceName, err)
	}
	if service.Uri == "" {
		return "", fmt.Errorf("service %s URL not available yet", serviceName)
	}
	return service.Uri, nil
}

// WaitForServiceReady polls a Cloud Run service until its Ready condition
// succeeds and returns its URL.
func (c *Client) WaitForServiceReady(ctx context.Context, serviceName string, timeout time.Duration) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		service, err := c.RunClient.GetService(ctx, &runpb.GetServiceRequest{Name: c.serviceName(serviceName)})
		if err != nil {
			c.log.Warn("checking service status", slog.String("service", serviceName), slog.String("error", err.Error()))
		} else {
			for _, condition := range service.Conditions {
				if condition.Type == "Ready" && condition.State == runpb.Condition_CONDITION_SUCCEEDED && service.Uri != "" {
					return service.Uri, nil
				}
			}
		}

		select {
		case <-ctx.Done():
			return "", fmt.Errorf("timeout waiting for service %s to be ready", serviceName)
		case <-ticker.C:
		}
	}
}

// StoreDocument stores a document in Firestore
func (c *Client) StoreDocument(ctx context.Context, collection, docID string, data any) error {
	_, err := c.FirestoreClient.Collection(collection).Doc(docID).Set(ctx, data)
	if err != nil {
		return fmt.Errorf("failed to store document %s/%s: %w", collection, docID, err)
	}
	return nil
}

// StoreDocuments writes several documents of one collection in a single batch.
func (c *Client) StoreDocuments(ctx context.Context, collection string, docs map[string]any) error {
	if len(docs) == 0 {
		return nil
	}
	batch := c.FirestoreClient.Batch()
	col := c.FirestoreClient.Collection(collection)
	for id, data := range docs {
		batch.Set(col.Doc(id), data)
	}
	if _, err := batch.Commit(ctx); err != nil {
		return fmt.Errorf("failed to store %d documents in %s: %w", len(docs), collection, err)
	}
	return nil
}

// GetDocument retrieves a document from Firestore
func (c *Client) GetDocument(ctx context.Context, collection, docID string, dest any) error {
	doc, err := c.FirestoreClient.Collection(collection).Doc(docID).Get(ctx)
	if err != nil {
		return fmt.Errorf("failed to get document %s/%s: %w", collection, docID, err)
	}
	if err := doc.DataTo(dest); err != nil {
		return fmt.Errorf("failed to unmarshal document: %w", err)
	}
	return nil
}

// QueryDocuments runs q and decodes each document through decode.
func (c *Client) QueryDocuments(ctx context.Context, q firestore.Query, decode func(*firestore.DocumentSnapshot) error) error {
	iter := q.Documents(ctx)
	defer iter.Stop()
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to query documents: %w", err)
		}
		if err := decode(doc); err != nil {
			return fmt.Errorf("failed to decode document %s: %w", doc.Ref.ID, err)
		}
	}
}

// topic returns a cached handle, creating the topic on first use.
func (c *Client) topic(ctx context.Context, topicName string) (*pubsub.Topic, error) {
	c.topicsMu.Lock()
	defer c.topicsMu.Unlock()

	if t, ok := c.topics[topicName]; ok {
		return t, nil
	}

	topic := c.PubSubClient.Topic(topicName)
	exists, err := topic.Exists(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to check topic existence: %w", err)
	}
	if !exists {
		topic, err = c.PubSubClient.CreateTopic(ctx, topicName)
		if err != nil {
			return nil, fmt.Errorf("failed to create topic: %w", err)
		}
	}
	c.topics[topicName] = topic
	return topic, nil
}

// PublishMessage publishes a message to a Pub/Sub topic
func (c *Client) PublishMessage(ctx context.Context, topicName string, data []byte, attributes map[string]string) error {
	topic, err := c.topic(ctx, topicName)
	if err != nil {
		return err
	}

	result := topic.Publish(ctx, &pubsub.Message{Data: data, Attributes: attributes})
	if _, err := result.Get(ctx); err != nil {
		return fmt.Errorf("failed to publish message: %w", err)
	}
	return nil
}

// PublishJSON marshals v and publishes it.
func (c *Client) PublishJSON(ctx context.Context, topicName string, v any, attributes map[string]string) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	return c.PublishMessage(ctx, topicName, data, attributes)
}

// SubscribeToTopic receives from an existing subscription until ctx ends
func (c *Client) SubscribeToTopic(ctx context.Context, subscriptionName string, callback func(ctx context.Context, msg *pubsub.Message)) error {
	sub := c.PubSubClient.Subscription(subscriptionName)

	exists, err := sub.Exists(ctx)
	if err != nil {
		return fmt.Errorf("failed to check subscription existence: %w", err)
	}
	if !exists {
		return fmt.Errorf("subscription %s does not exist", subscriptionName)
	}

	sub.ReceiveSettings.MaxOutstandingMessages = 100

	if err := sub.Receive(ctx, callback); err != nil {
		return fmt.Errorf("failed to receive messages: %w", err)
	}
	return nil
}
