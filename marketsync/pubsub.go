package marketsync

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"strings"

	"cloud.google.com/go/pubsub"
	"github.com/gin-gonic/gin"

	"github.com/mmdatafocus/seller_sync_backend/config"
	"github.com/mmdatafocus/seller_sync_backend/models"
	"github.com/mmdatafocus/seller_sync_backend/utils"
)

// SyncPubSubPayload is the message body for cross-service sync triggers.
type SyncPubSubPayload struct {
	AccountId    string `json:"account_id"`
	StorefrontId *uint  `json:"storefront_id,omitempty"`
	TriggeredBy  string `json:"triggered_by,omitempty"`
}

// PubSubPushEnvelope is the wrapper Google Pub/Sub push subscriptions wrap
// around the published message.
type PubSubPushEnvelope struct {
	Message struct {
		Data      []byte `json:"data"`
		MessageId string `json:"messageId"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

// PublishSyncRequest asks whichever instance holds the scheduler lock to run
// a sync for the account.
func PublishSyncRequest(ctx context.Context, payload SyncPubSubPayload) error {
	topicName := strings.TrimSpace(os.Getenv("SELLER_SYNC_TOPIC"))
	if topicName == "" {
		topicName = "seller-sync"
	}

	client, err := config.GetClient(ctx)
	if err != nil {
		return err
	}

	topic := client.Topic(topicName)
	if config.BoolFromEnv("SELLER_SYNC_CREATE_TOPIC", false) {
		topic, err = config.CreateTopicIfNotExists(client, topicName)
		if err != nil {
			return err
		}
	}

	data, _ := json.Marshal(payload)
	res := topic.Publish(ctx, &pubsub.Message{Data: data})
	_, err = res.Get(ctx)
	return err
}

// PubSubPushHandler accepts push-subscription deliveries and hands them to
// the orchestrator. Always responds 204: a malformed message must not be
// redelivered forever.
func PubSubPushHandler(orchestrator *Orchestrator) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !config.BoolFromEnv("ENABLE_SYNC_PUBSUB_PUSH_ENDPOINT", true) {
			c.Status(204)
			return
		}

		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			c.Status(204)
			return
		}

		var envelope PubSubPushEnvelope
		if err := json.Unmarshal(body, &envelope); err != nil {
			c.Status(204)
			return
		}

		var payload SyncPubSubPayload
		if err := json.Unmarshal(envelope.Message.Data, &payload); err != nil {
			c.Status(204)
			return
		}
		if payload.AccountId == "" {
			c.Status(204)
			return
		}

		triggeredBy := payload.TriggeredBy
		if triggeredBy == "" {
			triggeredBy = models.SyncTriggeredSchedule
		}
		ctx := utils.SetTriggeredByInContext(c.Request.Context(), triggeredBy)
		opts := RunOptions{TriggeredBy: triggeredBy}

		if payload.StorefrontId != nil {
			_, _ = orchestrator.SyncStorefront(ctx, payload.AccountId, *payload.StorefrontId, opts)
		} else {
			_, _ = orchestrator.SyncAccount(ctx, payload.AccountId, opts)
		}
		c.Status(204)
	}
}
