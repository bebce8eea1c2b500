package app

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"strings"
	"time"

	"github.com/hongbao/ledger-service/internal/domain"
	"github.com/hongbao/ledger-service/internal/store"
)

// ProvisioningStatusConsumer applies provisioning results delivered over the broker.
type ProvisioningStatusConsumer struct {
	groups *GroupLifecycle
}

func NewProvisioningStatusConsumer(groups *GroupLifecycle) *ProvisioningStatusConsumer {
	return &ProvisioningStatusConsumer{groups: groups}
}

// HandleMessage returns false only for failures worth redelivering.
func (c *ProvisioningStatusConsumer) HandleMessage(body []byte) bool {
	return c.handle(body, "")
}

// HandlerFor binds the consumer to a routing key that implies the status, for
// payloads that omit it.
func (c *ProvisioningStatusConsumer) HandlerFor(status string) func([]byte) bool {
	return func(body []byte) bool {
		return c.handle(body, status)
	}
}

func (c *ProvisioningStatusConsumer) handle(body []byte, impliedStatus string) bool {
	var event domain.ProvisioningStatusEvent
	if err := json.Unmarshal(body, &event); err != nil {
		log.Printf("provisioning-consumer: failed to unmarshal payload: %v", err)
		return true
	}
	if strings.TrimSpace(event.Status) == "" {
		event.Status = impliedStatus
	}
	if strings.TrimSpace(event.GroupID) == "" {
		log.Printf("provisioning-consumer: missing group id in event %+v", event)
		return true
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	group, err := c.groups.HandleProvisioningResult(ctx, event)
	switch {
	case err == nil:
		log.Printf("provisioning-consumer: group %s is %s after %s event", group.ID, group.Status, event.Status)
		return true
	case errors.Is(err, ErrInvalidRequest), errors.Is(err, store.ErrNotFound), errors.Is(err, store.ErrInvalidTransition):
		log.Printf("provisioning-consumer: dropping event for group %s: %v", event.GroupID, err)
		return true
	default:
		log.Printf("provisioning-consumer: processing error for group %s: %v", event.GroupID, err)
		return false
	}
}
