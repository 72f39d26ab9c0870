package registry

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/medlink-ai/wa-courier/infrastructure/valkey"
)

// Pub/sub channels for registry mutations. Events are fire-and-forget hints;
// workers also rebuild their view at boot, so a missed event only delays
// pickup until the next restart or reaper pass.
const (
	channelInstanceAdded   = "wa:instances:added"
	channelInstanceRemoved = "wa:instances:removed"
)

type instanceEvent struct {
	InstanceName   string `json:"instance_name"`
	OrganizationID string `json:"organization_id"`
}

type ValkeyNotifier struct {
	client *valkey.Client
}

func NewValkeyNotifier(client *valkey.Client) *ValkeyNotifier {
	return &ValkeyNotifier{client: client}
}

func (n *ValkeyNotifier) NotifyAdded(ctx context.Context, instanceName, orgID string) error {
	return n.publish(ctx, channelInstanceAdded, instanceName, orgID)
}

func (n *ValkeyNotifier) NotifyRemoved(ctx context.Context, instanceName, orgID string) error {
	return n.publish(ctx, channelInstanceRemoved, instanceName, orgID)
}

func (n *ValkeyNotifier) publish(ctx context.Context, channel, instanceName, orgID string) error {
	payload, err := json.Marshal(instanceEvent{InstanceName: instanceName, OrganizationID: orgID})
	if err != nil {
		return fmt.Errorf("failed to marshal instance event: %w", err)
	}

	inner := n.client.Inner()
	cmd := inner.B().Publish().Channel(channel).Message(string(payload)).Build()
	if err := inner.Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", channel, err)
	}
	return nil
}

// Subscribe blocks until ctx is cancelled, dispatching each event to the
// matching handler. Malformed events are logged and skipped.
func (n *ValkeyNotifier) Subscribe(ctx context.Context, onAdded, onRemoved func(instanceName, orgID string)) error {
	return n.client.Receive(ctx, func(channel, message string) {
		var ev instanceEvent
		if err := json.Unmarshal([]byte(message), &ev); err != nil {
			logrus.WithError(err).Warnf("[NOTIFIER] Dropping malformed event on %s", channel)
			return
		}
		if ev.InstanceName == "" {
			return
		}

		switch channel {
		case channelInstanceAdded:
			onAdded(ev.InstanceName, ev.OrganizationID)
		case channelInstanceRemoved:
			onRemoved(ev.InstanceName, ev.OrganizationID)
		}
	}, channelInstanceAdded, channelInstanceRemoved)
}
