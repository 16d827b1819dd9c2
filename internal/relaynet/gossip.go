package relaynet

import (
	"context"
	"encoding/json"
	"fmt"

	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/credacash/ccnode/internal/object"
)

// HaveAnnouncement is the gossip payload for a CC_MSG_HAVE_* advertisement:
// just enough for a receiving peer's RelayFSM to decide whether to pull
// the object over its own Connection to the advertiser.
type HaveAnnouncement struct {
	Oid  string `json:"oid"`
	Tag  uint32 `json:"tag"`
	Size int64  `json:"size"`
}

// HaveHandler processes a HaveAnnouncement received from a gossip topic.
type HaveHandler func(from peer.ID, ann HaveAnnouncement)

func (h *Host) topicName(class string) string {
	return fmt.Sprintf("%s/have/%s", h.config.DHTPrefix(), class)
}

func (h *Host) joinTopic(class string) (*pubsub.Topic, error) {
	h.topicsMu.Lock()
	defer h.topicsMu.Unlock()

	name := h.topicName(class)
	if t, ok := h.topics[name]; ok {
		return t, nil
	}
	t, err := h.pubsub.Join(name)
	if err != nil {
		return nil, fmt.Errorf("relaynet: join topic %s: %w", name, err)
	}
	h.topics[name] = t
	return t, nil
}

// AnnounceHave publishes a HAVE advertisement for oid/tag/size on the
// gossip topic matching the object's tag-class.
func (h *Host) AnnounceHave(ctx context.Context, oid object.OID, tag object.Tag, size int64) error {
	topic, err := h.joinTopic(tagClassTopic(tag))
	if err != nil {
		return err
	}

	payload, err := json.Marshal(HaveAnnouncement{Oid: oid.String(), Tag: uint32(tag), Size: size})
	if err != nil {
		return fmt.Errorf("relaynet: marshal announcement: %w", err)
	}
	return topic.Publish(ctx, payload)
}

// SubscribeHave joins the gossip topic for class ("tx", "block", or
// "xreq") and dispatches every incoming HaveAnnouncement — including
// ones this node itself published, which the caller should ignore by
// comparing the From peer ID — to handler until ctx is cancelled.
func (h *Host) SubscribeHave(ctx context.Context, class string, handler HaveHandler) error {
	topic, err := h.joinTopic(class)
	if err != nil {
		return err
	}

	sub, err := topic.Subscribe()
	if err != nil {
		return fmt.Errorf("relaynet: subscribe to topic %s: %w", h.topicName(class), err)
	}

	h.topicsMu.Lock()
	h.subs[h.topicName(class)] = sub
	h.topicsMu.Unlock()

	go func() {
		for {
			msg, err := sub.Next(ctx)
			if err != nil {
				return
			}
			var ann HaveAnnouncement
			if err := json.Unmarshal(msg.Data, &ann); err != nil {
				h.log.Debug("relaynet: malformed have announcement", "error", err)
				continue
			}
			handler(msg.ReceivedFrom, ann)
		}
	}()

	return nil
}
