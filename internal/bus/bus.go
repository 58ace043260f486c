// Package bus provides the topic-based pub/sub transport that fans bid
// events out across gateway instances. One topic per auction, at-least-once
// delivery to currently-connected subscribers, no history.
package bus

import "context"

// AuctionTopic returns the topic carrying events for one auction.
func AuctionTopic(auctionID string) string {
	return "auction:" + auctionID
}

// Bus is the pub/sub transport.
type Bus interface {
	// Publish sends payload to every current subscriber of topic.
	Publish(ctx context.Context, topic string, payload []byte) error
	// Subscribe starts receiving messages published to topic after this
	// call. There is no replay of earlier messages.
	Subscribe(ctx context.Context, topic string) (Subscription, error)
	// Close releases the underlying transport.
	Close() error
}

// Subscription is one live topic subscription.
type Subscription interface {
	// Messages yields published payloads. The channel closes when the
	// subscription is closed or the transport fails.
	Messages() <-chan []byte
	// Close stops the subscription.
	Close() error
}
