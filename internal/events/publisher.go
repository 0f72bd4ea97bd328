// Package events publishes settled exchanges to Kafka for downstream
// consumers (analytics, notifications). Publishing happens after commit and
// is best-effort: a broker outage never fails a settlement.
package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"
)

type TradeSettled struct {
	TradeID    int64     `json:"trade_id"`
	SenderID   string    `json:"sender_id"`
	ReceiverID string    `json:"receiver_id"`
	SettledAt  time.Time `json:"settled_at"`
}

type ListingSold struct {
	ListingID int64     `json:"listing_id"`
	SellerID  string    `json:"seller_id"`
	BuyerID   string    `json:"buyer_id"`
	ItemType  string    `json:"item_type"`
	Amount    int64     `json:"amount"`
	Currency  string    `json:"currency"`
	Price     int64     `json:"price"`
	SoldAt    time.Time `json:"sold_at"`
}

type Publisher struct {
	writer *kafka.Writer
	log    *slog.Logger
}

// NewPublisher returns nil when no brokers are configured; a nil Publisher
// drops events silently.
func NewPublisher(brokers []string, topic string, logger *slog.Logger) *Publisher {
	if len(brokers) == 0 {
		return nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.LeastBytes{},
			BatchTimeout: 200 * time.Millisecond,
			RequiredAcks: kafka.RequireOne,
		},
		log: logger,
	}
}

func (p *Publisher) TradeSettled(ctx context.Context, ev TradeSettled) {
	p.publish(ctx, "trade.settled", ev)
}

func (p *Publisher) ListingSold(ctx context.Context, ev ListingSold) {
	p.publish(ctx, "listing.sold", ev)
}

func (p *Publisher) publish(ctx context.Context, key string, ev any) {
	if p == nil {
		return
	}
	value, err := json.Marshal(ev)
	if err != nil {
		p.log.Error("marshal event", "key", key, "err", err)
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := p.writer.WriteMessages(ctx, kafka.Message{Key: []byte(key), Value: value}); err != nil {
		p.log.Warn("publish event failed", "key", key, "err", err)
	}
}

func (p *Publisher) Close() error {
	if p == nil {
		return nil
	}
	return p.writer.Close()
}
