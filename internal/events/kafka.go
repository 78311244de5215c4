package events

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	retry "github.com/avast/retry-go/v4"
	"github.com/rs/zerolog/log"
	kafka "github.com/segmentio/kafka-go"

	"github.com/oceangrid/dirsync/internal/models"
)

// Publisher ships change events to a kafka topic for observability
// collaborators. HandleChange never blocks the reconciliation path for long:
// events are buffered on a channel and failed writes land in an unsent queue
// flushed by a ticker.
type Publisher struct {
	writer *kafka.Writer

	events chan models.ChangeEvent
	closed chan struct{}

	resendTicker *time.Ticker
	unsentGuard  sync.Mutex
	unsent       []models.ChangeEvent
}

func NewPublisher(addr string, topic string, resendInterval time.Duration) *Publisher {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(addr),
		Topic:        topic,
		Balancer:     &kafka.LeastBytes{},
		RequiredAcks: kafka.RequireOne,
	}
	return &Publisher{
		writer:       writer,
		events:       make(chan models.ChangeEvent, 1024),
		closed:       make(chan struct{}),
		resendTicker: time.NewTicker(resendInterval),
		unsent:       make([]models.ChangeEvent, 0),
	}
}

func (p *Publisher) HandleChange(event models.ChangeEvent) {
	select {
	case p.events <- event:
	case <-p.closed:
	}
}

func (p *Publisher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.resendTicker.C:
			p.sendUnsentEvents(ctx)
		case event, ok := <-p.events:
			if !ok {
				return
			}
			err := retry.Do(
				func() error {
					return p.write(ctx, event)
				},
				retry.Context(ctx),
				retry.Attempts(3),
			)
			if err != nil {
				log.Error().Err(err).Msg("failed to publish change event, put it into unsent queue")
				p.unsentGuard.Lock()
				p.unsent = append(p.unsent, event)
				p.unsentGuard.Unlock()
			}
		}
	}
}

func (p *Publisher) sendUnsentEvents(ctx context.Context) {
	p.unsentGuard.Lock()
	defer p.unsentGuard.Unlock()

	done := 0
	for _, event := range p.unsent {
		if err := p.write(ctx, event); err != nil {
			log.Warn().Err(err).Msgf("failed to flush unsent events: done %d of %d", done, len(p.unsent))
			break
		}
		done++
	}
	newUnsent := make([]models.ChangeEvent, len(p.unsent)-done)
	copy(newUnsent, p.unsent[done:])
	p.unsent = newUnsent
}

func (p *Publisher) write(ctx context.Context, event models.ChangeEvent) error {
	value, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(event.Key.NodeID),
		Value: value,
	})
}

func (p *Publisher) Close() error {
	close(p.closed)
	p.resendTicker.Stop()
	return p.writer.Close()
}
