// Package ingress consumes inbound metadata events from Kafka topics
// and hands them to the ingestion coordinator. Messages that fail the
// token gate or do not decode are dropped without a status entry.
package ingress

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"

	"github.com/lily-data/metapipe/cfg"
	"github.com/lily-data/metapipe/common"
	"github.com/lily-data/metapipe/ingest"
	"github.com/lily-data/metapipe/telemetry"
)

const authorizationHeader = "authorization"

// Service runs one consumer loop per configured topic. Topics listed
// under batch_topics accumulate events and submit them as batches; all
// other topics submit events individually.
type Service struct {
	coordinator *ingest.Coordinator
	validator   TokenValidator
	config      cfg.IngressConfiguration

	ctx     context.Context
	cancel  context.CancelFunc
	readers []*kafka.Reader
	wg      sync.WaitGroup
}

func NewService(coordinator *ingest.Coordinator, validator TokenValidator, config cfg.IngressConfiguration) *Service {
	return &Service{
		coordinator: coordinator,
		validator:   validator,
		config:      config,
	}
}

// Start launches the consumer loops. It returns immediately.
func (s *Service) Start() {
	s.ctx, s.cancel = context.WithCancel(context.Background())

	for _, topic := range s.config.Topics {
		reader := s.newReader(topic)
		s.readers = append(s.readers, reader)
		s.wg.Add(1)
		go func(r *kafka.Reader, t string) {
			defer s.wg.Done()
			s.consume(r, t)
		}(reader, topic)
	}

	for _, bt := range s.config.BatchTopics {
		reader := s.newReader(bt.Topic)
		s.readers = append(s.readers, reader)
		s.wg.Add(1)
		go func(r *kafka.Reader, b cfg.BatchTopicConfiguration) {
			defer s.wg.Done()
			s.consumeBatch(r, b)
		}(reader, bt)
	}

	log.Info().
		Strs("topics", s.config.Topics).
		Int("batch_topics", len(s.config.BatchTopics)).
		Msg("Ingress service started")
}

// Stop terminates the consumer loops and closes the readers.
func (s *Service) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	for _, r := range s.readers {
		if err := r.Close(); err != nil {
			log.Warn().Err(err).Msg("Error closing ingress reader")
		}
	}
	s.wg.Wait()
	log.Info().Msg("Ingress service stopped")
}

func (s *Service) newReader(topic string) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers: s.config.Brokers,
		GroupID: s.config.GroupID,
		Topic:   topic,
	})
}

func (s *Service) consume(reader *kafka.Reader, topic string) {
	for {
		msg, err := reader.ReadMessage(s.ctx)
		if err != nil {
			if s.ctx.Err() != nil || errors.Is(err, kafka.ErrGroupClosed) {
				return
			}
			log.Error().Err(err).Str("topic", topic).Msg("Error reading inbound message")
			continue
		}

		event, ok := s.accept(msg)
		if !ok {
			continue
		}

		if _, err := s.coordinator.Ingest(event); err != nil {
			log.Warn().Err(err).
				Str("topic", topic).
				Str("event_id", event.EventID).
				Msg("Inbound event not accepted")
		}
	}
}

func (s *Service) consumeBatch(reader *kafka.Reader, bt cfg.BatchTopicConfiguration) {
	timeout := time.Duration(bt.TimeoutMS) * time.Millisecond
	if timeout <= 0 {
		timeout = time.Second
	}

	var batch []common.InboundEvent
	for {
		readCtx, cancel := context.WithTimeout(s.ctx, timeout)
		msg, err := reader.ReadMessage(readCtx)
		cancel()

		if err != nil {
			if s.ctx.Err() != nil || errors.Is(err, kafka.ErrGroupClosed) {
				s.flush(bt.Topic, batch)
				return
			}
			if errors.Is(err, context.DeadlineExceeded) {
				batch = s.flush(bt.Topic, batch)
				continue
			}
			log.Error().Err(err).Str("topic", bt.Topic).Msg("Error reading inbound message")
			continue
		}

		if event, ok := s.accept(msg); ok {
			batch = append(batch, event)
		}
		if len(batch) >= bt.BatchSize {
			batch = s.flush(bt.Topic, batch)
		}
	}
}

func (s *Service) flush(topic string, batch []common.InboundEvent) []common.InboundEvent {
	if len(batch) == 0 {
		return nil
	}
	if _, err := s.coordinator.IngestBatch(batch); err != nil {
		log.Warn().Err(err).
			Str("topic", topic).
			Int("events", len(batch)).
			Msg("Inbound batch not accepted")
	}
	return nil
}

// accept gates and decodes one inbound message. Failures drop the
// message without creating a status entry, so an unauthorized producer
// learns nothing about the system.
func (s *Service) accept(msg kafka.Message) (common.InboundEvent, bool) {
	if !s.validator.Validate(BearerToken(headerValue(msg, authorizationHeader))) {
		telemetry.EventsRejectedTotal.Inc()
		log.Warn().Str("topic", msg.Topic).Msg("Rejected inbound message with invalid token")
		return common.InboundEvent{}, false
	}

	var event common.InboundEvent
	if err := json.Unmarshal(msg.Value, &event); err != nil {
		telemetry.EventsRejectedTotal.Inc()
		log.Warn().Err(err).Str("topic", msg.Topic).Msg("Rejected undecodable inbound message")
		return common.InboundEvent{}, false
	}

	return event, true
}

func headerValue(msg kafka.Message, key string) string {
	for _, h := range msg.Headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}
