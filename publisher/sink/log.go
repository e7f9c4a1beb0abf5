package sink

import (
	"github.com/rs/zerolog/log"

	"github.com/lily-data/metapipe/cfg"
	"github.com/lily-data/metapipe/publisher"
)

func init() {
	publisher.RegisterSink("log", func(config cfg.SinkConfiguration) (publisher.Sink, error) {
		return &LogSink{}, nil
	})
}

// LogSink writes every delta to the process log. Intended for local
// runs and debugging, not production egress.
type LogSink struct{}

func (s *LogSink) Publish(topic, key string, value []byte) error {
	log.Info().
		Str("topic", topic).
		Str("key", key).
		Str("delta", string(value)).
		Msg("CDC delta")
	return nil
}

func (s *LogSink) Close() error {
	return nil
}
