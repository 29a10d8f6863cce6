package main

import (
	"context"
	"time"

	"github.com/segmentio/kafka-go"
	log "github.com/sirupsen/logrus"
)

func init() {
	register("kafka", newKafkaSink)
}

type kafkaWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// kafkaSink publishes records in batches; the identity is the message key
type kafkaSink struct {
	w         kafkaWriter
	format    formatFunc
	batchSize int
	timeout   time.Duration
}

func newKafkaSink(c *config, _ *stats) (sink, error) {
	kc := &c.Output.Kafka

	w := &kafka.Writer{
		Addr:         kafka.TCP(kc.Brokers...),
		Topic:        kc.Topic,
		Balancer:     &kafka.Hash{},
		BatchSize:    kc.BatchSize,
		BatchTimeout: kc.BatchTimeout.Duration,
		Async:        false,
	}

	return &kafkaSink{
		w:         w,
		format:    formatter(kc.Format),
		batchSize: kc.BatchSize,
		timeout:   kc.BatchTimeout.Duration,
	}, nil
}

func (s *kafkaSink) name() string {
	return "kafka"
}

func (s *kafkaSink) flush(ctx context.Context, batch []kafka.Message, st *sinkStats) {
	if len(batch) == 0 {
		return
	}

	if err := s.w.WriteMessages(ctx, batch...); err != nil {
		log.WithError(err).Warnf("Kafka sink: unable to write %d messages", len(batch))
		st.errors.Add(uint64(len(batch)))
		return
	}

	st.delivered.Add(uint64(len(batch)))
}

func (s *kafkaSink) run(ctx context.Context, q <-chan record, st *sinkStats) error {
	batch := make([]kafka.Message, 0, s.batchSize)

	t := time.NewTicker(s.timeout)
	defer t.Stop()

	for {
		select {
		case r, ok := <-q:
			if !ok {
				s.flush(ctx, batch, st)
				return nil
			}

			b, err := s.format(&r)
			if err != nil {
				st.errors.Add(1)
				continue
			}

			batch = append(batch, kafka.Message{
				Key:   []byte(r.Identity),
				Value: b,
				Time:  r.Timestamp,
			})

			if len(batch) >= s.batchSize {
				s.flush(ctx, batch, st)
				batch = batch[:0]
			}

		case <-t.C:
			s.flush(ctx, batch, st)
			batch = batch[:0]

		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (s *kafkaSink) close() error {
	return s.w.Close()
}
