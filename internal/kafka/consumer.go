package kafka

import (
	"context"
	"errors"
	"hash/fnv"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/segmentio/kafka-go"
)

// Handler must return nil only when the message is fully processed and its
// offset may be committed.
type Handler func(ctx context.Context, m kafka.Message) error

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type Consumer struct {
	r       messageReader
	workers int
	logger  *slog.Logger
	// newBackOff paces retries of a failed message. It never gives up.
	newBackOff func() backoff.BackOff
}

// NewConsumer reads topics as consumer group group.
func NewConsumer(brokers []string, group string, topics []string, workers int, logger *slog.Logger) *Consumer {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     brokers,
		GroupID:     group,
		GroupTopics: topics,
		MinBytes:    1,
		MaxBytes:    10e6,
	})
	return newConsumer(r, workers, logger)
}

func newConsumer(r messageReader, workers int, logger *slog.Logger) *Consumer {
	if workers <= 0 {
		workers = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Consumer{r: r, workers: workers, logger: logger, newBackOff: defaultBackOff}
}

func defaultBackOff() backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = 200 * time.Millisecond
	eb.MaxInterval = 10 * time.Second
	eb.MaxElapsedTime = 0
	eb.Reset()
	return eb
}

// Start fetches messages and hands each partition to one worker, so a
// partition is processed in offset order. A failed message is retried in
// place until it succeeds or ctx ends; later offsets of its partition wait
// behind it and nothing past it is committed. Returns nil on ctx
// cancellation.
func (c *Consumer) Start(ctx context.Context, h Handler) error {
	defer c.r.Close()

	lanes := make([]chan kafka.Message, c.workers)
	var wg sync.WaitGroup
	for i := range lanes {
		lanes[i] = make(chan kafka.Message, 4)
		wg.Add(1)
		go func(id int, jobs <-chan kafka.Message) {
			defer wg.Done()
			for m := range jobs {
				if !c.process(ctx, id, m, h) {
					// ctx ended mid-retry; drain so the fetch loop never blocks.
					for range jobs {
					}
					return
				}
			}
		}(i, lanes[i])
	}
	defer wg.Wait()
	defer func() {
		for _, l := range lanes {
			close(l)
		}
	}()

	for {
		m, err := c.r.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
		select {
		case lanes[c.lane(m)] <- m:
		case <-ctx.Done():
			return nil
		}
	}
}

// process runs h until it succeeds, then commits m. It reports false when
// ctx ended first.
func (c *Consumer) process(ctx context.Context, worker int, m kafka.Message, h Handler) bool {
	attempt := 0
	op := func() error {
		attempt++
		return h(ctx, m)
	}
	notify := func(err error, wait time.Duration) {
		c.logger.WarnContext(ctx, "handler failed, retrying before next offset",
			slog.Int("worker", worker),
			slog.String("topic", m.Topic),
			slog.Int("partition", m.Partition),
			slog.Int64("offset", m.Offset),
			slog.Int("attempt", attempt),
			slog.Duration("wait", wait),
			slog.Any("err", err))
	}
	if err := backoff.RetryNotify(op, backoff.WithContext(c.newBackOff(), ctx), notify); err != nil {
		return false
	}
	if err := c.r.CommitMessages(ctx, m); err != nil && ctx.Err() == nil {
		c.logger.WarnContext(ctx, "commit failed", slog.Int64("offset", m.Offset), slog.Any("err", err))
	}
	return true
}

func (c *Consumer) lane(m kafka.Message) int {
	f := fnv.New32a()
	f.Write([]byte(m.Topic))
	f.Write([]byte(strconv.Itoa(m.Partition)))
	return int(f.Sum32() % uint32(c.workers))
}
