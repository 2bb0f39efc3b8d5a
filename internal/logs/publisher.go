// Package logs buffers execution log lines into Postgres and fans them
// out to live subscribers.
package logs

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"launchbox/internal/execution"
	"launchbox/internal/monitor"
)

// Sink persists log lines. Satisfied by storage.DB.
type Sink interface {
	InsertLog(ctx context.Context, line execution.LogLine) error
}

const subscriberBuffer = 256

// Publisher is the single fan-out point for execution output. Publish
// never blocks the caller: persistence goes through a buffered channel
// with retry, and slow subscribers drop lines rather than stall a drive.
type Publisher struct {
	sink    Sink
	metrics *monitor.Metrics

	ch   chan execution.LogLine
	wg   sync.WaitGroup
	done chan struct{}

	mu   sync.Mutex
	subs map[uuid.UUID]map[chan execution.LogLine]bool
}

func NewPublisher(sink Sink, metrics *monitor.Metrics, bufferSize int) *Publisher {
	if bufferSize < 1 {
		bufferSize = 10000
	}
	return &Publisher{
		sink:    sink,
		metrics: metrics,
		ch:      make(chan execution.LogLine, bufferSize),
		done:    make(chan struct{}),
		subs:    make(map[uuid.UUID]map[chan execution.LogLine]bool),
	}
}

func (p *Publisher) Start() {
	p.wg.Add(1)
	go p.processLoop()
}

// Publish records one line for an execution and delivers it to any live
// subscribers. Implements execution.LogPublisher.
func (p *Publisher) Publish(executionID uuid.UUID, level execution.LogLevel, message string) {
	line := execution.LogLine{
		ExecutionID: executionID,
		Level:       level,
		Message:     message,
		Timestamp:   time.Now().UTC(),
	}

	if p.metrics != nil {
		p.metrics.LogLinesTotal.Inc()
	}

	select {
	case p.ch <- line:
	default:
		log.Warn().Str("execution_id", executionID.String()).Msg("log buffer full, dropping line")
	}

	p.fanOut(line)
}

// Subscribe returns a channel of live lines for one execution. The
// channel is closed when Unsubscribe is called or the publisher flushes.
func (p *Publisher) Subscribe(executionID uuid.UUID) chan execution.LogLine {
	ch := make(chan execution.LogLine, subscriberBuffer)

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.subs[executionID] == nil {
		p.subs[executionID] = make(map[chan execution.LogLine]bool)
	}
	p.subs[executionID][ch] = true
	return ch
}

func (p *Publisher) Unsubscribe(executionID uuid.UUID, ch chan execution.LogLine) {
	p.mu.Lock()
	defer p.mu.Unlock()

	set := p.subs[executionID]
	if set == nil || !set[ch] {
		return
	}
	delete(set, ch)
	if len(set) == 0 {
		delete(p.subs, executionID)
	}
	close(ch)
}

// Flush drains buffered lines to the sink and closes all subscriber
// channels. Call during shutdown after the orchestrator has stopped.
func (p *Publisher) Flush(timeout time.Duration) {
	close(p.done)

	doneCh := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(doneCh)
	}()

	select {
	case <-doneCh:
		log.Info().Msg("log publisher flushed")
	case <-time.After(timeout):
		log.Warn().Msg("log publisher flush timed out")
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	for id, set := range p.subs {
		for ch := range set {
			close(ch)
		}
		delete(p.subs, id)
	}
}

func (p *Publisher) fanOut(line execution.LogLine) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for ch := range p.subs[line.ExecutionID] {
		select {
		case ch <- line:
		default:
			// Subscriber is not keeping up. Skip the line instead of
			// blocking the drive goroutine.
		}
	}
}

func (p *Publisher) processLoop() {
	defer p.wg.Done()

	for {
		select {
		case line := <-p.ch:
			p.writeWithRetry(line)
		case <-p.done:
			// Drain remaining entries
			for {
				select {
				case line := <-p.ch:
					p.writeWithRetry(line)
				default:
					return
				}
			}
		}
	}
}

func (p *Publisher) writeWithRetry(line execution.LogLine) {
	const maxRetries = 3

	for attempt := 0; attempt <= maxRetries; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := p.sink.InsertLog(ctx, line)
		cancel()

		if err == nil {
			return
		}

		if attempt < maxRetries {
			backoff := time.Duration(math.Pow(2, float64(attempt))) * 100 * time.Millisecond
			log.Warn().
				Err(err).
				Str("execution_id", line.ExecutionID.String()).
				Int("attempt", attempt+1).
				Dur("backoff", backoff).
				Msg("log write failed, retrying")
			time.Sleep(backoff)
		} else {
			log.Error().
				Err(err).
				Str("execution_id", line.ExecutionID.String()).
				Msg("log write failed permanently after retries")
		}
	}
}
