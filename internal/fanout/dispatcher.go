// Package fanout turns domain actions into broadcast envelopes, either inline
// or through a queue drained by worker goroutines.
package fanout

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/TaviloBreno/chat-laravel-angular/internal/backoff"
	"github.com/TaviloBreno/chat-laravel-angular/internal/events"
	"github.com/TaviloBreno/chat-laravel-angular/internal/metrics"
	"github.com/TaviloBreno/chat-laravel-angular/internal/models"
)

var (
	// ErrEntityVanished means the referenced row was deleted before the job ran.
	ErrEntityVanished = errors.New("referenced entity no longer exists")

	errPermanent = errors.New("permanent job failure")
)

// Publisher hands one envelope to the transport. A single call delivers the
// envelope to all of its channels.
type Publisher interface {
	Publish(ctx context.Context, env *events.Envelope) error
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(ctx context.Context, env *events.Envelope) error

func (f PublisherFunc) Publish(ctx context.Context, env *events.Envelope) error {
	return f(ctx, env)
}

// Source reloads entities referenced by jobs. store.DataStore satisfies it.
type Source interface {
	GetUser(ctx context.Context, id int64) (*models.User, error)
	GetConversation(ctx context.Context, id int64) (*models.Conversation, error)
	GetMessage(ctx context.Context, id int64) (*models.Message, error)
}

// Options tune a Dispatcher. Zero values pick defaults.
type Options struct {
	Notifier Notifier
	Online   OnlineChecker
	Policy   backoff.Policy
	Logger   zerolog.Logger
}

// Dispatcher publishes envelopes directly and runs the queued two-stage
// pipeline: fan-out first, notifications second.
type Dispatcher struct {
	source    Source
	publisher Publisher
	queue     Queue
	notifier  Notifier
	online    OnlineChecker
	policy    backoff.Policy
	logger    zerolog.Logger
	now       func() time.Time
}

func NewDispatcher(source Source, publisher Publisher, queue Queue, opts Options) *Dispatcher {
	d := &Dispatcher{
		source:    source,
		publisher: publisher,
		queue:     queue,
		notifier:  opts.Notifier,
		online:    opts.Online,
		policy:    opts.Policy,
		logger:    opts.Logger.With().Str("component", "fanout").Logger(),
		now:       time.Now,
	}
	if d.notifier == nil {
		d.notifier = NewLogNotifier(opts.Logger)
	}
	if d.online == nil {
		d.online = nobodyOnline{}
	}
	if d.policy == (backoff.Policy{}) {
		d.policy = backoff.Jobs
	}
	return d
}

// Direct publishes an envelope inline.
func (d *Dispatcher) Direct(ctx context.Context, env *events.Envelope) error {
	if err := d.publisher.Publish(ctx, env); err != nil {
		d.logger.Error().Err(err).
			Str("event", env.Name()).
			Strs("channels", env.Channels()).
			Msg("direct publish failed")
		return err
	}
	metrics.EnvelopesPublished.WithLabelValues(env.Name(), "direct").Inc()
	return nil
}

// Dispatch enqueues a fan-out job and returns without waiting for delivery.
func (d *Dispatcher) Dispatch(ctx context.Context, eventType string, data JobData) error {
	if !queuedEvent(eventType) {
		return fmt.Errorf("%w: %q", events.ErrUnknownEvent, eventType)
	}
	j := newJob(KindFanout, eventType, data, d.now())
	if err := d.queue.Push(ctx, j); err != nil {
		return fmt.Errorf("enqueue %s: %w", eventType, err)
	}
	d.logger.Debug().Str("job", j.ID).Str("event", eventType).Msg("fan-out job queued")
	return nil
}

func queuedEvent(eventType string) bool {
	switch eventType {
	case events.MessageSent, events.MessageUpdated, events.MessageDeleted,
		events.ConversationCreated, events.ParticipantsUpdated:
		return true
	}
	return false
}

// Start runs count workers until ctx is done, then calls quitf once all of
// them have returned.
func (d *Dispatcher) Start(ctx context.Context, count int, quitf func(err error)) {
	if count <= 0 {
		return
	}

	wg := new(sync.WaitGroup)
	for i := 1; i <= count; i++ {
		wg.Add(1)
		go d.runContinuously(ctx, i, wg)
	}
	go func() {
		wg.Wait()
		if quitf != nil {
			quitf(nil)
		}
	}()
}

func (d *Dispatcher) runContinuously(ctx context.Context, workerIdx int, wg *sync.WaitGroup) {
	defer wg.Done()
	logger := d.logger.With().Int("worker", workerIdx).Logger()
	logger.Debug().Msg("fan-out worker started")

	for ctx.Err() == nil {
		j, err := d.queue.Pop(ctx)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			logger.Warn().Err(err).Msg("queue pop failed")
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
			}
			continue
		}
		d.Handle(ctx, j)
	}
	logger.Debug().Msg("fan-out worker stopped")
}

// Handle runs one job and decides between success, skip, drop and retry.
func (d *Dispatcher) Handle(ctx context.Context, j *Job) {
	start := time.Now()
	err := d.Process(ctx, j)
	metrics.FanoutDuration.WithLabelValues(string(j.Kind)).Observe(time.Since(start).Seconds())

	log := d.logger.With().
		Str("job", j.ID).
		Str("kind", string(j.Kind)).
		Str("event", j.EventType).
		Interface("data", j.Data).
		Logger()

	switch {
	case err == nil:
		metrics.FanoutJobs.WithLabelValues(string(j.Kind), "published").Inc()

	case errors.Is(err, ErrEntityVanished):
		log.Debug().Err(err).Msg("job skipped")
		metrics.FanoutJobs.WithLabelValues(string(j.Kind), "skipped").Inc()

	case errors.Is(err, errPermanent), errors.Is(err, events.ErrUnknownEvent):
		log.Error().Err(err).Msg("job dropped")
		metrics.FanoutJobs.WithLabelValues(string(j.Kind), "dropped").Inc()

	default:
		d.retry(ctx, j, err, log)
	}
}

func (d *Dispatcher) retry(ctx context.Context, j *Job, cause error, log zerolog.Logger) {
	j.Attempt++
	delay := d.policy.DelayAfter(j.Attempt)
	if delay == backoff.Never {
		log.Error().Err(cause).Int("attempts", j.Attempt).Msg("job failed permanently")
		metrics.FanoutJobs.WithLabelValues(string(j.Kind), "failed").Inc()
		return
	}

	log.Warn().Err(cause).Int("attempt", j.Attempt).Dur("delay", delay).Msg("job failed, retrying")
	metrics.FanoutJobs.WithLabelValues(string(j.Kind), "retried").Inc()
	if err := d.queue.PushAfter(ctx, j, delay); err != nil {
		log.Error().Err(err).Msg("failed to requeue job")
		metrics.FanoutJobs.WithLabelValues(string(j.Kind), "failed").Inc()
	}
}

// Process executes one job once. Errors wrapping ErrEntityVanished mean the
// job has nothing to do.
func (d *Dispatcher) Process(ctx context.Context, j *Job) error {
	switch j.Kind {
	case KindFanout:
		return d.fanout(ctx, j)
	case KindNotify:
		return d.notify(ctx, j)
	}
	return fmt.Errorf("%w: job kind %q", errPermanent, j.Kind)
}

func (d *Dispatcher) fanout(ctx context.Context, j *Job) error {
	env, next, err := d.build(ctx, j.EventType, j.Data)
	if err != nil {
		return err
	}

	if err := d.publisher.Publish(ctx, env); err != nil {
		return fmt.Errorf("publish %s: %w", env.Name(), err)
	}
	metrics.EnvelopesPublished.WithLabelValues(env.Name(), "queued").Inc()

	if next != nil {
		nj := newJob(KindNotify, j.EventType, *next, d.now())
		if err := d.queue.Push(ctx, nj); err != nil {
			// The broadcast already went out; retrying would duplicate it.
			d.logger.Error().Err(err).Str("event", j.EventType).Msg("failed to queue notifications")
		}
	}
	return nil
}

// build reloads the entity behind a job and returns its envelope, plus the
// data for the notification stage when the event has one.
func (d *Dispatcher) build(ctx context.Context, eventType string, data JobData) (*events.Envelope, *JobData, error) {
	switch eventType {
	case events.MessageSent, events.MessageUpdated:
		m, err := d.source.GetMessage(ctx, data.MessageID)
		if err != nil {
			return nil, nil, fmt.Errorf("load message %d: %w", data.MessageID, err)
		}
		if m == nil {
			return nil, nil, fmt.Errorf("message %d: %w", data.MessageID, ErrEntityVanished)
		}
		env, err := events.NewMessage(m, eventType == events.MessageUpdated)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: %w", errPermanent, err)
		}
		if eventType == events.MessageUpdated {
			return env, nil, nil
		}
		return env, &JobData{MessageID: m.ID, ConversationID: m.ConversationID, SenderID: m.UserID}, nil

	case events.MessageDeleted:
		// The row is gone by now; the job carries everything the payload needs.
		env, err := events.NewMessageDeleted(data.MessageID, data.ConversationID)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: %w", errPermanent, err)
		}
		return env, nil, nil

	case events.ConversationCreated:
		c, err := d.source.GetConversation(ctx, data.ConversationID)
		if err != nil {
			return nil, nil, fmt.Errorf("load conversation %d: %w", data.ConversationID, err)
		}
		if c == nil {
			return nil, nil, fmt.Errorf("conversation %d: %w", data.ConversationID, ErrEntityVanished)
		}
		env, err := events.NewConversationCreated(c)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: %w", errPermanent, err)
		}
		return env, &JobData{ConversationID: c.ID, OwnerID: c.OwnerID}, nil

	case events.ParticipantsUpdated:
		c, u, err := d.conversationAndUser(ctx, data)
		if err != nil {
			return nil, nil, err
		}
		env, err := events.NewParticipantsUpdated(c, data.Action, u)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: %w", errPermanent, err)
		}
		return env, &JobData{ConversationID: c.ID, UserID: u.ID, Action: data.Action}, nil
	}

	return nil, nil, fmt.Errorf("%w: %q", events.ErrUnknownEvent, eventType)
}

func (d *Dispatcher) conversationAndUser(ctx context.Context, data JobData) (*models.Conversation, *models.User, error) {
	c, err := d.source.GetConversation(ctx, data.ConversationID)
	if err != nil {
		return nil, nil, fmt.Errorf("load conversation %d: %w", data.ConversationID, err)
	}
	if c == nil {
		return nil, nil, fmt.Errorf("conversation %d: %w", data.ConversationID, ErrEntityVanished)
	}
	u, err := d.source.GetUser(ctx, data.UserID)
	if err != nil {
		return nil, nil, fmt.Errorf("load user %d: %w", data.UserID, err)
	}
	if u == nil {
		return nil, nil, fmt.Errorf("user %d: %w", data.UserID, ErrEntityVanished)
	}
	return c, u, nil
}
