// Package app grades queued free-text responses with a language model and
// records the verdicts through the live-session coordinator.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"phototheology/pkg/ai"
	"phototheology/pkg/domain"
	"phototheology/pkg/queue"
	"phototheology/pkg/realtime"
	"phototheology/pkg/session"
	"phototheology/pkg/store"
)

const gradeTimeout = 60 * time.Second

// Config holds runtime configuration.
type Config struct {
	// Store overrides DatabaseURL when set.
	Store       store.Store
	DatabaseURL string

	RedisAddr     string
	RedisPassword string
	AMQPURL       string
	AMQPExchange  string

	GradingStream string
	ConsumerGroup string
	MaxRetries    int
	RetryDelay    time.Duration
	// QueueBlock shortens the consumer poll in tests.
	QueueBlock time.Duration

	// Generator overrides the provider settings when set.
	Generator ai.TextGenerator
	Provider  string
	BaseURL   string
	APIKey    string
	Model     string
	JSONMode  bool

	Logger *slog.Logger
}

// App consumes grading jobs.
type App struct {
	store     store.Store
	coord     *session.Coordinator
	grader    *ai.ResponseGrader
	queue     *queue.RedisJobQueue
	broadcast *realtime.RedisBroadcaster
	feed      *realtime.RedisChangeFeed
	amqp      *realtime.AMQPPublisher
	logger    *slog.Logger
}

// New constructs the grader service.
func New(cfg Config) (*App, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	a := &App{store: cfg.Store, logger: logger}
	if a.store == nil {
		if cfg.DatabaseURL == "" {
			return nil, errors.New("database URL required")
		}
		s, err := store.NewGormStore(cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("init postgres store: %w", err)
		}
		a.store = s
	}

	gen := cfg.Generator
	if gen == nil {
		var err error
		gen, err = ai.NewGenerator(ai.GeneratorConfig{
			Provider: cfg.Provider,
			BaseURL:  cfg.BaseURL,
			APIKey:   cfg.APIKey,
			Model:    cfg.Model,
			JSONMode: cfg.JSONMode,
		})
		if err != nil {
			return nil, err
		}
	}
	a.grader = ai.NewResponseGrader(gen)

	var err error
	// Verdicts reach guests the same way host grades do.
	a.broadcast, err = realtime.NewRedisBroadcaster(cfg.RedisAddr, cfg.RedisPassword)
	if err != nil {
		return nil, fmt.Errorf("init broadcaster: %w", err)
	}
	a.feed, err = realtime.NewRedisChangeFeed(realtime.ChangeFeedConfig{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	if err != nil {
		return nil, fmt.Errorf("init change feed: %w", err)
	}
	sinks := []realtime.Sink{
		{Name: "broadcast", Publisher: a.broadcast},
		{Name: "changes", Publisher: a.feed},
	}
	if strings.TrimSpace(cfg.AMQPURL) != "" {
		a.amqp, err = realtime.NewAMQPPublisher(realtime.AMQPConfig{URL: cfg.AMQPURL, Exchange: cfg.AMQPExchange})
		if err != nil {
			return nil, fmt.Errorf("init amqp publisher: %w", err)
		}
		sinks = append(sinks, realtime.Sink{Name: "amqp", Publisher: a.amqp})
	}

	a.coord, err = session.New(session.Config{
		Store:    a.store,
		Notifier: realtime.NewNotifier(logger, sinks...),
		Logger:   logger,
	})
	if err != nil {
		return nil, err
	}

	a.queue, err = queue.NewRedisJobQueue(queue.RedisQueueConfig{
		Addr:       cfg.RedisAddr,
		Password:   cfg.RedisPassword,
		Stream:     defaultStream(cfg.GradingStream),
		Group:      cfg.ConsumerGroup,
		MaxRetries: cfg.MaxRetries,
		RetryDelay: cfg.RetryDelay,
		Block:      cfg.QueueBlock,
		Logger:     logger,
	})
	if err != nil {
		return nil, fmt.Errorf("init grading queue: %w", err)
	}
	return a, nil
}

// Run starts concurrency workers that stop with ctx.
func (a *App) Run(ctx context.Context, concurrency int) {
	a.logger.Info("grader workers starting", "concurrency", max(concurrency, 1))
	a.queue.Start(ctx, concurrency, a.Handle)
}

// Handle grades one job. Jobs whose response vanished, was already graded
// or is not free text finish without a grade. An answer replaced while the
// model was judging it is left to the job queued for the replacement.
func (a *App) Handle(ctx context.Context, job queue.GradeJob) error {
	ctx, cancel := context.WithTimeout(ctx, gradeTimeout)
	defer cancel()
	log := a.logger.With("job_id", job.ID, "response_id", job.ResponseID)

	resp, ok, err := a.store.GetResponse(ctx, job.ResponseID)
	if err != nil {
		return fmt.Errorf("get response: %w", err)
	}
	if !ok {
		log.Warn("response gone, skipping")
		return nil
	}
	if resp.Graded() {
		log.Info("response already graded, skipping")
		return nil
	}
	prompt, ok, err := a.store.GetPrompt(ctx, resp.PromptID)
	if err != nil {
		return fmt.Errorf("get prompt: %w", err)
	}
	if !ok || prompt.Type != domain.PromptFreeText {
		log.Warn("prompt missing or not free text, skipping", "prompt_id", resp.PromptID)
		return nil
	}

	verdict, err := a.grader.Grade(ctx, prompt, answerText(resp.Payload))
	if err != nil {
		return err
	}
	res, err := a.coord.GradeResponse(ctx, domain.Host(), resp.ID, session.GradeInput{
		IsCorrect:   verdict.Correct,
		Points:      verdict.Points,
		Feedback:    verdict.Feedback,
		SubmittedAt: resp.SubmittedAt,
	})
	if errors.Is(err, session.ErrResponseChanged) {
		log.Info("response resubmitted during grading, skipping")
		return nil
	}
	if err != nil {
		return fmt.Errorf("record grade: %w", err)
	}
	log.Info("response graded", "correct", verdict.Correct, "points", verdict.Points, "score", res.Guest.Score)
	return nil
}

// Job reports a job's status.
func (a *App) Job(ctx context.Context, id string) (queue.GradeJob, bool, error) {
	return a.queue.GetJob(ctx, id)
}

// Ping checks the queue connection.
func (a *App) Ping(ctx context.Context) error {
	return a.queue.Ping(ctx)
}

// Close releases infrastructure clients.
func (a *App) Close() error {
	var errs []error
	if a.queue != nil {
		errs = append(errs, a.queue.Close())
	}
	if a.amqp != nil {
		errs = append(errs, a.amqp.Close())
	}
	if a.feed != nil {
		errs = append(errs, a.feed.Close())
	}
	if a.broadcast != nil {
		errs = append(errs, a.broadcast.Close())
	}
	if closer, ok := a.store.(interface{ Close() error }); ok {
		errs = append(errs, closer.Close())
	}
	return errors.Join(errs...)
}

func answerText(payload map[string]any) string {
	if text := domain.PayloadText(payload, "text"); text != "" {
		return text
	}
	return domain.PayloadText(payload, "answer")
}

func defaultStream(name string) string {
	if strings.TrimSpace(name) == "" {
		return "guesthouse:grading"
	}
	return name
}
