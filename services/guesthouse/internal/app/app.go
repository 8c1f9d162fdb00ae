// Package app wires the live-session coordinator to the guesthouse
// infrastructure: the store, the realtime sinks, the grading queue and the
// results archive.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"phototheology/pkg/domain"
	"phototheology/pkg/queue"
	"phototheology/pkg/realtime"
	"phototheology/pkg/session"
	"phototheology/pkg/storage"
	"phototheology/pkg/store"
)

const archiveTimeout = 10 * time.Second

// Config holds runtime configuration for the guesthouse core.
type Config struct {
	// Store overrides StoreDriver/DatabaseURL when set.
	Store       store.Store
	StoreDriver string
	DatabaseURL string

	RedisAddr        string
	RedisPassword    string
	ChangeFeedMaxLen int64
	ChangeFeedTTL    time.Duration
	AMQPURL          string
	AMQPExchange     string
	GradingStream    string

	// Objects overrides Minio when set.
	Objects           storage.ObjectStore
	Minio             storage.MinioConfig
	ResultsLinkExpiry time.Duration

	Clock  func() time.Time
	Logger *slog.Logger
}

// App is the guesthouse application service.
type App struct {
	coord     *session.Coordinator
	store     store.Store
	broadcast *realtime.RedisBroadcaster
	feed      *realtime.RedisChangeFeed
	amqp      *realtime.AMQPPublisher
	notifier  *realtime.Notifier
	grading   *queue.RedisJobQueue
	archive   *storage.Archive
	logger    *slog.Logger
}

// New constructs the application and its infrastructure.
func New(ctx context.Context, cfg Config) (*App, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	a := &App{logger: logger}

	dataStore, err := openStore(cfg)
	if err != nil {
		return nil, err
	}
	a.store = dataStore

	a.broadcast, err = realtime.NewRedisBroadcaster(cfg.RedisAddr, cfg.RedisPassword)
	if err != nil {
		return nil, fmt.Errorf("init broadcaster: %w", err)
	}
	a.feed, err = realtime.NewRedisChangeFeed(realtime.ChangeFeedConfig{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		MaxLen:   cfg.ChangeFeedMaxLen,
		TTL:      cfg.ChangeFeedTTL,
	})
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
	a.notifier = realtime.NewNotifier(logger, sinks...)

	a.grading, err = queue.NewRedisJobQueue(queue.RedisQueueConfig{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		Stream:   cfg.GradingStream,
		Logger:   logger,
	})
	if err != nil {
		return nil, fmt.Errorf("init grading queue: %w", err)
	}

	objects := cfg.Objects
	if objects == nil && strings.TrimSpace(cfg.Minio.Endpoint) != "" {
		minioStore, err := storage.NewMinioStore(ctx, cfg.Minio)
		if err != nil {
			return nil, err
		}
		objects = minioStore
	}
	if objects != nil {
		a.archive = storage.NewArchive(objects, cfg.ResultsLinkExpiry)
	}

	a.coord, err = session.New(session.Config{
		Store:    dataStore,
		Notifier: a.notifier,
		Grader:   session.KeyGrader{},
		Clock:    cfg.Clock,
		Logger:   logger,
	})
	if err != nil {
		return nil, err
	}
	logger.Info("guesthouse ready", "sinks", a.notifier.Sinks(), "archive", a.archive != nil)
	return a, nil
}

func openStore(cfg Config) (store.Store, error) {
	if cfg.Store != nil {
		return cfg.Store, nil
	}
	switch cfg.StoreDriver {
	case "memory":
		return store.NewMemoryStore(), nil
	case "", "postgres":
		if cfg.DatabaseURL == "" {
			return nil, errors.New("database URL required")
		}
		s, err := store.NewGormStore(cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("init postgres store: %w", err)
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
	}
}

// Close releases infrastructure clients.
func (a *App) Close() error {
	var errs []error
	if a.grading != nil {
		errs = append(errs, a.grading.Close())
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

// CreateEvent schedules an event.
func (a *App) CreateEvent(ctx context.Context, title, passcode string) (domain.Event, error) {
	return a.coord.CreateEvent(ctx, session.NewEvent{Title: title, HostPasscode: passcode})
}

// VerifyHost checks a host passcode.
func (a *App) VerifyHost(ctx context.Context, eventID, passcode string) (domain.Event, error) {
	return a.coord.VerifyHost(ctx, eventID, passcode)
}

// AddPrompt appends a prompt.
func (a *App) AddPrompt(ctx context.Context, actor domain.Actor, eventID string, typ domain.PromptType, data map[string]any) (domain.Prompt, error) {
	return a.coord.AddPrompt(ctx, actor, eventID, typ, data)
}

// Start moves the event live.
func (a *App) Start(ctx context.Context, actor domain.Actor, eventID string) (domain.Snapshot, error) {
	return a.coord.StartSession(ctx, actor, eventID)
}

// Advance moves to the next prompt and archives results once the event
// completes.
func (a *App) Advance(ctx context.Context, actor domain.Actor, eventID string) (domain.Snapshot, error) {
	snap, err := a.coord.AdvanceToNextPrompt(ctx, actor, eventID)
	if err != nil {
		return snap, err
	}
	if snap.Event.Status == domain.EventCompleted && a.archive != nil {
		if _, err := a.saveResults(ctx, snap); err != nil {
			a.logger.Warn("archive results failed", "event_id", eventID, "err", err)
		}
	}
	return snap, nil
}

// Pause pauses a live event.
func (a *App) Pause(ctx context.Context, actor domain.Actor, eventID string) (domain.Snapshot, error) {
	return a.coord.PauseSession(ctx, actor, eventID)
}

// Resume resumes a paused event.
func (a *App) Resume(ctx context.Context, actor domain.Actor, eventID string) (domain.Snapshot, error) {
	return a.coord.ResumeSession(ctx, actor, eventID)
}

// Snapshot returns the event as actor may see it.
func (a *App) Snapshot(ctx context.Context, actor domain.Actor, eventID string) (domain.Snapshot, error) {
	return a.coord.Snapshot(ctx, actor, eventID)
}

// Join registers a guest.
func (a *App) Join(ctx context.Context, eventID, displayName, accountID string) (domain.Guest, error) {
	return a.coord.JoinEvent(ctx, eventID, displayName, accountID)
}

// Submitted is a recorded answer plus the grading job queued for it, if any.
type Submitted struct {
	session.Submission
	GradingJobID string `json:"gradingJobId,omitempty"`
}

// Submit records an answer. Free-text answers go to the grading queue; a
// failed enqueue leaves the response for the host to grade by hand.
func (a *App) Submit(ctx context.Context, actor domain.Actor, promptID, guestID string, payload map[string]any) (Submitted, error) {
	sub, err := a.coord.SubmitResponse(ctx, actor, promptID, guestID, payload)
	if err != nil {
		return Submitted{}, err
	}
	out := Submitted{Submission: sub}
	if sub.Prompt.Type == domain.PromptFreeText && !sub.AutoGraded {
		job, err := a.grading.Enqueue(ctx, sub.Response.EventID, sub.Response.ID)
		if err != nil {
			a.logger.Warn("enqueue grading failed", "response_id", sub.Response.ID, "err", err)
		} else {
			a.logger.Debug("grading queued", "job_id", job.ID, "response_id", sub.Response.ID)
			out.GradingJobID = job.ID
		}
	}
	return out, nil
}

// Events lists events for the lobby.
func (a *App) Events(ctx context.Context, status domain.EventStatus) ([]domain.Event, error) {
	return a.coord.Events(ctx, status)
}

// Grade applies a host grade.
func (a *App) Grade(ctx context.Context, actor domain.Actor, responseID string, in session.GradeInput) (store.GradeResult, error) {
	return a.coord.GradeResponse(ctx, actor, responseID, in)
}

// Bonus awards bonus points.
func (a *App) Bonus(ctx context.Context, actor domain.Actor, guestID string, points int, reason string) (domain.Guest, error) {
	return a.coord.AwardBonusPoints(ctx, actor, guestID, points, reason)
}

// Responses lists a prompt's responses for the host.
func (a *App) Responses(ctx context.Context, actor domain.Actor, promptID string) ([]domain.Response, error) {
	return a.coord.Responses(ctx, actor, promptID)
}

// Leaderboard ranks guests.
func (a *App) Leaderboard(ctx context.Context, eventID string) ([]domain.LeaderboardEntry, error) {
	return a.coord.Leaderboard(ctx, eventID)
}

// Prompt, Response and Guest resolve the event a resource belongs to.
func (a *App) Prompt(ctx context.Context, id string) (domain.Prompt, error) {
	return a.coord.Prompt(ctx, id)
}

func (a *App) Response(ctx context.Context, id string) (domain.Response, error) {
	return a.coord.Response(ctx, id)
}

func (a *App) Guest(ctx context.Context, id string) (domain.Guest, error) {
	return a.coord.Guest(ctx, id)
}

// Subscribe streams broadcasts for an event until ctx ends.
func (a *App) Subscribe(ctx context.Context, eventID string) (<-chan domain.Message, error) {
	return a.broadcast.Subscribe(ctx, eventID)
}

// Changes replays the durable change feed after afterID.
func (a *App) Changes(ctx context.Context, eventID, afterID string, count int64) ([]realtime.FeedEntry, error) {
	return a.feed.Since(ctx, eventID, afterID, count)
}

// GradingJob reports the status of a queued grading job.
func (a *App) GradingJob(ctx context.Context, id string) (queue.GradeJob, error) {
	job, found, err := a.grading.GetJob(ctx, id)
	if err != nil {
		return queue.GradeJob{}, fmt.Errorf("get grading job: %w", err)
	}
	if !found {
		return queue.GradeJob{}, ErrJobNotFound
	}
	return job, nil
}

// ResultsURL refreshes the archived results of a completed event and returns
// a download link. Refreshing picks up grades that landed after completion.
func (a *App) ResultsURL(ctx context.Context, eventID string) (string, error) {
	if a.archive == nil {
		return "", ErrArchiveDisabled
	}
	snap, err := a.coord.Snapshot(ctx, domain.Host(), eventID)
	if err != nil {
		return "", err
	}
	if snap.Event.Status != domain.EventCompleted {
		return "", ErrResultsNotReady
	}
	if _, err := a.saveResults(ctx, snap); err != nil {
		return "", err
	}
	return a.archive.ResultsURL(ctx, eventID)
}

func (a *App) saveResults(ctx context.Context, snap domain.Snapshot) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, archiveTimeout)
	defer cancel()
	key, err := a.archive.SaveResults(ctx, storage.Results{
		Event:       snap.Event,
		Prompts:     snap.Prompts,
		Leaderboard: snap.Leaderboard,
	})
	if err != nil {
		return "", fmt.Errorf("archive results: %w", err)
	}
	a.logger.Info("results archived", "event_id", snap.Event.ID, "key", key)
	return key, nil
}
