package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
	"phototheology/pkg/domain"
)

const migrateLockID int64 = 51207317

// GormStore implements Store using GORM + Postgres.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore opens the DB and runs auto-migrations.
func NewGormStore(dsn string) (*GormStore, error) {
	gormLog := gormlogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormLog})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := withMigrationLock(db, migrate); err != nil {
		return nil, err
	}
	return &GormStore{db: db}, nil
}

func migrate(tx *gorm.DB) error {
	if err := tx.AutoMigrate(&EventModel{}, &PromptModel{}, &GuestModel{}, &ResponseModel{}); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	// At most one active prompt per event, even if two host clients race.
	if err := tx.Exec(`
		CREATE UNIQUE INDEX IF NOT EXISTS idx_prompt_one_active
		ON prompt_models (event_id) WHERE is_active
	`).Error; err != nil {
		return fmt.Errorf("ensure active prompt index: %w", err)
	}
	if err := tx.Exec(`
		DO $$
		BEGIN
			IF NOT EXISTS (
				SELECT 1 FROM information_schema.table_constraints
				WHERE table_schema = 'public'
				AND table_name = 'prompt_models'
				AND constraint_name = 'prompt_models_event_id_fkey'
			) THEN
				ALTER TABLE prompt_models
				ADD CONSTRAINT prompt_models_event_id_fkey
				FOREIGN KEY (event_id) REFERENCES event_models(id) ON DELETE CASCADE;
			END IF;
			IF NOT EXISTS (
				SELECT 1 FROM information_schema.table_constraints
				WHERE table_schema = 'public'
				AND table_name = 'guest_models'
				AND constraint_name = 'guest_models_event_id_fkey'
			) THEN
				ALTER TABLE guest_models
				ADD CONSTRAINT guest_models_event_id_fkey
				FOREIGN KEY (event_id) REFERENCES event_models(id) ON DELETE CASCADE;
			END IF;
			IF NOT EXISTS (
				SELECT 1 FROM information_schema.table_constraints
				WHERE table_schema = 'public'
				AND table_name = 'response_models'
				AND constraint_name = 'response_models_prompt_id_fkey'
			) THEN
				ALTER TABLE response_models
				ADD CONSTRAINT response_models_prompt_id_fkey
				FOREIGN KEY (prompt_id) REFERENCES prompt_models(id) ON DELETE CASCADE;
			END IF;
			IF NOT EXISTS (
				SELECT 1 FROM information_schema.table_constraints
				WHERE table_schema = 'public'
				AND table_name = 'response_models'
				AND constraint_name = 'response_models_guest_id_fkey'
			) THEN
				ALTER TABLE response_models
				ADD CONSTRAINT response_models_guest_id_fkey
				FOREIGN KEY (guest_id) REFERENCES guest_models(id) ON DELETE CASCADE;
			END IF;
		END $$;
	`).Error; err != nil {
		return fmt.Errorf("ensure foreign keys: %w", err)
	}
	return nil
}

func withMigrationLock(db *gorm.DB, fn func(*gorm.DB) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("open sql conn: %w", err)
	}
	defer conn.Close()
	if err := execAdvisory(ctx, conn, "SELECT pg_advisory_lock($1)", migrateLockID); err != nil {
		return fmt.Errorf("acquire migrate lock: %w", err)
	}
	defer func() {
		_ = execAdvisory(ctx, conn, "SELECT pg_advisory_unlock($1)", migrateLockID)
	}()
	return fn(db)
}

func execAdvisory(ctx context.Context, conn *sql.Conn, query string, lockID int64) error {
	_, err := conn.ExecContext(ctx, query, lockID)
	return err
}

// SaveEvent creates or updates an event.
func (s *GormStore) SaveEvent(ctx context.Context, e domain.Event) error {
	model := eventToModel(e)
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"title", "status", "paused", "host_passcode_hash", "started_at", "completed_at", "updated_at"}),
	}).Create(&model).Error
}

// GetEvent returns an event by ID.
func (s *GormStore) GetEvent(ctx context.Context, id string) (domain.Event, bool, error) {
	var model EventModel
	if err := s.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Event{}, false, nil
		}
		return domain.Event{}, false, err
	}
	return eventFromModel(model), true, nil
}

// ListEvents returns all events ordered by created_at.
func (s *GormStore) ListEvents(ctx context.Context) ([]domain.Event, error) {
	var models []EventModel
	if err := s.db.WithContext(ctx).Order("created_at ASC").Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.Event, 0, len(models))
	for _, m := range models {
		res = append(res, eventFromModel(m))
	}
	return res, nil
}

// SavePrompt creates or updates a prompt.
func (s *GormStore) SavePrompt(ctx context.Context, p domain.Prompt) error {
	model := promptToModel(p)
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"type", "sequence", "data", "is_active", "started_at", "ended_at"}),
	}).Create(&model).Error
}

// GetPrompt returns a prompt by ID.
func (s *GormStore) GetPrompt(ctx context.Context, id string) (domain.Prompt, bool, error) {
	var model PromptModel
	if err := s.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Prompt{}, false, nil
		}
		return domain.Prompt{}, false, err
	}
	return promptFromModel(model), true, nil
}

// ListPrompts returns an event's prompts in sequence order.
func (s *GormStore) ListPrompts(ctx context.Context, eventID string) ([]domain.Prompt, error) {
	var models []PromptModel
	if err := s.db.WithContext(ctx).Where("event_id = ?", eventID).Order("sequence ASC").Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.Prompt, 0, len(models))
	for _, m := range models {
		res = append(res, promptFromModel(m))
	}
	return res, nil
}

// ActivatePrompt deactivates the current prompt and activates promptID in
// one transaction.
func (s *GormStore) ActivatePrompt(ctx context.Context, eventID, promptID string, at time.Time) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := deactivate(tx, eventID, at); err != nil {
			return err
		}
		res := tx.Model(&PromptModel{}).
			Where("id = ? AND event_id = ?", promptID, eventID).
			Updates(map[string]any{
				"is_active":  true,
				"started_at": at.UTC(),
				"ended_at":   nil,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// DeactivatePrompts ends every active prompt of the event.
func (s *GormStore) DeactivatePrompts(ctx context.Context, eventID string, at time.Time) error {
	return deactivate(s.db.WithContext(ctx), eventID, at)
}

func deactivate(tx *gorm.DB, eventID string, at time.Time) error {
	return tx.Model(&PromptModel{}).
		Where("event_id = ? AND is_active", eventID).
		Updates(map[string]any{
			"is_active": false,
			"ended_at":  at.UTC(),
		}).Error
}

// SaveGuest creates or updates a guest's profile fields. Counters are only
// written on insert; use IncrementGuest to change them.
func (s *GormStore) SaveGuest(ctx context.Context, g domain.Guest) error {
	model := guestToModel(g)
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"display_name", "account_id"}),
	}).Create(&model).Error
}

// GetGuest returns a guest by ID.
func (s *GormStore) GetGuest(ctx context.Context, id string) (domain.Guest, bool, error) {
	var model GuestModel
	if err := s.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Guest{}, false, nil
		}
		return domain.Guest{}, false, err
	}
	return guestFromModel(model), true, nil
}

// ListGuests returns an event's guests in join order.
func (s *GormStore) ListGuests(ctx context.Context, eventID string) ([]domain.Guest, error) {
	var models []GuestModel
	if err := s.db.WithContext(ctx).Where("event_id = ?", eventID).
		Order("joined_at ASC").
		Order("id ASC").
		Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.Guest, 0, len(models))
	for _, m := range models {
		res = append(res, guestFromModel(m))
	}
	return res, nil
}

// IncrementGuest applies additive counter changes with a single UPDATE.
func (s *GormStore) IncrementGuest(ctx context.Context, id string, delta GuestDelta) (domain.Guest, error) {
	var model GuestModel
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		model, err = incrementGuest(tx, id, delta)
		return err
	})
	if err != nil {
		return domain.Guest{}, err
	}
	return guestFromModel(model), nil
}

func incrementGuest(tx *gorm.DB, id string, delta GuestDelta) (GuestModel, error) {
	var model GuestModel
	res := tx.Model(&model).
		Clauses(clause.Returning{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"score":         gorm.Expr("score + ?", delta.Score),
			"correct_count": gorm.Expr("correct_count + ?", delta.Correct),
			"rounds_played": gorm.Expr("rounds_played + ?", delta.Rounds),
		})
	if res.Error != nil {
		return GuestModel{}, res.Error
	}
	if res.RowsAffected == 0 {
		return GuestModel{}, ErrNotFound
	}
	return model, nil
}

// UpsertResponse stores one response per (prompt, guest), keeping the
// original ID on resubmission.
func (s *GormStore) UpsertResponse(ctx context.Context, r domain.Response) (domain.Response, bool, error) {
	var (
		out     ResponseModel
		created bool
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing ResponseModel
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("prompt_id = ? AND guest_id = ?", r.PromptID, r.GuestID).
			First(&existing).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			out = responseToModel(r)
			created = true
			return tx.Create(&out).Error
		case err != nil:
			return err
		}
		if existing.GradedAt != nil {
			return ErrAlreadyGraded
		}
		payload, _ := json.Marshal(r.Payload)
		existing.Payload = payload
		existing.SubmittedAt = r.SubmittedAt
		out = existing
		return tx.Model(&ResponseModel{}).Where("id = ?", existing.ID).Updates(map[string]any{
			"payload":      existing.Payload,
			"submitted_at": existing.SubmittedAt,
		}).Error
	})
	if err != nil {
		return domain.Response{}, false, err
	}
	return responseFromModel(out), created, nil
}

// GetResponse returns a response by ID.
func (s *GormStore) GetResponse(ctx context.Context, id string) (domain.Response, bool, error) {
	var model ResponseModel
	if err := s.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Response{}, false, nil
		}
		return domain.Response{}, false, err
	}
	return responseFromModel(model), true, nil
}

// ListResponses returns a prompt's responses in submission order.
func (s *GormStore) ListResponses(ctx context.Context, promptID string) ([]domain.Response, error) {
	var models []ResponseModel
	if err := s.db.WithContext(ctx).Where("prompt_id = ?", promptID).Order("submitted_at ASC").Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.Response, 0, len(models))
	for _, m := range models {
		res = append(res, responseFromModel(m))
	}
	return res, nil
}

// CountResponses returns how many guests answered a prompt.
func (s *GormStore) CountResponses(ctx context.Context, promptID string) (int, error) {
	var count int64
	if err := s.db.WithContext(ctx).Model(&ResponseModel{}).Where("prompt_id = ?", promptID).Count(&count).Error; err != nil {
		return 0, err
	}
	return int(count), nil
}

// ApplyGrade locks the response row, records the grade and increments the
// guest in the same transaction.
func (s *GormStore) ApplyGrade(ctx context.Context, responseID string, grade Grade) (GradeResult, error) {
	var result GradeResult
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var model ResponseModel
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&model, "id = ?", responseID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return err
		}
		prev := responseFromModel(model)
		if staleGrade(prev, grade) {
			return ErrStaleGrade
		}
		delta := gradeDelta(prev, grade)
		correct := grade.IsCorrect
		gradedAt := grade.GradedAt.UTC()
		model.IsCorrect = &correct
		model.PointsEarned = grade.Points
		model.Feedback = grade.Feedback
		model.GradedAt = &gradedAt
		if err := tx.Model(&ResponseModel{}).Where("id = ?", model.ID).Updates(map[string]any{
			"is_correct":    correct,
			"points_earned": grade.Points,
			"feedback":      grade.Feedback,
			"graded_at":     gradedAt,
		}).Error; err != nil {
			return err
		}
		guest, err := incrementGuest(tx, model.GuestID, delta)
		if err != nil {
			return err
		}
		result = GradeResult{
			Response: responseFromModel(model),
			Guest:    guestFromModel(guest),
			Delta:    delta,
		}
		return nil
	})
	return result, err
}

func eventToModel(e domain.Event) EventModel {
	return EventModel{
		ID:               e.ID,
		Title:            e.Title,
		Status:           string(e.Status),
		Paused:           e.Paused,
		HostPasscodeHash: e.HostPasscodeHash,
		CreatedAt:        e.CreatedAt,
		StartedAt:        e.StartedAt,
		CompletedAt:      e.CompletedAt,
		UpdatedAt:        e.UpdatedAt,
	}
}

func eventFromModel(m EventModel) domain.Event {
	status := domain.EventStatus(m.Status)
	if status == "" {
		status = domain.EventScheduled
	}
	return domain.Event{
		ID:               m.ID,
		Title:            m.Title,
		Status:           status,
		Paused:           m.Paused,
		HostPasscodeHash: m.HostPasscodeHash,
		CreatedAt:        m.CreatedAt,
		StartedAt:        m.StartedAt,
		CompletedAt:      m.CompletedAt,
		UpdatedAt:        m.UpdatedAt,
	}
}

func promptToModel(p domain.Prompt) PromptModel {
	data, _ := json.Marshal(p.Data)
	return PromptModel{
		ID:        p.ID,
		EventID:   p.EventID,
		Type:      string(p.Type),
		Sequence:  p.Sequence,
		Data:      data,
		IsActive:  p.IsActive,
		StartedAt: p.StartedAt,
		EndedAt:   p.EndedAt,
		CreatedAt: p.CreatedAt,
	}
}

func promptFromModel(m PromptModel) domain.Prompt {
	var data map[string]any
	if len(m.Data) > 0 {
		_ = json.Unmarshal(m.Data, &data)
	}
	return domain.Prompt{
		ID:        m.ID,
		EventID:   m.EventID,
		Type:      domain.PromptType(m.Type),
		Sequence:  m.Sequence,
		Data:      data,
		IsActive:  m.IsActive,
		StartedAt: m.StartedAt,
		EndedAt:   m.EndedAt,
		CreatedAt: m.CreatedAt,
	}
}

func guestToModel(g domain.Guest) GuestModel {
	return GuestModel{
		ID:           g.ID,
		EventID:      g.EventID,
		DisplayName:  g.DisplayName,
		AccountID:    g.AccountID,
		Score:        g.Score,
		RoundsPlayed: g.RoundsPlayed,
		CorrectCount: g.CorrectCount,
		JoinedAt:     g.JoinedAt,
	}
}

func guestFromModel(m GuestModel) domain.Guest {
	return domain.Guest{
		ID:           m.ID,
		EventID:      m.EventID,
		DisplayName:  m.DisplayName,
		AccountID:    m.AccountID,
		Score:        m.Score,
		RoundsPlayed: m.RoundsPlayed,
		CorrectCount: m.CorrectCount,
		JoinedAt:     m.JoinedAt,
	}
}

func responseToModel(r domain.Response) ResponseModel {
	payload, _ := json.Marshal(r.Payload)
	return ResponseModel{
		ID:           r.ID,
		PromptID:     r.PromptID,
		GuestID:      r.GuestID,
		EventID:      r.EventID,
		Payload:      payload,
		IsCorrect:    r.IsCorrect,
		PointsEarned: r.PointsEarned,
		Feedback:     r.Feedback,
		GradedAt:     r.GradedAt,
		SubmittedAt:  r.SubmittedAt,
	}
}

func responseFromModel(m ResponseModel) domain.Response {
	var payload map[string]any
	if len(m.Payload) > 0 {
		_ = json.Unmarshal(m.Payload, &payload)
	}
	return domain.Response{
		ID:           m.ID,
		PromptID:     m.PromptID,
		GuestID:      m.GuestID,
		EventID:      m.EventID,
		Payload:      payload,
		IsCorrect:    m.IsCorrect,
		PointsEarned: m.PointsEarned,
		Feedback:     m.Feedback,
		GradedAt:     m.GradedAt,
		SubmittedAt:  m.SubmittedAt,
	}
}

// Close releases the underlying connection pool.
func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
