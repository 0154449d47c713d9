package repo

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog/log"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/dkeye/Lobby/internal/config"
	"github.com/dkeye/Lobby/internal/core"
	"github.com/dkeye/Lobby/internal/domain"
	"github.com/dkeye/Lobby/internal/events"
	"github.com/dkeye/Lobby/internal/search"
)

// Genres is stored as a JSON array in a text column.
type Genres []string

func (g *Genres) Scan(value any) error {
	var data []byte
	switch v := value.(type) {
	case nil:
		*g = nil
		return nil
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("genres: unsupported scan type %T", value)
	}
	if len(data) == 0 {
		*g = nil
		return nil
	}
	return json.Unmarshal(data, (*[]string)(g))
}

func (g Genres) Value() (driver.Value, error) {
	if g == nil {
		return "[]", nil
	}
	lower := make([]string, len(g))
	for i, s := range g {
		lower[i] = strings.ToLower(s)
	}
	data, err := json.Marshal(lower)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

type RoomModel struct {
	ID            string    `gorm:"type:varchar(64);primaryKey"`
	Name          string    `gorm:"type:varchar(200);not null"`
	OwnerID       string    `gorm:"type:varchar(64);index;not null"`
	OwnerUsername string    `gorm:"type:varchar(50)"`
	MemberCount   int       `gorm:"default:0"`
	MaxMembers    int       `gorm:"default:0"`
	Genres        Genres    `gorm:"type:text"`
	Description   string    `gorm:"type:text"`
	IsPrivate     bool      `gorm:"index"`
	CreatedAt     time.Time `gorm:"autoCreateTime:false"`
	LastActivity  time.Time `gorm:"index"`
}

func (RoomModel) TableName() string { return "lobby_rooms" }

func (m *RoomModel) ToDomain() domain.RoomListing {
	return domain.RoomListing{
		ID:            domain.RoomID(m.ID),
		Name:          m.Name,
		OwnerID:       domain.UserID(m.OwnerID),
		OwnerUsername: m.OwnerUsername,
		MemberCount:   m.MemberCount,
		MaxMembers:    m.MaxMembers,
		Genres:        append([]string(nil), m.Genres...),
		Description:   m.Description,
		IsPrivate:     m.IsPrivate,
		CreatedAt:     m.CreatedAt,
		LastActivity:  m.LastActivity,
	}
}

func RoomToModel(r domain.RoomListing) *RoomModel {
	return &RoomModel{
		ID:            string(r.ID),
		Name:          r.Name,
		OwnerID:       string(r.OwnerID),
		OwnerUsername: r.OwnerUsername,
		MemberCount:   r.MemberCount,
		MaxMembers:    r.MaxMembers,
		Genres:        Genres(r.Genres),
		Description:   r.Description,
		IsPrivate:     r.IsPrivate,
		CreatedAt:     r.CreatedAt.UTC(),
		LastActivity:  r.LastActivity.UTC(),
	}
}

// Open connects to the configured sql driver and migrates the schema.
func Open(cfg config.DatabaseConfig) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch cfg.Driver {
	case "sqlite":
		dsn := cfg.DSN
		if dsn == "" {
			dsn = "lobby.db"
		}
		dialector = sqlite.Open(dsn)
	case "postgres":
		dialector = postgres.New(postgres.Config{
			DSN:                  cfg.DSN,
			PreferSimpleProtocol: true,
		})
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", cfg.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := db.AutoMigrate(&RoomModel{}); err != nil {
		return nil, fmt.Errorf("failed to migrate: %w", err)
	}
	log.Info().Str("module", "adapters.repo").Str("driver", cfg.Driver).Msg("database ready")
	return db, nil
}

// Gorm is the sql-backed room store.
type Gorm struct {
	db  *gorm.DB
	now core.Clock
}

func NewGorm(db *gorm.DB, now core.Clock) *Gorm {
	if now == nil {
		now = time.Now
	}
	return &Gorm{db: db, now: now}
}

func (r *Gorm) find(ctx context.Context, query func(*gorm.DB) *gorm.DB) ([]domain.RoomListing, error) {
	var models []RoomModel
	q := query(r.db.WithContext(ctx).Model(&RoomModel{}))
	if err := q.Order("id").Find(&models).Error; err != nil {
		log.Error().Str("module", "adapters.repo").Err(err).Msg("failed to query rooms")
		return nil, err
	}
	out := make([]domain.RoomListing, len(models))
	for i := range models {
		out[i] = models[i].ToDomain()
	}
	return out, nil
}

func all(db *gorm.DB) *gorm.DB { return db }

func (r *Gorm) FindAll(ctx context.Context) ([]domain.RoomListing, error) {
	return r.find(ctx, all)
}

func (r *Gorm) FindActive(ctx context.Context) ([]domain.RoomListing, error) {
	cutoff := r.now().Add(-domain.ActiveWindow).UTC()
	return r.find(ctx, func(db *gorm.DB) *gorm.DB {
		return db.Where("last_activity > ?", cutoff)
	})
}

func (r *Gorm) FindByID(ctx context.Context, id domain.RoomID) (domain.RoomListing, error) {
	var model RoomModel
	err := r.db.WithContext(ctx).First(&model, "id = ?", string(id)).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return domain.RoomListing{}, domain.ErrRoomNotFound
	}
	if err != nil {
		return domain.RoomListing{}, err
	}
	return model.ToDomain(), nil
}

func (r *Gorm) FindByGenre(ctx context.Context, genre string) ([]domain.RoomListing, error) {
	needle, _ := json.Marshal(strings.ToLower(strings.TrimSpace(genre)))
	return r.find(ctx, func(db *gorm.DB) *gorm.DB {
		return db.Where("genres LIKE ?", "%"+string(needle)+"%")
	})
}

func (r *Gorm) SearchByText(ctx context.Context, term string) ([]domain.RoomListing, error) {
	pattern := "%" + strings.ToLower(strings.TrimSpace(term)) + "%"
	return r.find(ctx, func(db *gorm.DB) *gorm.DB {
		return db.Where(
			"LOWER(name) LIKE ? OR LOWER(description) LIKE ? OR LOWER(owner_username) LIKE ? OR genres LIKE ?",
			pattern, pattern, pattern, pattern,
		)
	})
}

func (r *Gorm) FindAvailable(ctx context.Context) ([]domain.RoomListing, error) {
	return r.find(ctx, func(db *gorm.DB) *gorm.DB {
		return db.Where("is_private = ? AND (max_members = 0 OR member_count < max_members)", false)
	})
}

func (r *Gorm) GetStatistics(ctx context.Context) (domain.LobbyStatistics, error) {
	rooms, err := r.FindAll(ctx)
	if err != nil {
		return domain.LobbyStatistics{}, err
	}
	return search.Statistics(rooms, r.now()), nil
}

// Refresh checks that the database is reachable.
func (r *Gorm) Refresh(ctx context.Context) error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (r *Gorm) ClearInactive(ctx context.Context, maxAge time.Duration) ([]domain.RoomListing, error) {
	cutoff := r.now().Add(-maxAge).UTC()
	var removed []domain.RoomListing
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var models []RoomModel
		if err := tx.Where("last_activity < ?", cutoff).Order("id").Find(&models).Error; err != nil {
			return err
		}
		if len(models) == 0 {
			return nil
		}
		ids := make([]string, len(models))
		for i := range models {
			ids[i] = models[i].ID
			removed = append(removed, models[i].ToDomain())
		}
		return tx.Where("id IN ?", ids).Delete(&RoomModel{}).Error
	})
	if err != nil {
		return nil, err
	}
	if len(removed) > 0 {
		log.Info().Str("module", "adapters.repo").Int("removed", len(removed)).Msg("cleared inactive rooms")
	}
	return removed, nil
}

// Project applies a lifecycle event produced elsewhere.
func (r *Gorm) Project(ctx context.Context, ev events.Lifecycle) error {
	id := string(ev.RoomID())
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var listing domain.RoomListing
		if _, created := ev.(events.RoomCreated); !created {
			var model RoomModel
			err := tx.First(&model, "id = ?", id).Error
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return domain.ErrRoomNotFound
			}
			if err != nil {
				return err
			}
			listing = model.ToDomain()
		}
		keep, err := project(&listing, ev, ev.OccurredOn())
		if err != nil {
			return err
		}
		if !keep {
			return tx.Delete(&RoomModel{}, "id = ?", id).Error
		}
		return tx.Save(RoomToModel(listing)).Error
	})
}
