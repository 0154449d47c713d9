package repo

import (
	"context"
	"errors"
	"testing"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/dkeye/Lobby/internal/core"
	"github.com/dkeye/Lobby/internal/domain"
	"github.com/dkeye/Lobby/internal/events"
)

type store interface {
	core.RoomRepository
	Project(ctx context.Context, ev events.Lifecycle) error
}

var base = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

func clock() time.Time { return base }

func newSQLite(t *testing.T) *Gorm {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		t.Fatal(err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatal(err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	if err := db.AutoMigrate(&RoomModel{}); err != nil {
		t.Fatal(err)
	}
	return NewGorm(db, clock)
}

func stores(t *testing.T) map[string]store {
	return map[string]store{
		"memory": NewMemory(WithMemoryClock(clock)),
		"sqlite": newSQLite(t),
	}
}

func created(id string, members, max int, private bool, lastActivity time.Time, genres ...string) events.RoomCreated {
	return events.NewRoomCreated(domain.RoomListing{
		ID:            domain.RoomID(id),
		Name:          "Room " + id,
		OwnerID:       domain.UserID("owner-" + id),
		OwnerUsername: "owner" + id,
		MemberCount:   members,
		MaxMembers:    max,
		Genres:        genres,
		IsPrivate:     private,
		CreatedAt:     lastActivity,
		LastActivity:  lastActivity,
	})
}

func seed(t *testing.T, s store) {
	t.Helper()
	ctx := context.Background()
	for _, ev := range []events.RoomCreated{
		created("a", 2, 4, false, base, "jazz"),
		created("b", 4, 4, false, base.Add(-time.Minute), "rock", "blues"),
		created("c", 1, 4, true, base.Add(-time.Hour), "jazz"),
	} {
		if err := s.Project(ctx, ev); err != nil {
			t.Fatal(err)
		}
	}
}

func roomIDs(rooms []domain.RoomListing) []domain.RoomID {
	out := make([]domain.RoomID, len(rooms))
	for i, r := range rooms {
		out[i] = r.ID
	}
	return out
}

func equalIDs(got []domain.RoomListing, want ...domain.RoomID) bool {
	ids := roomIDs(got)
	if len(ids) != len(want) {
		return false
	}
	for i := range ids {
		if ids[i] != want[i] {
			return false
		}
	}
	return true
}

func TestRepositoryQueries(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			seed(t, s)
			ctx := context.Background()

			all, err := s.FindAll(ctx)
			if err != nil || !equalIDs(all, "a", "b", "c") {
				t.Fatalf("FindAll = %v, %v", roomIDs(all), err)
			}
			active, _ := s.FindActive(ctx)
			if !equalIDs(active, "a", "b") {
				t.Errorf("FindActive = %v", roomIDs(active))
			}
			jazz, _ := s.FindByGenre(ctx, "Jazz")
			if !equalIDs(jazz, "a", "c") {
				t.Errorf("FindByGenre = %v", roomIDs(jazz))
			}
			text, _ := s.SearchByText(ctx, "blues")
			if !equalIDs(text, "b") {
				t.Errorf("SearchByText = %v", roomIDs(text))
			}
			avail, _ := s.FindAvailable(ctx)
			if !equalIDs(avail, "a") {
				t.Errorf("FindAvailable = %v", roomIDs(avail))
			}
			if _, err := s.FindByID(ctx, "zzz"); !errors.Is(err, domain.ErrRoomNotFound) {
				t.Errorf("FindByID(missing) = %v", err)
			}
			st, err := s.GetStatistics(ctx)
			if err != nil || st.TotalRooms != 3 || st.PrivateRooms != 1 || st.FullRooms != 1 {
				t.Errorf("GetStatistics = %+v, %v", st, err)
			}
			if err := s.Refresh(ctx); err != nil {
				t.Errorf("Refresh = %v", err)
			}
		})
	}
}

func TestRepositoryProjection(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			seed(t, s)
			ctx := context.Background()

			steps := []events.Lifecycle{
				events.NewMemberJoined("a", "u9", "nine", 3),
				events.NewOwnershipTransferred("a", "owner-a", "u9", "nine"),
				events.NewRoomSettingsUpdated("a", map[string]any{"name": "Renamed", "maxMembers": float64(6), "genres": []any{"funk"}}),
			}
			for _, ev := range steps {
				if err := s.Project(ctx, ev); err != nil {
					t.Fatalf("Project(%s) = %v", ev.EventType(), err)
				}
			}
			r, err := s.FindByID(ctx, "a")
			if err != nil {
				t.Fatal(err)
			}
			if r.MemberCount != 3 || r.OwnerID != "u9" || r.Name != "Renamed" || r.MaxMembers != 6 || !r.HasGenre("funk") {
				t.Fatalf("projected room = %+v", r)
			}

			if err := s.Project(ctx, events.NewRoomClosed("a", "done")); err != nil {
				t.Fatal(err)
			}
			if _, err := s.FindByID(ctx, "a"); !errors.Is(err, domain.ErrRoomNotFound) {
				t.Fatalf("closed room still present: %v", err)
			}
			if err := s.Project(ctx, events.NewMemberLeft("a", "u9", 0)); !errors.Is(err, domain.ErrRoomNotFound) {
				t.Fatalf("event for missing room = %v", err)
			}
			err = s.Project(ctx, events.NewRoomSettingsUpdated("b", map[string]any{"color": "red"}))
			if !errors.Is(err, ErrUnknownChange) {
				t.Fatalf("unknown change = %v", err)
			}
		})
	}
}

func TestRepositoryClearInactive(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			seed(t, s)
			ctx := context.Background()

			removed, err := s.ClearInactive(ctx, 30*time.Minute)
			if err != nil || !equalIDs(removed, "c") {
				t.Fatalf("ClearInactive = %v, %v", roomIDs(removed), err)
			}
			all, _ := s.FindAll(ctx)
			if !equalIDs(all, "a", "b") {
				t.Fatalf("remaining = %v", roomIDs(all))
			}
		})
	}
}

func TestMemoryMutationsReturnEvents(t *testing.T) {
	m := NewMemory(WithMemoryClock(clock))
	ctx := context.Background()

	if _, err := m.Create(ctx, CreateRoom{Name: " "}); !errors.Is(err, ErrInvalidRoom) {
		t.Fatalf("Create(blank) = %v", err)
	}
	ev, err := m.Create(ctx, CreateRoom{Name: "Duo", OwnerID: "o", OwnerUsername: "owner", MaxMembers: 2, Genres: []string{"folk"}})
	if err != nil {
		t.Fatal(err)
	}
	id := ev.RoomID()
	if ev.Room.MemberCount != 1 {
		t.Fatalf("owner not counted: %+v", ev.Room)
	}

	joined, err := m.Join(ctx, id, "u1", "one")
	if err != nil || joined.MemberCount != 2 {
		t.Fatalf("Join = %+v, %v", joined, err)
	}
	if again, _ := m.Join(ctx, id, "u1", "one"); again.MemberCount != 2 {
		t.Fatalf("rejoin changed count to %d", again.MemberCount)
	}
	if _, err := m.Join(ctx, id, "u2", "two"); !errors.Is(err, ErrRoomFull) {
		t.Fatalf("Join(full) = %v", err)
	}

	left, err := m.Leave(ctx, id, "u1")
	if err != nil || left.MemberCount != 1 {
		t.Fatalf("Leave = %+v, %v", left, err)
	}
	upd, err := m.Update(ctx, id, map[string]any{"isPrivate": true})
	if err != nil || upd.Changes["isPrivate"] != true {
		t.Fatalf("Update = %+v, %v", upd, err)
	}
	tr, err := m.TransferOwnership(ctx, id, "u3", "three")
	if err != nil || tr.PreviousOwnerID != "o" || tr.NewOwnerID != "u3" {
		t.Fatalf("TransferOwnership = %+v, %v", tr, err)
	}
	if _, err := m.Close(ctx, id, "bye"); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Close(ctx, id, "bye"); !errors.Is(err, domain.ErrRoomNotFound) {
		t.Fatalf("double close = %v", err)
	}
}
