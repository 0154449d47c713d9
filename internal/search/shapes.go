package search

import (
	"cmp"
	"slices"
	"strings"
	"time"

	"github.com/dkeye/Lobby/internal/domain"
)

// DefaultShapeLimit is used by the dedicated read shapes when no limit is given.
const DefaultShapeLimit = 10

func shapeLimit(limit int) int {
	if limit <= 0 {
		return DefaultShapeLimit
	}
	return min(limit, domain.MaxLimit)
}

// eligible reports whether r can be offered as a room to join. Without a user
// only public rooms with a free seat qualify.
func eligible(r domain.RoomListing, userID domain.UserID) bool {
	if userID == "" {
		return !r.IsPrivate && !r.IsFull()
	}
	return r.CanUserJoin(userID)
}

func byMembersThenActivity(a, b domain.RoomListing) int {
	return cmp.Or(
		cmp.Compare(b.MemberCount, a.MemberCount),
		b.LastActivity.Compare(a.LastActivity),
		cmp.Compare(a.ID, b.ID),
	)
}

func take(rooms []domain.RoomListing, limit int) []domain.RoomListing {
	if len(rooms) > limit {
		rooms = rooms[:limit]
	}
	return domain.CloneListings(rooms)
}

// Recommended returns active rooms userID can join. With preferred genres they
// are ranked by how many genres overlap, otherwise by recent activity.
func Recommended(rooms []domain.RoomListing, userID domain.UserID, genres []string, limit int, now time.Time) []domain.RoomListing {
	prefs := make([]string, 0, len(genres))
	for _, g := range genres {
		if g = strings.TrimSpace(g); g != "" {
			prefs = append(prefs, g)
		}
	}

	overlap := make(map[domain.RoomID]int)
	out := make([]domain.RoomListing, 0, len(rooms))
	for _, r := range rooms {
		if !eligible(r, userID) || r.ActivityStatus(now) != domain.ActivityActive {
			continue
		}
		n := 0
		for _, g := range prefs {
			if r.HasGenre(g) {
				n++
			}
		}
		overlap[r.ID] = n
		out = append(out, r)
	}

	slices.SortStableFunc(out, func(a, b domain.RoomListing) int {
		return cmp.Or(
			cmp.Compare(overlap[b.ID], overlap[a.ID]),
			b.LastActivity.Compare(a.LastActivity),
			cmp.Compare(a.ID, b.ID),
		)
	})
	return take(out, shapeLimit(limit))
}

// Popular returns active rooms with at least one member, busiest first.
func Popular(rooms []domain.RoomListing, limit int, now time.Time) []domain.RoomListing {
	out := make([]domain.RoomListing, 0, len(rooms))
	for _, r := range rooms {
		if r.MemberCount == 0 || r.ActivityStatus(now) != domain.ActivityActive {
			continue
		}
		out = append(out, r)
	}
	slices.SortStableFunc(out, byMembersThenActivity)
	return take(out, shapeLimit(limit))
}

// ByGenre returns active rooms tagged with genre that userID may join,
// busiest first.
func ByGenre(rooms []domain.RoomListing, genre string, userID domain.UserID, limit int, now time.Time) []domain.RoomListing {
	genre = strings.TrimSpace(genre)
	if genre == "" {
		return []domain.RoomListing{}
	}

	out := make([]domain.RoomListing, 0, len(rooms))
	for _, r := range rooms {
		if !r.HasGenre(genre) || !eligible(r, userID) || r.ActivityStatus(now) != domain.ActivityActive {
			continue
		}
		out = append(out, r)
	}

	slices.SortStableFunc(out, byMembersThenActivity)
	return take(out, shapeLimit(limit))
}

// Available returns rooms userID can join right now that are not inactive.
func Available(rooms []domain.RoomListing, userID domain.UserID, limit int, now time.Time) []domain.RoomListing {
	out := make([]domain.RoomListing, 0, len(rooms))
	for _, r := range rooms {
		if !eligible(r, userID) || r.ActivityStatus(now) == domain.ActivityInactive {
			continue
		}
		out = append(out, r)
	}
	slices.SortStableFunc(out, byMembersThenActivity)
	return take(out, shapeLimit(limit))
}

// Statistics summarizes a snapshot. The repository usually provides these
// numbers; this is the local fallback.
func Statistics(rooms []domain.RoomListing, now time.Time) domain.LobbyStatistics {
	s := domain.LobbyStatistics{
		GenreDistribution: make(map[string]int),
		GeneratedAt:       now,
	}
	for _, r := range rooms {
		s.TotalRooms++
		s.TotalMembers += r.MemberCount
		if r.IsPrivate {
			s.PrivateRooms++
		} else {
			s.PublicRooms++
		}
		if r.IsFull() {
			s.FullRooms++
		} else {
			s.AvailableRooms++
		}
		if r.ActivityStatus(now) == domain.ActivityActive {
			s.ActiveRooms++
		}
		for _, g := range r.Genres {
			s.GenreDistribution[strings.ToLower(g)]++
		}
	}
	if s.TotalRooms > 0 {
		s.AverageMembers = float64(s.TotalMembers) / float64(s.TotalRooms)
	}
	return s
}

// TopGenres returns the n most common genres, ties broken alphabetically.
func TopGenres(distribution map[string]int, n int) []domain.GenreCount {
	out := make([]domain.GenreCount, 0, len(distribution))
	for g, c := range distribution {
		out = append(out, domain.GenreCount{Genre: g, Count: c})
	}
	slices.SortFunc(out, func(a, b domain.GenreCount) int {
		return cmp.Or(cmp.Compare(b.Count, a.Count), cmp.Compare(a.Genre, b.Genre))
	})
	if n > 0 && len(out) > n {
		out = out[:n]
	}
	return out
}
