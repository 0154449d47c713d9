// Package search ranks, filters and paginates room listings.
//
// Everything here is a pure function of its arguments: callers hand in a
// snapshot and the current time, and receive fresh slices they own. The cache
// and the lobby service decide where snapshots come from.
package search

import (
	"cmp"
	"slices"
	"strings"
	"time"

	"github.com/dkeye/Lobby/internal/domain"
)

// FindRooms filters rooms by c, sorts them and returns the requested page.
// When userID is non-empty every returned room is one that user may join.
// TotalCount is the size of the filtered set before pagination.
func FindRooms(c domain.SearchCriteria, rooms []domain.RoomListing, userID domain.UserID, now time.Time) domain.SearchResult {
	f := newFilter(c, userID, now)
	matched := make([]domain.RoomListing, 0, len(rooms))
	for _, r := range rooms {
		if f.match(r) {
			matched = append(matched, r)
		}
	}

	sortRooms(matched, c, now)
	return paginate(matched, c.Offset(), c.Limit())
}

type filter struct {
	term     string
	genres   []string
	private  bool
	full     bool
	min, max int
	hasMin   bool
	hasMax   bool
	capacity []domain.CapacityStatus
	activity []domain.ActivityStatus
	userID   domain.UserID
	now      time.Time
}

func newFilter(c domain.SearchCriteria, userID domain.UserID, now time.Time) filter {
	f := filter{
		term:     strings.ToLower(c.SearchTerm()),
		genres:   c.Genres(),
		private:  c.IncludePrivate(),
		full:     c.IncludeFullRooms(),
		capacity: c.CapacityStatuses(),
		activity: c.ActivityStatuses(),
		userID:   userID,
		now:      now,
	}
	f.min, f.hasMin = c.MinMembers()
	f.max, f.hasMax = c.MaxMembers()
	return f
}

func (f filter) match(r domain.RoomListing) bool {
	if f.term != "" && !matchesText(r, f.term) {
		return false
	}
	if len(f.genres) > 0 && !slices.ContainsFunc(f.genres, r.HasGenre) {
		return false
	}
	if r.IsPrivate && !f.private {
		return false
	}
	if r.IsFull() && !f.full {
		return false
	}
	if f.hasMin && r.MemberCount < f.min {
		return false
	}
	if f.hasMax && r.MemberCount > f.max {
		return false
	}
	if len(f.capacity) > 0 && !slices.Contains(f.capacity, r.CapacityStatus()) {
		return false
	}
	if len(f.activity) > 0 && !slices.Contains(f.activity, r.ActivityStatus(f.now)) {
		return false
	}
	if f.userID != "" && !r.CanUserJoin(f.userID) {
		return false
	}
	return true
}

// matchesText expects term to be lower-cased already.
func matchesText(r domain.RoomListing, term string) bool {
	if strings.Contains(strings.ToLower(r.Name), term) ||
		strings.Contains(strings.ToLower(r.OwnerUsername), term) ||
		strings.Contains(strings.ToLower(r.Description), term) {
		return true
	}
	for _, g := range r.Genres {
		if strings.Contains(strings.ToLower(g), term) {
			return true
		}
	}
	return false
}

func sortRooms(rooms []domain.RoomListing, c domain.SearchCriteria, now time.Time) {
	by := c.SortBy()
	if by == domain.SortByRelevance && !c.HasSearchTerm() {
		by = domain.SortByLastActivity
	}

	var compare func(a, b domain.RoomListing) int
	switch by {
	case domain.SortByName:
		compare = func(a, b domain.RoomListing) int {
			return cmp.Or(
				cmp.Compare(strings.ToLower(a.Name), strings.ToLower(b.Name)),
				cmp.Compare(a.Name, b.Name),
			)
		}
	case domain.SortByMemberCount:
		compare = func(a, b domain.RoomListing) int { return cmp.Compare(a.MemberCount, b.MemberCount) }
	case domain.SortByCreatedAt:
		compare = func(a, b domain.RoomListing) int { return a.CreatedAt.Compare(b.CreatedAt) }
	case domain.SortByRelevance:
		term := c.SearchTerm()
		scores := make(map[domain.RoomID]int, len(rooms))
		for _, r := range rooms {
			scores[r.ID] = RelevanceScore(r, term, now)
		}
		compare = func(a, b domain.RoomListing) int {
			return cmp.Or(
				cmp.Compare(scores[a.ID], scores[b.ID]),
				cmp.Compare(a.MemberCount, b.MemberCount),
				a.LastActivity.Compare(b.LastActivity),
			)
		}
	default:
		compare = func(a, b domain.RoomListing) int { return a.LastActivity.Compare(b.LastActivity) }
	}

	desc := c.SortOrder() == domain.SortDesc
	slices.SortStableFunc(rooms, func(a, b domain.RoomListing) int {
		n := compare(a, b)
		if desc {
			n = -n
		}
		// id keeps equal rooms in a stable order across snapshots
		return cmp.Or(n, cmp.Compare(a.ID, b.ID))
	})
}

func paginate(rooms []domain.RoomListing, offset, limit int) domain.SearchResult {
	total := len(rooms)
	start := min(offset, total)
	end := min(offset+limit, total)

	res := domain.SearchResult{
		Items:      domain.CloneListings(rooms[start:end]),
		TotalCount: total,
		HasMore:    offset+limit < total,
	}
	if res.HasMore {
		next := offset + limit
		res.NextOffset = &next
	}
	return res
}
