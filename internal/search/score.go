package search

import (
	"strings"
	"time"

	"github.com/dkeye/Lobby/internal/domain"
)

const (
	nameExact    = 100
	namePrefix   = 50
	nameContains = 25

	ownerExact    = 30
	ownerContains = 15

	genreExact    = 20
	genreContains = 10

	descriptionContains = 5

	activeBonus    = 10
	memberWeight   = 2
	maxMemberBonus = 10
)

// RelevanceScore rates how well r matches term. Every rule that matches adds
// to the score, so an exact name also counts as a prefix and a substring.
// Active rooms and rooms with members get a bonus.
func RelevanceScore(r domain.RoomListing, term string, now time.Time) int {
	term = strings.ToLower(strings.TrimSpace(term))
	score := 0

	if term != "" {
		name := strings.ToLower(r.Name)
		if name == term {
			score += nameExact
		}
		if strings.HasPrefix(name, term) {
			score += namePrefix
		}
		if strings.Contains(name, term) {
			score += nameContains
		}

		owner := strings.ToLower(r.OwnerUsername)
		if owner == term {
			score += ownerExact
		}
		if strings.Contains(owner, term) {
			score += ownerContains
		}

		for _, g := range r.Genres {
			g = strings.ToLower(g)
			if g == term {
				score += genreExact
			}
			if strings.Contains(g, term) {
				score += genreContains
			}
		}

		if strings.Contains(strings.ToLower(r.Description), term) {
			score += descriptionContains
		}
	}

	if r.ActivityStatus(now) == domain.ActivityActive {
		score += activeBonus
	}
	score += min(r.MemberCount*memberWeight, maxMemberBonus)
	return score
}
