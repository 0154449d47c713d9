package domain

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/goccy/go-json"
)

type SortField string

const (
	SortByName         SortField = "name"
	SortByMemberCount  SortField = "memberCount"
	SortByCreatedAt    SortField = "createdAt"
	SortByLastActivity SortField = "lastActivity"
	SortByRelevance    SortField = "relevance"
)

type SortOrder string

const (
	SortAsc  SortOrder = "asc"
	SortDesc SortOrder = "desc"
)

const (
	MaxSearchTermLen = 100
	MaxGenres        = 10
	DefaultLimit     = 50
	MaxLimit         = 100
)

var ErrInvalidCriteria = errors.New("invalid search criteria")

// ValidationError names the offending criteria field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid search criteria: %s %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool { return target == ErrInvalidCriteria }

// CriteriaParams is the raw, unvalidated shape of a query as it arrives from a client.
type CriteriaParams struct {
	SearchTerm       string           `json:"searchTerm,omitempty"`
	Genres           []string         `json:"genres,omitempty"`
	IncludePrivate   bool             `json:"includePrivate,omitempty"`
	IncludeFullRooms bool             `json:"includeFullRooms,omitempty"`
	MinMembers       *int             `json:"minMembers,omitempty"`
	MaxMembers       *int             `json:"maxMembers,omitempty"`
	CapacityStatus   []CapacityStatus `json:"capacityStatus,omitempty"`
	ActivityStatus   []ActivityStatus `json:"activityStatus,omitempty"`
	SortBy           SortField        `json:"sortBy,omitempty"`
	SortOrder        SortOrder        `json:"sortOrder,omitempty"`
	Limit            int              `json:"limit,omitempty"`
	Offset           int              `json:"offset,omitempty"`
}

// SearchCriteria is an immutable, validated lobby query.
// Genres and status lists are normalized at construction so equal queries
// always carry equal fields and therefore equal cache keys.
type SearchCriteria struct {
	term             string
	genres           []string
	includePrivate   bool
	includeFullRooms bool
	minMembers       *int
	maxMembers       *int
	capacity         []CapacityStatus
	activity         []ActivityStatus
	sortBy           SortField
	sortOrder        SortOrder
	limit            int
	offset           int
}

// NewSearchCriteria validates p and rejects anything out of range.
func NewSearchCriteria(p CriteriaParams) (SearchCriteria, error) {
	return build(p, false)
}

// CriteriaFromQuery is used for inbound client queries: an oversized limit is
// clamped to MaxLimit instead of rejected. Every other rule still applies.
func CriteriaFromQuery(p CriteriaParams) (SearchCriteria, error) {
	return build(p, true)
}

func ForTextSearch(term string) SearchCriteria {
	c, err := NewSearchCriteria(CriteriaParams{
		SearchTerm: term,
		SortBy:     SortByRelevance,
		SortOrder:  SortDesc,
	})
	if err != nil {
		return DefaultCriteria()
	}
	return c
}

func ForGenre(genre string) SearchCriteria {
	c, err := NewSearchCriteria(CriteriaParams{
		Genres:    []string{genre},
		SortBy:    SortByMemberCount,
		SortOrder: SortDesc,
	})
	if err != nil {
		return DefaultCriteria()
	}
	return c
}

func DefaultCriteria() SearchCriteria {
	return SearchCriteria{
		sortBy:    SortByLastActivity,
		sortOrder: SortDesc,
		limit:     DefaultLimit,
	}
}

func build(p CriteriaParams, clampLimit bool) (SearchCriteria, error) {
	term := strings.TrimSpace(p.SearchTerm)
	if len([]rune(term)) > MaxSearchTermLen {
		return SearchCriteria{}, &ValidationError{Field: "searchTerm", Reason: fmt.Sprintf("exceeds %d characters", MaxSearchTermLen)}
	}

	genres := normalizeGenres(p.Genres)
	if len(genres) > MaxGenres {
		return SearchCriteria{}, &ValidationError{Field: "genres", Reason: fmt.Sprintf("exceeds %d entries", MaxGenres)}
	}

	if p.MinMembers != nil && *p.MinMembers < 0 {
		return SearchCriteria{}, &ValidationError{Field: "minMembers", Reason: "must be >= 0"}
	}
	if p.MaxMembers != nil && *p.MaxMembers < 1 {
		return SearchCriteria{}, &ValidationError{Field: "maxMembers", Reason: "must be >= 1"}
	}
	if p.MinMembers != nil && p.MaxMembers != nil && *p.MinMembers > *p.MaxMembers {
		return SearchCriteria{}, &ValidationError{Field: "minMembers", Reason: "must be <= maxMembers"}
	}

	capacity, err := normalizeCapacity(p.CapacityStatus)
	if err != nil {
		return SearchCriteria{}, err
	}
	activity, err := normalizeActivity(p.ActivityStatus)
	if err != nil {
		return SearchCriteria{}, err
	}

	sortBy := p.SortBy
	switch sortBy {
	case "":
		sortBy = SortByLastActivity
	case SortByName, SortByMemberCount, SortByCreatedAt, SortByLastActivity, SortByRelevance:
	default:
		return SearchCriteria{}, &ValidationError{Field: "sortBy", Reason: fmt.Sprintf("unknown field %q", p.SortBy)}
	}
	sortOrder := p.SortOrder
	switch sortOrder {
	case "":
		sortOrder = SortDesc
	case SortAsc, SortDesc:
	default:
		return SearchCriteria{}, &ValidationError{Field: "sortOrder", Reason: fmt.Sprintf("unknown order %q", p.SortOrder)}
	}

	limit := p.Limit
	switch {
	case limit == 0:
		limit = DefaultLimit
	case limit < 0:
		return SearchCriteria{}, &ValidationError{Field: "limit", Reason: "must be >= 1"}
	case limit > MaxLimit && clampLimit:
		limit = MaxLimit
	case limit > MaxLimit:
		return SearchCriteria{}, &ValidationError{Field: "limit", Reason: fmt.Sprintf("must be <= %d", MaxLimit)}
	}
	if p.Offset < 0 {
		return SearchCriteria{}, &ValidationError{Field: "offset", Reason: "must be >= 0"}
	}

	return SearchCriteria{
		term:             term,
		genres:           genres,
		includePrivate:   p.IncludePrivate,
		includeFullRooms: p.IncludeFullRooms,
		minMembers:       copyInt(p.MinMembers),
		maxMembers:       copyInt(p.MaxMembers),
		capacity:         capacity,
		activity:         activity,
		sortBy:           sortBy,
		sortOrder:        sortOrder,
		limit:            limit,
		offset:           p.Offset,
	}, nil
}

func normalizeGenres(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	out := make([]string, 0, len(in))
	for _, g := range in {
		g = strings.ToLower(strings.TrimSpace(g))
		if g != "" {
			out = append(out, g)
		}
	}
	if len(out) == 0 {
		return nil
	}
	slices.Sort(out)
	return slices.Compact(out)
}

func normalizeCapacity(in []CapacityStatus) ([]CapacityStatus, error) {
	if len(in) == 0 {
		return nil, nil
	}
	out := slices.Clone(in)
	for _, s := range out {
		switch s {
		case CapacityAvailable, CapacityNearlyFull, CapacityFull:
		default:
			return nil, &ValidationError{Field: "capacityStatus", Reason: fmt.Sprintf("unknown status %q", s)}
		}
	}
	slices.Sort(out)
	return slices.Compact(out), nil
}

func normalizeActivity(in []ActivityStatus) ([]ActivityStatus, error) {
	if len(in) == 0 {
		return nil, nil
	}
	out := slices.Clone(in)
	for _, s := range out {
		switch s {
		case ActivityActive, ActivityIdle, ActivityInactive:
		default:
			return nil, &ValidationError{Field: "activityStatus", Reason: fmt.Sprintf("unknown status %q", s)}
		}
	}
	slices.Sort(out)
	return slices.Compact(out), nil
}

func copyInt(p *int) *int {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func (c SearchCriteria) SearchTerm() string                 { return c.term }
func (c SearchCriteria) HasSearchTerm() bool                { return c.term != "" }
func (c SearchCriteria) Genres() []string                   { return slices.Clone(c.genres) }
func (c SearchCriteria) IncludePrivate() bool               { return c.includePrivate }
func (c SearchCriteria) IncludeFullRooms() bool             { return c.includeFullRooms }
func (c SearchCriteria) MinMembers() (int, bool)            { return derefInt(c.minMembers) }
func (c SearchCriteria) MaxMembers() (int, bool)            { return derefInt(c.maxMembers) }
func (c SearchCriteria) CapacityStatuses() []CapacityStatus { return slices.Clone(c.capacity) }
func (c SearchCriteria) ActivityStatuses() []ActivityStatus { return slices.Clone(c.activity) }
func (c SearchCriteria) SortBy() SortField                  { return c.sortBy }
func (c SearchCriteria) SortOrder() SortOrder               { return c.sortOrder }
func (c SearchCriteria) Limit() int                         { return c.limit }
func (c SearchCriteria) Offset() int                        { return c.offset }

func derefInt(p *int) (int, bool) {
	if p == nil {
		return 0, false
	}
	return *p, true
}

// Params returns the criteria as plain parameters.
func (c SearchCriteria) Params() CriteriaParams {
	return CriteriaParams{
		SearchTerm:       c.term,
		Genres:           slices.Clone(c.genres),
		IncludePrivate:   c.includePrivate,
		IncludeFullRooms: c.includeFullRooms,
		MinMembers:       copyInt(c.minMembers),
		MaxMembers:       copyInt(c.maxMembers),
		CapacityStatus:   slices.Clone(c.capacity),
		ActivityStatus:   slices.Clone(c.activity),
		SortBy:           c.sortBy,
		SortOrder:        c.sortOrder,
		Limit:            c.limit,
		Offset:           c.offset,
	}
}

// keyShape keeps every field, including zero values, so no two distinct
// criteria serialize the same way.
type keyShape struct {
	Term     string           `json:"t"`
	Genres   []string         `json:"g"`
	Private  bool             `json:"p"`
	Full     bool             `json:"f"`
	Min      *int             `json:"mn"`
	Max      *int             `json:"mx"`
	Capacity []CapacityStatus `json:"cs"`
	Activity []ActivityStatus `json:"as"`
	SortBy   SortField        `json:"sb"`
	Order    SortOrder        `json:"so"`
	Limit    int              `json:"l"`
	Offset   int              `json:"o"`
}

// CacheKey returns the deterministic key used by the search-result cache tier.
func (c SearchCriteria) CacheKey() string {
	data, err := json.Marshal(keyShape{
		Term:     c.term,
		Genres:   c.genres,
		Private:  c.includePrivate,
		Full:     c.includeFullRooms,
		Min:      c.minMembers,
		Max:      c.maxMembers,
		Capacity: c.capacity,
		Activity: c.activity,
		SortBy:   c.sortBy,
		Order:    c.sortOrder,
		Limit:    c.limit,
		Offset:   c.offset,
	})
	if err != nil {
		return fmt.Sprintf("search:%v", c.Params())
	}
	hash := sha256.Sum256(data)
	return fmt.Sprintf("search:%x", hash[:16])
}
