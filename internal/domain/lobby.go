package domain

import "time"

// SearchResult is one page of a filtered, sorted lobby query.
type SearchResult struct {
	Items      []RoomListing `json:"rooms"`
	TotalCount int           `json:"totalCount"`
	HasMore    bool          `json:"hasMore"`
	NextOffset *int          `json:"nextOffset,omitempty"`
}

func (r SearchResult) Clone() SearchResult {
	out := r
	out.Items = CloneListings(r.Items)
	if r.NextOffset != nil {
		n := *r.NextOffset
		out.NextOffset = &n
	}
	return out
}

type LobbyStatistics struct {
	TotalRooms        int            `json:"totalRooms"`
	ActiveRooms       int            `json:"activeRooms"`
	PublicRooms       int            `json:"publicRooms"`
	PrivateRooms      int            `json:"privateRooms"`
	AvailableRooms    int            `json:"availableRooms"`
	FullRooms         int            `json:"fullRooms"`
	TotalMembers      int            `json:"totalMembers"`
	AverageMembers    float64        `json:"averageMembers"`
	GenreDistribution map[string]int `json:"genreDistribution"`
	GeneratedAt       time.Time      `json:"generatedAt"`
}

func (s LobbyStatistics) Clone() LobbyStatistics {
	out := s
	if s.GenreDistribution != nil {
		out.GenreDistribution = make(map[string]int, len(s.GenreDistribution))
		for k, v := range s.GenreDistribution {
			out.GenreDistribution[k] = v
		}
	}
	return out
}

type GenreCount struct {
	Genre string `json:"genre"`
	Count int    `json:"count"`
}

// LobbyMetrics is the periodic lobby-wide usage summary.
type LobbyMetrics struct {
	AverageSearchTime time.Duration `json:"averageSearchTime"`
	SearchVolume      int           `json:"searchVolume"`
	TopGenres         []GenreCount  `json:"topGenres"`
	PeakConnections   int           `json:"peakConnections"`
	CollectedAt       time.Time     `json:"collectedAt"`
}

// RoomStatus is the lightweight liveness entry kept by the status tracker.
type RoomStatus struct {
	RoomID        RoomID    `json:"roomId"`
	IsActive      bool      `json:"isActive"`
	IsPrivate     bool      `json:"isPrivate"`
	MemberCount   int       `json:"memberCount"`
	ActivityScore float64   `json:"activityScore"`
	LastUpdated   time.Time `json:"lastUpdated"`
	UpdateCount   int       `json:"updateCount"`
}
