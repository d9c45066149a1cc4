package notes

import (
	"sort"
	"strings"
	"time"
)

const (
	LocalIDPrefix = "local_"
	isoLayout     = "2006-01-02T15:04:05.000Z"
)

type ConflictResolution string

const (
	ResolutionLocal  ConflictResolution = "local"
	ResolutionRemote ConflictResolution = "remote"
	ResolutionManual ConflictResolution = "manual"
)

type Location struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Address   string  `json:"address,omitempty"`
}

type Note struct {
	ID                 string             `json:"id"`
	Title              string             `json:"title"`
	Content            string             `json:"content"`
	Tags               []string           `json:"tags"`
	IsFavorite         bool               `json:"isFavorite"`
	IsPublic           bool               `json:"isPublic,omitempty"`
	Photos             []string           `json:"photos,omitempty"`
	Location           *Location          `json:"location,omitempty"`
	CreatedAt          string             `json:"createdAt"`
	UpdatedAt          string             `json:"updatedAt"`
	UserID             string             `json:"userId"`
	IsLocalOnly        bool               `json:"isLocalOnly,omitempty"`
	NeedsSync          bool               `json:"needsSync,omitempty"`
	ConflictResolution ConflictResolution `json:"conflictResolution,omitempty"`
}

// IsLocalID reports whether id was generated on this device and has not
// been replaced by a server id.
func IsLocalID(id string) bool {
	return strings.HasPrefix(id, LocalIDPrefix)
}

type NoteInput struct {
	Title      string    `json:"title"`
	Content    string    `json:"content"`
	Tags       []string  `json:"tags"`
	IsFavorite bool      `json:"isFavorite"`
	IsPublic   bool      `json:"isPublic,omitempty"`
	Photos     []string  `json:"photos,omitempty"`
	Location   *Location `json:"location,omitempty"`
}

func (n Note) Input() NoteInput {
	return NoteInput{
		Title:      n.Title,
		Content:    n.Content,
		Tags:       n.Tags,
		IsFavorite: n.IsFavorite,
		IsPublic:   n.IsPublic,
		Photos:     n.Photos,
		Location:   n.Location,
	}
}

// NoteUpdate is a partial update; nil fields are left unchanged.
type NoteUpdate struct {
	Title      *string   `json:"title,omitempty"`
	Content    *string   `json:"content,omitempty"`
	Tags       *[]string `json:"tags,omitempty"`
	IsFavorite *bool     `json:"isFavorite,omitempty"`
	IsPublic   *bool     `json:"isPublic,omitempty"`
	Photos     *[]string `json:"photos,omitempty"`
	Location   *Location `json:"location,omitempty"`
}

func (u NoteUpdate) Apply(n Note) Note {
	if u.Title != nil {
		n.Title = *u.Title
	}
	if u.Content != nil {
		n.Content = *u.Content
	}
	if u.Tags != nil {
		n.Tags = append([]string(nil), (*u.Tags)...)
	}
	if u.IsFavorite != nil {
		n.IsFavorite = *u.IsFavorite
	}
	if u.IsPublic != nil {
		n.IsPublic = *u.IsPublic
	}
	if u.Photos != nil {
		n.Photos = append([]string(nil), (*u.Photos)...)
	}
	if u.Location != nil {
		loc := *u.Location
		n.Location = &loc
	}
	return n
}

const (
	SortByUpdatedAt = "updatedAt"
	SortByCreatedAt = "createdAt"
	SortByTitle     = "title"
)

type Filter struct {
	Tags     []string `json:"tags,omitempty"`
	Favorite *bool    `json:"favorite,omitempty"`
	Search   string   `json:"search,omitempty"`
	SortBy   string   `json:"sortBy,omitempty"`
	Limit    int      `json:"limit,omitempty"`
	Offset   int      `json:"offset,omitempty"`
}

type Source string

const (
	SourceRemote Source = "remote"
	SourceCache  Source = "cache"
	SourceLocal  Source = "local"
)

type Page struct {
	Notes   []Note `json:"notes"`
	Total   int    `json:"total"`
	HasMore bool   `json:"hasMore"`
	Source  Source `json:"source,omitempty"`
}

type FeedOptions struct {
	Limit  int    `json:"limit,omitempty"`
	Offset int    `json:"offset,omitempty"`
	Sort   string `json:"sort,omitempty"`
}

type Like struct {
	UserID    string `json:"userId"`
	CreatedAt string `json:"createdAt,omitempty"`
}

type LikeResult struct {
	Liked     bool `json:"liked"`
	LikeCount int  `json:"likeCount"`
}

// matches reports whether n satisfies every criterion in f except paging.
func (f Filter) matches(n Note) bool {
	if f.Favorite != nil && n.IsFavorite != *f.Favorite {
		return false
	}
	for _, want := range f.Tags {
		found := false
		for _, tag := range n.Tags {
			if strings.EqualFold(tag, want) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if q := strings.ToLower(strings.TrimSpace(f.Search)); q != "" {
		if !strings.Contains(strings.ToLower(n.Title), q) && !strings.Contains(strings.ToLower(n.Content), q) {
			return false
		}
	}
	return true
}

// apply filters, sorts and pages notes the way the server would.
func (f Filter) apply(all []Note) Page {
	matched := make([]Note, 0, len(all))
	for _, n := range all {
		if f.matches(n) {
			matched = append(matched, n)
		}
	}
	switch f.SortBy {
	case SortByTitle:
		sort.SliceStable(matched, func(i, j int) bool {
			return strings.ToLower(matched[i].Title) < strings.ToLower(matched[j].Title)
		})
	case SortByCreatedAt:
		sort.SliceStable(matched, func(i, j int) bool {
			return newer(matched[i].CreatedAt, matched[j].CreatedAt)
		})
	default:
		sort.SliceStable(matched, func(i, j int) bool {
			return newer(matched[i].UpdatedAt, matched[j].UpdatedAt)
		})
	}
	total := len(matched)
	start := min(max(f.Offset, 0), total)
	end := total
	if f.Limit > 0 {
		end = min(start+f.Limit, total)
	}
	return Page{
		Notes:   matched[start:end],
		Total:   total,
		HasMore: end < total,
	}
}

func parseTime(value string) time.Time {
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return time.Time{}
	}
	return t
}

// newer reports whether timestamp a is strictly later than b.
func newer(a, b string) bool {
	return parseTime(a).After(parseTime(b))
}

func formatTime(t time.Time) string {
	return t.UTC().Format(isoLayout)
}
