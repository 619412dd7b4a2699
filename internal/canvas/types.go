package canvas

import (
	"bytes"
	"encoding/json"
	"strconv"
)

// ID is a Canvas object id. The API sends numbers, but some proxies and
// older endpoints send strings; both decode to the same key.
type ID string

func (id *ID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*id = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*id = ID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*id = ID(n.String())
	return nil
}

func (id ID) String() string { return string(id) }

// Course is an entry of GET /api/v1/courses.
type Course struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// Attachment is a file attached to an announcement.
type Attachment struct {
	DisplayName string `json:"display_name"`
	URL         string `json:"url"`
}

type Author struct {
	DisplayName string `json:"display_name"`
}

// Announcement is a discussion topic returned with only_announcements=true.
type Announcement struct {
	ID          ID           `json:"id"`
	Title       string       `json:"title"`
	Message     string       `json:"message"`
	PostedAt    string       `json:"posted_at"`
	CreatedAt   string       `json:"created_at"`
	HTMLURL     string       `json:"html_url"`
	UserName    string       `json:"user_name"`
	Author      *Author      `json:"author,omitempty"`
	Attachments []Attachment `json:"attachments"`
}

// Key is the seen-set key for a.
func (a Announcement) Key() string { return a.ID.String() }

// EffectiveTimestamp is posted_at, else created_at, else "".
func (a Announcement) EffectiveTimestamp() string {
	if a.PostedAt != "" {
		return a.PostedAt
	}
	return a.CreatedAt
}

// AuthorName prefers the author object's display name over user_name.
func (a Announcement) AuthorName() string {
	if a.Author != nil && a.Author.DisplayName != "" {
		return a.Author.DisplayName
	}
	return a.UserName
}

// PlaceholderName is the display name used when a course name can't be fetched.
func PlaceholderName(courseID int64) string {
	return "course_" + strconv.FormatInt(courseID, 10)
}
