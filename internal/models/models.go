package models

import "time"

type DownloadStatus string

const (
	StatusQueued      DownloadStatus = "queued"
	StatusDownloading DownloadStatus = "downloading"
	StatusPaused      DownloadStatus = "paused"
	StatusCompleted   DownloadStatus = "completed"
	StatusError       DownloadStatus = "error"
)

func (s DownloadStatus) String() string {
	return string(s)
}

func (s DownloadStatus) IsValid() bool {
	switch s {
	case StatusQueued, StatusDownloading, StatusPaused, StatusCompleted, StatusError:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether no engine event can move the download out of this state.
func (s DownloadStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusError
}

type MediaKind string

const (
	MediaMovie MediaKind = "movie"
	MediaShow  MediaKind = "show"
)

// MediaRef links a download to an external catalog item. It is display metadata only.
type MediaRef struct {
	Kind    MediaKind `json:"kind,omitempty"    gorm:"column:media_kind"`
	ID      string    `json:"id,omitempty"      gorm:"column:media_id"`
	Season  *int      `json:"season,omitempty"  gorm:"column:media_season"`
	Episode *int      `json:"episode,omitempty" gorm:"column:media_episode"`
}

type Download struct {
	ID              string         `json:"id"                gorm:"primaryKey;size:36"`
	Locator         string         `json:"locator"           gorm:"not null"`
	DisplayName     string         `json:"display_name"      gorm:"not null"`
	MediaRef        MediaRef       `json:"media_ref"         gorm:"embedded"`
	Status          DownloadStatus `json:"status"            gorm:"not null;index"`
	ProgressPercent int            `json:"progress_percent"  gorm:"not null;default:0"`
	DownloadedBytes int64          `json:"downloaded_bytes"  gorm:"not null;default:0"`
	TotalBytes      int64          `json:"total_bytes"       gorm:"not null;default:0"`
	DownloadRate    int64          `json:"download_rate"     gorm:"not null;default:0"`
	UploadRate      int64          `json:"upload_rate"       gorm:"not null;default:0"`
	Peers           int            `json:"peers"             gorm:"not null;default:0"`
	ETASeconds      *int64         `json:"eta_seconds"`
	SavePath        string         `json:"save_path"         gorm:"not null"`
	CreatedAt       time.Time      `json:"created_at"`
	CompletedAt     *time.Time     `json:"completed_at"`
	LastError       *string        `json:"last_error"`
	UpdatedAt       time.Time      `json:"updated_at"        gorm:"autoUpdateTime"`
}

// Clone returns a copy that shares no pointers with d.
func (d *Download) Clone() Download {
	c := *d
	c.MediaRef.Season = cloneInt(d.MediaRef.Season)
	c.MediaRef.Episode = cloneInt(d.MediaRef.Episode)
	if d.ETASeconds != nil {
		eta := *d.ETASeconds
		c.ETASeconds = &eta
	}
	if d.CompletedAt != nil {
		at := *d.CompletedAt
		c.CompletedAt = &at
	}
	if d.LastError != nil {
		msg := *d.LastError
		c.LastError = &msg
	}
	return c
}

func cloneInt(p *int) *int {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

// SearchResult is one normalized provider hit. It is never persisted.
type SearchResult struct {
	Source     string     `json:"source"`
	Title      string     `json:"title"`
	Locator    string     `json:"locator"`
	Size       string     `json:"size"`
	SizeBytes  int64      `json:"size_bytes"`
	Seeds      int        `json:"seeds"`
	Peers      int        `json:"peers"`
	Quality    string     `json:"quality,omitempty"`
	Codec      string     `json:"codec,omitempty"`
	UploadDate *time.Time `json:"upload_date,omitempty"`
	InfoHash   string     `json:"info_hash,omitempty"`
}

type EventType string

const (
	EventTick        EventType = "tick"
	EventStateChange EventType = "stateChange"
	EventRemoved     EventType = "removed"
)

// Event is a Download Manager delta. Terminal is set on the state change that enters completed or error.
type Event struct {
	Type     EventType `json:"type"`
	Download Download  `json:"download"`
	Terminal bool      `json:"terminal,omitempty"`
}
