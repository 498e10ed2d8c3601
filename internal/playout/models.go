package playout

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// EntryID identifies a timeline entry. It is assigned by the repository.
type EntryID int64

// MediaType is the kind of content an asset holds.
type MediaType string

const (
	MediaImage        MediaType = "image"
	MediaPresentation MediaType = "presentation"
	MediaVideo        MediaType = "video"
)

// Classification tells uploaded assets apart from generated renditions.
type Classification string

const (
	Source  Classification = "source"
	Derived Classification = "derived"
)

// renditionFormat is the container used for every derived rendition.
const renditionFormat = "mp4"

var allowedFormats = map[MediaType][]string{
	MediaImage:        {"png", "jpg", "jpeg"},
	MediaVideo:        {"mp4", "mov"},
	MediaPresentation: {"pdf"},
}

// ValidateFormat checks that format is accepted for the media type.
func ValidateFormat(t MediaType, format string) error {
	formats, ok := allowedFormats[t]
	if !ok {
		return fmt.Errorf("%w: unsupported media type %q", ErrValidation, t)
	}
	for _, f := range formats {
		if f == format {
			return nil
		}
	}
	return fmt.Errorf("%w: format %q is not allowed for %s", ErrValidation, format, t)
}

// AssetKey is the (name, format) pair that identifies an asset on disk.
type AssetKey struct {
	Name   string `json:"name" yaml:"name"`
	Format string `json:"format" yaml:"format"`
}

// String renders the key as the media file name.
func (k AssetKey) String() string {
	return k.Name + "." + k.Format
}

// Validate rejects keys that cannot be mapped to a single file name.
func (k AssetKey) Validate() error {
	if k.Name == "" || k.Format == "" {
		return fmt.Errorf("%w: asset name and format are required", ErrValidation)
	}
	if strings.ContainsAny(k.Name, `/\`) || strings.ContainsAny(k.Format, `/\.`) || k.Name == "." || k.Name == ".." {
		return fmt.Errorf("%w: invalid asset key %q", ErrValidation, k.String())
	}
	return nil
}

// Entry is one scheduled broadcast slot.
type Entry struct {
	ID          EntryID   `json:"id"`
	AssetName   string    `json:"asset_name"`
	AssetFormat string    `json:"asset_format"`
	Start       time.Time `json:"start"`
	End         time.Time `json:"end"`
	Priority    int       `json:"priority"`
}

// Asset returns the key of the media asset backing the entry.
func (e Entry) Asset() AssetKey {
	return AssetKey{Name: e.AssetName, Format: e.AssetFormat}
}

// Contains reports whether t falls inside [Start, End).
func (e Entry) Contains(t time.Time) bool {
	return !t.Before(e.Start) && t.Before(e.End)
}

// Overlaps reports whether the entry intersects [start, end], boundaries
// included: an entry ending exactly at start overlaps.
func (e Entry) Overlaps(start, end time.Time) bool {
	return !e.Start.After(end) && !e.End.Before(start)
}

// Candidate is an admission request for the timeline.
type Candidate struct {
	Asset    AssetKey
	Start    time.Time
	Duration time.Duration
	Priority int
}

// Asset is a registered media file and its reference bookkeeping.
type Asset struct {
	Name            string         `json:"name" yaml:"name"`
	Format          string         `json:"format" yaml:"format"`
	MediaType       MediaType      `json:"media_type" yaml:"media_type"`
	Classification  Classification `json:"classification" yaml:"classification"`
	DurationSeconds float64        `json:"duration_seconds,omitempty" yaml:"duration_seconds,omitempty"`
	References      []EntryID      `json:"references" yaml:"references"`

	// Derived assets only.
	Source           *AssetKey `json:"source,omitempty" yaml:"source,omitempty"`
	RequestedSeconds float64   `json:"requested_seconds,omitempty" yaml:"requested_seconds,omitempty"`
}

// Key returns the asset's (name, format) key.
func (a Asset) Key() AssetKey {
	return AssetKey{Name: a.Name, Format: a.Format}
}

// Duration converts DurationSeconds to a time.Duration.
func (a Asset) Duration() time.Duration {
	return secondsToDuration(a.DurationSeconds)
}

// HasReference reports whether id is among the asset's references.
func (a Asset) HasReference(id EntryID) bool {
	for _, ref := range a.References {
		if ref == id {
			return true
		}
	}
	return false
}

func (a Asset) clone() Asset {
	out := a
	out.References = append([]EntryID(nil), a.References...)
	if a.Source != nil {
		src := *a.Source
		out.Source = &src
	}
	return out
}

func (a *Asset) addReference(id EntryID) bool {
	if a.HasReference(id) {
		return false
	}
	a.References = append(a.References, id)
	sort.Slice(a.References, func(i, j int) bool { return a.References[i] < a.References[j] })
	return true
}

func (a *Asset) removeReference(id EntryID) bool {
	for i, ref := range a.References {
		if ref == id {
			a.References = append(a.References[:i:i], a.References[i+1:]...)
			return true
		}
	}
	return false
}

// OutputStatus is the state of the output switch.
type OutputStatus string

const (
	OutputIdle       OutputStatus = "idle"
	OutputPublishing OutputStatus = "publishing"
)

// OutputState is a snapshot of the output switch.
type OutputState struct {
	Status    OutputStatus `json:"status"`
	Path      string       `json:"path,omitempty"`
	SessionID string       `json:"session_id,omitempty"`
	Since     time.Time    `json:"since,omitempty"`
}

// ArmedTrigger is a read-only view of one armed slot in the reconciler.
type ArmedTrigger struct {
	EntryID    EntryID   `json:"entry_id"`
	Asset      AssetKey  `json:"asset"`
	FiresAt    time.Time `json:"fires_at"`
	Generation uint64    `json:"generation"`
	Armed      bool      `json:"armed"`
	Fired      bool      `json:"fired"`
}

func secondsToDuration(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
