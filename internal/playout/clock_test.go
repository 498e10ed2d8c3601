package playout

import (
	"errors"
	"testing"
	"time"
	_ "time/tzdata"
)

func TestNormalizer_Normalize_converts_zone(t *testing.T) {
	n := NewNormalizer(time.UTC)

	got, err := n.Normalize("2026-10-19 13:00:00", "Europe/Moscow")
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	want := time.Date(2026, 10, 19, 10, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Errorf("got %v, want %v", got, want)
	}
	if got.Location() != time.UTC {
		t.Errorf("location = %v, want UTC", got.Location())
	}
}

func TestNormalizer_Normalize_invalid(t *testing.T) {
	n := NewNormalizer(time.UTC)
	tests := []struct {
		name, local, zone string
	}{
		{"unknown zone", "2026-10-19 10:00:00", "Mars/Olympus"},
		{"empty zone", "2026-10-19 10:00:00", ""},
		{"bad layout", "19.10.2026 10:00", "UTC"},
		{"iso layout", "2026-10-19T10:00:00Z", "UTC"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := n.Normalize(tt.local, tt.zone)
			if !errors.Is(err, ErrInvalidTime) {
				t.Errorf("expected ErrInvalidTime, got %v", err)
			}
			if !errors.Is(err, ErrValidation) {
				t.Errorf("ErrInvalidTime should wrap ErrValidation, got %v", err)
			}
		})
	}
}

func TestNormalizer_EndOf_drops_fraction(t *testing.T) {
	n := NewNormalizer(time.UTC)
	start := time.Date(2026, 10, 19, 10, 0, 0, 0, time.UTC)

	end := n.EndOf(start, 1500*time.Millisecond)
	if want := start.Add(time.Second); !end.Equal(want) {
		t.Errorf("EndOf = %v, want %v", end, want)
	}
}

func TestNormalizer_Format(t *testing.T) {
	loc, err := time.LoadLocation("Europe/Moscow")
	if err != nil {
		t.Fatalf("LoadLocation: %v", err)
	}
	n := NewNormalizer(loc)
	got := n.Format(time.Date(2026, 10, 19, 10, 0, 0, 0, time.UTC))
	if got != "2026-10-19 13:00:00" {
		t.Errorf("Format = %q", got)
	}
}
