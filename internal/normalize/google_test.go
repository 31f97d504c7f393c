package normalize_test

import (
	"errors"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"google.golang.org/api/calendar/v3"

	"calsync-go/internal/calsync"
	"calsync-go/internal/model"
	"calsync-go/internal/normalize"
)

var ingestedAt = time.Date(2025, 1, 6, 10, 30, 0, 0, time.UTC)

// googleFixture returns a timed one-hour event with the common fields set.
func googleFixture() *calendar.Event {
	return &calendar.Event{
		Id:      "evt-1",
		Etag:    `"etag-1"`,
		Updated: "2025-01-05T09:00:00Z",
		Summary: "standup",
		Status:  "confirmed",
		Start:   &calendar.EventDateTime{DateTime: "2025-01-06T14:00:00Z"},
		End:     &calendar.EventDateTime{DateTime: "2025-01-06T15:00:00Z"},
	}
}

func TestGoogleNormalizeTimedEvent(t *testing.T) {
	raw := normalize.GoogleEvent{Event: googleFixture()}
	got, err := raw.Normalize("tenant-a", time.UTC, ingestedAt)
	if err != nil {
		t.Fatalf("Normalize() error: %v", err)
	}

	if got.TenantID != "tenant-a" || got.Provider != model.ProviderGoogle {
		t.Errorf("identity = %s/%s, want tenant-a/google", got.TenantID, got.Provider)
	}
	if got.ProviderEventID != "evt-1" {
		t.Errorf("ProviderEventID = %q", got.ProviderEventID)
	}
	if got.ProviderVersion != `"etag-1"` {
		t.Errorf("ProviderVersion = %q, want etag", got.ProviderVersion)
	}
	wantStart := time.Date(2025, 1, 6, 14, 0, 0, 0, time.UTC)
	if !got.Start.Equal(wantStart) {
		t.Errorf("Start = %v, want %v", got.Start, wantStart)
	}
	if got.IsAllDay {
		t.Error("IsAllDay = true for timed event")
	}
	if got.LocalDay != "2025-01-06" {
		t.Errorf("LocalDay = %q", got.LocalDay)
	}
	if got.Status != model.StatusConfirmed {
		t.Errorf("Status = %q", got.Status)
	}
	if !got.LastModifiedAt.Equal(time.Date(2025, 1, 5, 9, 0, 0, 0, time.UTC)) {
		t.Errorf("LastModifiedAt = %v", got.LastModifiedAt)
	}
	if !got.IngestedAt.Equal(ingestedAt) {
		t.Errorf("IngestedAt = %v", got.IngestedAt)
	}
	if got.Recurrence != nil {
		t.Error("Recurrence set for single instance")
	}
	wantExpiry := got.End.Add(180 * 24 * time.Hour)
	if !got.ExpiresAt.Equal(wantExpiry) {
		t.Errorf("ExpiresAt = %v, want %v", got.ExpiresAt, wantExpiry)
	}
}

func TestGoogleNormalizeAllDay(t *testing.T) {
	ev := googleFixture()
	ev.Start = &calendar.EventDateTime{Date: "2025-01-06"}
	ev.End = &calendar.EventDateTime{Date: "2025-01-07"}

	got, err := normalize.GoogleEvent{Event: ev}.Normalize("tenant-a", time.UTC, ingestedAt)
	if err != nil {
		t.Fatalf("Normalize() error: %v", err)
	}
	if !got.IsAllDay {
		t.Error("IsAllDay = false")
	}
	if !got.Start.Equal(time.Date(2025, 1, 6, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("Start = %v, want midnight UTC", got.Start)
	}
	if !got.End.Equal(time.Date(2025, 1, 7, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("End = %v, want midnight UTC", got.End)
	}
}

func TestGoogleNormalizeErrors(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(*calendar.Event)
		wantField string
	}{
		{
			name:      "missing id",
			mutate:    func(ev *calendar.Event) { ev.Id = "" },
			wantField: "id",
		},
		{
			name:      "missing start",
			mutate:    func(ev *calendar.Event) { ev.Start = nil },
			wantField: "start",
		},
		{
			name:      "missing end",
			mutate:    func(ev *calendar.Event) { ev.End = nil },
			wantField: "end",
		},
		{
			name: "empty start dateTime",
			mutate: func(ev *calendar.Event) {
				ev.Start = &calendar.EventDateTime{}
			},
			wantField: "start",
		},
		{
			name: "garbage dateTime",
			mutate: func(ev *calendar.Event) {
				ev.Start.DateTime = "not-a-time"
			},
			wantField: "start",
		},
		{
			name: "unresolvable timezone name",
			mutate: func(ev *calendar.Event) {
				ev.Start.TimeZone = "Mars/Olympus_Mons"
			},
			wantField: "timeZone",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := googleFixture()
			tt.mutate(ev)
			_, err := normalize.GoogleEvent{Event: ev}.Normalize("tenant-a", time.UTC, ingestedAt)
			var nerr *calsync.NormalizationError
			if !errors.As(err, &nerr) {
				t.Fatalf("error = %v, want NormalizationError", err)
			}
			if nerr.Field != tt.wantField {
				t.Errorf("Field = %q, want %q", nerr.Field, tt.wantField)
			}
		})
	}
}

func TestGoogleVersionFallback(t *testing.T) {
	ev := googleFixture()
	ev.Etag = ""
	got, err := normalize.GoogleEvent{Event: ev}.Normalize("tenant-a", time.UTC, ingestedAt)
	if err != nil {
		t.Fatalf("Normalize() error: %v", err)
	}
	if got.ProviderVersion != "2025-01-05T09:00:00Z" {
		t.Errorf("ProviderVersion = %q, want Updated fallback", got.ProviderVersion)
	}

	ev.Updated = ""
	got, err = normalize.GoogleEvent{Event: ev}.Normalize("tenant-a", time.UTC, ingestedAt)
	if err != nil {
		t.Fatalf("Normalize() error: %v", err)
	}
	if got.ProviderVersion != "" {
		t.Errorf("ProviderVersion = %q, want empty when no etag or updated", got.ProviderVersion)
	}
}

func TestGoogleNormalizeLocalDayUsesTenantZone(t *testing.T) {
	ev := googleFixture()
	ev.Start.DateTime = "2025-01-06T03:00:00Z"
	ev.End.DateTime = "2025-01-06T04:00:00Z"

	ny, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Fatal(err)
	}
	got, err := normalize.GoogleEvent{Event: ev}.Normalize("tenant-a", ny, ingestedAt)
	if err != nil {
		t.Fatalf("Normalize() error: %v", err)
	}
	// 03:00 UTC is still the previous evening in New York.
	if got.LocalDay != "2025-01-05" {
		t.Errorf("LocalDay = %q, want 2025-01-05", got.LocalDay)
	}
}

func TestGoogleDescriptionTruncation(t *testing.T) {
	ev := googleFixture()
	// A multi-byte rune straddling the cap must not be split.
	ev.Description = strings.Repeat("a", normalize.DescriptionCap-1) + "é" + strings.Repeat("b", 100)

	got, err := normalize.GoogleEvent{Event: ev}.Normalize("tenant-a", time.UTC, ingestedAt)
	if err != nil {
		t.Fatalf("Normalize() error: %v", err)
	}
	if len(got.Description) > normalize.DescriptionCap {
		t.Errorf("description length %d exceeds cap %d", len(got.Description), normalize.DescriptionCap)
	}
	if !strings.HasSuffix(got.Description, "[truncated]") {
		t.Error("truncated description missing marker")
	}
	if !utf8.ValidString(got.Description) {
		t.Error("truncation split a rune")
	}

	// At or under the cap, text passes through untouched.
	ev.Description = strings.Repeat("a", normalize.DescriptionCap)
	got, err = normalize.GoogleEvent{Event: ev}.Normalize("tenant-a", time.UTC, ingestedAt)
	if err != nil {
		t.Fatalf("Normalize() error: %v", err)
	}
	if got.Description != ev.Description {
		t.Error("description at cap was modified")
	}
}

func TestGoogleAttendeeCap(t *testing.T) {
	ev := googleFixture()
	for i := 0; i < 250; i++ {
		ev.Attendees = append(ev.Attendees, &calendar.EventAttendee{
			Email: "person@example.com",
		})
	}
	got, err := normalize.GoogleEvent{Event: ev}.Normalize("tenant-a", time.UTC, ingestedAt)
	if err != nil {
		t.Fatalf("Normalize() error: %v", err)
	}
	if len(got.Attendees) != 200 {
		t.Errorf("attendees = %d, want 200", len(got.Attendees))
	}
	// Display name falls back to the email's local part.
	if got.Attendees[0].Name != "person" {
		t.Errorf("Name = %q, want local part fallback", got.Attendees[0].Name)
	}
}

func TestGoogleRecurrenceDetection(t *testing.T) {
	t.Run("rule text alone is not recurrence", func(t *testing.T) {
		ev := googleFixture()
		ev.Recurrence = []string{"RRULE:FREQ=WEEKLY"}
		got, err := normalize.GoogleEvent{Event: ev}.Normalize("tenant-a", time.UTC, ingestedAt)
		if err != nil {
			t.Fatalf("Normalize() error: %v", err)
		}
		if got.Recurrence != nil {
			t.Error("Recurrence set from rule text without identity fields")
		}
	})

	t.Run("regular instance", func(t *testing.T) {
		ev := googleFixture()
		ev.RecurringEventId = "series-1"
		ev.OriginalStartTime = &calendar.EventDateTime{DateTime: ev.Start.DateTime}
		got, err := normalize.GoogleEvent{Event: ev}.Normalize("tenant-a", time.UTC, ingestedAt)
		if err != nil {
			t.Fatalf("Normalize() error: %v", err)
		}
		if got.Recurrence == nil {
			t.Fatal("Recurrence = nil")
		}
		if got.Recurrence.SeriesID != "series-1" || got.ProviderSeriesID != "series-1" {
			t.Errorf("series ids = %q/%q", got.Recurrence.SeriesID, got.ProviderSeriesID)
		}
		if got.Recurrence.IsException {
			t.Error("IsException = true for unmoved instance")
		}
	})

	t.Run("moved instance is an exception", func(t *testing.T) {
		ev := googleFixture()
		ev.RecurringEventId = "series-1"
		ev.OriginalStartTime = &calendar.EventDateTime{DateTime: "2025-01-06T13:00:00Z"}
		got, err := normalize.GoogleEvent{Event: ev}.Normalize("tenant-a", time.UTC, ingestedAt)
		if err != nil {
			t.Fatalf("Normalize() error: %v", err)
		}
		if got.Recurrence == nil || !got.Recurrence.IsException {
			t.Error("moved instance not marked exception")
		}
		if got.Recurrence.OriginalStart == nil {
			t.Fatal("OriginalStart = nil")
		}
	})
}

func TestGoogleConferenceFallback(t *testing.T) {
	t.Run("conference data preferred", func(t *testing.T) {
		ev := googleFixture()
		ev.HangoutLink = "https://meet.example.com/legacy"
		ev.ConferenceData = &calendar.ConferenceData{
			ConferenceId: "conf-1",
			EntryPoints: []*calendar.EntryPoint{
				{EntryPointType: "phone", Uri: "tel:+15550100"},
				{EntryPointType: "video", Uri: "https://meet.example.com/abc"},
			},
		}
		got, err := normalize.GoogleEvent{Event: ev}.Normalize("tenant-a", time.UTC, ingestedAt)
		if err != nil {
			t.Fatalf("Normalize() error: %v", err)
		}
		if got.Conference == nil {
			t.Fatal("Conference = nil")
		}
		if got.Conference.JoinURL != "https://meet.example.com/abc" {
			t.Errorf("JoinURL = %q", got.Conference.JoinURL)
		}
		if got.Conference.Phone != "tel:+15550100" {
			t.Errorf("Phone = %q", got.Conference.Phone)
		}
	})

	t.Run("hangout link fallback", func(t *testing.T) {
		ev := googleFixture()
		ev.HangoutLink = "https://meet.example.com/legacy"
		got, err := normalize.GoogleEvent{Event: ev}.Normalize("tenant-a", time.UTC, ingestedAt)
		if err != nil {
			t.Fatalf("Normalize() error: %v", err)
		}
		if got.Conference == nil || got.Conference.JoinURL != "https://meet.example.com/legacy" {
			t.Errorf("Conference = %+v, want hangout link", got.Conference)
		}
	})

	t.Run("absent", func(t *testing.T) {
		got, err := normalize.GoogleEvent{Event: googleFixture()}.Normalize("tenant-a", time.UTC, ingestedAt)
		if err != nil {
			t.Fatalf("Normalize() error: %v", err)
		}
		if got.Conference != nil {
			t.Errorf("Conference = %+v, want nil", got.Conference)
		}
	})
}

func TestGoogleDebriefRetention(t *testing.T) {
	ev := googleFixture()
	ev.ExtendedProperties = &calendar.EventExtendedProperties{
		Private: map[string]string{normalize.DebriefPropertyKey: "true"},
	}
	got, err := normalize.GoogleEvent{Event: ev}.Normalize("tenant-a", time.UTC, ingestedAt)
	if err != nil {
		t.Fatalf("Normalize() error: %v", err)
	}
	want := got.End.Add(365 * 24 * time.Hour)
	if !got.ExpiresAt.Equal(want) {
		t.Errorf("ExpiresAt = %v, want %v", got.ExpiresAt, want)
	}
}

func TestGoogleStatusMapping(t *testing.T) {
	for status, want := range map[string]model.EventStatus{
		"confirmed": model.StatusConfirmed,
		"tentative": model.StatusTentative,
		"cancelled": model.StatusCancelled,
		"":          model.StatusConfirmed,
	} {
		ev := googleFixture()
		ev.Status = status
		got, err := normalize.GoogleEvent{Event: ev}.Normalize("tenant-a", time.UTC, ingestedAt)
		if err != nil {
			t.Fatalf("Normalize(%q) error: %v", status, err)
		}
		if got.Status != want {
			t.Errorf("status %q -> %q, want %q", status, got.Status, want)
		}
	}
}
