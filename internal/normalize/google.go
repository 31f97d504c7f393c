package normalize

import (
	"time"

	"google.golang.org/api/calendar/v3"

	"calsync-go/internal/calsync"
	"calsync-go/internal/model"
)

// GoogleEvent wraps a raw Google Calendar API event payload.
type GoogleEvent struct {
	Event *calendar.Event
}

func (GoogleEvent) Provider() model.Provider { return model.ProviderGoogle }

// Normalize maps the Google payload into canonical form.
func (g GoogleEvent) Normalize(tenantID string, loc *time.Location, ingestedAt time.Time) (*model.CanonicalEvent, error) {
	ev := g.Event
	if ev == nil || ev.Id == "" {
		return nil, &calsync.NormalizationError{
			Provider: string(model.ProviderGoogle),
			Field:    "id",
			Reason:   "missing event id",
		}
	}

	start, allDay, err := googleTime(ev.Id, "start", ev.Start)
	if err != nil {
		return nil, err
	}
	end, _, err := googleTime(ev.Id, "end", ev.End)
	if err != nil {
		return nil, err
	}

	out := &model.CanonicalEvent{
		TenantID:        tenantID,
		Provider:        model.ProviderGoogle,
		ProviderEventID: ev.Id,
		ProviderVersion: googleVersion(ev),
		Start:           start,
		End:             end,
		IsAllDay:        allDay,
		LocalDay:        model.ComputeLocalDay(start, loc),
		Title:           ev.Summary,
		Description:     truncateDescription(ev.Description),
		Location:        ev.Location,
		Status:          googleStatus(ev.Status),
		Conference:      googleConference(ev),
		ItemType:        model.ItemEvent,
		IngestedAt:      ingestedAt,
	}

	if ev.Updated != "" {
		if t, err := time.Parse(time.RFC3339, ev.Updated); err == nil {
			out.LastModifiedAt = t
		}
	}

	for i, a := range ev.Attendees {
		if i == maxAttendees {
			break
		}
		out.Attendees = append(out.Attendees, model.Attendee{
			Email:    a.Email,
			Name:     displayName(a.DisplayName, a.Email),
			Response: a.ResponseStatus,
			Optional: a.Optional,
		})
	}
	if ev.Organizer != nil {
		out.Organizer = model.Attendee{
			Email: ev.Organizer.Email,
			Name:  displayName(ev.Organizer.DisplayName, ev.Organizer.Email),
		}
	}

	// Recurrence is detected from identity fields only. A rule string alone
	// never marks an event recurring.
	if ev.RecurringEventId != "" || ev.OriginalStartTime != nil {
		rec := &model.Recurrence{
			SeriesID:   ev.RecurringEventId,
			InstanceID: ev.Id,
		}
		if ev.OriginalStartTime != nil {
			orig, _, err := googleTime(ev.Id, "originalStartTime", ev.OriginalStartTime)
			if err != nil {
				return nil, err
			}
			rec.OriginalStart = &orig
			rec.IsException = !orig.Equal(start)
		}
		if len(ev.Recurrence) > 0 {
			rec.Rule = canonicalRule(ev.Recurrence[0])
		}
		out.Recurrence = rec
		out.ProviderSeriesID = ev.RecurringEventId
	}

	debrief := ev.ExtendedProperties != nil && ev.ExtendedProperties.Private[DebriefPropertyKey] == "true"
	out.ExpiresAt = retentionExpiry(end, debrief)

	return out, nil
}

// googleTime parses an EventDateTime. All-day events carry only a Date and
// get a synthetic midnight-UTC instant. A timezone name on the field must
// resolve even when the instant itself carries an offset.
func googleTime(eventID, field string, edt *calendar.EventDateTime) (time.Time, bool, error) {
	if edt == nil {
		return time.Time{}, false, &calsync.NormalizationError{
			Provider: string(model.ProviderGoogle),
			EventID:  eventID,
			Field:    field,
			Reason:   "missing",
		}
	}

	if edt.Date != "" {
		d, err := time.Parse("2006-01-02", edt.Date)
		if err != nil {
			return time.Time{}, false, &calsync.NormalizationError{
				Provider: string(model.ProviderGoogle),
				EventID:  eventID,
				Field:    field,
				Reason:   "unparseable date " + edt.Date,
			}
		}
		return midnightUTC(d.Year(), d.Month(), d.Day()), true, nil
	}

	if edt.DateTime == "" {
		return time.Time{}, false, &calsync.NormalizationError{
			Provider: string(model.ProviderGoogle),
			EventID:  eventID,
			Field:    field,
			Reason:   "missing dateTime",
		}
	}
	t, err := time.Parse(time.RFC3339, edt.DateTime)
	if err != nil {
		return time.Time{}, false, &calsync.NormalizationError{
			Provider: string(model.ProviderGoogle),
			EventID:  eventID,
			Field:    field,
			Reason:   "unparseable dateTime " + edt.DateTime,
		}
	}
	if edt.TimeZone != "" {
		if _, err := resolveZone(model.ProviderGoogle, edt.TimeZone); err != nil {
			return time.Time{}, false, err
		}
	}
	return t, false, nil
}

// googleVersion picks the optimistic-concurrency guard: etag when present,
// else the last-modified timestamp, else empty. Never a fabricated constant.
func googleVersion(ev *calendar.Event) string {
	if ev.Etag != "" {
		return ev.Etag
	}
	return ev.Updated
}

func googleStatus(s string) model.EventStatus {
	switch s {
	case "cancelled":
		return model.StatusCancelled
	case "tentative":
		return model.StatusTentative
	default:
		return model.StatusConfirmed
	}
}

// googleConference extracts join info, falling back through the legacy
// hangoutLink field before treating conference data as absent.
func googleConference(ev *calendar.Event) *model.Conference {
	if ev.ConferenceData != nil {
		conf := &model.Conference{ConferenceID: ev.ConferenceData.ConferenceId}
		for _, ep := range ev.ConferenceData.EntryPoints {
			switch ep.EntryPointType {
			case "video":
				if conf.JoinURL == "" {
					conf.JoinURL = ep.Uri
				}
			case "phone":
				if conf.Phone == "" {
					conf.Phone = ep.Uri
				}
			}
		}
		if conf.JoinURL != "" || conf.Phone != "" || conf.ConferenceID != "" {
			return conf
		}
	}
	if ev.HangoutLink != "" {
		return &model.Conference{JoinURL: ev.HangoutLink}
	}
	return nil
}

var _ calsync.RawEvent = GoogleEvent{}
