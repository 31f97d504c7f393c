package normalize

import (
	"strings"
	"time"

	"calsync-go/internal/calsync"
	"calsync-go/internal/model"
)

// graphTimeLayout matches Graph's fraction-bearing local timestamps; the
// fractional part is optional on parse.
const graphTimeLayout = "2006-01-02T15:04:05.9999999"

// GraphEvent is the wire shape of a Microsoft Graph calendar event, reduced
// to the fields normalization reads.
type GraphEvent struct {
	ID                   string        `json:"id"`
	ChangeKey            string        `json:"changeKey"`
	LastModifiedDateTime string        `json:"lastModifiedDateTime"`
	Subject              string        `json:"subject"`
	Body                 GraphItemBody `json:"body"`
	Start                GraphDateTime `json:"start"`
	End                  GraphDateTime `json:"end"`
	IsAllDay             bool          `json:"isAllDay"`
	IsCancelled          bool          `json:"isCancelled"`
	ShowAs               string        `json:"showAs"`
	Location             struct {
		DisplayName string `json:"displayName"`
	} `json:"location"`
	Organizer             GraphRecipient  `json:"organizer"`
	Attendees             []GraphAttendee `json:"attendees"`
	Type                  string          `json:"type"` // singleInstance, occurrence, exception, seriesMaster
	SeriesMasterID        string          `json:"seriesMasterId"`
	OriginalStart         string          `json:"originalStart"`
	OriginalStartTimeZone string          `json:"originalStartTimeZone"`
	OnlineMeeting         *struct {
		JoinURL string `json:"joinUrl"`
	} `json:"onlineMeeting"`
	OnlineMeetingURL              string `json:"onlineMeetingUrl"`
	SingleValueExtendedProperties []struct {
		ID    string `json:"id"`
		Value string `json:"value"`
	} `json:"singleValueExtendedProperties"`
	Removed *struct {
		Reason string `json:"reason"`
	} `json:"@removed"`
}

type GraphItemBody struct {
	ContentType string `json:"contentType"`
	Content     string `json:"content"`
}

type GraphDateTime struct {
	DateTime string `json:"dateTime"`
	TimeZone string `json:"timeZone"`
}

type GraphRecipient struct {
	EmailAddress struct {
		Name    string `json:"name"`
		Address string `json:"address"`
	} `json:"emailAddress"`
}

type GraphAttendee struct {
	Type   string `json:"type"`
	Status struct {
		Response string `json:"response"`
	} `json:"status"`
	EmailAddress struct {
		Name    string `json:"name"`
		Address string `json:"address"`
	} `json:"emailAddress"`
}

// MicrosoftEvent wraps a raw Graph event payload.
type MicrosoftEvent struct {
	Event *GraphEvent
}

func (MicrosoftEvent) Provider() model.Provider { return model.ProviderMicrosoft }

// Normalize maps the Graph payload into canonical form.
func (m MicrosoftEvent) Normalize(tenantID string, loc *time.Location, ingestedAt time.Time) (*model.CanonicalEvent, error) {
	ev := m.Event
	if ev == nil || ev.ID == "" {
		return nil, &calsync.NormalizationError{
			Provider: string(model.ProviderMicrosoft),
			Field:    "id",
			Reason:   "missing event id",
		}
	}

	start, err := graphTime(ev.ID, "start", ev.Start, ev.IsAllDay)
	if err != nil {
		return nil, err
	}
	end, err := graphTime(ev.ID, "end", ev.End, ev.IsAllDay)
	if err != nil {
		return nil, err
	}

	out := &model.CanonicalEvent{
		TenantID:        tenantID,
		Provider:        model.ProviderMicrosoft,
		ProviderEventID: ev.ID,
		ProviderVersion: graphVersion(ev),
		Start:           start,
		End:             end,
		IsAllDay:        ev.IsAllDay,
		LocalDay:        model.ComputeLocalDay(start, loc),
		Title:           ev.Subject,
		Description:     truncateDescription(ev.Body.Content),
		Location:        ev.Location.DisplayName,
		Status:          graphStatus(ev),
		Conference:      graphConference(ev),
		ItemType:        model.ItemEvent,
		IngestedAt:      ingestedAt,
	}

	if ev.LastModifiedDateTime != "" {
		if t, err := time.Parse(time.RFC3339, ev.LastModifiedDateTime); err == nil {
			out.LastModifiedAt = t
		}
	}

	for i, a := range ev.Attendees {
		if i == maxAttendees {
			break
		}
		out.Attendees = append(out.Attendees, model.Attendee{
			Email:    a.EmailAddress.Address,
			Name:     displayName(a.EmailAddress.Name, a.EmailAddress.Address),
			Response: a.Status.Response,
			Optional: a.Type == "optional",
		})
	}
	out.Organizer = model.Attendee{
		Email: ev.Organizer.EmailAddress.Address,
		Name:  displayName(ev.Organizer.EmailAddress.Name, ev.Organizer.EmailAddress.Address),
	}

	// Presence-based recurrence detection: a series master pointer or an
	// original start marks a recurring instance. Graph exposes no RRULE text
	// on instances, so Rule stays empty here.
	if ev.SeriesMasterID != "" || ev.OriginalStart != "" {
		rec := &model.Recurrence{
			SeriesID:    ev.SeriesMasterID,
			InstanceID:  ev.ID,
			IsException: ev.Type == "exception",
		}
		if ev.OriginalStart != "" {
			tz := ev.OriginalStartTimeZone
			if tz == "" {
				tz = "UTC"
			}
			orig, err := graphTime(ev.ID, "originalStart", GraphDateTime{DateTime: ev.OriginalStart, TimeZone: tz}, false)
			if err != nil {
				return nil, err
			}
			rec.OriginalStart = &orig
			if !rec.IsException {
				rec.IsException = !orig.Equal(start)
			}
		}
		out.Recurrence = rec
		out.ProviderSeriesID = ev.SeriesMasterID
	}

	out.ExpiresAt = retentionExpiry(end, graphDebrief(ev))

	return out, nil
}

// graphTime parses a Graph dateTime+timeZone pair. The zone name must resolve
// through the Windows table or as an IANA identifier; all-day events get the
// synthetic midnight-UTC instant from the date part.
func graphTime(eventID, field string, dt GraphDateTime, allDay bool) (time.Time, error) {
	if dt.DateTime == "" {
		return time.Time{}, &calsync.NormalizationError{
			Provider: string(model.ProviderMicrosoft),
			EventID:  eventID,
			Field:    field,
			Reason:   "missing dateTime",
		}
	}

	if allDay {
		d, err := time.Parse("2006-01-02", dt.DateTime[:min(10, len(dt.DateTime))])
		if err != nil {
			return time.Time{}, &calsync.NormalizationError{
				Provider: string(model.ProviderMicrosoft),
				EventID:  eventID,
				Field:    field,
				Reason:   "unparseable all-day date " + dt.DateTime,
			}
		}
		return midnightUTC(d.Year(), d.Month(), d.Day()), nil
	}

	zone := dt.TimeZone
	if zone == "" {
		zone = "UTC"
	}
	loc, err := resolveZone(model.ProviderMicrosoft, zone)
	if err != nil {
		return time.Time{}, err
	}

	// RFC3339 timestamps appear in delta payloads that were requested with
	// an explicit Prefer timezone; local-format timestamps elsewhere.
	if strings.ContainsAny(dt.DateTime, "Zz+") {
		if t, err := time.Parse(time.RFC3339, dt.DateTime); err == nil {
			return t, nil
		}
	}
	t, err := time.ParseInLocation(graphTimeLayout, dt.DateTime, loc)
	if err != nil {
		return time.Time{}, &calsync.NormalizationError{
			Provider: string(model.ProviderMicrosoft),
			EventID:  eventID,
			Field:    field,
			Reason:   "unparseable dateTime " + dt.DateTime,
		}
	}
	return t, nil
}

func graphVersion(ev *GraphEvent) string {
	if ev.ChangeKey != "" {
		return ev.ChangeKey
	}
	return ev.LastModifiedDateTime
}

func graphStatus(ev *GraphEvent) model.EventStatus {
	if ev.IsCancelled {
		return model.StatusCancelled
	}
	if ev.ShowAs == "tentative" {
		return model.StatusTentative
	}
	return model.StatusConfirmed
}

// graphConference falls back through the legacy onlineMeetingUrl field before
// treating conference info as absent.
func graphConference(ev *GraphEvent) *model.Conference {
	if ev.OnlineMeeting != nil && ev.OnlineMeeting.JoinURL != "" {
		return &model.Conference{JoinURL: ev.OnlineMeeting.JoinURL}
	}
	if ev.OnlineMeetingURL != "" {
		return &model.Conference{JoinURL: ev.OnlineMeetingURL}
	}
	return nil
}

func graphDebrief(ev *GraphEvent) bool {
	for _, p := range ev.SingleValueExtendedProperties {
		if strings.Contains(p.ID, DebriefPropertyKey) && p.Value == "true" {
			return true
		}
	}
	return false
}

var _ calsync.RawEvent = MicrosoftEvent{}
