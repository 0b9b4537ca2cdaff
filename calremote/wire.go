// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package calremote

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/mobiletoly/go-calsync/calsync"
)

// graphDateTimeLayout is the provider's zone-less local timestamp format
const graphDateTimeLayout = "2006-01-02T15:04:05.9999999"

type deltaResponse struct {
	Value     []json.RawMessage `json:"value"`
	NextLink  string            `json:"@odata.nextLink,omitempty"`
	DeltaLink string            `json:"@odata.deltaLink,omitempty"`
}

type calendarsResponse struct {
	Value []struct {
		ID                string `json:"id"`
		Name              string `json:"name"`
		IsDefaultCalendar bool   `json:"isDefaultCalendar"`
		CanEdit           bool   `json:"canEdit"`
	} `json:"value"`
	NextLink string `json:"@odata.nextLink,omitempty"`
}

type dateTimeTimeZone struct {
	DateTime string `json:"dateTime"`
	TimeZone string `json:"timeZone"`
}

type itemBody struct {
	ContentType string `json:"contentType"`
	Content     string `json:"content"`
}

type location struct {
	DisplayName string `json:"displayName"`
}

type removedMarker struct {
	Reason string `json:"reason"`
}

// itemHead is the part of a delta item read before its kind is known
type itemHead struct {
	ID      string         `json:"id"`
	Removed *removedMarker `json:"@removed"`
}

// graphEvent is both the delta item and the create/update payload
type graphEvent struct {
	ID           string            `json:"id,omitempty"`
	ETag         string            `json:"@odata.etag,omitempty"`
	Removed      *removedMarker    `json:"@removed,omitempty"`
	Subject      string            `json:"subject"`
	Body         *itemBody         `json:"body,omitempty"`
	Location     *location         `json:"location,omitempty"`
	Start        *dateTimeTimeZone `json:"start,omitempty"`
	End          *dateTimeTimeZone `json:"end,omitempty"`
	IsAllDay     bool              `json:"isAllDay"`
	Recurrence   json.RawMessage   `json:"recurrence,omitempty"`
	LastModified string            `json:"lastModifiedDateTime,omitempty"`
}

// decodeItem turns one raw delta item into a tagged entry. Items failing
// decoding or schema validation become malformed entries, never errors.
func (c *Client) decodeItem(raw json.RawMessage) calsync.DeltaEntry {
	// Content fields of a removed item are ignored, whatever their shape.
	var head itemHead
	if err := json.Unmarshal(raw, &head); err != nil {
		return calsync.MalformedEntry("", fmt.Sprintf("undecodable delta item: %v", err))
	}
	if head.Removed != nil {
		if err := c.items.validateRemoved(raw); err != nil {
			return calsync.MalformedEntry(head.ID, err.Error())
		}
		return calsync.RemovedEntry(head.ID, head.Removed.Reason)
	}

	if err := c.items.validateActive(raw); err != nil {
		return calsync.MalformedEntry(head.ID, err.Error())
	}
	var ev graphEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		return calsync.MalformedEntry(head.ID, fmt.Sprintf("undecodable delta item: %v", err))
	}
	remote, err := ev.toRemote()
	if err != nil {
		return calsync.MalformedEntry(ev.ID, err.Error())
	}
	return calsync.ActiveEntry(*remote)
}

func (ev *graphEvent) toRemote() (*calsync.RemoteEvent, error) {
	start, err := parseDateTime(ev.Start)
	if err != nil {
		return nil, fmt.Errorf("start: %w", err)
	}
	end, err := parseDateTime(ev.End)
	if err != nil {
		return nil, fmt.Errorf("end: %w", err)
	}

	remote := &calsync.RemoteEvent{
		ProviderID: ev.ID,
		ETag:       ev.ETag,
		EventFields: calsync.EventFields{
			Subject:  ev.Subject,
			Start:    start,
			End:      end,
			TimeZone: ev.Start.TimeZone,
			IsAllDay: ev.IsAllDay,
		},
	}
	if ev.Body != nil {
		remote.Description = ev.Body.Content
	}
	if ev.Location != nil {
		remote.Location = ev.Location.DisplayName
	}
	if rec := strings.TrimSpace(string(ev.Recurrence)); rec != "" && rec != "null" {
		remote.IsRecurring = true
		remote.RecurrencePattern = rec
	}
	if ev.LastModified != "" {
		if t, err := time.Parse(time.RFC3339Nano, ev.LastModified); err == nil {
			remote.LastModified = t.UTC()
		}
	}
	return remote, nil
}

// parseDateTime reads a dateTimeTimeZone pair. Zones the runtime cannot load
// (for example Windows zone names) are read as UTC.
func parseDateTime(v *dateTimeTimeZone) (time.Time, error) {
	if v == nil || v.DateTime == "" {
		return time.Time{}, fmt.Errorf("missing dateTime")
	}
	if t, err := time.Parse(time.RFC3339Nano, v.DateTime); err == nil {
		return t.UTC(), nil
	}
	loc := time.UTC
	if v.TimeZone != "" && !strings.EqualFold(v.TimeZone, "UTC") {
		if l, err := time.LoadLocation(v.TimeZone); err == nil {
			loc = l
		}
	}
	t, err := time.ParseInLocation(graphDateTimeLayout, v.DateTime, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid dateTime %q", v.DateTime)
	}
	return t.UTC(), nil
}

func formatDateTime(t time.Time) *dateTimeTimeZone {
	return &dateTimeTimeZone{DateTime: t.UTC().Format("2006-01-02T15:04:05.0000000"), TimeZone: "UTC"}
}

// encodeEvent builds the create/update payload. Recurrence is sent explicitly
// so an update can clear it.
func encodeEvent(f calsync.EventFields) (*graphEvent, error) {
	ev := &graphEvent{
		Subject:    f.Subject,
		Body:       &itemBody{ContentType: "text", Content: f.Description},
		Location:   &location{DisplayName: f.Location},
		Start:      formatDateTime(f.Start),
		End:        formatDateTime(f.End),
		IsAllDay:   f.IsAllDay,
		Recurrence: json.RawMessage("null"),
	}
	if f.IsRecurring {
		if !json.Valid([]byte(f.RecurrencePattern)) {
			return nil, &calsync.ValidationError{Field: calsync.FieldRecurrence, Message: "recurrence pattern is not valid JSON"}
		}
		ev.Recurrence = json.RawMessage(f.RecurrencePattern)
	}
	return ev, nil
}
