package dispatch

import (
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/lalithlochan/meetsync/internal/channel"
	"github.com/lalithlochan/meetsync/internal/db"
)

const timeLayout = "Mon, 02 Jan 2006 15:04 MST"

const (
	colorCreated  = 0x2ECC71
	colorCanceled = 0xE74C3C
	colorArtifact = 0x3498DB
)

// Render builds the channel-neutral message for an occurrence. Event times
// are shown in the client's timezone, falling back to UTC.
func Render(occ Occurrence, client *db.ClientConnection, dashboardBaseURL string) channel.Message {
	msg := channel.Message{
		Kind:      occ.Kind,
		ClientID:  occ.ClientID.String(),
		Timestamp: time.Now().UTC(),
	}

	b := occ.Booking
	if b == nil {
		msg.Title = "Booking update"
		return msg
	}

	msg.BookingID = b.ID.String()
	msg.Link = DeepLink(dashboardBaseURL, occ.ClientID.String(), b.ID.String())

	eventType := b.EventType
	if eventType == "" {
		eventType = "meeting"
	}
	contact := deref(b.ContactName)
	if contact == "" {
		contact = deref(b.ContactEmail)
	}
	if contact == "" {
		contact = "Someone"
	}
	when := b.EventTime.In(location(client.Timezone)).Format(timeLayout)

	switch occ.Kind {
	case KindBookingCanceled:
		msg.Title = "Booking canceled: " + eventType
		msg.Text = contact + " canceled " + eventType + " on " + when
		msg.Color = colorCanceled
	case KindArtifactAttached:
		msg.Title = "Document attached: " + eventType
		msg.Text = "A document was added to the " + eventType + " with " + contact
		msg.Color = colorArtifact
	default:
		msg.Title = "New booking: " + eventType
		msg.Text = contact + " booked " + eventType + " for " + when
		msg.Color = colorCreated
	}

	msg.Fields = append(msg.Fields, channel.Field{Name: "When", Value: when, Inline: true})
	if v := deref(b.ContactName); v != "" {
		msg.Fields = append(msg.Fields, channel.Field{Name: "Contact", Value: v, Inline: true})
	}
	if v := deref(b.ContactEmail); v != "" {
		msg.Fields = append(msg.Fields, channel.Field{Name: "Email", Value: v, Inline: true})
	}
	if v := deref(b.ContactPhone); v != "" {
		msg.Fields = append(msg.Fields, channel.Field{Name: "Phone", Value: v, Inline: true})
	}
	if occ.Kind == KindBookingCanceled {
		if v := deref(b.CancelReason); v != "" {
			msg.Fields = append(msg.Fields, channel.Field{Name: "Reason", Value: v})
		}
	}

	msg.ArtifactURL = occ.ArtifactURL
	if msg.ArtifactURL == "" {
		msg.ArtifactURL = deref(b.ArtifactURL)
	}
	return msg
}

// DeepLink returns the dashboard URL of a booking, or "" without a base URL.
func DeepLink(baseURL, clientID, bookingID string) string {
	if baseURL == "" {
		return ""
	}
	return strings.TrimRight(baseURL, "/") + "/clients/" + clientID + "/bookings/" + bookingID
}

func location(name string) *time.Location {
	if name == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return time.UTC
	}
	return loc
}
