// Package transport defines the wire shapes exchanged with the messaging
// gateway. The gateway itself (sending/receiving bytes over WhatsApp) is an
// external collaborator; this package only carries the shapes and the
// narrow interface the core depends on.
package transport

import "context"

// Attachment describes a single inbound media item.
type Attachment struct {
	Type    string `json:"type"`
	Base64  string `json:"base64,omitempty"`
	Data    string `json:"data,omitempty"`
	Content string `json:"content,omitempty"`
}

// Inbound is the payload the gateway delivers for an incoming message.
// Fields beyond these are ignored by the router.
type Inbound struct {
	FromNumber     string       `json:"from_number"`
	ID             string       `json:"id,omitempty"`
	Content        string       `json:"content,omitempty"`
	SelectedOption string       `json:"selected_option,omitempty"`
	Timestamp      string       `json:"timestamp,omitempty"`
	MessageType    string       `json:"message_type,omitempty"`
	Attachments    []Attachment `json:"attachments,omitempty"`
}

// UI describes quick-reply affordances rendered alongside a text body.
type UI struct {
	Type    string   `json:"type"`
	Buttons []string `json:"buttons"`
}

// Outbound is a single message the core asks the gateway to deliver.
type Outbound struct {
	Response     string `json:"response"`
	UI           *UI    `json:"ui,omitempty"`
	MediaURL     string `json:"media_url,omitempty"`
	MediaType    string `json:"media_type,omitempty"`
	MediaCaption string `json:"media_caption,omitempty"`
}

// Text is a convenience constructor for a plain-text Outbound message.
func Text(body string) Outbound {
	return Outbound{Response: body}
}

// WithButtons attaches a quick-reply button list to an outbound message.
func WithButtons(body string, buttons ...string) Outbound {
	return Outbound{Response: body, UI: &UI{Type: "buttons", Buttons: buttons}}
}

// Sender delivers outbound messages to a single recipient phone. The
// concrete WhatsApp gateway implementation lives outside this module; tests
// and the availability coordinator depend only on this interface.
type Sender interface {
	SendReply(ctx context.Context, toPhone string, msg Outbound) error
}
