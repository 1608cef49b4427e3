package sink

import (
	"encoding/base64"
	"encoding/json"

	"github.com/alfredjeanlab/wakurelay/internal/relay"
	"github.com/alfredjeanlab/wakurelay/internal/relayerr"
)

// WakuMessage is the body accepted by the Waku node send API.
type WakuMessage struct {
	Payload      string `json:"payload"`
	ContentTopic string `json:"contentTopic"`
}

// WakuEnvelope encodes events for the Waku send API.
type WakuEnvelope struct {
	ContentTopic string
}

func (e WakuEnvelope) Encode(ev relay.Event) (any, error) {
	if len(ev.Raw) == 0 {
		return nil, relayerr.Errorf(relayerr.ErrSerialization, "event %s has no payload", ev.ID)
	}
	return WakuMessage{
		Payload:      base64.StdEncoding.EncodeToString(ev.Raw),
		ContentTopic: e.ContentTopic,
	}, nil
}

// InviteContent is the JSON carried in the content of an invite note.
type InviteContent struct {
	Inviter   string          `json:"inviter"`
	Invitee   string          `json:"invitee"`
	ProjectID string          `json:"projectId"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
	Type      string          `json:"type"`
}

// InviteMsg is the body posted to the IndexDB invite webhook.
type InviteMsg struct {
	Project   string      `json:"project"`
	ID        string      `json:"id"`
	Account   string      `json:"account"`
	EventType string      `json:"event_type"`
	Event     InviteEvent `json:"event"`
}

// InviteEvent names both sides of an invite.
type InviteEvent struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// IndexInvite encodes invite notes for the IndexDB webhook.
type IndexInvite struct{}

// Encode fails with ErrSerialization when the note content is not an
// invite, so the pipeline skips it without retrying.
func (IndexInvite) Encode(ev relay.Event) (any, error) {
	var c InviteContent
	if err := json.Unmarshal([]byte(ev.Content), &c); err != nil {
		return nil, relayerr.New(relayerr.ErrSerialization, "parse invite "+ev.ID, err)
	}
	switch {
	case c.Inviter == "":
		return nil, relayerr.Errorf(relayerr.ErrSerialization, "invite %s has no inviter", ev.ID)
	case c.Invitee == "":
		return nil, relayerr.Errorf(relayerr.ErrSerialization, "invite %s has no invitee", ev.ID)
	case c.ProjectID == "":
		return nil, relayerr.Errorf(relayerr.ErrSerialization, "invite %s has no projectId", ev.ID)
	}
	return InviteMsg{
		Project:   c.ProjectID,
		ID:        ev.ID,
		Account:   ev.PubKey,
		EventType: c.Type,
		Event:     InviteEvent{From: c.Inviter, To: c.Invitee},
	}, nil
}
