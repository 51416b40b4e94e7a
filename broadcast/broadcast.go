// broadcast/broadcast.go
package broadcast

import (
	"errors"

	"github.com/wfunc/partyserver/logger"
	"github.com/wfunc/partyserver/room"
	"github.com/wfunc/partyserver/session"
)

// 广播接口
type Broadcaster interface {
	Publish(roomCode string, events []room.Event)
	BroadcastToAll(msg Message)
	Unicast(s *session.Session, msg Message) error
}

// RoomBroadcaster fans events out to every connection bound to a room. It is
// called after the room lock is released; each session queues the frame and
// its own writer drains it.
type RoomBroadcaster struct {
	sessionManager *session.Manager
	onDrop         func(s *session.Session)
}

// NewRoomBroadcaster takes an optional onDrop, called for each connection
// closed as a slow consumer.
func NewRoomBroadcaster(sessionManager *session.Manager, onDrop func(s *session.Session)) *RoomBroadcaster {
	return &RoomBroadcaster{
		sessionManager: sessionManager,
		onDrop:         onDrop,
	}
}

// Publish renders every event once per viewer, in order.
func (b *RoomBroadcaster) Publish(roomCode string, events []room.Event) {
	if len(events) == 0 {
		return
	}
	for _, s := range b.sessionManager.InRoom(roomCode) {
		viewer := s.PlayerID()
		if s.IsHost() {
			viewer = ""
		}
		for _, ev := range events {
			if err := b.Unicast(s, Encode(ev, viewer)); err != nil {
				break
			}
		}
	}
}

// BroadcastToAll sends the same message to every connection, bound or not.
func (b *RoomBroadcaster) BroadcastToAll(msg Message) {
	msgID, data, err := msg.Marshal()
	if err != nil {
		logger.Log.Errorf("broadcast: encode %s: %v", msg.Event, err)
		return
	}
	for _, s := range b.sessionManager.All() {
		_ = b.send(s, msgID, data)
	}
}

func (b *RoomBroadcaster) Unicast(s *session.Session, msg Message) error {
	msgID, data, err := msg.Marshal()
	if err != nil {
		logger.Log.Errorf("broadcast: encode %s for %s: %v", msg.Event, s.ID, err)
		return err
	}
	return b.send(s, msgID, data)
}

func (b *RoomBroadcaster) send(s *session.Session, msgID uint16, data []byte) error {
	err := s.Send(msgID, data)
	if errors.Is(err, session.ErrSlowConsumer) && b.onDrop != nil {
		b.onDrop(s)
	}
	return err
}
