package smqp

import (
	"context"
	"sync/atomic"

	"github.com/israelio/smqp-go-client/internal/protocol"
)

// TemporaryDestination is a queue or topic that lives as long as its
// connection. It is recreated under the same name after a reconnect.
type TemporaryDestination struct {
	conn    *Connection
	dest    Destination
	deleted atomic.Bool
}

// CreateTemporaryQueue creates a temporary queue
func (c *Connection) CreateTemporaryQueue(ctx context.Context) (*TemporaryDestination, error) {
	return c.createTemporary(ctx, false)
}

// CreateTemporaryTopic creates a temporary topic
func (c *Connection) CreateTemporaryTopic(ctx context.Context) (*TemporaryDestination, error) {
	return c.createTemporary(ctx, true)
}

func (c *Connection) createTemporary(ctx context.Context, topic bool) (*TemporaryDestination, error) {
	if c.IsClosed() {
		return nil, ErrConnectionClosed
	}
	req, err := c.newRequest(protocol.KindCreateTempDest, 0, true, protocol.TempDestBody{Topic: topic})
	if err != nil {
		return nil, err
	}
	reply, err := c.call(ctx, req)
	if err != nil {
		return nil, err
	}
	var body protocol.TempDestBody
	if err := reply.Decode(&body); err != nil {
		return nil, err
	}

	td := &TemporaryDestination{conn: c, dest: Destination{Name: body.Name, Type: protocol.DestinationTempQueue}}
	if topic {
		td.dest.Type = protocol.DestinationTempTopic
	}

	c.mu.Lock()
	c.tempDests = append(c.tempDests, td)
	c.mu.Unlock()
	return td, nil
}

// Destination returns the destination to produce to or consume from
func (td *TemporaryDestination) Destination() Destination {
	return td.dest
}

// Name returns the broker assigned name
func (td *TemporaryDestination) Name() string {
	return td.dest.Name
}

// Delete removes the destination. Producers to it stop being retried.
func (td *TemporaryDestination) Delete(ctx context.Context) error {
	if !td.deleted.CompareAndSwap(false, true) {
		return nil
	}
	c := td.conn
	c.mu.Lock()
	for i, other := range c.tempDests {
		if other == td {
			c.tempDests = append(c.tempDests[:i], c.tempDests[i+1:]...)
			break
		}
	}
	c.mu.Unlock()

	req, err := c.newRequest(protocol.KindDeleteTempDest, 0, true, protocol.TempDestBody{Name: td.dest.Name, Topic: td.dest.IsTopic()})
	if err != nil {
		return err
	}
	_, err = c.call(ctx, req)
	return err
}

func (td *TemporaryDestination) recreateRequest() (*protocol.Request, error) {
	if td.deleted.Load() {
		return nil, nil
	}
	return protocol.NewRequest(protocol.KindCreateTempDest, 0, true, protocol.TempDestBody{Name: td.dest.Name, Topic: td.dest.IsTopic()})
}

func (td *TemporaryDestination) setRecreateReply(reply *protocol.Reply) error {
	return nil
}

func (td *TemporaryDestination) recreatables() []recreatable {
	return nil
}

// IsTemporaryValid reports whether name is a live temporary destination
// of this connection
func (c *Connection) IsTemporaryValid(name string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, td := range c.tempDests {
		if td.dest.Name == name && !td.deleted.Load() {
			return true
		}
	}
	return false
}
