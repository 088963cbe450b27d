package smqp

import (
	"github.com/israelio/smqp-go-client/internal/protocol"
)

// recreatable is a stateful entity whose server side is rebuilt after a
// reconnect. A nil request skips the entity and its children.
type recreatable interface {
	recreateRequest() (*protocol.Request, error)
	setRecreateReply(reply *protocol.Reply) error
	recreatables() []recreatable
}

// recreatables lists temporary destinations, then sessions, then
// connection consumers
func (c *Connection) recreatables() []recreatable {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]recreatable, 0, len(c.tempDests)+len(c.sessions)+len(c.consumers))
	for _, td := range c.tempDests {
		out = append(out, td)
	}
	for _, s := range c.sessions {
		out = append(out, s)
	}
	for _, cc := range c.consumers {
		out = append(out, cc)
	}
	return out
}
