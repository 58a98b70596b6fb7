// Package session carries the explicit per-session context objects the
// engine threads through every ledger, evaluator and controller call. There
// is deliberately no ambient "current session" lookup anywhere.
package session

import (
	"fmt"

	"github.com/rgoulet/examd/go/internal/models"
)

// Context is the working context of one request against one session: the
// session row, the test map it navigates, and the item it currently points
// at. A Context is rebuilt per request and never shared across requests.
type Context struct {
	Session  *models.Session
	TestMap  *models.TestMap
	Position models.MapPosition
}

// NewContext builds a context pointed at the given item position.
func NewContext(sess *models.Session, testMap *models.TestMap, position int) (*Context, error) {
	pos, ok := testMap.At(position)
	if !ok {
		return nil, fmt.Errorf("test %s has no item at position %d", testMap.TestID, position)
	}
	return &Context{Session: sess, TestMap: testMap, Position: pos}, nil
}

// Owner returns the (user, session) key ledgers and state records persist
// under.
func (c *Context) Owner() string {
	return c.Session.UserID.String() + "." + c.Session.ID.String()
}

// NavigationMode returns the mode of the test part the context points at.
func (c *Context) NavigationMode() models.NavigationMode {
	if c.Position.Part != nil {
		return c.Position.Part.NavigationMode
	}
	return models.NavigationModeNonLinear
}

// ClockTarget returns which clock duration queries should trust for this
// session. Sessions that have queued offline actions report their own
// elapsed time, so the client clock wins once the session is offline-aware.
func (c *Context) ClockTarget() models.ClockTarget {
	if c.Session.OfflineAware {
		return models.ClockTargetClient
	}
	return models.ClockTargetServer
}

// Reposition moves the context to a new item position.
func (c *Context) Reposition(position int) error {
	pos, ok := c.TestMap.At(position)
	if !ok {
		return fmt.Errorf("test %s has no item at position %d", c.TestMap.TestID, position)
	}
	c.Position = pos
	return nil
}
