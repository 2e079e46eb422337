// Package entity is the account's cache of contacts, groups and devices.
//
// Lookups are get-or-add: the receive path and the send path both resolve
// addresses lazily and either may be first to see a given contact.
package entity

import (
	"sync"

	"github.com/leonletto/sigrecv/internal/timestamp"
	"github.com/leonletto/sigrecv/internal/types"
)

// Kind distinguishes recipient types.
type Kind string

const (
	KindContact Kind = "contact"
	KindGroup   Kind = "group"
)

// Recipient is anything a message can be addressed to.
type Recipient interface {
	RecipientID() string
	RecipientKind() Kind
	DisplayName() string
}

// seen tracks a forward-only last-seen instant.
type seen struct {
	at *timestamp.Timestamp
}

func (s *seen) advance(ts timestamp.Timestamp) bool {
	if s.at != nil && !ts.After(*s.at) {
		return false
	}
	s.at = timestamp.Ptr(ts)
	return true
}

// Contact is a remote (or the local) user.
type Contact struct {
	mu       sync.RWMutex
	number   string
	uuid     string
	name     string
	lastSeen seen
	typing   bool
	blocked  bool
}

// ID returns the number if known, else the uuid.
func (c *Contact) ID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.number != "" {
		return c.number
	}
	return c.uuid
}

// Address returns every identifier known for the contact.
func (c *Contact) Address() types.Address {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return types.Address{Number: c.number, UUID: c.uuid, Name: c.name}
}

// Matches reports whether addr names this contact.
func (c *Contact) Matches(addr types.Address) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return (addr.Number != "" && addr.Number == c.number) ||
		(addr.UUID != "" && addr.UUID == c.uuid)
}

func (c *Contact) RecipientID() string { return c.ID() }
func (c *Contact) RecipientKind() Kind { return KindContact }

// DisplayName returns the profile name, falling back to the identifier.
func (c *Contact) DisplayName() string {
	c.mu.RLock()
	name := c.name
	c.mu.RUnlock()
	if name != "" {
		return name
	}
	return c.ID()
}

// Seen moves the last-seen time forward. Older instants are ignored.
func (c *Contact) Seen(ts timestamp.Timestamp) {
	c.mu.Lock()
	c.lastSeen.advance(ts)
	c.mu.Unlock()
}

// LastSeen returns nil if the contact has never been seen.
func (c *Contact) LastSeen() *timestamp.Timestamp {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastSeen.at
}

func (c *Contact) SetTyping(typing bool) {
	c.mu.Lock()
	c.typing = typing
	c.mu.Unlock()
}

func (c *Contact) IsTyping() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.typing
}

func (c *Contact) SetBlocked(blocked bool) {
	c.mu.Lock()
	c.blocked = blocked
	c.mu.Unlock()
}

func (c *Contact) IsBlocked() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.blocked
}

// merge fills identifiers the contact was missing. Reports which new keys
// need indexing.
func (c *Contact) merge(addr types.Address) (newNumber, newUUID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.number == "" && addr.Number != "" {
		c.number = addr.Number
		newNumber = addr.Number
	}
	if c.uuid == "" && addr.UUID != "" {
		c.uuid = addr.UUID
		newUUID = addr.UUID
	}
	if addr.Name != "" {
		c.name = addr.Name
	}
	return newNumber, newUUID
}

// Group is a group conversation.
type Group struct {
	mu       sync.RWMutex
	id       string
	name     string
	lastSeen seen
	blocked  bool
}

func (g *Group) ID() string          { return g.id }
func (g *Group) RecipientID() string { return g.id }
func (g *Group) RecipientKind() Kind { return KindGroup }

func (g *Group) DisplayName() string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.name != "" {
		return g.name
	}
	return g.id
}

func (g *Group) SetName(name string) {
	g.mu.Lock()
	g.name = name
	g.mu.Unlock()
}

func (g *Group) Seen(ts timestamp.Timestamp) {
	g.mu.Lock()
	g.lastSeen.advance(ts)
	g.mu.Unlock()
}

func (g *Group) LastSeen() *timestamp.Timestamp {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.lastSeen.at
}

func (g *Group) SetBlocked(blocked bool) {
	g.mu.Lock()
	g.blocked = blocked
	g.mu.Unlock()
}

func (g *Group) IsBlocked() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.blocked
}

// Device is one registered device of a contact.
type Device struct {
	mu       sync.RWMutex
	owner    *Contact
	id       int
	lastSeen seen
}

func (d *Device) ID() int         { return d.id }
func (d *Device) Owner() *Contact { return d.owner }
func (d *Device) IsPrimary() bool { return d.id == PrimaryDeviceID }

func (d *Device) Seen(ts timestamp.Timestamp) {
	d.mu.Lock()
	d.lastSeen.advance(ts)
	d.mu.Unlock()
}

func (d *Device) LastSeen() *timestamp.Timestamp {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.lastSeen.at
}

// PrimaryDeviceID is the device id of the phone an account registered on.
const PrimaryDeviceID = 1
