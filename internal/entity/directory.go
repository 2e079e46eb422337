package entity

import (
	"fmt"
	"sync"

	"github.com/leonletto/sigrecv/internal/types"
)

// Resolver is the get-or-add lookup the ledger and the receive engine use to
// attach entities to records. The bool result reports whether the entity was
// newly created.
type Resolver interface {
	Self() *Contact
	GetOrAddContact(addr types.Address) (bool, *Contact)
	GetOrAddGroup(id string) (bool, *Group)
	GetOrAddDevice(owner *Contact, id int) (bool, *Device)
}

type deviceKey struct {
	owner *Contact
	id    int
}

// Directory is the in-memory Resolver for one account.
type Directory struct {
	mu       sync.Mutex
	self     *Contact
	byNumber map[string]*Contact
	byUUID   map[string]*Contact
	groups   map[string]*Group
	devices  map[deviceKey]*Device
}

var _ Resolver = (*Directory)(nil)

// NewDirectory creates a directory whose local user is self.
func NewDirectory(self types.Address) (*Directory, error) {
	if self.IsZero() {
		return nil, fmt.Errorf("self address has no identifier")
	}
	d := &Directory{
		byNumber: make(map[string]*Contact),
		byUUID:   make(map[string]*Contact),
		groups:   make(map[string]*Group),
		devices:  make(map[deviceKey]*Device),
	}
	_, d.self = d.GetOrAddContact(self)
	return d, nil
}

// Self returns the account's own contact.
func (d *Directory) Self() *Contact {
	return d.self
}

// GetOrAddContact looks addr up by number, then uuid, creating a contact if
// neither matches. Identifiers learned from addr are merged into an existing
// contact. A zero address resolves to nil.
func (d *Directory) GetOrAddContact(addr types.Address) (bool, *Contact) {
	if addr.IsZero() {
		return false, nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	c := d.lookupLocked(addr)
	if c == nil {
		c = &Contact{number: addr.Number, uuid: addr.UUID, name: addr.Name}
		d.indexLocked(c, addr.Number, addr.UUID)
		return true, c
	}
	number, id := c.merge(addr)
	d.indexLocked(c, number, id)
	return false, c
}

// Contact looks up an existing contact without creating one.
func (d *Directory) Contact(addr types.Address) (*Contact, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	c := d.lookupLocked(addr)
	return c, c != nil
}

// ContactByID resolves a stored identifier (number or uuid).
func (d *Directory) ContactByID(id string) (bool, *Contact) {
	return d.GetOrAddContact(types.ParseAddress(id))
}

// Contacts returns every known contact, self included.
func (d *Directory) Contacts() []*Contact {
	d.mu.Lock()
	defer d.mu.Unlock()
	seen := make(map[*Contact]bool)
	var out []*Contact
	for _, c := range d.byNumber {
		if !seen[c] {
			seen[c] = true
			out = append(out, c)
		}
	}
	for _, c := range d.byUUID {
		if !seen[c] {
			seen[c] = true
			out = append(out, c)
		}
	}
	return out
}

func (d *Directory) lookupLocked(addr types.Address) *Contact {
	if addr.Number != "" {
		if c, ok := d.byNumber[addr.Number]; ok {
			return c
		}
	}
	if addr.UUID != "" {
		if c, ok := d.byUUID[addr.UUID]; ok {
			return c
		}
	}
	return nil
}

func (d *Directory) indexLocked(c *Contact, number, id string) {
	if number != "" {
		d.byNumber[number] = c
	}
	if id != "" {
		d.byUUID[id] = c
	}
}

// GetOrAddGroup looks a group up by id. An empty id resolves to nil.
func (d *Directory) GetOrAddGroup(id string) (bool, *Group) {
	if id == "" {
		return false, nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if g, ok := d.groups[id]; ok {
		return false, g
	}
	g := &Group{id: id}
	d.groups[id] = g
	return true, g
}

// GetOrAddDevice looks up device id of owner. A nil owner resolves to nil.
func (d *Directory) GetOrAddDevice(owner *Contact, id int) (bool, *Device) {
	if owner == nil {
		return false, nil
	}
	key := deviceKey{owner: owner, id: id}
	d.mu.Lock()
	defer d.mu.Unlock()
	if dev, ok := d.devices[key]; ok {
		return false, dev
	}
	dev := &Device{owner: owner, id: id}
	d.devices[key] = dev
	return true, dev
}

// ApplyBlocked replaces the blocked state with the given lists. Entities
// named in the lists are created if unknown; everything else is unblocked.
func (d *Directory) ApplyBlocked(numbers, groupIDs []string) {
	blockedContacts := make(map[*Contact]bool, len(numbers))
	for _, id := range numbers {
		if _, c := d.ContactByID(id); c != nil {
			blockedContacts[c] = true
		}
	}
	blockedGroups := make(map[*Group]bool, len(groupIDs))
	for _, id := range groupIDs {
		if _, g := d.GetOrAddGroup(id); g != nil {
			blockedGroups[g] = true
		}
	}

	for _, c := range d.Contacts() {
		c.SetBlocked(blockedContacts[c])
	}
	d.mu.Lock()
	groups := make([]*Group, 0, len(d.groups))
	for _, g := range d.groups {
		groups = append(groups, g)
	}
	d.mu.Unlock()
	for _, g := range groups {
		g.SetBlocked(blockedGroups[g])
	}
}
