package device

import (
	"sort"
	"sync"
)

// ReadHandler produces the value served to a central's read request.
type ReadHandler func(central string) ([]byte, error)

// WriteHandler receives a value written by a central. Returning an *ATTError answers
// the central with that status.
type WriteHandler func(central string, data []byte) error

// LocalService is a GATT service hosted by a Broadcaster.
type LocalService struct {
	UUID            string
	Characteristics []*LocalCharacteristic
}

// NewLocalService creates a service definition; uuid is normalized.
func NewLocalService(uuid string, chars ...*LocalCharacteristic) *LocalService {
	svc := &LocalService{UUID: NormalizeUUID(uuid)}
	for _, c := range chars {
		svc.AddCharacteristic(c)
	}
	return svc
}

// AddCharacteristic appends c and returns it.
func (s *LocalService) AddCharacteristic(c *LocalCharacteristic) *LocalCharacteristic {
	c.serviceUUID = s.UUID
	s.Characteristics = append(s.Characteristics, c)
	return c
}

// Normalize rewrites every UUID in the definition to normalized form and binds each
// characteristic to the service, including ones not added through AddCharacteristic.
func (s *LocalService) Normalize() {
	s.UUID = NormalizeUUID(s.UUID)
	for _, c := range s.Characteristics {
		c.UUID = NormalizeUUID(c.UUID)
		c.serviceUUID = s.UUID
		for i := range c.Descriptors {
			c.Descriptors[i].UUID = NormalizeUUID(c.Descriptors[i].UUID)
		}
	}
}

// Characteristic looks up a characteristic by UUID.
func (s *LocalService) Characteristic(uuid string) (*LocalCharacteristic, bool) {
	u := NormalizeUUID(uuid)
	for _, c := range s.Characteristics {
		if c.UUID == u {
			return c, true
		}
	}
	return nil, false
}

// LocalDescriptor is a static descriptor value served with a local characteristic.
type LocalDescriptor struct {
	UUID  string
	Value []byte
}

// LocalCharacteristic is a characteristic hosted by a Broadcaster. Its current value is
// served to reads unless OnRead is set, and is replaced by accepted writes and by Notify.
type LocalCharacteristic struct {
	UUID        string
	Properties  Property
	Descriptors []LocalDescriptor
	OnRead      ReadHandler
	OnWrite     WriteHandler

	serviceUUID string

	mu          sync.RWMutex
	value       []byte
	subscribers map[string]struct{}
}

// NewLocalCharacteristic creates a characteristic definition with an initial value.
func NewLocalCharacteristic(uuid string, props Property, value []byte) *LocalCharacteristic {
	return &LocalCharacteristic{
		UUID:       NormalizeUUID(uuid),
		Properties: props,
		value:      append([]byte(nil), value...),
	}
}

// ServiceUUID returns the owning service UUID once the characteristic was added to one.
func (c *LocalCharacteristic) ServiceUUID() string {
	return c.serviceUUID
}

// Value returns a copy of the current value.
func (c *LocalCharacteristic) Value() []byte {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]byte(nil), c.value...)
}

// SetValue replaces the current value without notifying anyone.
func (c *LocalCharacteristic) SetValue(v []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.value = append([]byte(nil), v...)
}

// AddSubscriber records central as subscribed and reports whether it was new.
func (c *LocalCharacteristic) AddSubscriber(central string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.subscribers == nil {
		c.subscribers = make(map[string]struct{})
	}
	if _, ok := c.subscribers[central]; ok {
		return false
	}
	c.subscribers[central] = struct{}{}
	return true
}

// RemoveSubscriber forgets central and reports whether it was subscribed.
func (c *LocalCharacteristic) RemoveSubscriber(central string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.subscribers[central]; !ok {
		return false
	}
	delete(c.subscribers, central)
	return true
}

// Subscribers returns the centrals currently subscribed, sorted.
func (c *LocalCharacteristic) Subscribers() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.subscribers))
	for s := range c.subscribers {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
