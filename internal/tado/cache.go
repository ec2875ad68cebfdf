package tado

import (
	"sort"
	"sync"
	"time"
)

// Cache holds the most recent structural metadata and live state fetched
// from the API. It does NOT fetch from network - the poll loop does that
// and stores results here for readers.
type Cache struct {
	mu sync.RWMutex

	home    *Home
	rooms   map[int]Room
	devices map[string]Device

	homeState  *HomeState
	roomStates map[int]RoomState

	metaFetchedAt  time.Time
	stateFetchedAt time.Time
	metaDirty      bool
}

// NewCache creates an empty cache.
func NewCache() *Cache {
	return &Cache{
		rooms:      make(map[int]Room),
		devices:    make(map[string]Device),
		roomStates: make(map[int]RoomState),
	}
}

// SetMetadata stores the slow-track structural data and clears the
// dirty flag.
func (c *Cache) SetMetadata(home *Home, rooms []Room, devices []Device) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.home = home
	c.rooms = make(map[int]Room, len(rooms))
	for _, r := range rooms {
		c.rooms[r.ID] = r
	}
	c.devices = make(map[string]Device, len(devices))
	for _, d := range devices {
		c.devices[d.SerialNo] = d
	}
	c.metaFetchedAt = time.Now()
	c.metaDirty = false
}

// SetStates stores the fast-track live data.
func (c *Cache) SetStates(home *HomeState, states []RoomState) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if home != nil {
		c.homeState = home
	}
	for _, s := range states {
		c.roomStates[s.ID] = s
	}
	c.stateFetchedAt = time.Now()
}

// MarkMetadataDirty forces the next metadata staleness check to report
// stale. Called after hardware-config writes so the slow track re-reads
// what it just changed.
func (c *Cache) MarkMetadataDirty() {
	c.mu.Lock()
	c.metaDirty = true
	c.mu.Unlock()
}

// MetadataStale reports whether structural data is missing, marked
// dirty, or older than maxAge.
func (c *Cache) MetadataStale(maxAge time.Duration) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.metaDirty || c.metaFetchedAt.IsZero() {
		return true
	}
	return time.Since(c.metaFetchedAt) > maxAge
}

// Home returns home metadata, or nil before the first slow refresh.
func (c *Cache) Home() *Home {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.home
}

// Room returns one room's metadata.
func (c *Cache) Room(id int) (Room, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.rooms[id]
	return r, ok
}

// Rooms returns all rooms sorted by ID.
func (c *Cache) Rooms() []Room {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]Room, 0, len(c.rooms))
	for _, r := range c.rooms {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Device returns one device by serial.
func (c *Cache) Device(serial string) (Device, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	d, ok := c.devices[serial]
	return d, ok
}

// Devices returns all devices sorted by serial.
func (c *Cache) Devices() []Device {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]Device, 0, len(c.devices))
	for _, d := range c.devices {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SerialNo < out[j].SerialNo })
	return out
}

// HomeState returns the latest presence snapshot, or nil before the
// first fast refresh.
func (c *Cache) HomeState() *HomeState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.homeState
}

// RoomState returns one room's live state.
func (c *Cache) RoomState(id int) (RoomState, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.roomStates[id]
	return s, ok
}

// RoomStates returns all live room states sorted by room ID.
func (c *Cache) RoomStates() []RoomState {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]RoomState, 0, len(c.roomStates))
	for _, s := range c.roomStates {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// StateAge returns how old the live data is, and false before the
// first fast refresh.
func (c *Cache) StateAge() (time.Duration, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.stateFetchedAt.IsZero() {
		return 0, false
	}
	return time.Since(c.stateFetchedAt), true
}
