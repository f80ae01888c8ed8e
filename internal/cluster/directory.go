package cluster

import "sync"

// MapDirectory is a thread-safe Directory fed by the host runtime as it
// learns which guilds and channels this node serves.
type MapDirectory struct {
	mu       sync.RWMutex
	guilds   map[string]struct{}
	channels map[string]string // channelID -> guildID
}

var _ Directory = (*MapDirectory)(nil)

func NewMapDirectory() *MapDirectory {
	return &MapDirectory{
		guilds:   make(map[string]struct{}),
		channels: make(map[string]string),
	}
}

// Assign registers a channel (and its guild) as owned by this node.
func (d *MapDirectory) Assign(guildID, channelID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.guilds[guildID] = struct{}{}
	if channelID != "" {
		d.channels[channelID] = guildID
	}
}

// Release drops a channel; the guild stays until its last channel goes.
func (d *MapDirectory) Release(channelID string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	guildID, ok := d.channels[channelID]
	if !ok {
		return
	}
	delete(d.channels, channelID)

	for _, g := range d.channels {
		if g == guildID {
			return
		}
	}
	delete(d.guilds, guildID)
}

func (d *MapDirectory) OwnsGuild(guildID string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.guilds[guildID]
	return ok
}

func (d *MapDirectory) OwnsChannel(channelID string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.channels[channelID]
	return ok
}

func (d *MapDirectory) GuildCount() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.guilds)
}
