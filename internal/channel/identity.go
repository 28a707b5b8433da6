package channel

import (
	"fmt"
	"log/slog"
	"sync"

	"nanoclaw/internal/domain"
	"nanoclaw/internal/metrics"
)

// PersistFunc writes the complete mapping set to durable storage.
type PersistFunc func(mappings []domain.ChannelMapping) error

// IdentityMap is a bidirectional, 1:1 table between external channel ids and
// NanoClaw group JIDs. Mutations are persisted before they become visible:
// a failed write leaves the in-memory state unchanged.
//
// Mapping a JID that is already bound to another channel displaces that
// channel's mapping, so the reverse index never points at a stale channel.
type IdentityMap struct {
	channel string // platform name, used for logs and metrics
	persist PersistFunc
	onDrop  func(jid string)
	logger  *slog.Logger

	mu  sync.RWMutex
	set *mappingSet
}

// NewIdentityMap creates an empty map. persist may be nil for a map that is
// never written back; onDrop, when set, is called for every JID whose
// channel binding is removed or changed.
func NewIdentityMap(channel string, persist PersistFunc, onDrop func(jid string), logger *slog.Logger) *IdentityMap {
	if logger == nil {
		logger = slog.Default()
	}
	return &IdentityMap{
		channel: channel,
		persist: persist,
		onDrop:  onDrop,
		logger:  logger,
		set:     newMappingSet(),
	}
}

// Load replaces every mapping with the given set without persisting it.
// Conflicting entries resolve in list order: later entries win.
func (m *IdentityMap) Load(mappings []domain.ChannelMapping) {
	next := newMappingSet()
	for _, mapping := range mappings {
		if prev := next.put(mapping); prev != "" {
			m.logger.Warn("duplicate group in channel mappings, keeping the later entry",
				"jid", mapping.JID, "dropped_channel", prev, "channel_id", mapping.SlackChannelID)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.commit(next)
	for _, mapping := range next.list() {
		m.logger.Info("channel mapped",
			"channel", m.channel,
			"channel_name", mapping.SlackChannelName,
			"jid", mapping.JID,
		)
	}
}

// ResolveConversation returns the JID mapped to an external channel id.
func (m *IdentityMap) ResolveConversation(channelID string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	mapping, ok := m.set.byChannel[channelID]
	return mapping.JID, ok
}

// ResolveChannel returns the external channel id mapped to a JID.
func (m *IdentityMap) ResolveChannel(jid string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	channelID, ok := m.set.byJID[jid]
	return channelID, ok
}

// Owns reports whether any mapping targets jid.
func (m *IdentityMap) Owns(jid string) bool {
	_, ok := m.ResolveChannel(jid)
	return ok
}

func (m *IdentityMap) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.set.order)
}

// List returns a copy of all mappings in insertion order.
func (m *IdentityMap) List() []domain.ChannelMapping {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.set.list()
}

// Upsert inserts or replaces the mapping for channelID and persists the
// whole set before committing it.
func (m *IdentityMap) Upsert(channelID, channelName, jid string) error {
	if channelID == "" || jid == "" {
		return fmt.Errorf("channel id and jid are required")
	}
	mapping := domain.ChannelMapping{SlackChannelID: channelID, SlackChannelName: channelName, JID: jid}

	m.mu.Lock()
	defer m.mu.Unlock()

	next := m.set.clone()
	displaced := next.put(mapping)
	if err := m.save(next); err != nil {
		return err
	}
	m.commit(next)

	if displaced != "" {
		m.logger.Warn("channel mapping displaced",
			"channel", m.channel,
			"previous_channel_id", displaced,
			"jid", jid,
		)
	}
	m.logger.Info("channel mapping added",
		"channel", m.channel,
		"channel_name", channelName,
		"jid", jid,
	)
	return nil
}

// Remove deletes the mapping for channelID. Unknown ids are a no-op.
func (m *IdentityMap) Remove(channelID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.set.byChannel[channelID]; !ok {
		return nil
	}
	next := m.set.clone()
	next.remove(channelID)
	if err := m.save(next); err != nil {
		return err
	}
	m.commit(next)

	m.logger.Info("channel mapping removed", "channel", m.channel, "channel_id", channelID)
	return nil
}

func (m *IdentityMap) save(next *mappingSet) error {
	if m.persist == nil {
		return nil
	}
	if err := m.persist(next.list()); err != nil {
		return fmt.Errorf("persist channel mappings: %w", err)
	}
	return nil
}

// commit swaps in next and reports JIDs whose binding changed. Caller holds mu.
func (m *IdentityMap) commit(next *mappingSet) {
	prev := m.set
	m.set = next
	metrics.ChannelMappings.WithLabelValues(m.channel).Set(float64(len(next.order)))

	if m.onDrop == nil {
		return
	}
	for jid, channelID := range prev.byJID {
		if next.byJID[jid] != channelID {
			m.onDrop(jid)
		}
	}
}

// mappingSet is an immutable-by-convention snapshot; mutations go to a clone.
type mappingSet struct {
	order     []string // external channel ids
	byChannel map[string]domain.ChannelMapping
	byJID     map[string]string
}

func newMappingSet() *mappingSet {
	return &mappingSet{
		byChannel: make(map[string]domain.ChannelMapping),
		byJID:     make(map[string]string),
	}
}

func (s *mappingSet) clone() *mappingSet {
	out := &mappingSet{
		order:     append([]string(nil), s.order...),
		byChannel: make(map[string]domain.ChannelMapping, len(s.byChannel)),
		byJID:     make(map[string]string, len(s.byJID)),
	}
	for k, v := range s.byChannel {
		out.byChannel[k] = v
	}
	for k, v := range s.byJID {
		out.byJID[k] = v
	}
	return out
}

// put inserts or replaces a mapping, keeping the position of an existing
// channel id. It returns the channel id displaced because it was bound to
// the same JID, if any.
func (s *mappingSet) put(mapping domain.ChannelMapping) (displaced string) {
	channelID, jid := mapping.SlackChannelID, mapping.JID

	if old, ok := s.byChannel[channelID]; ok {
		if old.JID != jid && s.byJID[old.JID] == channelID {
			delete(s.byJID, old.JID)
		}
	} else {
		s.order = append(s.order, channelID)
	}

	if prev, ok := s.byJID[jid]; ok && prev != channelID {
		s.remove(prev)
		displaced = prev
	}

	s.byChannel[channelID] = mapping
	s.byJID[jid] = channelID
	return displaced
}

func (s *mappingSet) remove(channelID string) {
	mapping, ok := s.byChannel[channelID]
	if !ok {
		return
	}
	delete(s.byChannel, channelID)
	if s.byJID[mapping.JID] == channelID {
		delete(s.byJID, mapping.JID)
	}
	for i, id := range s.order {
		if id == channelID {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
}

func (s *mappingSet) list() []domain.ChannelMapping {
	out := make([]domain.ChannelMapping, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.byChannel[id])
	}
	return out
}
