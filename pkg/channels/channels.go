// Copyright © 2026 Niko Carpenter <niko@nikocarpenter.com>
//
// This source code is governed by the MIT license, which can be found in the LICENSE file.

// Package channels contains the channel registry of a sigrelay server.
//
// A connection joins a channel by sending a message into it,
// and stays joined until it disconnects.
// Every message is relayed to the other open members of its channel.
package channels

import (
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Conn is a member of a channel.
// Send must not block; if the connection is no longer open, Send does nothing.
type Conn interface {
	ID() uint64
	Send(payload []byte) error
	IsOpen() bool
}

// Recorder observes registry activity.
type Recorder interface {
	ChannelsChanged(n int)
	MembersChanged(n int)
	MessageRouted()
	Delivered()
	Malformed()
	SendFailed()
}

type noopRecorder struct{}

func (noopRecorder) ChannelsChanged(int) {}
func (noopRecorder) MembersChanged(int)  {}
func (noopRecorder) MessageRouted()      {}
func (noopRecorder) Delivered()          {}
func (noopRecorder) Malformed()          {}
func (noopRecorder) SendFailed()         {}

// channel relays traffic between connections using the same name.
type channel struct {
	name    string
	members map[uint64]Conn
}

// join adds c to the channel.
// It reports whether c was not already a member.
func (ch *channel) join(c Conn) bool {
	if _, ok := ch.members[c.ID()]; ok {
		return false
	}
	ch.members[c.ID()] = c
	return true
}

// leave removes the member with the given ID.
// It reports whether that member was present.
func (ch *channel) leave(id uint64) bool {
	if _, ok := ch.members[id]; !ok {
		return false
	}
	delete(ch.members, id)
	return true
}

// Registry maps channel names to their members.
// All methods are safe for concurrent use.
type Registry struct {
	lock     sync.RWMutex // Protects the entire registry
	channels map[string]*channel

	log      logrus.FieldLogger
	recorder Recorder
	now      func() time.Time

	createdTime     time.Time
	numMembers      int
	maxChannels     int
	maxChannelsTime time.Time
	maxMembers      int
	maxMembersTime  time.Time
	messagesRouted  uint64
	deliveries      uint64
	malformed       uint64
	sendFailures    uint64
}

// Option configures a Registry.
type Option func(*Registry)

// WithRecorder sends registry activity to rec.
func WithRecorder(rec Recorder) Option {
	return func(reg *Registry) {
		if rec != nil {
			reg.recorder = rec
		}
	}
}

// WithClock replaces time.Now for stats timestamps.
func WithClock(now func() time.Time) Option {
	return func(reg *Registry) {
		if now != nil {
			reg.now = now
		}
	}
}

// NewRegistry makes an empty registry.
// If log is nil, the standard logrus logger is used.
func NewRegistry(log logrus.FieldLogger, opts ...Option) *Registry {
	if log == nil {
		log = logrus.StandardLogger()
	}
	reg := &Registry{
		channels: make(map[string]*channel),
		log:      log,
		recorder: noopRecorder{},
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(reg)
	}

	now := reg.now()
	reg.createdTime = now
	reg.maxChannelsTime = now
	reg.maxMembersTime = now
	return reg
}

// RouteMessage joins sender to the channel named in raw,
// and relays raw, unmodified, to every other open member of that channel.
//
// If raw can't be parsed, a *MalformedMessageError is returned and nothing else happens.
// Delivery failures are logged, and never returned.
func (reg *Registry) RouteMessage(sender Conn, raw []byte) error {
	msg, err := ParseMessage(raw)
	if err != nil {
		reg.lock.Lock()
		reg.malformed++
		reg.lock.Unlock()
		reg.recorder.Malformed()
		return err
	}

	reg.lock.Lock()
	defer reg.lock.Unlock()

	ch := reg.getOrCreate(msg.Channel)
	if ch.join(sender) {
		reg.numMembers++
		reg.recorder.MembersChanged(reg.numMembers)
		if reg.numMembers > reg.maxMembers {
			reg.maxMembers = reg.numMembers
			reg.maxMembersTime = reg.now()
		}
		reg.log.WithFields(logrus.Fields{
			"client":  sender.ID(),
			"channel": msg.Channel,
			"members": len(ch.members),
		}).Debug("Client joined channel")
	}

	reg.messagesRouted++
	reg.recorder.MessageRouted()
	reg.broadcast(ch, sender.ID(), msg.Raw)
	return nil
}

// getOrCreate returns the named channel, adding it if it doesn't exist.
// reg.lock must be held for writing.
func (reg *Registry) getOrCreate(name string) *channel {
	if ch, ok := reg.channels[name]; ok {
		return ch
	}

	ch := &channel{
		name:    name,
		members: make(map[uint64]Conn),
	}
	reg.channels[name] = ch
	reg.recorder.ChannelsChanged(len(reg.channels))
	if len(reg.channels) > reg.maxChannels {
		reg.maxChannels = len(reg.channels)
		reg.maxChannelsTime = reg.now()
	}
	reg.log.WithField("channel", name).Debug("Channel created")
	return ch
}

// broadcast sends payload to every open member of ch except origin.
// reg.lock must be held for writing.
func (reg *Registry) broadcast(ch *channel, origin uint64, payload []byte) {
	for id, member := range ch.members {
		if id == origin || !member.IsOpen() {
			continue
		}
		if err := member.Send(payload); err != nil {
			reg.sendFailures++
			reg.recorder.SendFailed()
			reg.log.WithFields(logrus.Fields{
				"client":  id,
				"channel": ch.name,
				"error":   &SendError{ConnID: id, Err: err},
			}).Warn("Dropped message for channel member")
			continue
		}
		reg.deliveries++
		reg.recorder.Delivered()
	}
}

// Disconnect removes c from every channel it joined.
// Channels with no members left are deleted.
func (reg *Registry) Disconnect(c Conn) {
	reg.lock.Lock()
	defer reg.lock.Unlock()

	id := c.ID()
	for name, ch := range reg.channels {
		if !ch.leave(id) {
			continue
		}
		reg.numMembers--
		reg.recorder.MembersChanged(reg.numMembers)
		reg.log.WithFields(logrus.Fields{
			"client":  id,
			"channel": name,
			"members": len(ch.members),
		}).Debug("Client left channel")

		if len(ch.members) == 0 {
			delete(reg.channels, name)
			reg.recorder.ChannelsChanged(len(reg.channels))
			reg.log.WithField("channel", name).Debug("Channel destroyed")
		}
	}
}

// Members returns the sorted IDs of the members of the named channel.
func (reg *Registry) Members(name string) []uint64 {
	reg.lock.RLock()
	defer reg.lock.RUnlock()

	ids := []uint64{}
	if ch, ok := reg.channels[name]; ok {
		for id := range ch.members {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Channels returns the sorted names of all channels.
func (reg *Registry) Channels() []string {
	reg.lock.RLock()
	defer reg.lock.RUnlock()

	names := make([]string, 0, len(reg.channels))
	for name := range reg.channels {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
