// Copyright © 2026 Niko Carpenter <niko@nikocarpenter.com>
//
// This source code is governed by the MIT license, which can be found in the LICENSE file.

package channels

import "time"

// Stats contains summary information about a registry.
type Stats struct {
	Uptime          time.Duration `json:"uptime"`
	NumChannels     int           `json:"num_channels"`
	MaxChannels     int           `json:"max_channels"`
	MaxChannelsTime time.Time     `json:"max_channels_at"`
	NumMembers      int           `json:"num_members"`
	MaxMembers      int           `json:"max_members"`
	MaxMembersTime  time.Time     `json:"max_members_at"`
	MessagesRouted  uint64        `json:"messages_routed"`
	Deliveries      uint64        `json:"deliveries"`
	Malformed       uint64        `json:"malformed"`
	SendFailures    uint64        `json:"send_failures"`
}

// Stats gets stats for this registry.
func (reg *Registry) Stats() Stats {
	reg.lock.RLock()
	defer reg.lock.RUnlock()

	return Stats{
		Uptime:          reg.now().Sub(reg.createdTime),
		NumChannels:     len(reg.channels),
		MaxChannels:     reg.maxChannels,
		MaxChannelsTime: reg.maxChannelsTime,
		NumMembers:      reg.numMembers,
		MaxMembers:      reg.maxMembers,
		MaxMembersTime:  reg.maxMembersTime,
		MessagesRouted:  reg.messagesRouted,
		Deliveries:      reg.deliveries,
		Malformed:       reg.malformed,
		SendFailures:    reg.sendFailures,
	}
}
