package model

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/newtron-network/metalnet/pkg/util"
)

// Channel prefixes. A channel names how a network is presented on a port:
// untagged ("vlan/native") or tagged with a VLAN number ("vlan/<id>").
const (
	ChannelPrefix = "vlan/"
	NativeChannel = ChannelPrefix + "native"
)

// TaggedChannel returns the tagged channel for a VLAN number.
func TaggedChannel(vlan string) string {
	return ChannelPrefix + vlan
}

// IsNative reports whether channel is the native (untagged) channel.
func IsNative(channel string) bool {
	return channel == NativeChannel
}

// ParseChannel splits a channel into its native flag or tagged VLAN number.
func ParseChannel(channel string) (native bool, vlan int, err error) {
	if channel == NativeChannel {
		return true, 0, nil
	}
	rest, ok := strings.CutPrefix(channel, ChannelPrefix)
	if !ok {
		return false, 0, fmt.Errorf("invalid channel %q", channel)
	}
	vlan, err = strconv.Atoi(rest)
	if err != nil {
		return false, 0, fmt.Errorf("invalid channel %q: %w", channel, err)
	}
	if err := util.ValidateVLANID(vlan); err != nil {
		return false, 0, fmt.Errorf("invalid channel %q: %w", channel, err)
	}
	return false, vlan, nil
}

// SortChannels orders channels with the native channel first, then tagged
// channels by VLAN number. Unparseable channels sort last, lexically.
func SortChannels(channels []string) {
	rank := func(ch string) int {
		native, vlan, err := ParseChannel(ch)
		switch {
		case err != nil:
			return util.MaxVLANID + 1
		case native:
			return -1
		default:
			return vlan
		}
	}
	sort.SliceStable(channels, func(i, j int) bool {
		ri, rj := rank(channels[i]), rank(channels[j])
		if ri != rj {
			return ri < rj
		}
		return channels[i] < channels[j]
	})
}
