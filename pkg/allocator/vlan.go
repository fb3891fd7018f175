package allocator

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"

	"github.com/newtron-network/metalnet/pkg/model"
	"github.com/newtron-network/metalnet/pkg/util"
)

// Redis keys of the VLAN pool.
const (
	// poolAllKey is the set of every pool-managed VLAN.
	poolAllKey = "VLAN_POOL|all"
	// poolFreeKey is a sorted set of available VLANs scored by number.
	poolFreeKey = "VLAN_POOL|free"
	// claimedKey is the set of claimed VLANs, pool-managed or not.
	claimedKey = "VLAN_POOL|claimed"
)

// Each script is one atomic server-side update.
var (
	// KEYS: free, claimed. Returns the claimed VLAN or false.
	popScript = redis.NewScript(`
local popped = redis.call('ZPOPMIN', KEYS[1])
if #popped == 0 then
  return false
end
redis.call('SADD', KEYS[2], popped[1])
return popped[1]
`)

	// KEYS: free, claimed. ARGV: vlan. Returns 1 when claimed, 0 when taken.
	claimScript = redis.NewScript(`
if redis.call('SADD', KEYS[2], ARGV[1]) == 0 then
  return 0
end
redis.call('ZREM', KEYS[1], ARGV[1])
return 1
`)

	// KEYS: all, free, claimed. ARGV: vlan.
	freeScript = redis.NewScript(`
if redis.call('SREM', KEYS[3], ARGV[1]) == 1 and redis.call('SISMEMBER', KEYS[1], ARGV[1]) == 1 then
  redis.call('ZADD', KEYS[2], tonumber(ARGV[1]), ARGV[1])
end
return 0
`)

	// KEYS: all, free, claimed. ARGV: vlans. Returns the number added.
	populateScript = redis.NewScript(`
local added = 0
for _, vlan in ipairs(ARGV) do
  added = added + redis.call('SADD', KEYS[1], vlan)
  if redis.call('SISMEMBER', KEYS[3], vlan) == 0 then
    redis.call('ZADD', KEYS[2], tonumber(vlan), vlan)
  end
end
return added
`)
)

// VLANPool is the Allocator for 802.1Q networks. Network ids are decimal
// VLAN numbers; each network may be presented untagged on the native
// channel or tagged on its own VLAN.
type VLANPool struct {
	client *redis.Client
	vlans  []int
}

var _ Allocator = (*VLANPool)(nil)

// NewVLANPool creates an allocator over client. vlans are the configured
// pool members consumed by Populate.
func NewVLANPool(client *redis.Client, vlans []int) *VLANPool {
	return &VLANPool{client: client, vlans: vlans}
}

// NewVLANPoolFromSpec parses a range specification such as "100-200,300".
func NewVLANPoolFromSpec(client *redis.Client, spec string) (*VLANPool, error) {
	var vlans []int
	if spec != "" {
		var err error
		if vlans, err = util.ExpandVLANRange(spec); err != nil {
			return nil, fmt.Errorf("vlan pool %q: %w", spec, err)
		}
	}
	return NewVLANPool(client, vlans), nil
}

// GetNewNetworkID pops the lowest free VLAN
func (p *VLANPool) GetNewNetworkID(ctx context.Context) (string, error) {
	id, err := popScript.Run(ctx, p.client, []string{poolFreeKey, claimedKey}).Text()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("allocating vlan: %w", err)
	}
	util.WithField("vlan", id).Debug("Allocated VLAN from pool")
	return id, nil
}

// FreeNetworkID releases a claimed VLAN
func (p *VLANPool) FreeNetworkID(ctx context.Context, id string) error {
	if !p.ValidateNetworkID(id) {
		return nil
	}
	if err := freeScript.Run(ctx, p.client, []string{poolAllKey, poolFreeKey, claimedKey}, id).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("freeing vlan %s: %w", id, err)
	}
	return nil
}

// ClaimNetworkID claims an explicit VLAN, in the pool or not
func (p *VLANPool) ClaimNetworkID(ctx context.Context, id string) error {
	if !p.ValidateNetworkID(id) {
		return util.NewAllocationError(id, "not a valid VLAN number")
	}
	ok, err := claimScript.Run(ctx, p.client, []string{poolFreeKey, claimedKey}, id).Int()
	if err != nil {
		return fmt.Errorf("claiming vlan %s: %w", id, err)
	}
	if ok == 0 {
		return util.NewAllocationError(id, "already claimed")
	}
	return nil
}

// ValidateNetworkID accepts canonical decimal VLAN numbers 1..4094
func (p *VLANPool) ValidateNetworkID(id string) bool {
	n, err := strconv.Atoi(id)
	if err != nil || strconv.Itoa(n) != id {
		return false
	}
	return util.ValidateVLANID(n) == nil
}

// IsNetworkIDInPool reports pool membership
func (p *VLANPool) IsNetworkIDInPool(ctx context.Context, id string) (bool, error) {
	if !p.ValidateNetworkID(id) {
		return false, nil
	}
	return p.client.SIsMember(ctx, poolAllKey, id).Result()
}

// LegalChannelsFor returns the native channel and the VLAN's tagged channel
func (p *VLANPool) LegalChannelsFor(id string) ([]string, error) {
	if !p.ValidateNetworkID(id) {
		return nil, util.NewValidationError(fmt.Sprintf("invalid VLAN network id %q", id))
	}
	return []string{model.NativeChannel, model.TaggedChannel(id)}, nil
}

// IsLegalChannelFor reports whether channel is one of LegalChannelsFor(id)
func (p *VLANPool) IsLegalChannelFor(channel, id string) bool {
	legal, err := p.LegalChannelsFor(id)
	if err != nil {
		return false
	}
	for _, ch := range legal {
		if ch == channel {
			return true
		}
	}
	return false
}

// DefaultChannel is the native channel
func (p *VLANPool) DefaultChannel() string {
	return model.NativeChannel
}

// Populate adds the configured VLANs to the pool
func (p *VLANPool) Populate(ctx context.Context) error {
	if len(p.vlans) == 0 {
		return nil
	}
	args := make([]interface{}, len(p.vlans))
	for i, v := range p.vlans {
		args[i] = strconv.Itoa(v)
	}
	added, err := populateScript.Run(ctx, p.client, []string{poolAllKey, poolFreeKey, claimedKey}, args...).Int()
	if err != nil {
		return fmt.Errorf("populating vlan pool: %w", err)
	}
	util.WithFields(logrus.Fields{
		"configured": util.CompactRange(p.vlans),
		"added":      added,
	}).Info("VLAN pool populated")
	return nil
}

// Stats returns the number of free and total pool VLANs
func (p *VLANPool) Stats(ctx context.Context) (free, total int64, err error) {
	pipe := p.client.Pipeline()
	freeCmd := pipe.ZCard(ctx, poolFreeKey)
	totalCmd := pipe.SCard(ctx, poolAllKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, 0, fmt.Errorf("reading vlan pool: %w", err)
	}
	return freeCmd.Val(), totalCmd.Val(), nil
}
