package notifications

import (
	"context"
	"log"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Presence keys live in the likes namespace next to the pub/sub channel.
// The online set holds user IDs with at least one live likes socket on any
// instance; each member is backed by a per-user last-seen key with a TTL so
// crashed instances cannot leave users online forever.
const (
	presenceOnlineSetKey = "likes:online"
	presenceSeenKeyNS    = "likes:seen:"
	presenceSeenTTL      = 90 * time.Second
	presenceOfflineGrace = 5 * time.Second
	presenceReapInterval = 60 * time.Second
)

// PresenceConfig overrides tracker timing and installs transition hooks.
// Zero values fall back to the defaults above.
type PresenceConfig struct {
	SeenTTL      time.Duration
	OfflineGrace time.Duration
	ReapInterval time.Duration
	OnOnline     func(userID uint)
	OnOffline    func(userID uint)
}

// PresenceTracker reports which users currently hold a likes socket. Local
// connection counts are authoritative for this instance; Redis mirrors them
// so every instance sees the same online set. Without Redis the tracker
// degrades to local-only visibility.
type PresenceTracker struct {
	rdb *redis.Client

	mu          sync.RWMutex
	local       map[uint]int
	graceTimers map[uint]*time.Timer
	notifiedOff map[uint]bool

	seenTTL      time.Duration
	offlineGrace time.Duration
	reapInterval time.Duration

	onOnline  func(userID uint)
	onOffline func(userID uint)

	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewPresenceTracker creates a tracker and starts the stale-entry reaper
// when Redis is available.
func NewPresenceTracker(rdb *redis.Client, cfg PresenceConfig) *PresenceTracker {
	p := &PresenceTracker{
		rdb:          rdb,
		local:        make(map[uint]int),
		graceTimers:  make(map[uint]*time.Timer),
		notifiedOff:  make(map[uint]bool),
		seenTTL:      presenceSeenTTL,
		offlineGrace: presenceOfflineGrace,
		reapInterval: presenceReapInterval,
		onOnline:     cfg.OnOnline,
		onOffline:    cfg.OnOffline,
		stopCh:       make(chan struct{}),
	}

	if cfg.SeenTTL > 0 {
		p.seenTTL = cfg.SeenTTL
	}
	if cfg.OfflineGrace > 0 {
		p.offlineGrace = cfg.OfflineGrace
	}
	if cfg.ReapInterval > 0 {
		p.reapInterval = cfg.ReapInterval
	}

	if p.rdb != nil {
		go p.reapLoop()
	}

	return p
}

// Stop halts the reaper and cancels pending offline grace timers.
func (p *PresenceTracker) Stop() {
	p.stopOnce.Do(func() {
		close(p.stopCh)
		p.mu.Lock()
		for userID, timer := range p.graceTimers {
			timer.Stop()
			delete(p.graceTimers, userID)
		}
		p.mu.Unlock()
	})
}

// Register records one more likes socket for the user. A reconnect inside
// the offline grace window cancels the pending offline transition, so tab
// refreshes do not flap presence.
func (p *PresenceTracker) Register(ctx context.Context, userID uint) {
	wasOnline := p.IsOnline(ctx, userID)

	p.mu.Lock()
	if timer, ok := p.graceTimers[userID]; ok {
		timer.Stop()
		delete(p.graceTimers, userID)
	}
	p.local[userID]++
	p.notifiedOff[userID] = false
	p.mu.Unlock()

	p.Touch(ctx, userID)
	if !wasOnline {
		p.emitOnline(userID)
	}
}

// Touch refreshes the user's Redis presence. Called on register and from
// socket activity so long-lived idle connections stay visible.
func (p *PresenceTracker) Touch(ctx context.Context, userID uint) {
	if p.rdb == nil {
		return
	}
	uid := strconv.FormatUint(uint64(userID), 10)
	if err := p.rdb.SAdd(ctx, presenceOnlineSetKey, uid).Err(); err != nil {
		log.Printf("presence: online set add failed for user %d: %v", userID, err)
	}
	seen := strconv.FormatInt(time.Now().Unix(), 10)
	if err := p.rdb.SetEx(ctx, p.seenKey(userID), seen, p.seenTTL).Err(); err != nil {
		log.Printf("presence: last-seen refresh failed for user %d: %v", userID, err)
	}
}

// Unregister drops one socket. The user only goes offline after the grace
// window passes with no reconnect and no other socket left.
func (p *PresenceTracker) Unregister(userID uint) {
	p.mu.Lock()
	if n := p.local[userID]; n > 1 {
		p.local[userID] = n - 1
		p.mu.Unlock()
		return
	}
	delete(p.local, userID)

	if timer, ok := p.graceTimers[userID]; ok {
		timer.Stop()
	}
	p.graceTimers[userID] = time.AfterFunc(p.offlineGrace, func() {
		p.finalizeOffline(context.Background(), userID)
	})
	p.mu.Unlock()
}

// IsOnline reports whether the user has a live socket here or, via the
// last-seen key, on any other instance.
func (p *PresenceTracker) IsOnline(ctx context.Context, userID uint) bool {
	p.mu.RLock()
	localConns := p.local[userID]
	p.mu.RUnlock()
	if localConns > 0 {
		return true
	}

	if p.rdb == nil {
		return false
	}
	exists, err := p.rdb.Exists(ctx, p.seenKey(userID)).Result()
	return err == nil && exists > 0
}

// OnlineUserIDs returns the online set from Redis, filtered against the
// last-seen keys, unioned with this instance's sockets as a safety net.
func (p *PresenceTracker) OnlineUserIDs(ctx context.Context) []uint {
	local := p.localIDs()
	if p.rdb == nil {
		return local
	}

	members, err := p.rdb.SMembers(ctx, presenceOnlineSetKey).Result()
	if err != nil {
		return local
	}

	seen := make(map[uint]struct{}, len(members)+len(local))
	online := make([]uint, 0, len(members)+len(local))
	for _, raw := range members {
		id64, parseErr := strconv.ParseUint(raw, 10, 32)
		if parseErr != nil {
			continue
		}
		userID := uint(id64)
		exists, existsErr := p.rdb.Exists(ctx, p.seenKey(userID)).Result()
		if existsErr != nil {
			continue
		}
		if exists == 0 {
			// Stale member; the owning instance died before cleanup.
			_ = p.rdb.SRem(ctx, presenceOnlineSetKey, raw).Err()
			continue
		}
		if _, dup := seen[userID]; dup {
			continue
		}
		seen[userID] = struct{}{}
		online = append(online, userID)
	}

	for _, userID := range local {
		if _, dup := seen[userID]; dup {
			continue
		}
		seen[userID] = struct{}{}
		online = append(online, userID)
	}

	return online
}

// reapOnce clears online-set members whose last-seen key expired and emits
// offline for those without a local socket.
func (p *PresenceTracker) reapOnce(ctx context.Context) {
	if p.rdb == nil {
		return
	}

	members, err := p.rdb.SMembers(ctx, presenceOnlineSetKey).Result()
	if err != nil {
		return
	}

	for _, raw := range members {
		id64, parseErr := strconv.ParseUint(raw, 10, 32)
		if parseErr != nil {
			continue
		}
		userID := uint(id64)
		exists, existsErr := p.rdb.Exists(ctx, p.seenKey(userID)).Result()
		if existsErr != nil || exists > 0 {
			continue
		}

		_ = p.rdb.SRem(ctx, presenceOnlineSetKey, raw).Err()

		p.mu.RLock()
		hasLocal := p.local[userID] > 0
		p.mu.RUnlock()
		if !hasLocal {
			p.emitOffline(userID)
		}
	}
}

func (p *PresenceTracker) reapLoop() {
	ticker := time.NewTicker(p.reapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.reapOnce(context.Background())
		}
	}
}

func (p *PresenceTracker) finalizeOffline(ctx context.Context, userID uint) {
	p.mu.Lock()
	delete(p.graceTimers, userID)
	if p.local[userID] > 0 {
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()

	if p.rdb != nil {
		exists, err := p.rdb.Exists(ctx, p.seenKey(userID)).Result()
		if err == nil && exists > 0 {
			// Another instance refreshed presence; the user stays online.
			return
		}
		uid := strconv.FormatUint(uint64(userID), 10)
		_ = p.rdb.SRem(ctx, presenceOnlineSetKey, uid).Err()
	}

	p.emitOffline(userID)
}

func (p *PresenceTracker) emitOnline(userID uint) {
	p.mu.Lock()
	p.notifiedOff[userID] = false
	cb := p.onOnline
	p.mu.Unlock()
	if cb != nil {
		cb(userID)
	}
}

func (p *PresenceTracker) emitOffline(userID uint) {
	p.mu.Lock()
	if p.notifiedOff[userID] {
		p.mu.Unlock()
		return
	}
	p.notifiedOff[userID] = true
	cb := p.onOffline
	p.mu.Unlock()
	if cb != nil {
		cb(userID)
	}
}

func (p *PresenceTracker) localIDs() []uint {
	p.mu.RLock()
	defer p.mu.RUnlock()
	ids := make([]uint, 0, len(p.local))
	for userID, count := range p.local {
		if count > 0 {
			ids = append(ids, userID)
		}
	}
	return ids
}

func (p *PresenceTracker) seenKey(userID uint) string {
	return presenceSeenKeyNS + strconv.FormatUint(uint64(userID), 10)
}
