// Package dht implements the in-memory distributed hash table that tracks
// peer nodes and which shards they serve. It is a single-process,
// mutex-guarded structure: no state is persisted and no cross-process
// coherence is attempted.
package dht

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const otelPackageName = "github.com/tzbkk/pacprism/pkg/dht"

// DefaultLivenessThreshold is the number of consecutive failed liveness
// probes after which an entry is evicted by CleanByLiveness.
const DefaultLivenessThreshold = 3

// Shard identifies one partition of the package namespace a node claims to serve.
type Shard struct {
	ShardID string `json:"shard_id"`
}

// Entry describes one peer node as announced to the DHT.
type Entry struct {
	NodeID       string  `json:"node_id"`
	NodeIP       string  `json:"node_ip"`
	GenerationTS int64   `json:"generation_ts"`
	ExpiryTS     int64   `json:"expiry_ts"`
	Shards       []Shard `json:"shards"`
	Information  string  `json:"information"`
}

type expiryKey struct {
	expiry int64
	nodeID string
}

// Options configures a DHT.
type Options struct {
	// LivenessThreshold is the number of consecutive failed probes an entry
	// must accumulate before CleanByLiveness evicts it. Zero uses
	// DefaultLivenessThreshold.
	LivenessThreshold int
}

// DHT is the nine-index in-memory peer directory. All exported methods are
// safe for concurrent use.
type DHT struct {
	mu sync.RWMutex

	livenessThreshold int

	nodeIPToNodeID     map[string]string
	nodeIDToNodeIP     map[string]string
	nodeIDToGeneration map[string]int64
	expirySet          []expiryKey // sorted by (expiry, nodeID)
	nodeIDToExpiry     map[string]int64
	shardIDToNodeIDs   map[string]map[string]struct{}
	nodeIDToShardIDs   map[string]map[string]struct{}
	nodeIDToInfo       map[string]string
	nodeIDToLiveness   map[string]int

	entryGauge metric.Int64ObservableGauge
}

// New creates an empty DHT.
func New(opts Options) *DHT {
	threshold := opts.LivenessThreshold
	if threshold <= 0 {
		threshold = DefaultLivenessThreshold
	}

	d := &DHT{
		livenessThreshold:  threshold,
		nodeIPToNodeID:     make(map[string]string),
		nodeIDToNodeIP:     make(map[string]string),
		nodeIDToGeneration: make(map[string]int64),
		nodeIDToExpiry:     make(map[string]int64),
		shardIDToNodeIDs:   make(map[string]map[string]struct{}),
		nodeIDToShardIDs:   make(map[string]map[string]struct{}),
		nodeIDToInfo:       make(map[string]string),
		nodeIDToLiveness:   make(map[string]int),
	}

	meter := otel.Meter(otelPackageName)

	gauge, err := meter.Int64ObservableGauge(
		"pacprism.dht.entries",
		metric.WithDescription("number of live entries in the DHT"),
	)
	if err == nil {
		d.entryGauge = gauge

		_, _ = meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
			d.mu.RLock()
			n := int64(len(d.nodeIDToNodeIP))
			d.mu.RUnlock()

			o.ObserveInt64(gauge, n)

			return nil
		}, gauge)
	}

	return d
}

// VerifyEntry reports whether nodeID is currently known to the DHT.
func (d *DHT) VerifyEntry(nodeID string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()

	return d.verifyEntryLocked(nodeID)
}

func (d *DHT) verifyEntryLocked(nodeID string) bool {
	_, ok := d.nodeIDToGeneration[nodeID]

	return ok
}

// StoreEntry inserts or refreshes a peer entry. If an entry for the same
// node_id already exists, the new entry replaces it only when its
// generation_timestamp is strictly newer; otherwise the call is a no-op,
// matching I-D3.
func (d *DHT) StoreEntry(e Entry) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.verifyEntryLocked(e.NodeID) {
		if d.nodeIDToGeneration[e.NodeID] < e.GenerationTS {
			d.removeEntryLocked(e.NodeID)
		} else {
			return
		}
	}

	d.nodeIPToNodeID[e.NodeIP] = e.NodeID
	d.nodeIDToNodeIP[e.NodeID] = e.NodeIP
	d.nodeIDToGeneration[e.NodeID] = e.GenerationTS
	d.insertExpiry(e.ExpiryTS, e.NodeID)
	d.nodeIDToExpiry[e.NodeID] = e.ExpiryTS

	for _, shard := range e.Shards {
		if d.shardIDToNodeIDs[shard.ShardID] == nil {
			d.shardIDToNodeIDs[shard.ShardID] = make(map[string]struct{})
		}

		d.shardIDToNodeIDs[shard.ShardID][e.NodeID] = struct{}{}

		if d.nodeIDToShardIDs[e.NodeID] == nil {
			d.nodeIDToShardIDs[e.NodeID] = make(map[string]struct{})
		}

		d.nodeIDToShardIDs[e.NodeID][shard.ShardID] = struct{}{}
	}

	d.nodeIDToInfo[e.NodeID] = e.Information
	d.nodeIDToLiveness[e.NodeID] = 0
}

// QueryNodeIDsByShardID returns the set of node IDs that claim to serve
// shardID, and false if no node claims that shard.
func (d *DHT) QueryNodeIDsByShardID(shardID string) ([]string, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	set, ok := d.shardIDToNodeIDs[shardID]
	if !ok {
		return nil, false
	}

	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}

	sort.Strings(ids)

	return ids, true
}

// RemoveEntry removes a node and all of its index entries. It is the only
// site in the DHT that performs a full multi-index teardown.
func (d *DHT) RemoveEntry(nodeID string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.removeEntryLocked(nodeID)
}

func (d *DHT) removeEntryLocked(nodeID string) {
	if !d.verifyEntryLocked(nodeID) {
		return
	}

	nodeIP := d.nodeIDToNodeIP[nodeID]
	if d.nodeIPToNodeID[nodeIP] == nodeID {
		delete(d.nodeIPToNodeID, nodeIP)
	}

	delete(d.nodeIDToNodeIP, nodeID)
	delete(d.nodeIDToGeneration, nodeID)

	for shardID := range d.nodeIDToShardIDs[nodeID] {
		if nodes := d.shardIDToNodeIDs[shardID]; nodes != nil {
			delete(nodes, nodeID)

			if len(nodes) == 0 {
				delete(d.shardIDToNodeIDs, shardID)
			}
		}
	}

	d.removeExpiry(d.nodeIDToExpiry[nodeID], nodeID)
	delete(d.nodeIDToExpiry, nodeID)
	delete(d.nodeIDToShardIDs, nodeID)
	delete(d.nodeIDToInfo, nodeID)
	delete(d.nodeIDToLiveness, nodeID)
}

// CleanByExpiryTime removes every entry whose expiry_timestamp has passed as
// of now.
func (d *DHT) CleanByExpiryTime(now time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()

	nowSec := now.Unix()

	var toRemove []string

	for _, k := range d.expirySet {
		if k.expiry > nowSec {
			break
		}

		toRemove = append(toRemove, k.nodeID)
	}

	for _, id := range toRemove {
		d.removeEntryLocked(id)
	}
}

// CleanByLiveness removes every entry whose consecutive failed liveness
// probe count has reached the configured threshold.
func (d *DHT) CleanByLiveness() {
	d.mu.Lock()
	defer d.mu.Unlock()

	var toRemove []string

	for id, count := range d.nodeIDToLiveness {
		if count >= d.livenessThreshold {
			toRemove = append(toRemove, id)
		}
	}

	for _, id := range toRemove {
		d.removeEntryLocked(id)
	}
}

// RecordLivenessFailure increments the consecutive-failure counter for
// nodeID. It is a no-op if nodeID is unknown.
func (d *DHT) RecordLivenessFailure(nodeID string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.nodeIDToLiveness[nodeID]; ok {
		d.nodeIDToLiveness[nodeID]++
	}
}

// RecordLivenessSuccess resets the consecutive-failure counter for nodeID.
func (d *DHT) RecordLivenessSuccess(nodeID string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.nodeIDToLiveness[nodeID]; ok {
		d.nodeIDToLiveness[nodeID] = 0
	}
}

// Len returns the number of live entries in the DHT.
func (d *DHT) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()

	return len(d.nodeIDToNodeIP)
}

func (d *DHT) insertExpiry(expiry int64, nodeID string) {
	k := expiryKey{expiry: expiry, nodeID: nodeID}

	i := sort.Search(len(d.expirySet), func(i int) bool {
		return less(k, d.expirySet[i]) || equal(k, d.expirySet[i])
	})

	d.expirySet = append(d.expirySet, expiryKey{})
	copy(d.expirySet[i+1:], d.expirySet[i:])
	d.expirySet[i] = k
}

func (d *DHT) removeExpiry(expiry int64, nodeID string) {
	k := expiryKey{expiry: expiry, nodeID: nodeID}

	for i, e := range d.expirySet {
		if equal(e, k) {
			d.expirySet = append(d.expirySet[:i], d.expirySet[i+1:]...)

			return
		}
	}
}

func less(a, b expiryKey) bool {
	if a.expiry != b.expiry {
		return a.expiry < b.expiry
	}

	return a.nodeID < b.nodeID
}

func equal(a, b expiryKey) bool {
	return a.expiry == b.expiry && a.nodeID == b.nodeID
}

// LogSnapshot writes a debug-level summary of the DHT's size to the logger
// carried by ctx.
func LogSnapshot(ctx context.Context, d *DHT) {
	zerolog.Ctx(ctx).Debug().Int("entries", d.Len()).Msg("dht snapshot")
}
