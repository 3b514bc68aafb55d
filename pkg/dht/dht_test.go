package dht_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tzbkk/pacprism/pkg/dht"
)

func newEntry(nodeID, nodeIP string, gen, expiry int64, shardIDs ...string) dht.Entry {
	shards := make([]dht.Shard, 0, len(shardIDs))
	for _, s := range shardIDs {
		shards = append(shards, dht.Shard{ShardID: s})
	}

	return dht.Entry{
		NodeID:      nodeID,
		NodeIP:      nodeIP,
		GenerationTS: gen,
		ExpiryTS:    expiry,
		Shards:      shards,
		Information: "info-" + nodeID,
	}
}

func TestStoreAndVerifyEntry(t *testing.T) {
	d := dht.New(dht.Options{})

	assert.False(t, d.VerifyEntry("node-1"))

	d.StoreEntry(newEntry("node-1", "10.0.0.1", 1, time.Now().Add(time.Hour).Unix(), "shard-a"))

	assert.True(t, d.VerifyEntry("node-1"))
	assert.Equal(t, 1, d.Len())
}

func TestStoreEntryIgnoresStaleGeneration(t *testing.T) {
	d := dht.New(dht.Options{})

	d.StoreEntry(newEntry("node-1", "10.0.0.1", 5, time.Now().Add(time.Hour).Unix(), "shard-a"))
	d.StoreEntry(newEntry("node-1", "10.0.0.2", 3, time.Now().Add(time.Hour).Unix(), "shard-b"))

	ids, ok := d.QueryNodeIDsByShardID("shard-a")
	require.True(t, ok)
	assert.Equal(t, []string{"node-1"}, ids)

	_, ok = d.QueryNodeIDsByShardID("shard-b")
	assert.False(t, ok)
}

func TestStoreEntryReplacesOnNewerGeneration(t *testing.T) {
	d := dht.New(dht.Options{})

	d.StoreEntry(newEntry("node-1", "10.0.0.1", 1, time.Now().Add(time.Hour).Unix(), "shard-a"))
	d.StoreEntry(newEntry("node-1", "10.0.0.2", 2, time.Now().Add(time.Hour).Unix(), "shard-b"))

	_, ok := d.QueryNodeIDsByShardID("shard-a")
	assert.False(t, ok)

	ids, ok := d.QueryNodeIDsByShardID("shard-b")
	require.True(t, ok)
	assert.Equal(t, []string{"node-1"}, ids)
}

func TestQueryNodeIDsByShardIDMultipleNodes(t *testing.T) {
	d := dht.New(dht.Options{})

	d.StoreEntry(newEntry("node-1", "10.0.0.1", 1, time.Now().Add(time.Hour).Unix(), "shard-a"))
	d.StoreEntry(newEntry("node-2", "10.0.0.2", 1, time.Now().Add(time.Hour).Unix(), "shard-a"))

	ids, ok := d.QueryNodeIDsByShardID("shard-a")
	require.True(t, ok)
	assert.ElementsMatch(t, []string{"node-1", "node-2"}, ids)
}

func TestRemoveEntryTearsDownAllIndexes(t *testing.T) {
	d := dht.New(dht.Options{})

	d.StoreEntry(newEntry("node-1", "10.0.0.1", 1, time.Now().Add(time.Hour).Unix(), "shard-a", "shard-b"))
	d.RemoveEntry("node-1")

	assert.False(t, d.VerifyEntry("node-1"))
	assert.Equal(t, 0, d.Len())

	_, ok := d.QueryNodeIDsByShardID("shard-a")
	assert.False(t, ok)
	_, ok = d.QueryNodeIDsByShardID("shard-b")
	assert.False(t, ok)
}

func TestRemoveEntryUnknownNodeIsNoop(t *testing.T) {
	d := dht.New(dht.Options{})

	assert.NotPanics(t, func() {
		d.RemoveEntry("does-not-exist")
	})
}

func TestCleanByExpiryTimeEvictsExpiredOnly(t *testing.T) {
	d := dht.New(dht.Options{})

	now := time.Now()

	d.StoreEntry(newEntry("expired", "10.0.0.1", 1, now.Add(-time.Minute).Unix(), "shard-a"))
	d.StoreEntry(newEntry("fresh", "10.0.0.2", 1, now.Add(time.Hour).Unix(), "shard-a"))

	d.CleanByExpiryTime(now)

	assert.False(t, d.VerifyEntry("expired"))
	assert.True(t, d.VerifyEntry("fresh"))
}

func TestCleanByLivenessEvictsAtThreshold(t *testing.T) {
	d := dht.New(dht.Options{LivenessThreshold: 3})

	d.StoreEntry(newEntry("node-1", "10.0.0.1", 1, time.Now().Add(time.Hour).Unix(), "shard-a"))
	d.StoreEntry(newEntry("node-2", "10.0.0.2", 1, time.Now().Add(time.Hour).Unix(), "shard-a"))

	d.RecordLivenessFailure("node-1")
	d.RecordLivenessFailure("node-1")
	d.RecordLivenessFailure("node-1")

	d.RecordLivenessFailure("node-2")
	d.RecordLivenessFailure("node-2")

	d.CleanByLiveness()

	assert.False(t, d.VerifyEntry("node-1"))
	assert.True(t, d.VerifyEntry("node-2"))
}

func TestRecordLivenessSuccessResetsCounter(t *testing.T) {
	d := dht.New(dht.Options{LivenessThreshold: 2})

	d.StoreEntry(newEntry("node-1", "10.0.0.1", 1, time.Now().Add(time.Hour).Unix(), "shard-a"))

	d.RecordLivenessFailure("node-1")
	d.RecordLivenessSuccess("node-1")
	d.RecordLivenessFailure("node-1")

	d.CleanByLiveness()

	assert.True(t, d.VerifyEntry("node-1"))
}
