package p2p

import (
	"testing"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/stretchr/testify/assert"
)

func TestPeerBookLimitsAndStaleness(t *testing.T) {
	b := newPeerBook(2, time.Minute)
	a, c := peer.ID("a"), peer.ID("c")

	b.add(a, nil)
	assert.True(t, b.known(a))
	assert.False(t, b.full())
	b.add(c, nil)
	assert.True(t, b.full())
	assert.Equal(t, 2, b.len())

	// nothing is stale yet
	assert.Empty(t, b.stale(time.Now()))

	b.touch(a)
	stale := b.stale(time.Now().Add(2 * time.Minute))
	assert.ElementsMatch(t, []peer.ID{a, c}, stale)
	assert.Zero(t, b.len())

	b.add(a, nil)
	snap := b.snapshot()
	snap[0].LastSeen = time.Time{}
	assert.Empty(t, b.stale(time.Now()), "snapshot entries are copies")

	b.remove(a)
	assert.False(t, b.known(a))
}
