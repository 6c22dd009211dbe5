package subs

import (
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adred-codev/wsrpc/pkg/topic"
)

func TestExactSubscribeIdempotent(t *testing.T) {
	x := NewExactIndex()
	assert.True(t, x.Subscribe("orders.created", 1))
	assert.False(t, x.Subscribe("orders.created", 1))
	assert.Equal(t, []uint64{1}, x.Subscribers("orders.created"))
}

func TestExactUnsubscribe(t *testing.T) {
	x := NewExactIndex()
	x.Subscribe("orders.created", 1)
	x.Subscribe("orders.created", 2)

	assert.True(t, x.Unsubscribe("orders.created", 1))
	assert.False(t, x.Unsubscribe("orders.created", 1))
	assert.False(t, x.Unsubscribe("never.seen", 1))
	assert.Equal(t, []uint64{2}, x.Subscribers("orders.created"))

	assert.True(t, x.Unsubscribe("orders.created", 2))
	// Topic key is gone entirely once the last subscriber leaves.
	assert.Nil(t, x.Subscribers("orders.created"))
}

func TestExactTopicsOf(t *testing.T) {
	x := NewExactIndex()
	x.Subscribe("a.b", 5)
	x.Subscribe("c.d", 5)

	topics := x.TopicsOf(5)
	sort.Strings(topics)
	assert.Equal(t, []string{"a.b", "c.d"}, topics)
	assert.Nil(t, x.TopicsOf(99))
}

func TestExactRemoveConn(t *testing.T) {
	x := NewExactIndex()
	x.Subscribe("a.b", 1)
	x.Subscribe("c.d", 1)
	x.Subscribe("a.b", 2)

	assert.Equal(t, 2, x.RemoveConn(1))
	assert.Equal(t, 0, x.RemoveConn(1))
	assert.Nil(t, x.TopicsOf(1))
	assert.Equal(t, []uint64{2}, x.Subscribers("a.b"))
	assert.Nil(t, x.Subscribers("c.d"))
}

func TestPatternSubscribeDedupe(t *testing.T) {
	px := NewPatternIndex()
	p := topic.MustCompile("orders.*")
	assert.True(t, px.Subscribe(1, p))
	assert.False(t, px.Subscribe(1, topic.MustCompile("orders.*")))
	assert.True(t, px.Subscribe(1, topic.MustCompile("events.>")))
	assert.Equal(t, 2, len(px.PatternsOf(1)))
}

func TestPatternUnsubscribe(t *testing.T) {
	px := NewPatternIndex()
	px.Subscribe(1, topic.MustCompile("orders.*"))
	px.Subscribe(1, topic.MustCompile("events.>"))

	assert.True(t, px.Unsubscribe(1, "orders.*"))
	assert.False(t, px.Unsubscribe(1, "orders.*"))
	assert.Equal(t, []string{"events.>"}, px.PatternsOf(1))

	assert.True(t, px.Unsubscribe(1, "events.>"))
	assert.Nil(t, px.PatternsOf(1))
}

func TestPatternResolveFirstMatchPerConn(t *testing.T) {
	px := NewPatternIndex()
	// Conn 1 holds two patterns that both match; only the first subscribed
	// one is reported.
	px.Subscribe(1, topic.MustCompile("orders.*"))
	px.Subscribe(1, topic.MustCompile("orders.>"))
	px.Subscribe(2, topic.MustCompile("orders.>"))
	px.Subscribe(3, topic.MustCompile("invoices.*"))

	matches := px.Resolve("orders.created")
	sort.Slice(matches, func(i, j int) bool { return matches[i].ConnID < matches[j].ConnID })
	require.Equal(t, 2, len(matches))
	assert.Equal(t, Match{ConnID: 1, Pattern: "orders.*"}, matches[0])
	assert.Equal(t, Match{ConnID: 2, Pattern: "orders.>"}, matches[1])

	assert.Nil(t, px.Resolve("shipments.created"))
}

func TestPatternRemoveConn(t *testing.T) {
	px := NewPatternIndex()
	px.Subscribe(1, topic.MustCompile("orders.*"))
	px.Subscribe(1, topic.MustCompile("events.>"))
	px.Subscribe(2, topic.MustCompile("orders.*"))

	assert.Equal(t, 2, px.RemoveConn(1))
	assert.Equal(t, 0, px.RemoveConn(1))

	matches := px.Resolve("orders.created")
	require.Equal(t, 1, len(matches))
	assert.Equal(t, uint64(2), matches[0].ConnID)
}
