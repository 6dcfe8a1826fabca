package transport_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/circles/internal/event"
	"github.com/roach88/circles/internal/remote"
	"github.com/roach88/circles/internal/transport"
	"github.com/roach88/circles/internal/wire"
)

func TestNetwork_DeliversCopies(t *testing.T) {
	network := transport.NewNetwork()
	recv := &recorder{reply: transport.Reply{Result: wire.Bag{event.ResultOutcome: wire.String("level")}}}
	network.Attach("n2", recv)

	ev := levelEvent("n1")
	reply, err := network.Endpoint("n1").Send(context.Background(), remote.Node{ID: "n2"}, ev)
	require.NoError(t, err)
	assert.Equal(t, "level", mustString(t, reply.Result, event.ResultOutcome))

	events := recv.gotEvents()
	require.Len(t, events, 1)
	got := events[0]
	got.Member.Level = 9
	assert.NotEqual(t, ev.Member.Level, got.Member.Level, "receiver must not share memory with the sender")
	assert.Equal(t, 1, network.Deliveries("n2"))
}

func TestNetwork_FailNext(t *testing.T) {
	network := transport.NewNetwork()
	recv := &recorder{}
	network.Attach("n2", recv)
	network.FailNext("n2", 2)

	ep := network.Endpoint("n1")
	for i := 0; i < 2; i++ {
		_, err := ep.Send(context.Background(), remote.Node{ID: "n2"}, levelEvent("n1"))
		requireTransportError(t, err, 503, transport.CodeInjected)
	}
	_, err := ep.Send(context.Background(), remote.Node{ID: "n2"}, levelEvent("n1"))
	require.NoError(t, err)
	assert.Equal(t, 1, recv.received())
	assert.Equal(t, 3, network.Deliveries("n2"))
}

func TestNetwork_DownAndUnknown(t *testing.T) {
	network := transport.NewNetwork()
	network.Attach("n2", &recorder{})
	ep := network.Endpoint("n1")

	network.SetDown("n2", true)
	_, err := ep.Send(context.Background(), remote.Node{ID: "n2"}, levelEvent("n1"))
	requireTransportError(t, err, 0, transport.CodeUnreachable)

	network.SetDown("n2", false)
	_, err = ep.Send(context.Background(), remote.Node{ID: "n2"}, levelEvent("n1"))
	require.NoError(t, err)

	_, err = ep.Send(context.Background(), remote.Node{ID: "n7"}, levelEvent("n1"))
	requireTransportError(t, err, 0, transport.CodeUnreachable)
}

func TestNetwork_RejectsSpoofedSource(t *testing.T) {
	network := transport.NewNetwork()
	recv := &recorder{}
	network.Attach("n2", recv)

	_, err := network.Endpoint("n1").Forward(context.Background(), remote.Node{ID: "n2"}, levelEvent("n3"))
	requireTransportError(t, err, 400, transport.CodeBadRequest)
	assert.Empty(t, recv.gotForwards())
}

func TestNetwork_DeliverResult(t *testing.T) {
	network := transport.NewNetwork()
	recv := &recorder{}
	network.Attach("n1", recv)

	report := transport.ResultReport{Token: "tok-1", Node: "n2", Result: wire.Bag{"created": wire.Int(2)}}
	require.NoError(t, network.Endpoint("n2").DeliverResult(context.Background(), remote.Node{ID: "n1"}, report))
	results := recv.gotResults()
	require.Len(t, results, 1)
	assert.Equal(t, report, results[0])
}

func mustString(t *testing.T, b wire.Bag, key string) string {
	t.Helper()
	s, err := b.String(key)
	require.NoError(t, err)
	return s
}
