package dispatch_test

import (
	"context"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/roach88/circles/internal/delivery"
	"github.com/roach88/circles/internal/dispatch"
	"github.com/roach88/circles/internal/event"
	"github.com/roach88/circles/internal/handler"
	"github.com/roach88/circles/internal/model"
	"github.com/roach88/circles/internal/remote"
	"github.com/roach88/circles/internal/store"
	"github.com/roach88/circles/internal/testutil"
	"github.com/roach88/circles/internal/transport"
)

type node struct {
	id       string
	store    *store.Store
	nodes    *remote.Registry
	handlers *handler.Registry
	disp     *dispatch.Dispatcher
	deliv    *delivery.Deliverer
	notifier *testutil.Notifier
}

// cluster is a set of nodes on one loopback network sharing a fake clock.
// Delivery only happens in settle, unless run was called.
type cluster struct {
	t     *testing.T
	clock *clockwork.FakeClock
	net   *transport.Network
	nodes map[string]*node
	order []string
}

func newCluster(t *testing.T, ids ...string) *cluster {
	t.Helper()
	c := &cluster{
		t:     t,
		clock: testutil.NewFakeClock(),
		net:   transport.NewNetwork(),
		nodes: make(map[string]*node),
		order: ids,
	}
	for _, id := range ids {
		c.nodes[id] = c.newNode(id, ids)
	}
	return c
}

func (c *cluster) newNode(id string, all []string) *node {
	t := c.t
	s, err := store.Open(filepath.Join(t.TempDir(), id+".db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	var remotes []remote.Node
	for _, other := range all {
		if other != id {
			remotes = append(remotes, remote.Node{ID: other, Trust: remote.TrustTrusted})
		}
	}
	nodes := remote.NewRegistry(remote.Node{ID: id}, remotes...)
	logger := slog.New(slog.DiscardHandler)

	n := &node{id: id, store: s, nodes: nodes, notifier: &testutil.Notifier{}}
	n.handlers = handler.NewRegistry(handler.Deps{
		Store:    s,
		Nodes:    nodes,
		Notifier: n.notifier,
		Mounts:   &testutil.Mounts{},
		IDs:      testutil.NewSequenceGenerator(id + "-m"),
		Secrets:  testutil.NewSequenceGenerator(id + "-s"),
		Clock:    c.clock,
		Logger:   logger,
	})
	endpoint := c.net.Endpoint(id)
	n.deliv = delivery.New(s, nodes, endpoint,
		delivery.WithClock(c.clock),
		delivery.WithLogger(logger),
	)
	n.disp, err = dispatch.New(context.Background(), s, nodes, n.handlers, endpoint, n.deliv,
		dispatch.WithClock(c.clock),
		dispatch.WithLogger(logger),
		dispatch.WithTokens(testutil.NewSequenceGenerator(id+"-tok")),
		dispatch.WithSyncTimeout(0),
	)
	require.NoError(t, err)
	c.net.Attach(id, n.disp)
	return n
}

func (c *cluster) node(id string) *node {
	return c.nodes[id]
}

// settle runs delivery rounds on every node until nothing is due.
func (c *cluster) settle() {
	c.t.Helper()
	ctx := context.Background()
	for round := 0; round < 50; round++ {
		progress := 0
		for _, id := range c.order {
			n := c.nodes[id]
			due, err := n.deliv.RunDue(ctx)
			require.NoError(c.t, err)
			progress += due + n.deliv.Pending()
			n.deliv.Flush(ctx)
			n.disp.Wait()
		}
		if progress == 0 {
			return
		}
	}
	c.t.Fatal("cluster did not settle")
}

func user(singleID, instance string) model.Member {
	return model.Member{SingleID: singleID, UserID: singleID, UserType: model.EntityUser, Instance: instance}
}

func ref(singleID string) *model.Member {
	return &model.Member{SingleID: singleID}
}

// createCircle creates circle id on n with owner olivia@n.
func (c *cluster) createCircle(n *node, id string, config model.Config) {
	c.t.Helper()
	ev := event.New(event.KindCircleCreate, model.Circle{ID: id, Name: id, Config: config})
	owner := user("olivia", n.id)
	ev.Member = &owner
	_, err := n.disp.NewEvent(context.Background(), ev)
	require.NoError(c.t, err)
}

func (c *cluster) add(n *node, circleID string, m model.Member) dispatch.Report {
	c.t.Helper()
	ev := event.New(event.KindMemberAdd, model.Circle{ID: circleID})
	ev.Initiator = ref("olivia")
	ev.Member = &m
	report, err := n.disp.NewEvent(context.Background(), ev)
	require.NoError(c.t, err)
	return report
}

func levelEvent(circleID, initiator, target string, level model.Level) event.FederatedEvent {
	ev := event.New(event.KindMemberLevel, model.Circle{ID: circleID})
	ev.Initiator = ref(initiator)
	ev.Member = ref(target)
	ev.Params = &event.MemberLevelParams{Level: level}
	return ev
}

func (n *node) member(t *testing.T, circleID, singleID string) model.Member {
	t.Helper()
	m, err := n.store.GetMember(context.Background(), circleID, singleID)
	require.NoError(t, err)
	return m
}

func (n *node) finalized(t *testing.T, token string) bool {
	t.Helper()
	ok, err := n.store.Finalized(context.Background(), token)
	require.NoError(t, err)
	return ok
}

func (n *node) wrapper(t *testing.T, token, target string) event.Wrapper {
	t.Helper()
	w, err := n.store.GetWrapper(context.Background(), token, target)
	require.NoError(t, err)
	return w
}
