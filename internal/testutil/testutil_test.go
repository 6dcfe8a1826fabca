package testutil

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/roach88/circles/internal/model"
)

func TestSequenceGenerator_Sequence(t *testing.T) {
	gen := NewSequenceGenerator("m")
	assert.Equal(t, "m-0001", gen.Generate())
	assert.Equal(t, "m-0002", gen.Generate())

	secret, err := gen.Secret()
	assert.NoError(t, err)
	assert.Equal(t, "m-0003", secret)

	gen.Reset()
	assert.Equal(t, "m-0001", gen.Generate())
}

func TestSequenceGenerator_DefaultPrefix(t *testing.T) {
	assert.Equal(t, "id-0001", NewSequenceGenerator("").Generate())
}

func TestSequenceGenerator_ThreadSafe(t *testing.T) {
	gen := NewSequenceGenerator("x")
	seen := sync.Map{}

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				_, dup := seen.LoadOrStore(gen.Generate(), true)
				assert.False(t, dup)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, "x-1001", gen.Generate())
}

func TestNewFakeClock_StartsAtEpoch(t *testing.T) {
	clock := NewFakeClock()
	assert.Equal(t, Epoch, clock.Now())
	clock.Advance(time.Minute)
	assert.Equal(t, Epoch.Add(time.Minute), clock.Now())
}

func TestNotifier_Records(t *testing.T) {
	n := &Notifier{}
	ctx := context.Background()
	c := model.Circle{ID: "c1"}

	assert.NoError(t, n.Invite(ctx, c, model.Member{UserID: "bob@example.net"}))
	assert.NoError(t, n.ShareLink(ctx, model.Share{ShareID: "sh1"}, model.Member{SingleID: "s1", UserID: "bob@example.net"}, "pw"))

	assert.Equal(t, []string{"invite c1 bob@example.net", "share sh1 bob@example.net"}, n.Sent())
	assert.Equal(t, "pw", n.Passwords["sh1/s1"])
}

func TestMounts_Records(t *testing.T) {
	m := &Mounts{}
	ctx := context.Background()
	assert.NoError(t, m.Mount(ctx, model.Share{ShareID: "sh1"}))
	assert.True(t, m.Mounted("sh1"))
	assert.NoError(t, m.Unmount(ctx, model.Share{ShareID: "sh1"}))
	assert.False(t, m.Mounted("sh1"))
	assert.Equal(t, []string{"mount sh1", "unmount sh1"}, m.Calls())
}
