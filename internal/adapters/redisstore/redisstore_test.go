package redisstore_test

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dkeye/Canvas/internal/adapters/redisstore"
	"github.com/dkeye/Canvas/internal/core"
	"github.com/dkeye/Canvas/internal/domain"
	"github.com/dkeye/Canvas/internal/testutils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const prefix = "test"

func TestRedis(t *testing.T) {
	client := testutils.StartRedis(t)
	ctx := context.Background()

	t.Run("presence lifecycle", func(t *testing.T) {
		p := redisstore.NewPresence(client, prefix, time.Minute)
		room := domain.NewRoomID()

		n, err := p.Count(ctx, room)
		require.NoError(t, err)
		assert.Zero(t, n, "absent room counts as empty")

		require.NoError(t, p.Add(ctx, room, "A"))
		require.NoError(t, p.Add(ctx, room, "B"))
		require.NoError(t, p.Add(ctx, room, "A"))

		members, err := p.Members(ctx, room)
		require.NoError(t, err)
		assert.Equal(t, []domain.ParticipantID{"A", "B"}, members)

		ttl, err := client.TTL(ctx, prefix+":room:"+string(room)+":participants").Result()
		require.NoError(t, err)
		assert.Greater(t, ttl, time.Duration(0))

		require.NoError(t, p.Remove(ctx, room, "A"))
		require.NoError(t, p.Remove(ctx, room, "B"))
		ok, err := p.Exists(ctx, room)
		require.NoError(t, err)
		assert.False(t, ok)
		require.NoError(t, p.Delete(ctx, room))
	})

	t.Run("presence expires", func(t *testing.T) {
		p := redisstore.NewPresence(client, prefix, time.Second)
		room := domain.NewRoomID()
		require.NoError(t, p.Add(ctx, room, "A"))

		require.Eventually(t, func() bool {
			ok, err := p.Exists(ctx, room)
			return err == nil && !ok
		}, 5*time.Second, 100*time.Millisecond)
	})

	t.Run("try add is atomic", func(t *testing.T) {
		p := redisstore.NewPresence(client, prefix, time.Minute)
		room := domain.NewRoomID()

		var admitted atomic.Int32
		var wg sync.WaitGroup
		for i := range 20 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				ok, err := p.TryAdd(ctx, room, domain.ParticipantID(fmt.Sprintf("p%02d", i)), 8)
				assert.NoError(t, err)
				if ok {
					admitted.Add(1)
				}
			}()
		}
		wg.Wait()

		assert.EqualValues(t, 8, admitted.Load())
		n, err := p.Count(ctx, room)
		require.NoError(t, err)
		assert.Equal(t, 8, n)

		members, err := p.Members(ctx, room)
		require.NoError(t, err)
		ok, err := p.TryAdd(ctx, room, members[0], 8)
		require.NoError(t, err)
		assert.True(t, ok, "an admitted member is readmitted")

		ok, err = p.TryAdd(ctx, room, "late", 8)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("draw buffer", func(t *testing.T) {
		p := redisstore.NewPresence(client, prefix, time.Minute)
		b := redisstore.NewDrawBuffer(client, prefix, time.Minute)
		room := domain.NewRoomID()
		require.NoError(t, p.Add(ctx, room, "A"))

		want := []domain.StrokeEvent{
			{Room: room, X: 1, Y: 2, PrevX: 0, PrevY: 0},
			{Room: room, X: 3, Y: 4, PrevX: 1, PrevY: 2},
		}
		for _, e := range want {
			require.NoError(t, b.Append(ctx, room, e))
		}
		ok, err := b.Exists(ctx, room)
		require.NoError(t, err)
		require.True(t, ok)

		got, err := b.DrainAll(ctx, room)
		require.NoError(t, err)
		assert.Equal(t, want, got)

		require.NoError(t, b.Clear(ctx, room))
		got, err = b.DrainAll(ctx, room)
		require.NoError(t, err)
		assert.Empty(t, got)

		require.NoError(t, b.Append(ctx, room, want[0]))
		require.NoError(t, p.Delete(ctx, room))
		ok, err = b.Exists(ctx, room)
		require.NoError(t, err)
		assert.False(t, ok)
		got, err = b.DrainAll(ctx, room)
		require.NoError(t, err)
		assert.Empty(t, got, "orphaned strokes are dropped")
	})

	t.Run("fanout", func(t *testing.T) {
		f := redisstore.NewFanout(client, prefix, 16)
		room, other := domain.NewRoomID(), domain.NewRoomID()

		s1, err := f.Subscribe(ctx, room)
		require.NoError(t, err)
		s2, err := f.Subscribe(ctx, room)
		require.NoError(t, err)
		s3, err := f.Subscribe(ctx, other)
		require.NoError(t, err)
		defer s3.Close()

		for i := range 3 {
			require.NoError(t, f.Publish(ctx, room, core.Frame(fmt.Sprintf("f%d", i))))
		}
		for _, s := range []core.Subscription{s1, s2} {
			for i := range 3 {
				select {
				case got := <-s.Frames():
					assert.Equal(t, fmt.Sprintf("f%d", i), string(got))
				case <-time.After(2 * time.Second):
					t.Fatal("frame not delivered")
				}
			}
		}
		select {
		case got := <-s3.Frames():
			t.Fatalf("frame leaked across rooms: %s", got)
		case <-time.After(100 * time.Millisecond):
		}

		require.NoError(t, s1.Close())
		_, open := <-s1.Frames()
		assert.False(t, open)
		require.NoError(t, s2.Close())
	})

	t.Run("flush lease", func(t *testing.T) {
		a := redisstore.NewFlushLease(client, prefix, "a")
		b := redisstore.NewFlushLease(client, prefix, "b")
		room := domain.NewRoomID()

		ok, err := a.Claim(ctx, room, 200*time.Millisecond)
		require.NoError(t, err)
		assert.True(t, ok)
		ok, err = b.Claim(ctx, room, 200*time.Millisecond)
		require.NoError(t, err)
		assert.False(t, ok)

		require.Eventually(t, func() bool {
			ok, err := b.Claim(ctx, room, time.Second)
			return err == nil && ok
		}, 2*time.Second, 50*time.Millisecond)
	})
}
