package websocket

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/coder/websocket"
	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zfogg/sidechain/realtime/internal/auth"
)

func TestOnlineOfflineScenario(t *testing.T) {
	hub, _ := newTestHub(t)
	ctx := context.Background()

	u1, _ := newTestClient()
	require.NoError(t, hub.Connect(ctx, u1, "valid:u1"))
	assert.Equal(t, []string{"u1"}, hub.GetOnlineUsers())

	events := drain(t, u1)
	require.Len(t, events, 1)
	assert.Equal(t, OnlineSnapshot{UserIDs: []string{}}, events[0])

	u2, _ := newTestClient()
	require.NoError(t, hub.Connect(ctx, u2, "valid:u2"))
	assert.Equal(t, []string{"u1", "u2"}, hub.GetOnlineUsers())

	assert.Equal(t, []Event{UserOnline{UserID: "u2"}}, drain(t, u1))
	assert.Equal(t, []Event{OnlineSnapshot{UserIDs: []string{"u1"}}}, drain(t, u2))

	msg := MessageCreated{
		ConversationID: "c1",
		RecipientID:    "u1",
		Message:        DirectMessage{ID: "m1", SenderID: "u2", Content: "hey"},
	}
	assert.True(t, hub.SendToUser(ctx, "u1", msg))

	got := drain(t, u1)
	require.Len(t, got, 1)
	assert.Equal(t, KindMessageNew, got[0].Kind())
	assert.Equal(t, "c1", got[0].(MessageCreated).ConversationID)
	assert.Empty(t, drain(t, u2))

	hub.Disconnect(u2)
	assert.Equal(t, []string{"u1"}, hub.GetOnlineUsers())
	assert.Equal(t, []Event{UserOffline{UserID: "u2"}}, drain(t, u1))
	assert.Equal(t, StateClosed, u2.State())
}

func TestConnectFailsClosed(t *testing.T) {
	secret := []byte("hub-test-secret")
	expired, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"user_id": "u9",
		"exp":     time.Now().Add(-time.Hour).Unix(),
	}).SignedString(secret)
	require.NoError(t, err)

	tests := []struct {
		name       string
		credential string
		want       error
	}{
		{"missing", "", ErrMissingCredential},
		{"malformed", "garbage", ErrInvalidCredential},
		{"expired", expired, ErrInvalidCredential},
		{"wrong secret", mustIssue(t, []byte("other"), "u9"), ErrInvalidCredential},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hub, m := newTestHub(t, func(cfg *HubConfig) {
				cfg.Verifier = auth.NewJWTVerifier(secret)
			})
			watcher, _ := newTestClient()
			require.NoError(t, hub.Connect(context.Background(), watcher, mustIssue(t, secret, "watcher")))
			drain(t, watcher)

			client, ft := newTestClient()
			err := hub.Connect(context.Background(), client, tt.credential)
			require.ErrorIs(t, err, tt.want)

			assert.True(t, ft.isClosed())
			assert.Equal(t, websocket.StatusPolicyViolation, ft.closeCode())
			assert.Equal(t, StateRejected, client.State())
			assert.Equal(t, []string{"watcher"}, hub.GetOnlineUsers())
			assert.Empty(t, drain(t, watcher), "rejected connections are never announced")
			assert.Equal(t, float64(1), testutil.ToFloat64(m.ConnectionsTotal.WithLabelValues("rejected", rejectReason(tt.want))))

			// A rejected client can never be delivered to.
			assert.ErrorIs(t, client.Send([]byte("{}")), ErrClientClosed)
		})
	}
}

func mustIssue(t *testing.T, secret []byte, userID string) string {
	t.Helper()
	token, _, err := auth.NewIssuer(secret, time.Hour).Issue(userID, "")
	require.NoError(t, err)
	return token
}

func TestConnectVerifyTimeout(t *testing.T) {
	hub, _ := newTestHub(t, func(cfg *HubConfig) {
		cfg.VerifyTimeout = 50 * time.Millisecond
		cfg.Verifier = auth.VerifierFunc(func(ctx context.Context, _ string) (*auth.Identity, error) {
			<-ctx.Done()
			time.Sleep(10 * time.Millisecond)
			return &auth.Identity{UserID: "late"}, nil
		})
	})

	client, ft := newTestClient()
	start := time.Now()
	err := hub.Connect(context.Background(), client, "anything")

	require.ErrorIs(t, err, ErrVerifyTimeout)
	assert.Less(t, time.Since(start), time.Second)
	assert.True(t, ft.isClosed())
	assert.False(t, hub.IsUserOnline("late"))
}

func TestConnectVerifierPanics(t *testing.T) {
	hub, _ := newTestHub(t, func(cfg *HubConfig) {
		cfg.Verifier = auth.VerifierFunc(func(context.Context, string) (*auth.Identity, error) {
			panic("boom")
		})
	})

	client, ft := newTestClient()
	err := hub.Connect(context.Background(), client, "anything")

	require.ErrorIs(t, err, ErrInvalidCredential)
	assert.True(t, ft.isClosed())
	assert.Empty(t, hub.GetOnlineUsers())
}

func TestConnectMissingIdentity(t *testing.T) {
	hub, _ := newTestHub(t, func(cfg *HubConfig) {
		cfg.Verifier = auth.VerifierFunc(func(context.Context, string) (*auth.Identity, error) {
			return &auth.Identity{}, nil
		})
	})

	client, ft := newTestClient()
	require.ErrorIs(t, hub.Connect(context.Background(), client, "token"), ErrMissingIdentity)
	assert.True(t, ft.isClosed())
	assert.Zero(t, hub.OnlineCount())
}

func TestLatestRegistrationWins(t *testing.T) {
	hub, m := newTestHub(t)
	ctx := context.Background()

	other, _ := connect(t, hub, "other")
	first, firstTransport := connect(t, hub, "u1")
	drain(t, other)

	second, _ := newTestClient()
	require.NoError(t, hub.Connect(ctx, second, "valid:u1"))

	current, ok := hub.registry.Get("u1")
	require.True(t, ok)
	assert.Same(t, second, current)
	assert.Equal(t, 2, hub.OnlineCount())

	assert.Eventually(t, firstTransport.isClosed, time.Second, 5*time.Millisecond)
	assert.Equal(t, StatusSuperseded, firstTransport.closeCode())
	assert.Equal(t, float64(1), testutil.ToFloat64(m.SupersededTotal))

	// The superseded connection going away must not evict the new one.
	drain(t, other)
	hub.Disconnect(first)
	assert.True(t, hub.IsUserOnline("u1"))
	assert.Empty(t, drain(t, other))

	hub.Disconnect(second)
	assert.False(t, hub.IsUserOnline("u1"))
	assert.Equal(t, []Event{UserOffline{UserID: "u1"}}, drain(t, other))

	// Repeated disconnects are no-ops.
	hub.Disconnect(second)
	hub.Disconnect(first)
	assert.Empty(t, drain(t, other))
	assert.Equal(t, []string{"other"}, hub.GetOnlineUsers())
}

// TestRollbackDisplacedConnection covers a new connection that closes right
// after taking over an identity's slot.
func TestRollbackDisplacedConnection(t *testing.T) {
	lostRace := func(t *testing.T) (*Hub, *Client, *fakeTransport, *Client, *Client) {
		hub, _ := newTestHub(t)
		other, _ := connect(t, hub, "other")
		first, firstTransport := connect(t, hub, "u1")
		drain(t, other)

		second := registeredClient("u1")
		require.Same(t, first, hub.registry.Register(second))
		second.Close(websocket.StatusNormalClosure, "gone")
		return hub, other, firstTransport, first, second
	}

	t.Run("displaced connection restored", func(t *testing.T) {
		hub, other, firstTransport, first, second := lostRace(t)
		hub.rollbackRegistration(second, first)

		current, ok := hub.registry.Get("u1")
		require.True(t, ok)
		assert.Same(t, first, current)
		assert.False(t, firstTransport.isClosed())
		assert.Empty(t, drain(t, other))
	})

	t.Run("displaced connection already gone", func(t *testing.T) {
		hub, other, _, first, second := lostRace(t)
		hub.Disconnect(first)
		assert.Empty(t, drain(t, other))

		hub.rollbackRegistration(second, first)
		assert.False(t, hub.IsUserOnline("u1"))
		assert.Equal(t, []Event{UserOffline{UserID: "u1"}}, drain(t, other))

		hub.Disconnect(first)
		assert.Empty(t, drain(t, other))
	})

	t.Run("newer connection holds the slot", func(t *testing.T) {
		hub, _, firstTransport, first, second := lostRace(t)
		third := registeredClient("u1")
		hub.registry.Register(third)

		hub.rollbackRegistration(second, first)
		current, ok := hub.registry.Get("u1")
		require.True(t, ok)
		assert.Same(t, third, current)
		assert.True(t, firstTransport.isClosed())
		assert.Equal(t, StatusSuperseded, firstTransport.closeCode())
	})

	t.Run("hub shutting down", func(t *testing.T) {
		hub, _, firstTransport, first, second := lostRace(t)
		hub.shuttingDown.Store(true)

		hub.rollbackRegistration(second, first)
		assert.False(t, hub.IsUserOnline("u1"))
		assert.True(t, firstTransport.isClosed())
		assert.Equal(t, websocket.StatusGoingAway, firstTransport.closeCode())
	})
}

func TestDisconnectNeverRegistered(t *testing.T) {
	hub, _ := newTestHub(t)
	watcher, _ := connect(t, hub, "watcher")

	rejected, _ := newTestClient()
	require.Error(t, hub.Connect(context.Background(), rejected, ""))
	hub.Disconnect(rejected)

	fresh, _ := newTestClient()
	hub.Disconnect(fresh)

	assert.Equal(t, []string{"watcher"}, hub.GetOnlineUsers())
	assert.Empty(t, drain(t, watcher))
}

func TestBroadcastReachesOnlyRegistered(t *testing.T) {
	hub, _ := newTestHub(t)
	ctx := context.Background()

	a, _ := connect(t, hub, "a")
	b, _ := connect(t, hub, "b")
	c, _ := connect(t, hub, "c")
	hub.Disconnect(b)

	rejected, _ := newTestClient()
	require.Error(t, hub.Connect(ctx, rejected, "nope"))

	for _, cl := range []*Client{a, b, c} {
		drain(t, cl)
	}

	post := PostCreated{PostID: "p1", AuthorID: "a", Author: UserSummary{ID: "a"}}
	assert.Equal(t, 2, hub.Broadcast(ctx, post))

	assert.Equal(t, []Kind{KindPostNew}, kinds(drain(t, a)))
	assert.Equal(t, []Kind{KindPostNew}, kinds(drain(t, c)))
	assert.Empty(t, drain(t, b))
	assert.Empty(t, drain(t, rejected))
}

func TestSendToUserIsExact(t *testing.T) {
	hub, m := newTestHub(t)
	ctx := context.Background()

	a, _ := connect(t, hub, "a")
	b, _ := connect(t, hub, "b")
	c, _ := connect(t, hub, "c")
	for _, cl := range []*Client{a, b, c} {
		drain(t, cl)
	}

	assert.True(t, hub.SendToUser(ctx, "a", NotificationCount{Unread: 3, Unseen: 1}))
	assert.Equal(t, []Event{NotificationCount{Unread: 3, Unseen: 1}}, drain(t, a))
	assert.Empty(t, drain(t, b))
	assert.Empty(t, drain(t, c))

	assert.NotPanics(t, func() {
		assert.False(t, hub.SendToUser(ctx, "nobody", NotificationCount{Unread: 1}))
	})
	assert.Equal(t, float64(1), testutil.ToFloat64(m.EventsDroppedTotal.WithLabelValues(string(KindNotificationCount), "offline")))
}

func TestGetOnlineUsersIsSnapshot(t *testing.T) {
	hub, _ := newTestHub(t)
	connect(t, hub, "b")
	connect(t, hub, "a")

	snapshot := hub.GetOnlineUsers()
	assert.Equal(t, []string{"a", "b"}, snapshot)

	snapshot[0] = "mutated"
	connect(t, hub, "c")

	assert.Equal(t, []string{"mutated", "b"}, snapshot)
	assert.Equal(t, []string{"a", "b", "c"}, hub.GetOnlineUsers())
}

func TestSnapshotListsEveryoneElse(t *testing.T) {
	hub, _ := newTestHub(t)
	for i := 0; i < 5; i++ {
		connect(t, hub, fmt.Sprintf("user-%d", i))
	}

	late, _ := newTestClient()
	require.NoError(t, hub.Connect(context.Background(), late, "valid:late"))

	events := drain(t, late)
	require.Len(t, events, 1)
	assert.Equal(t, OnlineSnapshot{UserIDs: []string{"user-0", "user-1", "user-2", "user-3", "user-4"}}, events[0])
}

func TestSendBufferFullDropsFrame(t *testing.T) {
	hub, m := newTestHub(t)

	client, ft := newTestClient(ClientOptions{SendBufferSize: 1})
	require.NoError(t, hub.Connect(context.Background(), client, "valid:slow"))

	// The connect snapshot occupies the only slot.
	assert.False(t, hub.SendToUser(context.Background(), "slow", NotificationCount{Unread: 1}))
	assert.False(t, ft.isClosed())
	assert.True(t, hub.IsUserOnline("slow"))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.EventsDroppedTotal.WithLabelValues(string(KindNotificationCount), "buffer_full")))

	drain(t, client)
	assert.True(t, hub.SendToUser(context.Background(), "slow", NotificationCount{Unread: 2}))
}

func TestShutdownNotifiesAndCloses(t *testing.T) {
	hub, _ := newTestHub(t)
	_, ftA := connect(t, hub, "a")
	_, ftB := connect(t, hub, "b")

	require.NoError(t, hub.Shutdown(context.Background()))

	for _, ft := range []*fakeTransport{ftA, ftB} {
		assert.True(t, ft.isClosed())
		assert.Equal(t, websocket.StatusGoingAway, ft.closeCode())

		frames := ft.writtenFrames()
		require.Len(t, frames, 1)
		e, err := DecodeEvent(frames[0])
		require.NoError(t, err)
		assert.Equal(t, KindServerShutdown, e.Kind())
	}
	assert.Zero(t, hub.OnlineCount())

	late, ft := newTestClient()
	assert.ErrorIs(t, hub.Connect(context.Background(), late, "valid:late"), ErrShuttingDown)
	assert.Equal(t, websocket.StatusGoingAway, ft.closeCode())

	// Second call is a no-op.
	require.NoError(t, hub.Shutdown(context.Background()))
}

func TestConcurrentConnectDisconnect(t *testing.T) {
	hub, _ := newTestHub(t)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(userID string) {
			defer wg.Done()
			client, _ := newTestClient()
			if err := hub.Connect(context.Background(), client, "valid:"+userID); err != nil {
				t.Errorf("connect %s: %v", userID, err)
				return
			}
			hub.Broadcast(context.Background(), NotificationCount{})
			hub.Disconnect(client)
		}(gofakeit.UUID())
	}
	wg.Wait()

	assert.Empty(t, hub.GetOnlineUsers())
}

func TestDispatchValidates(t *testing.T) {
	hub, _ := newTestHub(t)
	a, _ := connect(t, hub, "a")

	err := hub.Dispatch(context.Background(), "", PostCreated{PostID: "p1"})
	require.ErrorIs(t, err, ErrInvalidEvent)
	assert.Empty(t, drain(t, a))

	err = hub.Dispatch(context.Background(), "", UserOffline{UserID: "a"})
	require.ErrorIs(t, err, ErrReservedKind)
	assert.ErrorIs(t, err, ErrUnknownKind)
	assert.Empty(t, drain(t, a))

	require.NoError(t, hub.Dispatch(context.Background(), "a", NotificationCount{Unread: 1}))
	assert.Len(t, drain(t, a), 1)
}

func TestDispatchPostsFollowFanoutPolicy(t *testing.T) {
	hub, _ := newTestHub(t, func(cfg *HubConfig) {
		cfg.PostFanout = FanoutFollowers
		cfg.Followers = FollowerSourceFunc(func(context.Context, string) ([]string, error) {
			return []string{"fan"}, nil
		})
	})
	fan, _ := connect(t, hub, "fan")
	stranger, _ := connect(t, hub, "stranger")
	drain(t, fan)
	drain(t, stranger)

	ctx := context.Background()
	require.NoError(t, hub.Dispatch(ctx, "", PostCreated{PostID: "p1", AuthorID: "author"}))
	require.NoError(t, hub.Dispatch(ctx, "", StoryCreated{StoryID: "s1", AuthorID: "author"}))
	require.NoError(t, hub.Dispatch(ctx, "", PostLiked{PostID: "p1"}))

	assert.Equal(t, []Kind{KindPostNew, KindStoryNew, KindPostLiked}, kinds(drain(t, fan)))
	assert.Equal(t, []Kind{KindPostLiked}, kinds(drain(t, stranger)))

	// A targeted post bypasses the policy.
	require.NoError(t, hub.Dispatch(ctx, "stranger", PostCreated{PostID: "p2", AuthorID: "author"}))
	assert.Equal(t, []Kind{KindPostNew}, kinds(drain(t, stranger)))
}

func TestClientStateMachine(t *testing.T) {
	client, _ := newTestClient()
	assert.Equal(t, StateConnecting, client.State())

	assert.False(t, client.transition(StateConnecting, StateRegistered))
	assert.True(t, client.transition(StateConnecting, StateVerifying))
	assert.False(t, client.transition(StateConnecting, StateVerifying))
	assert.True(t, client.transition(StateVerifying, StateRegistered))
	assert.False(t, client.transition(StateRegistered, StateRejected))

	client.Close(websocket.StatusNormalClosure, "bye")
	assert.Equal(t, StateClosed, client.State())
	assert.Equal(t, "closed", client.State().String())

	// Terminal states stay put.
	assert.False(t, client.transition(StateClosed, StateRegistered))
	client.Close(websocket.StatusNormalClosure, "again")
	assert.Equal(t, StateClosed, client.State())
}

func TestClientPongsPing(t *testing.T) {
	client, ft := newTestClient()
	go client.ReadPump()
	defer client.Close(websocket.StatusNormalClosure, "")

	ft.inbound <- []byte(`{"kind":"ping","clientTime":42}`)

	var got []Event
	require.Eventually(t, func() bool {
		got = append(got, drain(t, client)...)
		return len(got) > 0
	}, time.Second, 5*time.Millisecond)

	pong, ok := got[0].(Pong)
	require.True(t, ok)
	assert.Equal(t, int64(42), pong.ClientTime)
	assert.NotZero(t, pong.ServerTime)
}

func TestWritePumpDeliversAndStopsOnClose(t *testing.T) {
	client, ft := newTestClient()
	done := make(chan struct{})
	go func() {
		client.WritePump()
		close(done)
	}()

	require.NoError(t, client.SendEvent(UserOnline{UserID: "u1"}))
	require.Eventually(t, func() bool { return len(ft.writtenFrames()) == 1 }, time.Second, 5*time.Millisecond)

	client.Close(websocket.StatusNormalClosure, "")
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("write pump did not stop")
	}
	assert.ErrorIs(t, client.SendEvent(UserOnline{UserID: "u1"}), ErrClientClosed)
}

func TestVerifyErrorMapping(t *testing.T) {
	hub, _ := newTestHub(t)
	ctx := context.Background()

	cases := map[error]error{
		auth.ErrTokenMissing:     ErrMissingCredential,
		auth.ErrNoIdentity:       ErrMissingIdentity,
		auth.ErrTokenExpired:     ErrInvalidCredential,
		errors.New("db down"):    ErrInvalidCredential,
		context.DeadlineExceeded: ErrVerifyTimeout,
	}
	for verr, want := range cases {
		hub.verifier = auth.VerifierFunc(func(context.Context, string) (*auth.Identity, error) {
			return nil, verr
		})
		_, err := hub.verify(ctx, "token")
		assert.ErrorIs(t, err, want, "verifier error %v", verr)
	}
}
