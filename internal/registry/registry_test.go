package registry

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/whisper/convo/internal/chat"
)

// membership is an in-memory MembershipChecker keyed by conversation then
// user.
type membership struct {
	mu      sync.Mutex
	members map[string]map[string]bool
	err     error
}

func newMembership() *membership {
	return &membership{members: make(map[string]map[string]bool)}
}

func (m *membership) add(conversationID string, userIDs ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.members[conversationID] == nil {
		m.members[conversationID] = make(map[string]bool)
	}
	for _, u := range userIDs {
		m.members[conversationID][u] = true
	}
}

func (m *membership) IsActiveParticipant(_ context.Context, conversationID, userID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return false, m.err
	}
	return m.members[conversationID][userID], nil
}

func identity(userID string) chat.Identity {
	return chat.Identity{UserID: userID, Username: "user-" + userID}
}

func drain(c *Conn) [][]byte {
	var out [][]byte
	for {
		select {
		case data, ok := <-c.Outbound():
			if !ok {
				return out
			}
			out = append(out, data)
		default:
			return out
		}
	}
}

func TestRegisterRequiresIdentity(t *testing.T) {
	req := require.New(t)
	r := New(newMembership())

	_, err := r.Register("conn-1", chat.Identity{})
	req.ErrorIs(err, chat.ErrUnauthenticated)
	req.Equal(0, r.Count())

	_, err = r.Register("conn-1", identity("u1"))
	req.NoError(err)
	_, err = r.Register("conn-1", identity("u1"))
	req.Error(err)
}

func TestJoinForbiddenForNonParticipant(t *testing.T) {
	req := require.New(t)
	m := newMembership()
	m.add("c1", "alice")
	r := New(m)

	_, err := r.Register("a", identity("alice"))
	req.NoError(err)
	mallory, err := r.Register("m", identity("mallory"))
	req.NoError(err)

	req.NoError(r.Join(context.Background(), "a", "c1"))
	err = r.Join(context.Background(), "m", "c1")
	req.ErrorIs(err, chat.ErrForbidden)
	req.ElementsMatch([]string{"a"}, r.Members("c1"))

	// A later publish never reaches the refused connection.
	delivered, failed := r.Broadcast("c1", []byte("hello"))
	req.Equal(1, delivered)
	req.Empty(failed)
	req.Empty(drain(mallory))
}

func TestJoinUnknownConnection(t *testing.T) {
	r := New(newMembership())
	err := r.Join(context.Background(), "ghost", "c1")
	require.ErrorIs(t, err, chat.ErrNotFound)
}

func TestJoinPropagatesMembershipErrors(t *testing.T) {
	req := require.New(t)
	m := newMembership()
	m.err = errors.New("database is locked")
	r := New(m)
	_, err := r.Register("a", identity("alice"))
	req.NoError(err)

	err = r.Join(context.Background(), "a", "c1")
	req.Error(err)
	req.Equal(chat.CodeInternal, chat.CodeOf(err))
	req.Equal(0, r.RoomCount())
}

func TestLeaveIsIdempotentAndPrunesRooms(t *testing.T) {
	req := require.New(t)
	m := newMembership()
	m.add("c1", "alice")
	r := New(m)
	c, err := r.Register("a", identity("alice"))
	req.NoError(err)

	req.NoError(r.Join(context.Background(), "a", "c1"))
	req.NoError(r.Join(context.Background(), "a", "c1"))
	req.Equal([]string{"c1"}, c.Rooms())

	r.Leave("a", "c1")
	r.Leave("a", "c1")
	r.Leave("ghost", "c1")
	req.Empty(c.Rooms())
	req.Equal(0, r.RoomCount())
}

func TestUnregisterClosesQueueOnce(t *testing.T) {
	req := require.New(t)
	m := newMembership()
	m.add("c1", "alice")
	m.add("c2", "alice")
	r := New(m)
	c, err := r.Register("a", identity("alice"))
	req.NoError(err)
	req.NoError(r.Join(context.Background(), "a", "c1"))
	req.NoError(r.Join(context.Background(), "a", "c2"))

	got, rooms, ok := r.Unregister("a")
	req.True(ok)
	req.Same(c, got)
	req.ElementsMatch([]string{"c1", "c2"}, rooms)
	req.True(c.Closed())
	req.Equal(0, r.RoomCount())

	_, ok = <-c.Outbound()
	req.False(ok, "outbound queue should be closed")

	_, _, ok = r.Unregister("a")
	req.False(ok)

	req.ErrorIs(c.Send([]byte("late")), chat.ErrDeliveryFailure)
	req.ErrorIs(r.Join(context.Background(), "a", "c1"), chat.ErrNotFound)
}

func TestBroadcastReportsFullQueues(t *testing.T) {
	req := require.New(t)
	m := newMembership()
	m.add("c1", "alice", "bob")
	r := New(m, WithQueueSize(1))

	slow, err := r.Register("slow", identity("alice"))
	req.NoError(err)
	fast, err := r.Register("fast", identity("bob"))
	req.NoError(err)
	req.NoError(r.Join(context.Background(), "slow", "c1"))
	req.NoError(r.Join(context.Background(), "fast", "c1"))

	delivered, failed := r.Broadcast("c1", []byte("one"))
	req.Equal(2, delivered)
	req.Empty(failed)
	req.Len(drain(fast), 1)

	// slow never drained; fast still gets the second event.
	delivered, failed = r.Broadcast("c1", []byte("two"))
	req.Equal(1, delivered)
	req.Equal([]string{"slow"}, failed)
	req.Equal([][]byte{[]byte("two")}, drain(fast))
	req.Equal([][]byte{[]byte("one")}, drain(slow))
}

func TestBroadcastIncludesAuthorsOtherConnections(t *testing.T) {
	req := require.New(t)
	m := newMembership()
	m.add("c1", "alice")
	r := New(m)

	tab1, err := r.Register("tab1", identity("alice"))
	req.NoError(err)
	tab2, err := r.Register("tab2", identity("alice"))
	req.NoError(err)
	req.NoError(r.Join(context.Background(), "tab1", "c1"))
	req.NoError(r.Join(context.Background(), "tab2", "c1"))

	r.Broadcast("c1", []byte("hello"))
	req.Len(drain(tab1), 1)
	req.Len(drain(tab2), 1)
}

func TestEvictUser(t *testing.T) {
	req := require.New(t)
	m := newMembership()
	m.add("c1", "alice", "bob")
	r := New(m)
	for _, id := range []string{"a1", "a2"} {
		_, err := r.Register(id, identity("alice"))
		req.NoError(err)
		req.NoError(r.Join(context.Background(), id, "c1"))
	}
	_, err := r.Register("b", identity("bob"))
	req.NoError(err)
	req.NoError(r.Join(context.Background(), "b", "c1"))

	evicted := r.EvictUser("c1", "alice")
	req.ElementsMatch([]string{"a1", "a2"}, evicted)
	req.Equal([]string{"b"}, r.Members("c1"))
	req.Nil(r.EvictUser("c9", "alice"))

	// Evicted connections stay registered.
	req.Equal(3, r.Count())
}

// Every connection joined at publish time receives exactly one copy; no
// other connection receives anything.
func TestBroadcastExactlyOncePerJoinedConnection(t *testing.T) {
	const (
		conns  = 40
		rounds = 200
	)
	rng := rand.New(rand.NewSource(42))
	m := newMembership()
	r := New(m, WithQueueSize(rounds))
	ctx := context.Background()

	all := make([]*Conn, conns)
	for i := range all {
		userID := fmt.Sprintf("u%d", i)
		m.add("c1", userID)
		c, err := r.Register(fmt.Sprintf("conn-%d", i), identity(userID))
		require.NoError(t, err)
		all[i] = c
	}

	expected := make(map[string][]string)
	joined := make(map[string]bool)
	for round := 0; round < rounds; round++ {
		// Shuffle membership: random joins and leaves, concurrently.
		var wg sync.WaitGroup
		for _, c := range all {
			switch rng.Intn(3) {
			case 0:
				joined[c.ID] = true
				wg.Add(1)
				go func(id string) {
					defer wg.Done()
					if err := r.Join(ctx, id, "c1"); err != nil {
						t.Error(err)
					}
				}(c.ID)
			case 1:
				joined[c.ID] = false
				wg.Add(1)
				go func(id string) {
					defer wg.Done()
					r.Leave(id, "c1")
				}(c.ID)
			}
		}
		wg.Wait()

		payload := fmt.Sprintf("m%d", round)
		_, failed := r.Broadcast("c1", []byte(payload))
		require.Empty(t, failed)
		for id, in := range joined {
			if in {
				expected[id] = append(expected[id], payload)
			}
		}
	}

	for _, c := range all {
		var got []string
		for _, data := range drain(c) {
			got = append(got, string(data))
		}
		require.Equal(t, expected[c.ID], got, "connection %s", c.ID)
	}
}
