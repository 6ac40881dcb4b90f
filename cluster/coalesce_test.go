package cluster

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/flocknet/flock/eventbus"
)

func TestMemberEventCoalescerHandlesOnlyMemberEvents(t *testing.T) {
	c := newMemberEventCoalescer()
	require.True(t, c.Handle(MemberEvent{Type: EventMemberJoin}))
	require.False(t, c.Handle(UserEvent{}))
}

func TestMemberEventCoalescerDedupesRepeatedTransitions(t *testing.T) {
	c := newMemberEventCoalescer()
	m := Member{Name: "node1"}

	c.Coalesce(MemberEvent{Type: EventMemberJoin, Members: []Member{m}})

	var published []eventbus.Event
	c.Flush(func(e eventbus.Event) { published = append(published, e) })
	require.Len(t, published, 1)

	// Same transition again in the next window: the coalescer should not
	// re-publish an identical (type, name) pair.
	c.Coalesce(MemberEvent{Type: EventMemberJoin, Members: []Member{m}})
	published = nil
	c.Flush(func(e eventbus.Event) { published = append(published, e) })
	require.Empty(t, published)

	// A different transition for the same node does publish.
	c.Coalesce(MemberEvent{Type: EventMemberLeave, Members: []Member{m}})
	published = nil
	c.Flush(func(e eventbus.Event) { published = append(published, e) })
	require.Len(t, published, 1)
}

func TestMemberEventCoalescerGroupsByType(t *testing.T) {
	c := newMemberEventCoalescer()
	c.Coalesce(MemberEvent{Type: EventMemberJoin, Members: []Member{{Name: "a"}}})
	c.Coalesce(MemberEvent{Type: EventMemberJoin, Members: []Member{{Name: "b"}}})
	c.Coalesce(MemberEvent{Type: EventMemberLeave, Members: []Member{{Name: "c"}}})

	var published []MemberEvent
	c.Flush(func(e eventbus.Event) { published = append(published, e.(MemberEvent)) })

	require.Len(t, published, 2)
	for _, ev := range published {
		if ev.Type == EventMemberJoin {
			require.Len(t, ev.Members, 2)
		} else {
			require.Len(t, ev.Members, 1)
		}
	}
}

func TestUserEventCoalescerHandlesOnlyCoalesceFlagged(t *testing.T) {
	c := newUserEventCoalescer()
	require.True(t, c.Handle(UserEvent{Coalesce: true}))
	require.False(t, c.Handle(UserEvent{Coalesce: false}))
	require.False(t, c.Handle(MemberEvent{}))
}

func TestUserEventCoalescerKeepsLatestLamportTime(t *testing.T) {
	c := newUserEventCoalescer()
	c.Coalesce(UserEvent{Name: "deploy", LTime: 1, Payload: []byte("v1"), Coalesce: true})
	c.Coalesce(UserEvent{Name: "deploy", LTime: 3, Payload: []byte("v3"), Coalesce: true})
	c.Coalesce(UserEvent{Name: "deploy", LTime: 2, Payload: []byte("v2"), Coalesce: true})

	var published []UserEvent
	c.Flush(func(e eventbus.Event) { published = append(published, e.(UserEvent)) })

	require.Len(t, published, 1)
	require.Equal(t, []byte("v3"), published[0].Payload)
}

func TestUserEventCoalescerKeepsTiedEvents(t *testing.T) {
	c := newUserEventCoalescer()
	c.Coalesce(UserEvent{Name: "deploy", LTime: 5, Payload: []byte("a"), Coalesce: true})
	c.Coalesce(UserEvent{Name: "deploy", LTime: 5, Payload: []byte("b"), Coalesce: true})

	var published []UserEvent
	c.Flush(func(e eventbus.Event) { published = append(published, e.(UserEvent)) })

	require.Len(t, published, 2)
}
