package chat_test

import (
	"fmt"
	"sync"
	"testing"

	"github.com/omochice/keyrelay/internal/chat"
)

func TestRegistry_JoinOrCreate(t *testing.T) {
	reg := chat.NewRegistry()
	a := newMockConn("10.0.0.1", "1")
	b := newMockConn("10.0.0.2", "2")
	c := newMockConn("10.0.0.3", "3")

	if got := reg.JoinOrCreate("room1", "secret", a, []byte("KA")); got != chat.Created {
		t.Fatalf("first join = %v, want created", got)
	}
	if got := reg.JoinOrCreate("room1", "secret", b, []byte("KB")); got != chat.Joined {
		t.Fatalf("second join = %v, want joined", got)
	}
	if got := reg.JoinOrCreate("room1", "wrongpass", c, []byte("KC")); got != chat.AuthFailed {
		t.Fatalf("wrong password join = %v, want auth_failed", got)
	}

	snap := reg.Snapshot("room1")
	if len(snap) != 2 {
		t.Fatalf("Snapshot() has %d members, want 2", len(snap))
	}
	if snap[0].Conn != a || snap[1].Conn != b {
		t.Error("Snapshot() is not in join order")
	}
	if string(snap[0].PublicKey) != "KA" || string(snap[1].PublicKey) != "KB" {
		t.Errorf("Snapshot() keys = %q, %q", snap[0].PublicKey, snap[1].PublicKey)
	}
	if reg.IsMember(c, "room1") {
		t.Error("rejected connection was added to the room")
	}
}

func TestRegistry_PasswordIsExactMatch(t *testing.T) {
	reg := chat.NewRegistry()
	reg.JoinOrCreate("room1", "secret", newMockConn("h", "1"), nil)

	for _, pw := range []string{"Secret", "secret ", ""} {
		if got := reg.JoinOrCreate("room1", pw, newMockConn("h", "2"), nil); got != chat.AuthFailed {
			t.Errorf("JoinOrCreate with %q = %v, want auth_failed", pw, got)
		}
	}
}

func TestRegistry_RejoinDoesNotDuplicate(t *testing.T) {
	reg := chat.NewRegistry()
	a := newMockConn("h", "1")
	reg.JoinOrCreate("room1", "pw", a, []byte("old"))
	reg.JoinOrCreate("room1", "pw", a, []byte("new"))

	snap := reg.Snapshot("room1")
	if len(snap) != 1 {
		t.Fatalf("Snapshot() has %d members, want 1", len(snap))
	}
	if string(snap[0].PublicKey) != "new" {
		t.Errorf("key = %q, want %q", snap[0].PublicKey, "new")
	}
}

func TestRegistry_Leave(t *testing.T) {
	reg := chat.NewRegistry()
	a := newMockConn("h", "1")
	b := newMockConn("h", "2")
	reg.JoinOrCreate("room1", "pw", a, nil)
	reg.JoinOrCreate("room1", "pw", b, nil)

	if !reg.Leave(b, "room1") {
		t.Fatal("Leave() = false for a member")
	}
	if got := reg.MemberCount("room1"); got != 1 {
		t.Errorf("MemberCount() = %d, want 1", got)
	}

	if !reg.Leave(a, "room1") {
		t.Fatal("Leave() = false for last member")
	}
	if got := reg.RoomCount(); got != 0 {
		t.Errorf("RoomCount() = %d, want 0 after last member left", got)
	}
}

func TestRegistry_LeaveIsIdempotent(t *testing.T) {
	reg := chat.NewRegistry()
	a := newMockConn("h", "1")
	b := newMockConn("h", "2")
	reg.JoinOrCreate("room1", "pw", a, []byte("KA"))

	if reg.Leave(b, "room1") {
		t.Error("Leave() = true for a non-member")
	}
	if reg.Leave(a, "unknown") {
		t.Error("Leave() = true for an unknown room")
	}
	if reg.Leave(b, "room1") {
		t.Error("second Leave() = true for a non-member")
	}

	snap := reg.Snapshot("room1")
	if len(snap) != 1 || snap[0].Conn != a || string(snap[0].PublicKey) != "KA" {
		t.Errorf("room changed after no-op leaves: %+v", snap)
	}
}

func TestRegistry_FindCurrentRoomAndRemoveEverywhere(t *testing.T) {
	reg := chat.NewRegistry()
	a := newMockConn("h", "1")
	b := newMockConn("h", "2")
	reg.JoinOrCreate("room1", "pw", a, nil)
	reg.JoinOrCreate("room2", "pw", b, nil)

	if id, ok := reg.FindCurrentRoom(b); !ok || id != "room2" {
		t.Errorf("FindCurrentRoom() = %q, %v, want room2, true", id, ok)
	}

	id, ok := reg.RemoveEverywhere(b)
	if !ok || id != "room2" {
		t.Errorf("RemoveEverywhere() = %q, %v, want room2, true", id, ok)
	}
	if _, ok := reg.FindCurrentRoom(b); ok {
		t.Error("connection still found after RemoveEverywhere")
	}
	if _, ok := reg.RemoveEverywhere(b); ok {
		t.Error("second RemoveEverywhere() reported a room")
	}

	if got := reg.Rooms(); len(got) != 1 || got[0] != "room1" {
		t.Errorf("Rooms() = %v, want [room1]", got)
	}
}

func TestRegistry_SnapshotIsACopy(t *testing.T) {
	reg := chat.NewRegistry()
	a := newMockConn("h", "1")
	reg.JoinOrCreate("room1", "pw", a, nil)

	snap := reg.Snapshot("room1")
	reg.Leave(a, "room1")

	if len(snap) != 1 {
		t.Errorf("snapshot changed after Leave: %d members", len(snap))
	}
	if reg.Snapshot("room1") != nil {
		t.Error("Snapshot() of removed room is not nil")
	}
}

func TestRegistry_ConcurrentMembership(t *testing.T) {
	reg := chat.NewRegistry()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			conn := newMockConn("h", fmt.Sprint(i))
			for j := 0; j < 20; j++ {
				roomID := fmt.Sprintf("room%d", (i+j)%5)
				if current, ok := reg.FindCurrentRoom(conn); ok {
					reg.Leave(conn, current)
				}
				reg.JoinOrCreate(roomID, "pw", conn, []byte("K"))

				rooms := 0
				for _, id := range reg.Rooms() {
					if reg.IsMember(conn, id) {
						rooms++
					}
				}
				if rooms > 1 {
					t.Errorf("connection is a member of %d rooms", rooms)
				}
			}
			reg.RemoveEverywhere(conn)
		}(i)
	}
	wg.Wait()

	if got := reg.RoomCount(); got != 0 {
		t.Errorf("RoomCount() = %d after every connection left, want 0", got)
	}
}
