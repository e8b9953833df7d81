package assign

import (
	"errors"
	"path/filepath"
	"testing"

	"go.uber.org/zap"

	"github.com/bslsalud/opchat/internal/bus"
	"github.com/bslsalud/opchat/internal/store"
)

func testAssigner(t *testing.T, agents, excluded []string) (*Assigner, *bus.Bus) {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	b := bus.New()
	return New(db, b, zap.NewNop(), agents, excluded), b
}

func TestResolveRotates(t *testing.T) {
	a, _ := testAssigner(t, []string{"mrojas", "lgomez"}, nil)

	first, err := a.Resolve("573001112233")
	if err != nil {
		t.Fatal(err)
	}
	second, err := a.Resolve("573004445566")
	if err != nil {
		t.Fatal(err)
	}
	if first == second {
		t.Errorf("two new conversations landed on the same agent %q", first)
	}
}

func TestResolveIsSticky(t *testing.T) {
	a, _ := testAssigner(t, []string{"mrojas", "lgomez"}, nil)

	first, err := a.Resolve("573001112233")
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		again, err := a.Resolve("573001112233")
		if err != nil {
			t.Fatal(err)
		}
		if again != first {
			t.Fatalf("assignment moved from %q to %q", first, again)
		}
	}
}

func TestResolveExcluded(t *testing.T) {
	a, _ := testAssigner(t, []string{"mrojas"}, []string{"+573008021701"})

	_, err := a.Resolve("573008021701")
	if !errors.Is(err, ErrExcluded) {
		t.Errorf("err = %v, want ErrExcluded", err)
	}
	if !a.IsExcluded("573008021701") {
		t.Error("number with + prefix in config must still match")
	}
}

func TestResolveNoAgents(t *testing.T) {
	a, _ := testAssigner(t, nil, nil)

	_, err := a.Resolve("573001112233")
	if !errors.Is(err, ErrNoAgents) {
		t.Errorf("err = %v, want ErrNoAgents", err)
	}
}

func TestResolvePublishesAssignment(t *testing.T) {
	a, b := testAssigner(t, []string{"mrojas"}, nil)
	ch, unsub := b.Subscribe("conversation.", 8)
	defer unsub()

	if _, err := a.Resolve("573001112233"); err != nil {
		t.Fatal(err)
	}

	select {
	case evt := <-ch:
		if evt.Kind != bus.KindConversationAssigned {
			t.Errorf("kind = %q", evt.Kind)
		}
		payload := evt.Payload.(map[string]string)
		if payload["agent"] != "mrojas" {
			t.Errorf("agent = %q", payload["agent"])
		}
	default:
		t.Fatal("no assignment event published")
	}

	// Sticky resolve must not re-publish.
	if _, err := a.Resolve("573001112233"); err != nil {
		t.Fatal(err)
	}
	select {
	case evt := <-ch:
		t.Fatalf("unexpected event %q", evt.Kind)
	default:
	}
}

func TestConversationsFor(t *testing.T) {
	a, _ := testAssigner(t, []string{"mrojas", "lgomez"}, nil)

	for _, key := range []string{"57301", "57302", "57303", "57304"} {
		if _, err := a.Resolve(key); err != nil {
			t.Fatal(err)
		}
	}

	mine, err := a.ConversationsFor("mrojas")
	if err != nil {
		t.Fatal(err)
	}
	theirs, err := a.ConversationsFor("lgomez")
	if err != nil {
		t.Fatal(err)
	}
	if len(mine)+len(theirs) != 4 {
		t.Errorf("split %d/%d, want 4 total", len(mine), len(theirs))
	}
	if len(mine) != 2 || len(theirs) != 2 {
		t.Errorf("rotation should split evenly, got %d/%d", len(mine), len(theirs))
	}
}

func TestReassign(t *testing.T) {
	a, _ := testAssigner(t, []string{"mrojas", "lgomez"}, nil)

	if _, err := a.Resolve("57301"); err != nil {
		t.Fatal(err)
	}
	if err := a.Reassign("57301", "lgomez"); err != nil {
		t.Fatal(err)
	}
	agent, err := a.Resolve("57301")
	if err != nil {
		t.Fatal(err)
	}
	if agent != "lgomez" {
		t.Errorf("agent = %q, want lgomez", agent)
	}
}
