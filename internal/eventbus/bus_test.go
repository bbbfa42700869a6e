package eventbus

import (
	"testing"
	"time"
)

func TestPublishFansOut(t *testing.T) {
	t.Parallel()
	b := New()
	ch1, unsub1 := b.Subscribe(4)
	ch2, unsub2 := b.Subscribe(4)
	defer unsub2()

	Emit(b, AudienceConnected, "k1")

	for i, ch := range []<-chan Event{ch1, ch2} {
		select {
		case e := <-ch:
			if e.Type != AudienceConnected || e.Data != "k1" || e.Time.IsZero() {
				t.Fatalf("subscriber %d got %+v", i, e)
			}
		case <-time.After(time.Second):
			t.Fatalf("subscriber %d got nothing", i)
		}
	}

	unsub1()
	unsub1()
	if _, ok := <-ch1; ok {
		t.Fatal("channel should be closed after unsubscribe")
	}
	// Publishing after unsubscribe must not panic.
	Emit(b, AudienceDisconnected, "k1")
}

func TestPublishDropsWhenFull(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe(1)
	defer unsub()

	Emit(b, OutboxSent, 1)
	Emit(b, OutboxSent, 2)

	e := <-ch
	if e.Data != 1 {
		t.Fatalf("Data = %v, want 1", e.Data)
	}
	if got := b.Dropped(); got != 1 {
		t.Fatalf("Dropped = %d, want 1", got)
	}
	select {
	case e := <-ch:
		t.Fatalf("unexpected event %+v", e)
	default:
	}
}

func TestEmitNilBus(t *testing.T) {
	t.Parallel()
	Emit(nil, OutboxFailed, nil)
}

func TestSubscribeFilters(t *testing.T) {
	t.Parallel()
	b := New()
	aud, unsubAud := b.Subscribe(8, "audience.")
	defer unsubAud()
	fired, unsubFired := b.Subscribe(8, AnnouncementFired, BridgeToggled)
	defer unsubFired()

	for _, typ := range []string{AudienceConnected, OutboxSent, AnnouncementFired, AudienceRebound, "audiences.other"} {
		Emit(b, typ, nil)
	}

	drain := func(ch <-chan Event) []string {
		var out []string
		for {
			select {
			case e := <-ch:
				out = append(out, e.Type)
			default:
				return out
			}
		}
	}
	if got := drain(aud); len(got) != 2 || got[0] != AudienceConnected || got[1] != AudienceRebound {
		t.Fatalf("audience. subscriber got %v", got)
	}
	if got := drain(fired); len(got) != 1 || got[0] != AnnouncementFired {
		t.Fatalf("exact subscriber got %v", got)
	}
	if b.Dropped() != 0 {
		t.Fatalf("Dropped = %d, want 0 (filtered events are not drops)", b.Dropped())
	}
}
