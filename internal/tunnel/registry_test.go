package tunnel

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/tunnelgate/tunnelgate/internal/bus"
	"github.com/tunnelgate/tunnelgate/internal/config"
)

func newTestRegistry(b *bus.Bus) *Registry {
	return NewRegistry(b, config.DefaultReserved, 10, 0)
}

func Test_register_with_requested_subdomain(t *testing.T) {
	r := newTestRegistry(nil)
	sess, err := r.Register(RegisterRequest{Subdomain: "MyApp", LocalPort: 3000, Transport: newFakeTransport()})
	if err != nil {
		t.Fatalf("register failed: %v", err)
	}
	if sess.Subdomain != "myapp" {
		t.Errorf("subdomain not case-folded: %q", sess.Subdomain)
	}
	if len(sess.ID) != 12 {
		t.Errorf("tunnel id length: %q", sess.ID)
	}

	got, ok := r.Lookup("MYAPP")
	if !ok || got != sess {
		t.Error("case-insensitive lookup failed")
	}
	byID, ok := r.LookupByID(sess.ID)
	if !ok || byID != sess {
		t.Error("lookup by id failed")
	}
}

func Test_register_rejects_invalid_subdomains(t *testing.T) {
	r := newTestRegistry(nil)
	for _, sub := range []string{"ab", "has-dash", "under_score", "sp ace", "waytoolongsubdomainwaytoolongsubdomain"} {
		_, err := r.Register(RegisterRequest{Subdomain: sub, Transport: newFakeTransport()})
		if !errors.Is(err, ErrSubdomainInvalid) {
			t.Errorf("subdomain %q: expected ErrSubdomainInvalid, got %v", sub, err)
		}
	}
}

func Test_register_rejects_reserved_subdomain(t *testing.T) {
	r := newTestRegistry(nil)
	_, err := r.Register(RegisterRequest{Subdomain: "admin", Transport: newFakeTransport()})
	if !errors.Is(err, ErrSubdomainTaken) {
		t.Fatalf("expected ErrSubdomainTaken for reserved, got %v", err)
	}
}

func Test_duplicate_subdomain_keeps_incumbent(t *testing.T) {
	r := newTestRegistry(nil)
	first, err := r.Register(RegisterRequest{Subdomain: "same", Transport: newFakeTransport()})
	if err != nil {
		t.Fatalf("first register failed: %v", err)
	}
	_, err = r.Register(RegisterRequest{Subdomain: "same", Transport: newFakeTransport()})
	if !errors.Is(err, ErrSubdomainTaken) {
		t.Fatalf("expected ErrSubdomainTaken, got %v", err)
	}
	// Incumbent must still be live and resolvable.
	got, ok := r.Lookup("same")
	if !ok || got != first {
		t.Error("incumbent was evicted")
	}
}

func Test_concurrent_registration_single_winner(t *testing.T) {
	r := newTestRegistry(nil)
	const n = 32
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = r.Register(RegisterRequest{Subdomain: "contested", Transport: newFakeTransport()})
		}(i)
	}
	wg.Wait()

	winners := 0
	for _, err := range errs {
		if err == nil {
			winners++
		} else if !errors.Is(err, ErrSubdomainTaken) {
			t.Errorf("unexpected error: %v", err)
		}
	}
	if winners != 1 {
		t.Fatalf("expected exactly one winner, got %d", winners)
	}
}

func Test_generated_subdomain_when_none_requested(t *testing.T) {
	r := newTestRegistry(nil)
	sess, err := r.Register(RegisterRequest{Transport: newFakeTransport()})
	if err != nil {
		t.Fatalf("register failed: %v", err)
	}
	if len(sess.Subdomain) != 8 {
		t.Errorf("generated subdomain length: %q", sess.Subdomain)
	}
	if err := ValidateSubdomain(sess.Subdomain); err != nil {
		t.Errorf("generated subdomain invalid: %v", err)
	}
}

func Test_lookup_by_id_until_close(t *testing.T) {
	r := newTestRegistry(nil)
	sess, _ := r.Register(RegisterRequest{Subdomain: "myapp", Transport: newFakeTransport()})

	if _, ok := r.LookupByID(sess.ID); !ok {
		t.Fatal("lookup before close failed")
	}

	if !r.Close(sess.ID, "test close") {
		t.Fatal("close returned false")
	}
	if _, ok := r.LookupByID(sess.ID); ok {
		t.Error("session still resolvable after close")
	}
	if _, ok := r.Lookup("myapp"); ok {
		t.Error("subdomain still bound after close")
	}

	// Subdomain becomes available again.
	if _, err := r.Register(RegisterRequest{Subdomain: "myapp", Transport: newFakeTransport()}); err != nil {
		t.Errorf("re-register after close failed: %v", err)
	}
}

func Test_session_close_removes_from_registry(t *testing.T) {
	r := newTestRegistry(nil)
	sess, _ := r.Register(RegisterRequest{Subdomain: "myapp", Transport: newFakeTransport()})

	// Closing the session directly (e.g. transport death) must unbind it
	// before Close returns.
	sess.Close("Client disconnected")
	if _, ok := r.Lookup("myapp"); ok {
		t.Error("subdomain still bound after session close")
	}
}

func Test_close_all(t *testing.T) {
	r := newTestRegistry(nil)
	for _, sub := range []string{"one", "two", "three"} {
		r.Register(RegisterRequest{Subdomain: sub, Transport: newFakeTransport()})
	}
	r.CloseAll("Server shutting down")
	if stats := r.Stats(); stats.ActiveTunnels != 0 || stats.TotalClosed != 3 {
		t.Errorf("stats after close all: %+v", stats)
	}
}

func Test_lifecycle_events_published(t *testing.T) {
	b := bus.New()
	created := b.Subscribe(bus.TopicTunnelCreated, 4, nil)
	closed := b.Subscribe(bus.TopicTunnelClosed, 4, nil)
	defer created.Unsubscribe()
	defer closed.Unsubscribe()

	r := newTestRegistry(b)
	sess, _ := r.Register(RegisterRequest{Subdomain: "myapp", LocalPort: 3000, Transport: newFakeTransport()})

	select {
	case ev := <-created.C:
		e := ev.Data.(Event)
		if e.TunnelID != sess.ID || e.Subdomain != "myapp" || e.LocalPort != 3000 {
			t.Errorf("created event: %+v", e)
		}
	case <-time.After(time.Second):
		t.Fatal("no tunnel:created event")
	}

	sess.Close("done")
	select {
	case ev := <-closed.C:
		e := ev.Data.(Event)
		if e.Reason != "done" || e.DurationMS < 0 {
			t.Errorf("closed event: %+v", e)
		}
	case <-time.After(time.Second):
		t.Fatal("no tunnel:closed event")
	}
}
