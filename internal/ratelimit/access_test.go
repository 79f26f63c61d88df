package ratelimit

import (
	"testing"
	"time"
)

func Test_access_deny_list_wins(t *testing.T) {
	ac := NewAccessControl(AccessPolicy{
		AllowIPs: []string{"10.0.0.1"},
		DenyIPs:  []string{"10.0.0.1"},
	})
	if v := ac.Admit("10.0.0.1"); v.Allowed {
		t.Fatal("denied IP admitted")
	}
}

func Test_access_allow_list_is_exhaustive(t *testing.T) {
	ac := NewAccessControl(AccessPolicy{AllowIPs: []string{"10.0.0.1"}})
	if v := ac.Admit("10.0.0.1"); !v.Allowed {
		t.Fatal("allowed IP rejected")
	}
	if v := ac.Admit("10.0.0.2"); v.Allowed {
		t.Fatal("unlisted IP admitted despite allow list")
	}
}

func Test_access_empty_policy_admits_all(t *testing.T) {
	ac := NewAccessControl(AccessPolicy{})
	if v := ac.Admit("192.0.2.1"); !v.Allowed {
		t.Fatalf("open policy rejected IP: %+v", v)
	}
}

func Test_access_blocks_after_repeated_auth_failures(t *testing.T) {
	ac := NewAccessControl(AccessPolicy{MaxFailedAuth: 3, BlockDuration: time.Minute})
	ip := "198.51.100.9"

	for i := 0; i < 2; i++ {
		ac.RecordAuthFailure(ip)
		if ac.Blocked(ip) {
			t.Fatalf("blocked after %d failures", i+1)
		}
	}
	ac.RecordAuthFailure(ip)
	if !ac.Blocked(ip) {
		t.Fatal("not blocked at threshold")
	}
	if v := ac.Admit(ip); v.Allowed {
		t.Fatal("blocked IP admitted")
	}

	// Other IPs are unaffected.
	if v := ac.Admit("198.51.100.10"); !v.Allowed {
		t.Fatal("unrelated IP rejected")
	}
}

func Test_access_failure_counter_resets_after_block(t *testing.T) {
	ac := NewAccessControl(AccessPolicy{MaxFailedAuth: 2, BlockDuration: time.Minute})
	ip := "198.51.100.9"
	ac.RecordAuthFailure(ip)
	ac.RecordAuthFailure(ip)
	if !ac.Blocked(ip) {
		t.Fatal("not blocked")
	}

	// The counter was cleared when the block installed; one fresh failure
	// must not be enough to re-arm it on its own.
	ac.mu.Lock()
	_, tracked := ac.failures[ip]
	ac.mu.Unlock()
	if tracked {
		t.Error("failure history survived the block")
	}
}
