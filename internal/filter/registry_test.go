package filter

import (
	"testing"
	"time"
)

func allowFilter(id, scope string) Filter {
	return Filter{
		ID:    id,
		Scope: scope,
		Run:   func(*Context) Outcome { return Allow() },
		Policy: Policy{
			Enabled: true,
			OnError: OnErrorNoop,
		},
	}
}

func TestExecuteRegistrationOrder(t *testing.T) {
	r := NewRegistry()
	var order []string
	for _, id := range []string{"first", "second", "third"} {
		id := id
		err := r.Register(Filter{
			ID:    id,
			Scope: ScopeRoomChannelInbound,
			Run: func(*Context) Outcome {
				order = append(order, id)
				return Allow()
			},
			Policy: Policy{Enabled: true},
		})
		if err != nil {
			t.Fatalf("register %s: %v", id, err)
		}
	}

	result := r.Execute(ScopeRoomChannelInbound, &Context{})
	if !result.Allowed {
		t.Fatal("all-allow pipeline blocked")
	}
	if len(order) != 3 || order[0] != "first" || order[1] != "second" || order[2] != "third" {
		t.Errorf("execution order = %v", order)
	}
	if len(result.Diagnostics) != 3 {
		t.Errorf("diagnostics = %d, want 3", len(result.Diagnostics))
	}
}

func TestExecuteScopeIsolation(t *testing.T) {
	r := NewRegistry()
	ran := false
	_ = r.Register(Filter{
		ID:    "other-scope",
		Scope: ScopeDirectDelivery,
		Run: func(*Context) Outcome {
			ran = true
			return Block("nope", "")
		},
		Policy: Policy{Enabled: true},
	})

	result := r.Execute(ScopeRoomChannelInbound, &Context{})
	if !result.Allowed {
		t.Error("filter from another scope blocked the frame")
	}
	if ran {
		t.Error("filter from another scope was executed")
	}
	if len(result.Diagnostics) != 0 {
		t.Error("scope-mismatched filters should not appear in diagnostics")
	}
}

func TestExecuteBlockShortCircuits(t *testing.T) {
	r := NewRegistry()
	_ = r.Register(allowFilter("f1", ScopeRoomChannelInbound))
	_ = r.Register(Filter{
		ID:    "f2",
		Scope: ScopeRoomChannelInbound,
		Run: func(*Context) Outcome {
			out := Block("room_channel_message_blocked", "watch your language")
			out.StateChanged = true
			return out
		},
		Policy: Policy{Enabled: true},
	})
	laterRan := false
	_ = r.Register(Filter{
		ID:    "f3",
		Scope: ScopeRoomChannelInbound,
		Run: func(*Context) Outcome {
			laterRan = true
			return Allow()
		},
		Policy: Policy{Enabled: true},
	})

	result := r.Execute(ScopeRoomChannelInbound, &Context{})
	if result.Allowed {
		t.Fatal("blocking filter did not block")
	}
	if result.BlockedBy != "f2" {
		t.Errorf("BlockedBy = %q, want f2", result.BlockedBy)
	}
	if result.Code != "room_channel_message_blocked" {
		t.Errorf("Code = %q", result.Code)
	}
	if result.Reason != "watch your language" {
		t.Errorf("Reason = %q", result.Reason)
	}
	if !result.StateChanged {
		t.Error("StateChanged from the blocking filter lost")
	}
	if laterRan {
		t.Error("filter after the block was executed")
	}
}

func TestExecutePanicNoopContinues(t *testing.T) {
	r := NewRegistry()
	_ = r.Register(allowFilter("f1", ScopeRoomChannelInbound))
	_ = r.Register(Filter{
		ID:     "f2",
		Scope:  ScopeRoomChannelInbound,
		Run:    func(*Context) Outcome { panic("kaboom") },
		Policy: Policy{Enabled: true, OnError: OnErrorNoop},
	})

	result := r.Execute(ScopeRoomChannelInbound, &Context{})
	if !result.Allowed {
		t.Fatal("noop-policy failure blocked the frame")
	}

	var errDiag *Diagnostic
	for i := range result.Diagnostics {
		if result.Diagnostics[i].FilterID == "f2" {
			errDiag = &result.Diagnostics[i]
		}
	}
	if errDiag == nil || errDiag.Status != StatusError {
		t.Fatalf("expected an error diagnostic for f2, got %+v", result.Diagnostics)
	}
	if errDiag.Error == "" {
		t.Error("error diagnostic missing the failure text")
	}
}

func TestExecutePanicBlockPolicy(t *testing.T) {
	r := NewRegistry()
	_ = r.Register(allowFilter("f1", ScopeRoomChannelInbound))
	_ = r.Register(Filter{
		ID:     "f2",
		Scope:  ScopeRoomChannelInbound,
		Run:    func(*Context) Outcome { panic("kaboom") },
		Policy: Policy{Enabled: true, OnError: OnErrorBlock},
	})

	result := r.Execute(ScopeRoomChannelInbound, &Context{})
	if result.Allowed {
		t.Fatal("block-policy failure did not block")
	}
	if result.BlockedBy != "f2" {
		t.Errorf("BlockedBy = %q, want f2", result.BlockedBy)
	}
	if result.Code != "filter_f2_error" {
		t.Errorf("Code = %q, want filter_f2_error", result.Code)
	}
}

func TestExecuteTimeoutPolicies(t *testing.T) {
	slow := func(*Context) Outcome {
		time.Sleep(20 * time.Millisecond)
		return Allow()
	}

	t.Run("noop records and continues", func(t *testing.T) {
		r := NewRegistry()
		_ = r.Register(Filter{
			ID: "slow", Scope: ScopeRoomChannelInbound, Run: slow,
			Policy: Policy{Enabled: true, TimeoutMs: 1, OnError: OnErrorNoop},
		})
		result := r.Execute(ScopeRoomChannelInbound, &Context{})
		if !result.Allowed {
			t.Fatal("noop timeout blocked")
		}
		if len(result.Diagnostics) != 1 || result.Diagnostics[0].Status != StatusTimeout {
			t.Errorf("diagnostics = %+v, want one timeout", result.Diagnostics)
		}
	})

	t.Run("block short-circuits", func(t *testing.T) {
		r := NewRegistry()
		_ = r.Register(Filter{
			ID: "slow", Scope: ScopeRoomChannelInbound, Run: slow,
			Policy: Policy{Enabled: true, TimeoutMs: 1, OnError: OnErrorBlock},
		})
		result := r.Execute(ScopeRoomChannelInbound, &Context{})
		if result.Allowed {
			t.Fatal("block timeout did not block")
		}
		if result.Code != "filter_slow_timeout" {
			t.Errorf("Code = %q", result.Code)
		}
	})

	t.Run("fast filter under budget passes", func(t *testing.T) {
		r := NewRegistry()
		_ = r.Register(Filter{
			ID: "fast", Scope: ScopeRoomChannelInbound,
			Run:    func(*Context) Outcome { return Allow() },
			Policy: Policy{Enabled: true, TimeoutMs: 1000, OnError: OnErrorBlock},
		})
		result := r.Execute(ScopeRoomChannelInbound, &Context{})
		if !result.Allowed || result.Diagnostics[0].Status != StatusOK {
			t.Errorf("fast filter result = %+v", result)
		}
	})
}

func TestExecuteDisabledFilter(t *testing.T) {
	r := NewRegistry()
	ran := false
	_ = r.Register(Filter{
		ID:    "off",
		Scope: ScopeRoomChannelInbound,
		Run: func(*Context) Outcome {
			ran = true
			return Block("x", "")
		},
		Policy: Policy{Enabled: false},
	})

	result := r.Execute(ScopeRoomChannelInbound, &Context{})
	if !result.Allowed {
		t.Error("disabled filter blocked")
	}
	if ran {
		t.Error("disabled filter was executed")
	}
	if len(result.Diagnostics) != 1 || result.Diagnostics[0].Status != StatusDisabled {
		t.Errorf("diagnostics = %+v, want one disabled entry", result.Diagnostics)
	}
}

func TestSetEnabledTogglesLive(t *testing.T) {
	r := NewRegistry()
	_ = r.Register(Filter{
		ID:     "gate",
		Scope:  ScopeRoomChannelInbound,
		Run:    func(*Context) Outcome { return Block("gated", "") },
		Policy: Policy{Enabled: false},
	})

	if !r.Execute(ScopeRoomChannelInbound, &Context{}).Allowed {
		t.Fatal("disabled filter blocked")
	}
	if !r.SetEnabled("gate", true) {
		t.Fatal("SetEnabled did not find the filter")
	}
	if r.Execute(ScopeRoomChannelInbound, &Context{}).Allowed {
		t.Error("enabled filter did not block")
	}
	if r.SetEnabled("missing", true) {
		t.Error("SetEnabled found a filter that does not exist")
	}
}

func TestRegisterValidation(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(Filter{ID: "", Scope: "s", Run: func(*Context) Outcome { return Allow() }}); err == nil {
		t.Error("registered a filter without an id")
	}
	if err := r.Register(allowFilter("dup", ScopeRoomChannelInbound)); err != nil {
		t.Fatal(err)
	}
	if err := r.Register(allowFilter("dup", ScopeDirectDelivery)); err == nil {
		t.Error("registered a duplicate id")
	}
	bad := allowFilter("badpolicy", ScopeRoomChannelInbound)
	bad.Policy.OnError = "explode"
	if err := r.Register(bad); err == nil {
		t.Error("registered an invalid onError policy")
	}
}

func TestStateChangedAggregation(t *testing.T) {
	r := NewRegistry()
	_ = r.Register(Filter{
		ID: "mutator", Scope: ScopeRoomChannelInbound,
		Run: func(*Context) Outcome {
			out := Allow()
			out.StateChanged = true
			return out
		},
		Policy: Policy{Enabled: true},
	})
	_ = r.Register(allowFilter("plain", ScopeRoomChannelInbound))

	result := r.Execute(ScopeRoomChannelInbound, &Context{})
	if !result.StateChanged {
		t.Error("StateChanged from an earlier filter was lost")
	}
}
