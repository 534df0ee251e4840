package model

import (
	"errors"
	"math"
	"testing"
	"time"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestNewMessage_Fields(t *testing.T) {
	m := NewMessage("alice", "general", DomainChat, 0.4, []byte(`{"text":"hi"}`), t0, time.Minute)
	if m.ID == "" {
		t.Fatal("NewMessage should assign an id")
	}
	if m.DedupeKey != Fingerprint("alice", "general", []byte(`{"text":"hi"}`)) {
		t.Fatalf("dedupe key %q does not match fingerprint", m.DedupeKey)
	}
	if !m.ExpiresAt.Equal(t0.Add(time.Minute)) {
		t.Fatalf("ExpiresAt = %v, want %v", m.ExpiresAt, t0.Add(time.Minute))
	}
	if err := m.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestNewMessage_NoTTL(t *testing.T) {
	m := NewMessage("alice", "", DomainTask, 0.4, nil, t0, 0)
	if !m.ExpiresAt.IsZero() {
		t.Fatalf("ttl=0 should leave ExpiresAt zero, got %v", m.ExpiresAt)
	}
	if m.Expired(t0.Add(24 * time.Hour)) {
		t.Fatal("message without expiry should never expire")
	}
	if m.Scoped() {
		t.Fatal("message without channel must not be scoped")
	}
}

func TestFingerprint_DistinguishesFields(t *testing.T) {
	a := Fingerprint("alice", "general", []byte("hi"))
	cases := []struct {
		name string
		fp   string
	}{
		{"other source", Fingerprint("bob", "general", []byte("hi"))},
		{"other channel", Fingerprint("alice", "random", []byte("hi"))},
		{"other content", Fingerprint("alice", "general", []byte("hello"))},
		{"shifted boundary", Fingerprint("alic", "egeneral", []byte("hi"))},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if tc.fp == a {
				t.Fatalf("fingerprint collision for %s", tc.name)
			}
		})
	}
	if Fingerprint("alice", "general", []byte("hi")) != a {
		t.Fatal("fingerprint should be deterministic")
	}
}

func TestMessage_Expired(t *testing.T) {
	m := NewMessage("alice", "", DomainTask, 0.5, nil, t0, time.Second)
	if m.Expired(t0) {
		t.Fatal("should not be expired at creation")
	}
	if !m.Expired(t0.Add(time.Second)) {
		t.Fatal("should be expired exactly at ExpiresAt")
	}
}

func TestValidate_PriorityRange(t *testing.T) {
	cases := []struct {
		name     string
		priority float64
		ok       bool
	}{
		{"zero", 0, true},
		{"one", 1, true},
		{"middle", 0.5, true},
		{"negative", -0.01, false},
		{"above one", 1.01, false},
		{"nan", math.NaN(), false},
		{"inf", math.Inf(1), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			m := NewMessage("alice", "", DomainTask, tc.priority, nil, t0, 0)
			err := m.Validate()
			if tc.ok && err != nil {
				t.Fatalf("Validate(%v) = %v, want nil", tc.priority, err)
			}
			if !tc.ok && !errors.Is(err, ErrInvalidMessage) {
				t.Fatalf("Validate(%v) = %v, want ErrInvalidMessage", tc.priority, err)
			}
		})
	}
}

func TestValidate_MissingFields(t *testing.T) {
	base := NewMessage("alice", "general", DomainChat, 0.5, nil, t0, 0)

	noID := base
	noID.ID = ""
	noSource := base
	noSource.SourceID = ""
	noDomain := base
	noDomain.Domain = ""
	noTime := base
	noTime.CreatedAt = time.Time{}

	for name, m := range map[string]Message{
		"id": noID, "source": noSource, "domain": noDomain, "created_at": noTime,
	} {
		if err := m.Validate(); !errors.Is(err, ErrInvalidMessage) {
			t.Fatalf("missing %s: got %v, want ErrInvalidMessage", name, err)
		}
	}
}

func TestParseMood(t *testing.T) {
	for _, m := range Moods() {
		got, err := ParseMood(string(m))
		if err != nil || got != m {
			t.Fatalf("ParseMood(%q) = %q, %v", m, got, err)
		}
	}
	if _, err := ParseMood("grumpy"); err == nil {
		t.Fatal("ParseMood should reject unknown moods")
	}
}

func TestClaim_Live(t *testing.T) {
	c := Claim{State: ClaimClaimed, ExpiresAt: t0.Add(time.Second)}
	if !c.Live(t0) {
		t.Fatal("claimed lease before expiry should be live")
	}
	if c.Live(t0.Add(time.Second)) {
		t.Fatal("lease at ExpiresAt should not be live")
	}
	c.State = ClaimResolved
	if c.Live(t0) {
		t.Fatal("resolved claim should not be live")
	}
	if !ClaimExpired.Settled() || !ClaimResolved.Settled() || ClaimClaimed.Settled() || ClaimOpen.Settled() {
		t.Fatal("Settled classification wrong")
	}
}
