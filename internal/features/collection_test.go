package features

import "testing"

type testUser struct{ name string }

func (u *testUser) User() any     { return u.name }
func (u *testUser) SetUser(v any) { u.name = v.(string) }

func TestCollection_GetSetRevision(t *testing.T) {
	c := NewCollection(nil)
	if got := Get[AuthenticationFeature](c); got != nil {
		t.Errorf("Expected nil for absent feature, got %v", got)
	}
	r0 := c.Revision()
	Set[AuthenticationFeature](c, &testUser{name: "ada"})
	if c.Revision() == r0 {
		t.Error("Expected revision to change after Set")
	}
	if got := Get[AuthenticationFeature](c); got == nil || got.User() != "ada" {
		t.Errorf("Expected user ada, got %v", got)
	}

	r1 := c.Revision()
	Set[AuthenticationFeature](c, nil)
	if c.Revision() == r1 {
		t.Error("Expected revision to change after removal")
	}
	if got := Get[AuthenticationFeature](c); got != nil {
		t.Errorf("Expected feature removed, got %v", got)
	}
}

func TestCollection_Defaults(t *testing.T) {
	conn := NewCollection(nil)
	Set[RequestIdentifierFeature](conn, &TraceID{ID: "conn"})
	req := NewCollection(conn)

	if got := Get[RequestIdentifierFeature](req).TraceIdentifier(); got != "conn" {
		t.Errorf("Expected defaults lookup to return conn, got %q", got)
	}
	Set[RequestIdentifierFeature](req, &TraceID{ID: "req"})
	if got := Get[RequestIdentifierFeature](req).TraceIdentifier(); got != "req" {
		t.Errorf("Expected local override req, got %q", got)
	}
	req.Reset()
	if req.Len() != 0 {
		t.Errorf("Expected empty collection after Reset, got %d", req.Len())
	}
	if got := Get[RequestIdentifierFeature](req).TraceIdentifier(); got != "conn" {
		t.Errorf("Expected defaults after Reset, got %q", got)
	}
}

func TestReferences_FactoryRunsOnce(t *testing.T) {
	c := NewCollection(nil)
	r := NewReferences(c)
	calls := 0
	factory := func() ItemsFeature {
		calls++
		return ItemsMap{}
	}

	first := Fetch(r, &r.Cache.Items, factory)
	first.Items()["k"] = 1
	second := Fetch(r, &r.Cache.Items, factory)
	if calls != 1 {
		t.Errorf("Expected factory to run once, ran %d times", calls)
	}
	if second.Items()["k"] != 1 {
		t.Error("Expected cached items to be the same instance")
	}
	if Get[ItemsFeature](c) == nil {
		t.Error("Expected factory result to be stored in the collection")
	}

	// A fresh cache over the same collection finds the stored value.
	r2 := NewReferences(c)
	Fetch(r2, &r2.Cache.Items, factory)
	if calls != 1 {
		t.Errorf("Expected stored value to be reused, factory ran %d times", calls)
	}
}

func TestReferences_StaleRevisionFlushesCache(t *testing.T) {
	c := NewCollection(nil)
	r := NewReferences(c)
	Set[AuthenticationFeature](c, &testUser{name: "a"})
	if got := r.Authentication(); got == nil || got.User() != "a" {
		t.Fatalf("Expected user a, got %v", got)
	}

	Set[AuthenticationFeature](c, &testUser{name: "b"})
	if got := r.Authentication(); got.User() != "b" {
		t.Errorf("Expected cache flushed and user b returned, got %v", got.User())
	}

	c.Reset()
	if got := r.Authentication(); got != nil {
		t.Errorf("Expected nil after Reset, got %v", got)
	}
	if got := r.Session(); got != nil {
		t.Errorf("Expected absent session to be nil, got %v", got)
	}
}

func TestReferences_CachedHitDoesNotAllocate(t *testing.T) {
	c := NewCollection(nil)
	r := NewReferences(c)
	r.Items()
	allocs := testing.AllocsPerRun(100, func() {
		_ = r.Items()
	})
	if allocs != 0 {
		t.Errorf("Expected 0 allocations on cached hit, got %v", allocs)
	}
}

func TestHeaders_CaseInsensitive(t *testing.T) {
	var h Headers
	h.Add("Content-Type", "text/plain")
	h.Add("X-Dup", "1")
	h.Add("x-dup", "2")

	if got := h.Get("content-type"); got != "text/plain" {
		t.Errorf("Expected text/plain, got %q", got)
	}
	if got := h.Values("X-DUP"); len(got) != 2 || got[0] != "1" || got[1] != "2" {
		t.Errorf("Expected duplicates in order, got %v", got)
	}
	h.Set("X-Dup", "3")
	if h.Count("x-dup") != 1 || h.Get("x-dup") != "3" {
		t.Errorf("Expected single x-dup=3, got %v", h.Values("x-dup"))
	}
	h.Del("content-type")
	if _, ok := h.Lookup("Content-Type"); ok {
		t.Error("Expected Content-Type deleted")
	}
	clone := h.Clone()
	h.Reset()
	if len(h) != 0 || len(clone) != 1 {
		t.Errorf("Expected reset original and intact clone, got %d and %d", len(h), len(clone))
	}
}
