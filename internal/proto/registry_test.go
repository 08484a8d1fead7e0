package proto

import "testing"

func TestRegistrySameKeyReplaces(t *testing.T) {
	r := NewRegistry()
	var first, second int
	r.On(EventConnect, "presence", func(Message) { first++ })
	r.On(EventConnect, "presence", func(Message) { second++ })
	r.Dispatch(Connect{})
	if first != 0 || second != 1 {
		t.Fatalf("first=%d second=%d", first, second)
	}
	if n := r.Count(EventConnect); n != 1 {
		t.Fatalf("Count = %d, want 1", n)
	}
}

func TestRegistryOrderAndOff(t *testing.T) {
	r := NewRegistry()
	var order []string
	r.On(EventOffer, "a", func(Message) { order = append(order, "a") })
	r.On(EventOffer, "b", func(Message) { order = append(order, "b") })
	r.On(EventOffer, "c", func(Message) { order = append(order, "c") })
	r.Off(EventOffer, "b")
	r.Dispatch(Offer{})
	if len(order) != 2 || order[0] != "a" || order[1] != "c" {
		t.Fatalf("order = %v", order)
	}
}

func TestRegistryHandlerMayReregister(t *testing.T) {
	r := NewRegistry()
	calls := 0
	r.On(EventAnswer, "k", func(Message) {
		calls++
		r.On(EventAnswer, "k", func(Message) { calls += 10 })
	})
	r.Dispatch(Answer{})
	r.Dispatch(Answer{})
	if calls != 11 {
		t.Fatalf("calls = %d, want 11", calls)
	}
}
