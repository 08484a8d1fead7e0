package notify

import "testing"

func TestTeeAndRecorder(t *testing.T) {
	var a, b Recorder
	n := Tee(&a, nil, &b)
	n.Notify(Event{Kind: KindToast, Message: "70% elapsed"})
	n.Notify(Event{Kind: KindNavigate})
	if len(a.Events()) != 2 || len(b.Of(KindToast)) != 1 {
		t.Fatalf("a=%v b=%v", a.Events(), b.Events())
	}
	Discard.Notify(Event{Kind: KindRating})
}
