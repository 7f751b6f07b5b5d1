package app

import (
	"context"
	"errors"
	"strings"
	"testing"
)

func recorder(order *[]string, name string, startErr error) Component {
	return Component{
		Name: name,
		Start: func(context.Context) error {
			*order = append(*order, "start-"+name)
			return startErr
		},
		Stop: func(context.Context) error {
			*order = append(*order, "stop-"+name)
			return nil
		},
	}
}

func TestLifecycleStartStopOrder(t *testing.T) {
	var order []string
	l := newLifecycle(discardLogger())
	l.register(recorder(&order, "first", nil))
	l.register(recorder(&order, "second", nil))

	if err := l.start(context.Background()); err != nil {
		t.Fatalf("start() error = %v", err)
	}
	if err := l.start(context.Background()); err != nil {
		t.Fatalf("second start() error = %v", err)
	}
	if err := l.stop(context.Background()); err != nil {
		t.Fatalf("stop() error = %v", err)
	}
	if err := l.stop(context.Background()); err != nil {
		t.Fatalf("second stop() error = %v", err)
	}

	got := strings.Join(order, ",")
	if want := "start-first,start-second,stop-second,stop-first"; got != want {
		t.Fatalf("order = %s, want %s", got, want)
	}
}

func TestLifecycleRollsBackFailedStart(t *testing.T) {
	var order []string
	boom := errors.New("boom")
	l := newLifecycle(discardLogger())
	l.register(recorder(&order, "first", nil))
	l.register(recorder(&order, "second", boom))
	l.register(recorder(&order, "third", nil))

	err := l.start(context.Background())
	if !errors.Is(err, boom) {
		t.Fatalf("start() error = %v, want boom", err)
	}
	got := strings.Join(order, ",")
	if want := "start-first,start-second,stop-first"; got != want {
		t.Fatalf("order = %s, want %s", got, want)
	}

	// A failed start leaves the lifecycle stopped and restartable.
	if err := l.stop(context.Background()); err != nil {
		t.Fatalf("stop() after failed start error = %v", err)
	}
}

func TestLifecycleJoinsStopErrors(t *testing.T) {
	l := newLifecycle(discardLogger())
	errA, errB := errors.New("a"), errors.New("b")
	l.register(Component{Name: "a", Stop: func(context.Context) error { return errA }})
	l.register(Component{Name: "b", Stop: func(context.Context) error { return errB }})

	if err := l.start(context.Background()); err != nil {
		t.Fatalf("start() error = %v", err)
	}
	err := l.stop(context.Background())
	if !errors.Is(err, errA) || !errors.Is(err, errB) {
		t.Fatalf("stop() error = %v, want both component errors", err)
	}
}
