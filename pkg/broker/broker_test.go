package broker

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	natssrv "github.com/nats-io/nats-server/v2/server"

	"github.com/fluxorio/flowstate/pkg/core"
)

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestMemoryBrokerFanOut(t *testing.T) {
	b := NewMemoryBroker(core.NopLogger())
	defer b.Close()

	var first, second atomic.Int64
	if _, err := b.Subscribe("orders", func(_ string, _ []byte) { first.Add(1) }); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if _, err := b.Subscribe("orders", func(_ string, _ []byte) { second.Add(1) }); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	if err := b.Publish("orders", []byte(`{}`)); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	waitFor(t, time.Second, func() bool {
		return first.Load() == 1 && second.Load() == 1
	})

	// Other channels stay quiet.
	if err := b.Publish("shipping", []byte(`{}`)); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	time.Sleep(30 * time.Millisecond)
	if first.Load() != 1 {
		t.Fatalf("subscriber saw foreign channel: %d", first.Load())
	}
}

func TestMemoryBrokerUnsubscribe(t *testing.T) {
	b := NewMemoryBroker(core.NopLogger())
	defer b.Close()

	var count atomic.Int64
	sub, err := b.Subscribe("orders", func(_ string, _ []byte) { count.Add(1) })
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	sub.Close()

	if err := b.Publish("orders", []byte(`{}`)); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	time.Sleep(30 * time.Millisecond)
	if count.Load() != 0 {
		t.Fatal("closed subscription still delivered")
	}
}

func TestMemoryBrokerClose(t *testing.T) {
	b := NewMemoryBroker(core.NopLogger())
	if err := b.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := b.Publish("orders", nil); err == nil {
		t.Fatal("publish on closed broker accepted")
	}
	if _, err := b.Subscribe("orders", func(string, []byte) {}); err == nil {
		t.Fatal("subscribe on closed broker accepted")
	}
}

func TestChannelNames(t *testing.T) {
	if got := CommandChannel("orders"); got != "fsm:commands:orders" {
		t.Fatalf("CommandChannel = %s", got)
	}
	if got := EventChannel("orders"); got != "orders" {
		t.Fatalf("EventChannel = %s", got)
	}
}

func runTestNATSServer(t *testing.T) *natssrv.Server {
	t.Helper()

	opts := &natssrv.Options{
		Port: -1,
	}
	s, err := natssrv.NewServer(opts)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	go s.Start()
	if !s.ReadyForConnections(5 * time.Second) {
		s.Shutdown()
		t.Fatalf("nats server not ready")
	}
	t.Cleanup(s.Shutdown)
	return s
}

func TestNATSBrokerRoundTrip(t *testing.T) {
	srv := runTestNATSServer(t)

	b, err := NewNATSBroker(NATSOptions{URL: srv.ClientURL(), Logger: core.NopLogger()})
	if err != nil {
		t.Fatalf("NewNATSBroker: %v", err)
	}
	t.Cleanup(func() { b.Close() })

	var (
		mu  sync.Mutex
		got []string
	)
	sub, err := b.Subscribe(CommandChannel("orders"), func(_ string, data []byte) {
		mu.Lock()
		got = append(got, string(data))
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	t.Cleanup(func() { sub.Close() })

	if err := b.Publish(CommandChannel("orders"), []byte(`{"kind":"broadcast"}`)); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	})
	mu.Lock()
	defer mu.Unlock()
	if got[0] != `{"kind":"broadcast"}` {
		t.Fatalf("payload = %s", got[0])
	}
}
