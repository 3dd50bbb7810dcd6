package ws

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/gobwas/ws/wsutil"
)

// pipeConn builds a registered-side Connection over net.Pipe and returns the
// client end for reading frames.
func pipeConn(id, ip string) (*Connection, net.Conn) {
	server, client := net.Pipe()
	c := &Connection{
		ID:          id,
		Conn:        server,
		RemoteIP:    ip,
		ConnectedAt: time.Now(),
		LastActive:  time.Now(),
	}
	return c, client
}

// drain reads server frames from the client end into a channel until the
// connection closes.
func drain(client net.Conn) <-chan []byte {
	out := make(chan []byte, 16)
	go func() {
		defer close(out)
		for {
			data, err := wsutil.ReadServerText(client)
			if err != nil {
				return
			}
			out <- data
		}
	}()
	return out
}

func TestRegistry_AddRemoveCount(t *testing.T) {
	r := NewRegistry()

	a, _ := pipeConn("a", "1.1.1.1")
	b, _ := pipeConn("b", "1.1.1.1")
	c, _ := pipeConn("c", "2.2.2.2")

	r.Add(a)
	r.Add(b)
	r.Add(c)

	if got := r.Count(); got != 3 {
		t.Fatalf("Count() = %d, want 3", got)
	}
	if r.Get("b") != b {
		t.Fatalf("Get(b) returned wrong connection")
	}

	if !r.Remove("b") {
		t.Fatalf("Remove(b) = false, want true")
	}
	if r.Remove("b") {
		t.Fatalf("second Remove(b) = true, want false")
	}
	if got := r.Count(); got != 2 {
		t.Fatalf("Count() after remove = %d, want 2", got)
	}
	if r.Get("b") != nil {
		t.Fatalf("Get(b) after remove should be nil")
	}
}

func TestRegistry_ByIP(t *testing.T) {
	r := NewRegistry()

	a, _ := pipeConn("a", "1.1.1.1")
	b, _ := pipeConn("b", "1.1.1.1")

	r.Add(a)
	r.Add(b)

	got := r.ByIP("1.1.1.1")
	if got == nil || got.RemoteIP != "1.1.1.1" {
		t.Fatalf("ByIP returned %v, want a connection from 1.1.1.1", got)
	}
	if r.ByIP("9.9.9.9") != nil {
		t.Fatalf("ByIP for unknown address should be nil")
	}

	// The IP index must survive removing one of two connections sharing an
	// IP, and clear once both are gone.
	r.Remove("a")
	if r.ByIP("1.1.1.1") != b {
		t.Fatalf("ByIP should still find the remaining connection")
	}
	r.Remove("b")
	if r.ByIP("1.1.1.1") != nil {
		t.Fatalf("ByIP should be nil after all connections left")
	}
}

func TestRegistry_Broadcast(t *testing.T) {
	r := NewRegistry()

	var (
		clients []<-chan []byte
		wg      sync.WaitGroup
	)
	for _, id := range []string{"a", "b", "c"} {
		conn, client := pipeConn(id, "1.2.3."+id)
		r.Add(conn)
		clients = append(clients, drain(client))
	}

	payload := []byte(`{"type":"online","count":3}`)
	r.Broadcast(payload)

	wg.Add(len(clients))
	for i, ch := range clients {
		go func(i int, ch <-chan []byte) {
			defer wg.Done()
			select {
			case data := <-ch:
				if string(data) != string(payload) {
					t.Errorf("client %d received %q, want %q", i, data, payload)
				}
			case <-time.After(2 * time.Second):
				t.Errorf("client %d did not receive the broadcast", i)
			}
		}(i, ch)
	}
	wg.Wait()
}
