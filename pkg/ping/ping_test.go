package ping

import (
	"net"
	"testing"
	"time"
)

// TestPingRoundTrip tests a probe against a serving responder.
func TestPingRoundTrip(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()

	serveErrors := make(chan error, 1)
	go func() {
		serveErrors <- Serve(server)
	}()

	for i := 0; i < 3; i++ {
		rtt, err := Ping(client)
		if err != nil {
			t.Fatal("probe failed:", err)
		}
		if rtt < 0 {
			t.Error("probe measured negative round trip")
		}
	}

	client.Close()
	select {
	case <-serveErrors:
	case <-time.After(5 * time.Second):
		t.Fatal("responder did not terminate")
	}
}
