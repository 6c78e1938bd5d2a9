// Package ping implements the liveness probe protocol: the prober writes 32
// random bytes, the responder echoes them, and the prober verifies the echo
// and measures the round trip.
package ping

import (
	"bytes"
	"io"
	"time"

	"github.com/pkg/errors"

	"github.com/peerway-io/peerway/pkg/random"
)

const (
	// ProtocolID is the protocol identifier negotiated for liveness probes.
	ProtocolID = "/ipfs/ping/1.0.0"
	// payloadSize is the probe payload size in bytes.
	payloadSize = 32
)

// Serve answers probes on a stream until the prober stops sending. It is the
// responder half of the protocol.
func Serve(stream io.ReadWriter) error {
	buffer := make([]byte, payloadSize)
	for {
		if _, err := io.ReadFull(stream, buffer); err != nil {
			if err == io.EOF {
				return nil
			}
			return errors.Wrap(err, "unable to receive probe")
		}
		if _, err := stream.Write(buffer); err != nil {
			return errors.Wrap(err, "unable to echo probe")
		}
	}
}

// Ping performs a single probe round trip on a stream and returns the
// measured duration.
func Ping(stream io.ReadWriter) (time.Duration, error) {
	payload, err := random.New(payloadSize)
	if err != nil {
		return 0, errors.Wrap(err, "unable to generate probe payload")
	}
	start := time.Now()
	if _, err := stream.Write(payload); err != nil {
		return 0, errors.Wrap(err, "unable to send probe")
	}
	echoed := make([]byte, payloadSize)
	if _, err := io.ReadFull(stream, echoed); err != nil {
		return 0, errors.Wrap(err, "unable to receive echo")
	}
	if !bytes.Equal(echoed, payload) {
		return 0, errors.New("echoed payload mismatch")
	}
	return time.Since(start), nil
}
