// Package must provides cleanup helpers for operations whose failure can't be
// meaningfully handled by the caller but shouldn't be silently discarded.
package must

import (
	"io"

	"github.com/peerway-io/peerway/pkg/logging"
)

// Close closes the specified closer, logging a warning on failure.
func Close(c io.Closer, logger *logging.Logger) {
	if err := c.Close(); err != nil {
		logger.Warnf("Unable to close: %s", err.Error())
	}
}

// CloseWrite closes the write side of the specified stream, logging a warning
// on failure.
func CloseWrite(cw interface{ CloseWrite() error }, logger *logging.Logger) {
	if err := cw.CloseWrite(); err != nil {
		logger.Warnf("Unable to close writes: %s", err.Error())
	}
}
