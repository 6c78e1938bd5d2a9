package yamux

const (
	// ProtocolID is the protocol identifier negotiated for this multiplexer.
	ProtocolID = "/yamux/1.0.0"

	// defaultCredit is the initial per-stream credit assumed by both sides
	// before any window update, as fixed by the wire protocol.
	defaultCredit = 256 * 1024
	// defaultMaxBufferSize is the default per-stream receive buffer bound.
	defaultMaxBufferSize = 1024 * 1024
	// defaultMaxNumStreams is the default bound on live streams per session.
	defaultMaxNumStreams = 8192
	// defaultMaxMessageSize is the default maximum data frame body size.
	defaultMaxMessageSize = 64 * 1024
	// defaultAcceptBacklog is the default number of pending inbound streams.
	defaultAcceptBacklog = 256
	// defaultWriteQueueSize is the default outbound frame queue capacity.
	defaultWriteQueueSize = 64
)

// WindowUpdateMode specifies when window update frames are sent.
type WindowUpdateMode uint8

const (
	// WindowUpdateOnReceive replenishes the window as soon as data is
	// received. This prevents head-of-line blocking but exerts no
	// back-pressure: a reader that falls behind accumulates buffered bytes up
	// to MaxBufferSize, at which point the stream is reset.
	WindowUpdateOnReceive WindowUpdateMode = iota
	// WindowUpdateOnRead replenishes the window only when the local consumer
	// actually reads buffered bytes. This exerts true back-pressure at the
	// cost of potential deadlock if both sides write more than the other's
	// window before reading.
	WindowUpdateOnRead
)

// Configuration encodes multiplexer configuration.
type Configuration struct {
	// ReceiveWindow is the per-stream receive window in bytes. It must be at
	// least defaultCredit; lesser values (including 0) are clamped to it.
	ReceiveWindow uint32
	// MaxBufferSize is the per-stream receive buffer bound in bytes. A stream
	// whose buffered-but-unread data would exceed this bound is reset. Values
	// less than ReceiveWindow are clamped to it. The default is 1 MiB.
	MaxBufferSize uint32
	// MaxNumStreams is the bound on live streams per session. A peer opening
	// streams beyond the bound commits a protocol error and the session shuts
	// down. If less than or equal to 0, the default of 8192 is used.
	MaxNumStreams int
	// MaxMessageSize is the maximum data frame body size in bytes. If 0, the
	// default of 64 KiB is used.
	MaxMessageSize uint32
	// WindowUpdateMode specifies when window update frames are sent.
	WindowUpdateMode WindowUpdateMode
	// LazyOpen defers the SYN flag of outbound streams to the first data
	// frame instead of sending an immediate window update.
	LazyOpen bool
	// AcceptBacklog is the maximum number of concurrent pending inbound
	// streams. Inbound streams beyond the backlog are reset. If less than or
	// equal to 0, the default of 256 is used.
	AcceptBacklog int
	// WriteQueueSize is the outbound frame queue capacity. If less than or
	// equal to 0, the default of 64 is used.
	WriteQueueSize int
}

// DefaultConfiguration returns the default multiplexer configuration.
func DefaultConfiguration() *Configuration {
	return &Configuration{
		ReceiveWindow:    defaultCredit,
		MaxBufferSize:    defaultMaxBufferSize,
		MaxNumStreams:    defaultMaxNumStreams,
		MaxMessageSize:   defaultMaxMessageSize,
		WindowUpdateMode: WindowUpdateOnReceive,
		AcceptBacklog:    defaultAcceptBacklog,
		WriteQueueSize:   defaultWriteQueueSize,
	}
}

// normalize normalizes out-of-range configuration values.
func (c *Configuration) normalize() {
	if c.ReceiveWindow < defaultCredit {
		c.ReceiveWindow = defaultCredit
	}
	if c.MaxBufferSize < c.ReceiveWindow {
		c.MaxBufferSize = c.ReceiveWindow
	}
	if c.MaxNumStreams <= 0 {
		c.MaxNumStreams = defaultMaxNumStreams
	}
	if c.MaxMessageSize == 0 {
		c.MaxMessageSize = defaultMaxMessageSize
	}
	if c.AcceptBacklog <= 0 {
		c.AcceptBacklog = defaultAcceptBacklog
	}
	if c.WriteQueueSize <= 0 {
		c.WriteQueueSize = defaultWriteQueueSize
	}
}
