package bare

import "time"

const (
	// maxHeaderValue is the largest value a single x-bare-headers chunk
	// may take before splitHeaders breaks it across x-bare-headers-N.
	maxHeaderValue = 3072

	// metaTTL is how long a meta record survives before the reaper
	// sweeps it.
	metaTTL = 30 * time.Second

	// metaReapInterval is the reaper's sweep cadence.
	metaReapInterval = 1 * time.Second

	// upgradeTimeout bounds an outbound v1/v2/v3 WebSocket handshake.
	upgradeTimeout = 12 * time.Second

	// connectHandshakeTimeout bounds how long v3 waits for the client's
	// first text frame after the WebSocket upgrade completes.
	connectHandshakeTimeout = 10 * time.Second

	cacheNotModified = 304
)
