package relay

import "time"

// Wire operations exchanged between a WebSocket client and the relay server.
const (
	opSubscribe   = "subscribe"
	opUnsubscribe = "unsubscribe"
	opPublish     = "publish"
	opDeliver     = "deliver"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxFrameSize   = 1 << 20
	peerSendBuffer = 256
)

type frame struct {
	Op       string    `json:"op"`
	Topic    string    `json:"topic"`
	Envelope *Envelope `json:"envelope,omitempty"`
}
