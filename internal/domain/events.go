package domain

import (
	"encoding/json"
	"time"
)

// FrameType tags a push-stream message.
type FrameType string

const (
	FramePoolUpdate   FrameType = "POOL_UPDATE"
	FrameMarketUpdate FrameType = "MARKET_UPDATE"
	FrameHeartbeat    FrameType = "HEARTBEAT"
	FrameError        FrameType = "ERROR"
)

// Frame is one discrete push-stream message. Payload holds the type-specific
// body; heartbeats carry none.
type Frame struct {
	Type     FrameType       `json:"type"`
	MarketID string          `json:"marketId"`
	Payload  json.RawMessage `json:"payload,omitempty"`
	TS       time.Time       `json:"ts"`
}

// PoolUpdate is the payload of a POOL_UPDATE frame.
type PoolUpdate struct {
	YesPool   int64   `json:"yesPool"`
	NoPool    int64   `json:"noPool"`
	YesPct    float64 `json:"yesPct"`
	NoPct     float64 `json:"noPct"`
	TotalBets int     `json:"totalBets"`
}

// MarketUpdate is the payload of a MARKET_UPDATE frame.
type MarketUpdate struct {
	Status        MarketStatus `json:"status"`
	Winner        Choice       `json:"winner,omitempty"`
	TimeRemaining int64        `json:"timeRemainingSec"`
}

// StreamError is the payload of an in-band ERROR frame.
type StreamError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// NewPoolUpdateFrame builds a POOL_UPDATE frame from a snapshot.
func NewPoolUpdateFrame(snap PoolSnapshot, now time.Time) Frame {
	total := snap.YesPool + snap.NoPool
	upd := PoolUpdate{
		YesPool:   snap.YesPool,
		NoPool:    snap.NoPool,
		TotalBets: snap.TotalBets,
	}
	if total > 0 {
		upd.YesPct = float64(snap.YesPool) / float64(total) * 100
		upd.NoPct = float64(snap.NoPool) / float64(total) * 100
	}
	payload, _ := json.Marshal(upd)
	return Frame{Type: FramePoolUpdate, MarketID: snap.MarketID, Payload: payload, TS: now}
}

// NewMarketUpdateFrame builds a MARKET_UPDATE frame from market state.
func NewMarketUpdateFrame(m Market, now time.Time) Frame {
	remaining := int64(0)
	if m.EndsAt.After(now) {
		remaining = int64(m.EndsAt.Sub(now).Seconds())
	}
	payload, _ := json.Marshal(MarketUpdate{
		Status:        m.Status,
		Winner:        m.Winner,
		TimeRemaining: remaining,
	})
	return Frame{Type: FrameMarketUpdate, MarketID: m.ID, Payload: payload, TS: now}
}

// NewHeartbeatFrame builds a HEARTBEAT frame.
func NewHeartbeatFrame(marketID string, now time.Time) Frame {
	return Frame{Type: FrameHeartbeat, MarketID: marketID, TS: now}
}

// NewErrorFrame builds an in-band ERROR frame.
func NewErrorFrame(marketID, code, msg string, now time.Time) Frame {
	payload, _ := json.Marshal(StreamError{Code: code, Message: msg})
	return Frame{Type: FrameError, MarketID: marketID, Payload: payload, TS: now}
}
