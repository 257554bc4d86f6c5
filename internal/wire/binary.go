// Package wire implements a compact binary encoding for MarketSnapshot
// and order-flow-delta frames, for clients that opt out of JSON. Framing
// follows the same 2-byte length-prefix (SoupBinTCP-style) convention
// the teacher's ITCH encoder uses, so both formats share a write pump.
package wire

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/ndrandal/flowsight/internal/market"
)

const (
	frameSnapshot  byte = 1
	frameFlowDelta byte = 2

	symbolFieldLen = 16
)

// EncodeSnapshot encodes a MarketSnapshot into its binary wire form,
// including the 2-byte length prefix.
func EncodeSnapshot(s market.MarketSnapshot) []byte {
	// type(1) + symbol(16) + timestamp(8) + 14 float64 fields(8 each) +
	// tick-pressure string (2-byte length + bytes)
	body := make([]byte, 0, 1+symbolFieldLen+8+14*8+2+len(s.TickPressureSignal))

	body = append(body, frameSnapshot)
	body = append(body, padSymbol(s.Symbol)...)
	body = appendInt64(body, s.TimestampMs)
	body = appendFloat64(body, s.BestBidPx)
	body = appendFloat64(body, s.BestBidQty)
	body = appendFloat64(body, s.BestAskPx)
	body = appendFloat64(body, s.BestAskQty)
	body = appendFloat64(body, s.LastPrice)
	body = appendFloat64(body, s.OrderBookImbalance)
	body = appendFloat64(body, s.PriceSpeed)
	body = appendFloat64(body, s.LegacyVolatility)
	body = appendFloat64(body, s.RealizedVolatility)
	body = appendFloat64(body, s.JumpSignal)
	body = appendFloat64(body, s.VolumeWeightedMomentum)
	body = appendFloat64(body, s.TradeImbalance)
	body = appendFloat64(body, s.TotalBuyVolume)
	body = appendFloat64(body, s.TotalSellVolume)
	body = appendString(body, s.TickPressureSignal)

	return frame(body)
}

// FlowDelta is one price level's resting quantity, as broadcast after a
// depth update.
type FlowDelta struct {
	Symbol      string
	TimestampMs int64
	Price       float64
	BidQty      float64
	AskQty      float64
}

// EncodeFlowDelta encodes a single order-flow price-level update.
func EncodeFlowDelta(d FlowDelta) []byte {
	body := make([]byte, 0, 1+symbolFieldLen+8+8+8+8)
	body = append(body, frameFlowDelta)
	body = append(body, padSymbol(d.Symbol)...)
	body = appendInt64(body, d.TimestampMs)
	body = appendFloat64(body, d.Price)
	body = appendFloat64(body, d.BidQty)
	body = appendFloat64(body, d.AskQty)
	return frame(body)
}

// DecodeSnapshot decodes a frame body (length prefix already stripped)
// produced by EncodeSnapshot.
func DecodeSnapshot(body []byte) (market.MarketSnapshot, error) {
	var s market.MarketSnapshot
	const fixedLen = 1 + symbolFieldLen + 8 + 14*8 + 2
	if len(body) < fixedLen {
		return s, fmt.Errorf("wire: snapshot frame too short (%d bytes)", len(body))
	}
	if body[0] != frameSnapshot {
		return s, fmt.Errorf("wire: unexpected frame type %d, want snapshot", body[0])
	}
	off := 1
	s.Symbol = unpadSymbol(body[off : off+symbolFieldLen])
	off += symbolFieldLen
	s.TimestampMs = readInt64(body[off:])
	off += 8
	s.BestBidPx = readFloat64(body[off:])
	off += 8
	s.BestBidQty = readFloat64(body[off:])
	off += 8
	s.BestAskPx = readFloat64(body[off:])
	off += 8
	s.BestAskQty = readFloat64(body[off:])
	off += 8
	s.LastPrice = readFloat64(body[off:])
	off += 8
	s.OrderBookImbalance = readFloat64(body[off:])
	off += 8
	s.PriceSpeed = readFloat64(body[off:])
	off += 8
	s.LegacyVolatility = readFloat64(body[off:])
	off += 8
	s.RealizedVolatility = readFloat64(body[off:])
	off += 8
	s.JumpSignal = readFloat64(body[off:])
	off += 8
	s.VolumeWeightedMomentum = readFloat64(body[off:])
	off += 8
	s.TradeImbalance = readFloat64(body[off:])
	off += 8
	s.TotalBuyVolume = readFloat64(body[off:])
	off += 8
	s.TotalSellVolume = readFloat64(body[off:])
	off += 8

	strLen := int(binary.BigEndian.Uint16(body[off : off+2]))
	off += 2
	if len(body) < off+strLen {
		return s, fmt.Errorf("wire: snapshot frame truncated tick-pressure string")
	}
	s.TickPressureSignal = string(body[off : off+strLen])
	return s, nil
}

func frame(body []byte) []byte {
	out := make([]byte, 2+len(body))
	binary.BigEndian.PutUint16(out[0:2], uint16(len(body)))
	copy(out[2:], body)
	return out
}

func padSymbol(s string) []byte {
	buf := make([]byte, symbolFieldLen)
	copy(buf, s)
	for i := len(s); i < symbolFieldLen; i++ {
		buf[i] = ' '
	}
	return buf
}

func unpadSymbol(b []byte) string {
	i := len(b)
	for i > 0 && b[i-1] == ' ' {
		i--
	}
	return string(b[:i])
}

func appendInt64(buf []byte, v int64) []byte {
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], uint64(v))
	return append(buf, tmp[:]...)
}

func appendFloat64(buf []byte, v float64) []byte {
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], math.Float64bits(v))
	return append(buf, tmp[:]...)
}

func appendString(buf []byte, s string) []byte {
	var lenBuf [2]byte
	binary.BigEndian.PutUint16(lenBuf[:], uint16(len(s)))
	buf = append(buf, lenBuf[:]...)
	return append(buf, s...)
}

func readInt64(b []byte) int64 {
	return int64(binary.BigEndian.Uint64(b[:8]))
}

func readFloat64(b []byte) float64 {
	return math.Float64frombits(binary.BigEndian.Uint64(b[:8]))
}
