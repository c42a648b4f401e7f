package types

import "pairdesk/internal/quality"

type QualityRequest struct {
	BandwidthMbps float64 `json:"bandwidthMbps" validate:"gte=0"`
	LatencyMs     float64 `json:"latencyMs" validate:"gte=0"`
	PacketLossPct float64 `json:"packetLossPct" validate:"gte=0,lte=100"`
}

func (r QualityRequest) Stats() quality.NetworkStats {
	return quality.NetworkStats{
		BandwidthMbps: r.BandwidthMbps,
		LatencyMs:     r.LatencyMs,
		PacketLossPct: r.PacketLossPct,
	}
}

type QualityResponse struct {
	Success bool            `json:"success"`
	Quality quality.Quality `json:"quality"`
}
