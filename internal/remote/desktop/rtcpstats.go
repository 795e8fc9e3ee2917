package desktop

import (
	"context"
	"log/slog"
	"time"

	"github.com/pion/webrtc/v4"
)

// statsPollInterval matches spec_full.md's A6 (500ms RemoteInboundRTPStreamStats
// polling cadence).
const statsPollInterval = 500 * time.Millisecond

// extractRemoteInboundVideoStats scans a StatsReport for the video
// RemoteInboundRTPStreamStats with the most received packets (the primary
// stream when simulcast layers are absent, which is always true here since
// the spec excludes simulcast).
func extractRemoteInboundVideoStats(report webrtc.StatsReport) (rtt time.Duration, loss float64, ok bool) {
	var bestPackets uint32
	for _, s := range report {
		ri, okRI := s.(webrtc.RemoteInboundRTPStreamStats)
		if !okRI || ri.Kind != "video" {
			continue
		}
		if !ok || ri.PacketsReceived >= bestPackets {
			bestPackets = ri.PacketsReceived
			rtt = time.Duration(ri.RoundTripTime * float64(time.Second))
			loss = ri.FractionLost
			ok = true
		}
	}
	return rtt, loss, ok
}

// statsGetter is satisfied by *webrtc.PeerConnection; narrowed for testing.
type statsGetter interface {
	GetStats() webrtc.StatsReport
}

// runAdaptiveBitrateLoop polls pc's stats every statsPollInterval and feeds
// RTT/loss samples to the adaptive bitrate controller until ctx is done.
// This is the A6 wiring point: local encoder-bitrate adaptation, not a
// transport-level congestion-control override (spec.md §1 non-goal).
func runAdaptiveBitrateLoop(ctx context.Context, pc statsGetter, adaptive *AdaptiveBitrate) {
	if adaptive == nil || pc == nil {
		return
	}
	ticker := time.NewTicker(statsPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rtt, loss, ok := extractRemoteInboundVideoStats(pc.GetStats())
			if !ok {
				continue
			}
			adaptive.Update(rtt, loss)
			slog.Debug("adaptive bitrate: stats sample", "rtt", rtt, "fractionLost", loss)
		}
	}
}
