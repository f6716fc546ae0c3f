package main

import (
	"context"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"

	"github.com/skshohagmiah/packetnet/pkg/stats"
)

// journal is the part of statstore.Store the reporter writes to.
type journal interface {
	Append(runID string, snap stats.Snapshot) error
}

// reporter refreshes the per-second rates every interval, logs them and
// appends a snapshot to the journal when one is configured.
type reporter struct {
	stats    *stats.Statistics
	journal  journal
	runID    string
	interval time.Duration
	log      zerolog.Logger
}

func (r *reporter) run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.report()
		case <-ctx.Done():
			return nil
		}
	}
}

func (r *reporter) report() stats.Snapshot {
	rates := r.stats.Update()
	snap := r.stats.Snapshot()

	r.log.Info().
		Int64("current", snap.CurrentConnections).
		Int64("peak", snap.MaxConnections).
		Str("total", humanize.Comma(snap.TotalConnections)).
		Str("rejected", humanize.Comma(snap.RejectedConnections)).
		Str("recv", humanize.Bytes(uint64(snap.TotalRecvBytes))).
		Str("sent", humanize.Bytes(uint64(snap.TotalSendBytes))).
		Str("recv_rate", humanize.Bytes(uint64(rates.RecvBytesPerSec))+"/s").
		Str("send_rate", humanize.Bytes(uint64(rates.SendBytesPerSec))+"/s").
		Float64("recv_pps", rates.RecvPacketsPerSec).
		Float64("send_pps", rates.SendPacketsPerSec).
		Msg("traffic")

	if r.journal != nil {
		if err := r.journal.Append(r.runID, snap); err != nil {
			r.log.Warn().Err(err).Msg("append stats snapshot")
		}
	}
	return snap
}
