// Package ingest drives the five ordered steps applied to every observer
// report: archive, advert reconciliation, observer liveness, rf_packets,
// group-text message store.
package ingest

import (
	"context"
	"encoding/hex"
	"errors"
	"strconv"
	"time"

	"github.com/meshrank/meshrank/internal/archive"
	"github.com/meshrank/meshrank/internal/channels"
	"github.com/meshrank/meshrank/internal/codec"
	"github.com/meshrank/meshrank/internal/geo"
	"github.com/meshrank/meshrank/internal/metrics"
	"github.com/meshrank/meshrank/internal/registry"
	"github.com/meshrank/meshrank/internal/store"
	"go.uber.org/zap"
)

// Inbound is one raw MQTT delivery.
type Inbound struct {
	Topic   string
	Payload []byte
}

type Options struct {
	RetryAttempts int
	RFPacketCap   int
	RFPruneEvery  int
}

type Pipeline struct {
	store    *store.Store
	registry *registry.Registry
	archiver *archive.Appender // nil during backfill replay
	keys     *channels.Store
	logger   *zap.Logger
	opts     Options

	insertsSincePrune int

	// advertTimes is a rolling 10-minute window of accepted advert heard
	// times, owned by this task only; cross-task reads go through the
	// ingest_metrics table.
	advertTimes []int64
}

func NewPipeline(st *store.Store, reg *registry.Registry, arch *archive.Appender, keys *channels.Store, opts Options, logger *zap.Logger) *Pipeline {
	if opts.RetryAttempts <= 0 {
		opts.RetryAttempts = 3
	}
	return &Pipeline{
		store:    st,
		registry: reg,
		archiver: arch,
		keys:     keys,
		logger:   logger,
		opts:     opts,
	}
}

// Run consumes reports until the context is cancelled. A per-message
// failure never exits the loop.
func (p *Pipeline) Run(ctx context.Context, reports <-chan Inbound) {
	for {
		select {
		case <-ctx.Done():
			return
		case in, ok := <-reports:
			if !ok {
				return
			}
			p.Process(ctx, in.Topic, in.Payload, time.Now())
		}
	}
}

// Process applies one raw report. The five steps run in strict order so
// registry changes are visible before witness rows for the same frame.
func (p *Pipeline) Process(ctx context.Context, topic string, payload []byte, now time.Time) {
	metrics.MQTTMessagesTotal.WithLabelValues(topic).Inc()

	rep, err := ParseReport(payload, ObserverIDFromTopic(topic), now)
	if err != nil {
		metrics.ParseErrorsTotal.WithLabelValues("report", "json").Inc()
		p.logger.Warn("unparseable observer report", zap.String("topic", topic), zap.Error(err))
		return
	}

	// Step 1: durability before anything else can fail.
	if p.archiver != nil {
		if err := p.archiver.Append(rep); err != nil {
			p.logger.Error("archive append failed", zap.Error(err))
		}
	}

	p.processParsed(ctx, rep, now)
}

// ProcessArchived re-feeds one already-archived line through steps 2-5.
func (p *Pipeline) ProcessArchived(ctx context.Context, line []byte, now time.Time) error {
	rep, err := ParseReport(line, "", now)
	if err != nil {
		metrics.ParseErrorsTotal.WithLabelValues("report", "json").Inc()
		return err
	}
	p.processParsed(ctx, rep, now)
	return nil
}

func (p *Pipeline) processParsed(ctx context.Context, rep *ObserverReport, now time.Time) {
	heardMs := rep.HeardMs(now)
	metrics.LastReportTimestamp.WithLabelValues(rep.ObserverID).Set(float64(heardMs) / 1000)

	frame, err := codec.Decode(rep.PayloadHex, p.keys.Current())
	if err != nil {
		// Malformed input is dropped at the codec boundary, counted, and
		// the observer still gets its liveness update for the report.
		metrics.ParseErrorsTotal.WithLabelValues("codec", codecReason(err)).Inc()
		p.upsertObserver(ctx, rep, heardMs)
		return
	}

	// Step 2: advert evidence into the node registry.
	if frame.Advert != nil {
		p.ingestAdvert(ctx, rep, frame, heardMs)
	}

	// Step 3: observer registry.
	p.upsertObserver(ctx, rep, heardMs)

	// Step 4: bounded rolling frame record.
	p.recordFrame(ctx, rep, frame, heardMs)

	// Step 5: group text into the message store.
	if frame.GroupText != nil {
		p.ingestGroupText(ctx, rep, frame, heardMs)
	}
}

func (p *Pipeline) ingestAdvert(ctx context.Context, rep *ObserverReport, frame *codec.DecodedFrame, heardMs int64) {
	adv := frame.Advert

	ev := &registry.Evidence{
		Pub:                adv.PubKey,
		ObserverID:         rep.ObserverID,
		HeardMs:            heardMs,
		HasSignature:       true,
		SignatureValid:     adv.SignatureValid,
		LegacyRepeaterHint: rep.LegacyRepeaterHint(),
		RawSample:          rep.PayloadHex,
	}
	if adv.HasAppData {
		flags := adv.Flags
		ev.Flags = &flags
	}
	if adv.HasName {
		name := adv.Name
		ev.Name = &name
	}
	ev.Lat, ev.Lon = adv.Lat, adv.Lon

	var result *registry.Result
	p.withRetry(ctx, "devices", func() error {
		var err error
		result, err = p.registry.IngestAdvert(ctx, ev)
		return err
	})
	if result == nil || result.Rejected {
		return
	}

	if rep.ObserverPub != "" && rep.ObserverPub == result.Pub {
		p.withRetry(ctx, "devices", func() error {
			return p.store.MarkObserverNode(ctx, result.Pub)
		})
	}

	p.noteAdvert(ctx, heardMs)
}

func (p *Pipeline) upsertObserver(ctx context.Context, rep *ObserverReport, heardMs int64) {
	u := &store.ObserverUpdate{
		ObserverID: rep.ObserverID,
		Name:       rep.ObserverName,
		SeenMs:     heardMs,
	}
	if rep.GPS != nil {
		u.GPS = &geo.LatLon{Lat: rep.GPS.Lat, Lon: rep.GPS.Lon}
	}
	p.withRetry(ctx, "observers", func() error {
		return p.store.UpsertObserver(ctx, u)
	})
}

func (p *Pipeline) recordFrame(ctx context.Context, rep *ObserverReport, frame *codec.DecodedFrame, heardMs int64) {
	raw, _ := hex.DecodeString(rep.PayloadHex)
	pkt := &store.RFPacket{
		TsMs:        heardMs,
		ObserverID:  rep.ObserverID,
		MessageHash: frame.MessageHash,
		FrameHash:   frame.FrameHash,
		PayloadType: int(frame.PayloadType),
		RouteType:   int(frame.RouteType),
		PathLength:  frame.PathLen,
		RSSI:        rep.RSSI,
		SNR:         rep.SNR,
		Raw:         raw,
	}
	p.withRetry(ctx, "rf_packets", func() error {
		return p.store.InsertRFPacket(ctx, pkt)
	})

	p.insertsSincePrune++
	if p.insertsSincePrune >= p.opts.RFPruneEvery {
		p.insertsSincePrune = 0
		if _, err := p.store.PruneRFPackets(ctx, p.opts.RFPacketCap); err != nil {
			p.logger.Warn("rf_packets prune failed", zap.Error(err))
		}
	}
}

func (p *Pipeline) ingestGroupText(ctx context.Context, rep *ObserverReport, frame *codec.DecodedFrame, heardMs int64) {
	gt := frame.GroupText

	rec := &store.MessageRecord{
		MessageHash: frame.MessageHash,
		FrameHash:   frame.FrameHash,
		ChannelHash: gt.ChannelHash,
		TsMs:        heardMs,
		Path:        frame.Path,
		PathLength:  frame.PathLen,
	}
	if gt.Decrypted != nil {
		rec.ChannelName = gt.Decrypted.ChannelName
		rec.Sender = gt.Decrypted.Sender
		rec.Body = gt.Decrypted.Message
	} else if name := p.keys.Current().NameFor(gt.ChannelHashByte); name != "" {
		rec.ChannelName = name
	}

	p.withRetry(ctx, "messages", func() error {
		return p.store.UpsertMessage(ctx, rec)
	})
	p.withRetry(ctx, "message_observers", func() error {
		return p.store.UpsertWitness(ctx, &store.WitnessRecord{
			MessageHash:  frame.MessageHash,
			ObserverID:   rep.ObserverID,
			ObserverName: rep.ObserverName,
			TsMs:         heardMs,
			Path:         frame.Path,
			PathLength:   frame.PathLen,
		})
	})
	p.withRetry(ctx, "activity_buckets", func() error {
		return p.store.BumpActivity(ctx, heardMs)
	})
}

// noteAdvert maintains the 10-minute advert window and mirrors it into the
// metrics table for other tasks and the health endpoint.
func (p *Pipeline) noteAdvert(ctx context.Context, heardMs int64) {
	cutoff := heardMs - 10*60*1000
	kept := p.advertTimes[:0]
	for _, t := range p.advertTimes {
		if t >= cutoff {
			kept = append(kept, t)
		}
	}
	p.advertTimes = append(kept, heardMs)

	p.withRetry(ctx, "ingest_metrics", func() error {
		if err := p.store.SetMetric(ctx, "adverts_last_10m", strconv.Itoa(len(p.advertTimes))); err != nil {
			return err
		}
		return p.store.SetMetric(ctx, "last_advert_seen",
			time.UnixMilli(heardMs).UTC().Format(time.RFC3339))
	})
}

// withRetry runs fn with bounded exponential backoff. Transient datastore
// failures never crash ingest; the final failure is logged and counted,
// and the report stays in the archive for backfill.
func (p *Pipeline) withRetry(ctx context.Context, table string, fn func() error) {
	var err error
	for attempt := 1; attempt <= p.opts.RetryAttempts; attempt++ {
		if err = fn(); err == nil {
			return
		}
		if errors.Is(err, context.Canceled) || attempt == p.opts.RetryAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Duration(attempt) * 300 * time.Millisecond):
		}
	}
	p.logger.Error("db write failed", zap.String("table", table), zap.Error(err))
	metrics.DBWriteErrorsTotal.WithLabelValues(table).Inc()
}

func codecReason(err error) string {
	switch {
	case errors.Is(err, codec.ErrInvalidHex):
		return "invalid_hex"
	case errors.Is(err, codec.ErrInvalidLength):
		return "invalid_length"
	case errors.Is(err, codec.ErrUnknownPayloadType):
		return "unknown_payload_type"
	case errors.Is(err, codec.ErrDecryptFailed):
		return "decrypt_failed"
	default:
		return "decode"
	}
}
