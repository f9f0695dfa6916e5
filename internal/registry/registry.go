// Package registry reconciles partial, possibly adversarial advert frames
// into the canonical node view. Every rejection leaves a row in
// rejected_adverts so silent data loss is impossible to mask.
package registry

import (
	"context"
	"regexp"
	"strings"

	"github.com/meshrank/meshrank/internal/geo"
	"github.com/meshrank/meshrank/internal/metrics"
	"github.com/meshrank/meshrank/internal/store"
	"go.uber.org/zap"
)

var pubRe = regexp.MustCompile(`^[0-9A-F]{64}$`)

// Evidence is one advert sighting extracted from an observer report.
type Evidence struct {
	Pub        string
	ObserverID string

	// HeardMs is the authoritative heard time (the report's archivedAt).
	HeardMs int64

	// Flags is nil when the advert carried no appdata flags byte.
	Flags *byte

	// Name is nil when the advert carried no name field.
	Name *string

	Lat *float64
	Lon *float64

	// HasSignature/SignatureValid reflect the codec's Ed25519 check.
	HasSignature   bool
	SignatureValid bool

	// LegacyRepeaterHint collects the old report fields (isRepeater,
	// deviceRole==2, nodeType/type=="repeater"). Honored only when Flags
	// is absent.
	LegacyRepeaterHint bool

	// RawSample is stored (truncated) with any rejection.
	RawSample string
}

// Result is the outcome of one advert ingest. A rejection is a normal
// result, not an error; the error return is reserved for datastore
// failures.
type Result struct {
	Pub      string
	Changed  bool
	Rejected bool
	Reason   string
}

type Registry struct {
	store  *store.Store
	logger *zap.Logger
}

func New(st *store.Store, logger *zap.Logger) *Registry {
	return &Registry{store: st, logger: logger}
}

// IngestAdvert applies one advert to the canonical node. The operation is
// idempotent: reapplying the same advert changes no observable state.
func (r *Registry) IngestAdvert(ctx context.Context, ev *Evidence) (*Result, error) {
	pub := strings.ToUpper(strings.TrimSpace(ev.Pub))
	if !pubRe.MatchString(pub) {
		return r.reject(ctx, "", ev, "invalid_pub")
	}

	if ev.HasSignature && !ev.SignatureValid {
		return r.reject(ctx, pub, ev, "bad_signature")
	}

	gps := evidenceGPS(ev)
	if ev.Flags == nil && ev.Name == nil && gps == nil {
		// No lat/lon at all is "missing"; present-but-invalid GPS is
		// checked below so the reason is specific.
		if ev.Lat == nil && ev.Lon == nil {
			return r.reject(ctx, pub, ev, "missing_structure")
		}
	}

	var cleanName string
	hasName := false
	if ev.Name != nil {
		name, reason := validateName(*ev.Name)
		if reason != "" {
			return r.reject(ctx, pub, ev, "invalid_name_"+reason)
		}
		cleanName = name
		hasName = true
	}

	if ev.Lat != nil && ev.Lon != nil && gps == nil {
		if *ev.Lat == 0 && *ev.Lon == 0 {
			return r.reject(ctx, pub, ev, "zero_point")
		}
		return r.reject(ctx, pub, ev, "out_of_range")
	}

	existing, err := r.store.GetNode(ctx, pub)
	if err != nil {
		return nil, err
	}

	merged := mergeNode(existing, pub, ev, cleanName, hasName, gps)

	if existing != nil && !nodeChanged(existing, merged) {
		metrics.AdvertsTotal.WithLabelValues("unchanged").Inc()
		return &Result{Pub: pub, Changed: false}, nil
	}

	if err := r.store.UpsertNode(ctx, merged); err != nil {
		return nil, err
	}
	metrics.AdvertsTotal.WithLabelValues("accepted").Inc()
	return &Result{Pub: pub, Changed: true}, nil
}

// mergeNode reduces the new evidence into the canonical node, field by
// field, each in a monotonic direction.
func mergeNode(existing *store.Node, pub string, ev *Evidence, name string, hasName bool, gps *geo.LatLon) *store.Node {
	n := &store.Node{Pub: pub, Role: store.RoleUnknown}
	if existing != nil {
		copied := *existing
		n = &copied
	}

	if ev.Flags != nil {
		n.Role = store.RoleFromFlags(*ev.Flags)
		n.IsRepeater = n.Role == store.RoleRepeater
	} else if ev.LegacyRepeaterHint && n.Role == store.RoleUnknown {
		n.Role = store.RoleRepeater
		n.IsRepeater = true
	}

	if hasName {
		n.Name = name
	}

	if gps != nil {
		switch {
		case n.GPS == nil || *n.GPS != *gps:
			// A changed report becomes canonical and clears every flag
			// derived from the old position.
			n.GPS = gps
			n.GPSManual = false
			n.GPSEstimated = false
			n.GPSFlagged = false
			n.ImplausibleGPS = false
			n.HiddenOnMap = false
		default:
			// Unchanged report; a manually set canonical value wins.
		}
	}

	if ev.HeardMs > n.LastAdvertHeardMs {
		n.LastAdvertHeardMs = ev.HeardMs
	}
	if ev.HeardMs > n.LastSeenMs {
		n.LastSeenMs = ev.HeardMs
	}
	if ev.RawSample != "" {
		n.LastAdvertBlob = ev.RawSample
	}

	return n
}

func nodeChanged(a, b *store.Node) bool {
	if a.Name != b.Name || a.Role != b.Role ||
		a.IsRepeater != b.IsRepeater || a.IsObserver != b.IsObserver ||
		a.GPSManual != b.GPSManual || a.GPSEstimated != b.GPSEstimated ||
		a.GPSFlagged != b.GPSFlagged || a.ImplausibleGPS != b.ImplausibleGPS ||
		a.HiddenOnMap != b.HiddenOnMap ||
		a.LastAdvertHeardMs != b.LastAdvertHeardMs || a.LastSeenMs != b.LastSeenMs ||
		a.LastAdvertBlob != b.LastAdvertBlob {
		return true
	}
	if (a.GPS == nil) != (b.GPS == nil) {
		return true
	}
	if a.GPS != nil && *a.GPS != *b.GPS {
		return true
	}
	return false
}

func evidenceGPS(ev *Evidence) *geo.LatLon {
	if ev.Lat == nil || ev.Lon == nil {
		return nil
	}
	p := geo.LatLon{Lat: *ev.Lat, Lon: *ev.Lon}
	if !p.Valid() {
		return nil
	}
	return &p
}

func (r *Registry) reject(ctx context.Context, pub string, ev *Evidence, reason string) (*Result, error) {
	if err := r.store.InsertRejectedAdvert(ctx, pub, ev.ObserverID, ev.HeardMs, reason, ev.RawSample); err != nil {
		// The rejection log is best effort; losing a row must not stall
		// ingest.
		r.logger.Error("rejected advert log write failed",
			zap.String("reason", reason), zap.Error(err))
		metrics.DBWriteErrorsTotal.WithLabelValues("rejected_adverts").Inc()
	}
	r.logger.Debug("advert rejected",
		zap.String("pub", pub),
		zap.String("observer_id", ev.ObserverID),
		zap.String("reason", reason),
	)
	return &Result{Pub: pub, Rejected: true, Reason: reason}, nil
}
