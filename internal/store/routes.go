package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/meshrank/meshrank/internal/geo"
	"github.com/meshrank/meshrank/internal/metrics"
)

const sqlUpsertRoute = `
	INSERT INTO geoscore_routes (msg_key, ts, ts_ms, observer_id, tokens_json,
		inferred_json, hop_conf_json, route_conf, unresolved, teleport_max_km, diagnostics_json)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT (msg_key) DO UPDATE SET
		ts = excluded.ts,
		ts_ms = excluded.ts_ms,
		observer_id = excluded.observer_id,
		tokens_json = excluded.tokens_json,
		inferred_json = excluded.inferred_json,
		hop_conf_json = excluded.hop_conf_json,
		route_conf = excluded.route_conf,
		unresolved = excluded.unresolved,
		teleport_max_km = excluded.teleport_max_km,
		diagnostics_json = excluded.diagnostics_json`

// UpsertRoute overwrites the inferred route for a message key.
func (s *Store) UpsertRoute(ctx context.Context, r *RouteRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	start := time.Now()
	tokens, _ := json.Marshal(r.Tokens)
	inferred, _ := json.Marshal(r.InferredPubs)
	hopConf, _ := json.Marshal(r.HopConfidence)
	diagnostics := r.Diagnostics
	if diagnostics == "" {
		diagnostics = "{}"
	}

	_, err := s.stmts.upsertRoute.ExecContext(ctx,
		r.MsgKey, r.Ts, r.TsMs, r.ObserverID,
		string(tokens), string(inferred), string(hopConf),
		r.RouteConf, boolInt(r.Unresolved), r.TeleportMaxKm, diagnostics,
	)
	if err != nil {
		return err
	}
	metrics.DBWriteDuration.WithLabelValues("upsert_route").Observe(time.Since(start).Seconds())
	metrics.DBRowsAffectedTotal.WithLabelValues("geoscore_routes", "upsert").Inc()
	return nil
}

// ScorableMessage is one message the route scorer should (re)score: the
// longest witnessed path plus the observer that reported it.
type ScorableMessage struct {
	MsgKey     string
	TsMs       int64
	ObserverID string
	Path       []string
}

// ScorableMessages returns messages witnessed since sinceMs that carry a
// non-empty path, each paired with its longest witness path.
func (s *Store) ScorableMessages(ctx context.Context, sinceMs int64) ([]*ScorableMessage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT mo.message_hash, mo.ts, mo.observer_id, mo.path_json
		FROM message_observers mo
		JOIN (
			SELECT message_hash, MAX(path_length) AS max_len
			FROM message_observers
			WHERE ts >= ? AND path_length > 0
			GROUP BY message_hash
		) best ON best.message_hash = mo.message_hash AND best.max_len = mo.path_length
		GROUP BY mo.message_hash`, sinceMs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*ScorableMessage
	for rows.Next() {
		var (
			m        ScorableMessage
			pathJSON string
		)
		if err := rows.Scan(&m.MsgKey, &m.TsMs, &m.ObserverID, &pathJSON); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(pathJSON), &m.Path); err != nil {
			continue
		}
		out = append(out, &m)
	}
	return out, rows.Err()
}

// CandidatesForToken returns the freshest nodes whose pub starts with the
// token byte, for the route engine's candidate pool.
func (s *Store) CandidatesForToken(ctx context.Context, token string, limit int) ([]*Candidate, error) {
	token = strings.ToUpper(token)
	if len(token) != 2 || strings.ContainsAny(token, "%_") {
		return nil, fmt.Errorf("store: bad path token %q", token)
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT pub, name, lat, lon, MAX(last_advert_heard_ms, last_seen_ms)
		FROM devices
		WHERE pub LIKE ? || '%'
		ORDER BY last_advert_heard_ms DESC
		LIMIT ?`, token, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Candidate
	for rows.Next() {
		var (
			c        Candidate
			lat, lon sql.NullFloat64
		)
		if err := rows.Scan(&c.Pub, &c.Name, &lat, &lon, &c.LastSeenMs); err != nil {
			return nil, err
		}
		if lat.Valid && lon.Valid {
			c.GPS = &geo.LatLon{Lat: lat.Float64, Lon: lon.Float64}
		}
		out = append(out, &c)
	}
	return out, rows.Err()
}

// ResolvedRouteEdges rebuilds the observed-transition counts from resolved
// stored routes: every adjacent (prev, next) inferred pub pair counts one.
func (s *Store) ResolvedRouteEdges(ctx context.Context) (map[[2]string]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT inferred_json FROM geoscore_routes WHERE unresolved = 0`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	edges := make(map[[2]string]int)
	for rows.Next() {
		var inferredJSON string
		if err := rows.Scan(&inferredJSON); err != nil {
			return nil, err
		}
		var pubs []*string
		if err := json.Unmarshal([]byte(inferredJSON), &pubs); err != nil {
			continue
		}
		for i := 1; i < len(pubs); i++ {
			if pubs[i-1] == nil || pubs[i] == nil {
				continue
			}
			edges[[2]string{*pubs[i-1], *pubs[i]}]++
		}
	}
	return edges, rows.Err()
}

// ObserverHome returns the stored GPS of an observer, or nil.
func (s *Store) ObserverHome(ctx context.Context, observerID string) (*geo.LatLon, error) {
	var lat, lon sql.NullFloat64
	err := s.db.QueryRowContext(ctx,
		`SELECT lat, lon FROM observers WHERE observer_id = ?`, observerID).Scan(&lat, &lon)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if !lat.Valid || !lon.Valid {
		return nil, nil
	}
	return &geo.LatLon{Lat: lat.Float64, Lon: lon.Float64}, nil
}
