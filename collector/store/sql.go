package store

import (
	"fmt"
	"strconv"
	"strings"
)

// Queries are written with ? placeholders and rebound per dialect.
const (
	touchIdentSQL = `
		INSERT INTO idents (ident, version, first_seen_at, last_seen_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (ident) DO UPDATE SET
			version = excluded.version,
			last_seen_at = excluded.last_seen_at`

	getIdentSQL = `
		SELECT version, first_seen_at, last_seen_at
		FROM idents WHERE ident = ?`

	putMetaSQL = `
		INSERT INTO meta (ident, module, meta_key, meta_value, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (ident, module, meta_key) DO UPDATE SET
			meta_value = excluded.meta_value,
			updated_at = excluded.updated_at`

	getStatusSQL = `
		SELECT state, remaining, is_metric, updated_at
		FROM status WHERE ident = ? AND module = ? AND subject = ? AND type = ?`

	listStatusSQL = `
		SELECT module, subject, type, state, remaining, is_metric, updated_at
		FROM status WHERE ident = ?
		ORDER BY module, subject, type`

	upsertStatusSQL = `
		INSERT INTO status (ident, module, subject, type, state, remaining, is_metric, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (ident, module, subject, type) DO UPDATE SET
			state = excluded.state,
			remaining = excluded.remaining,
			is_metric = excluded.is_metric,
			updated_at = excluded.updated_at`

	insertHealthSQL = `
		INSERT INTO health (ident, module, subject, type, state_before, state_after, remaining, is_metric, changed_at, alert_sent)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, FALSE)
		RETURNING id`

	pendingAlertsSQL = `
		SELECT id, ident, module, subject, type, state_before, state_after, remaining, is_metric, changed_at
		FROM health WHERE alert_sent = FALSE
		ORDER BY id`

	purgeHealthSQL = `DELETE FROM health WHERE changed_at < ?`

	readVersionSQL = `SELECT version FROM schema_version WHERE id = 1`

	writeVersionSQL = `
		INSERT INTO schema_version (id, version, agent_software_version)
		VALUES (1, ?, '')
		ON CONFLICT (id) DO UPDATE SET version = excluded.version`

	writeSoftwareVersionSQL = `UPDATE schema_version SET agent_software_version = ? WHERE id = 1`
)

// upsertMetricSQL folds one point into a bucket row. avg is recomputed from
// the running sum on every update.
func upsertMetricSQL(table string) string {
	return fmt.Sprintf(`
		INSERT INTO %[1]s (bucket_time, ident, module, subject, metric, sum, min, max, avg, samples, range_from, range_to, display_hint)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?, ?, ?)
		ON CONFLICT (bucket_time, ident, module, subject, metric) DO UPDATE SET
			sum = %[1]s.sum + excluded.sum,
			min = CASE WHEN excluded.min < %[1]s.min THEN excluded.min ELSE %[1]s.min END,
			max = CASE WHEN excluded.max > %[1]s.max THEN excluded.max ELSE %[1]s.max END,
			samples = %[1]s.samples + 1,
			avg = (%[1]s.sum + excluded.sum) / (%[1]s.samples + 1),
			range_from = excluded.range_from,
			range_to = excluded.range_to,
			display_hint = excluded.display_hint`, table)
}

func getBucketSQL(table string) string {
	return fmt.Sprintf(`
		SELECT sum, min, max, avg, samples, range_from, range_to, display_hint
		FROM %s
		WHERE bucket_time = ? AND ident = ? AND module = ? AND subject = ? AND metric = ?`, table)
}

func purgeBucketsSQL(table string) string {
	return fmt.Sprintf(`DELETE FROM %s WHERE bucket_time < ?`, table)
}

// queries holds every statement rebound for one dialect.
type queries struct {
	touchIdent           string
	getIdent             string
	putMeta              string
	getStatus            string
	listStatus           string
	upsertStatus         string
	insertHealth         string
	pendingAlerts        string
	purgeHealth          string
	readVersion          string
	writeVersion         string
	writeSoftwareVersion string

	upsertMetric [len(metricTables)]string
	getBucket    [len(metricTables)]string
	purge        [len(metricTables)]string
}

func newQueries(rebind func(string) string) *queries {
	q := &queries{
		touchIdent:           rebind(touchIdentSQL),
		getIdent:             rebind(getIdentSQL),
		putMeta:              rebind(putMetaSQL),
		getStatus:            rebind(getStatusSQL),
		listStatus:           rebind(listStatusSQL),
		upsertStatus:         rebind(upsertStatusSQL),
		insertHealth:         rebind(insertHealthSQL),
		pendingAlerts:        rebind(pendingAlertsSQL),
		purgeHealth:          rebind(purgeHealthSQL),
		readVersion:          rebind(readVersionSQL),
		writeVersion:         rebind(writeVersionSQL),
		writeSoftwareVersion: rebind(writeSoftwareVersionSQL),
	}
	for _, g := range Granularities {
		q.upsertMetric[g] = rebind(upsertMetricSQL(g.Table()))
		q.getBucket[g] = rebind(getBucketSQL(g.Table()))
		q.purge[g] = rebind(purgeBucketsSQL(g.Table()))
	}
	return q
}

// rebindDollar rewrites ? placeholders as $1, $2, ... for PostgreSQL.
func rebindDollar(query string) string {
	var b strings.Builder
	b.Grow(len(query) + 16)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func rebindQuestion(query string) string {
	return query
}
