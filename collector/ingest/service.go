// Package ingest accepts agent reports and routes every datum they carry
// into storage.
package ingest

import (
	"context"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/itskum47/hostwatch/collector/observability"
	"github.com/itskum47/hostwatch/collector/store"
	"github.com/itskum47/hostwatch/wire"
)

// Session describes the agent a report came from.
type Session struct {
	Ident      string
	Version    string
	RemoteAddr string
}

// Result summarizes what one report wrote.
type Result struct {
	Metrics     int
	Statuses    int
	Meta        int
	Transitions int
}

// Service writes reports into a storage engine, one transaction per report.
type Service struct {
	engine store.Engine
	clock  clockwork.Clock
	logger *zap.Logger
}

func NewService(engine store.Engine, clock clockwork.Clock, logger *zap.Logger) *Service {
	return &Service{
		engine: engine,
		clock:  clock,
		logger: logger.Named("ingest"),
	}
}

// Ingest stores every datum of report. Either all of it commits or none.
func (s *Service) Ingest(ctx context.Context, sess Session, report *wire.OutboundReport) (Result, error) {
	var res Result
	now := s.clock.Now().UTC()

	reportTime := now
	if report.Meta.Time > 0 {
		reportTime = wire.FromMillis(report.Meta.Time)
	}

	start := time.Now()
	err := s.engine.WithTx(ctx, func(tx store.Tx) error {
		res = Result{}
		if err := tx.TouchIdent(ctx, sess.Ident, sess.Version, now); err != nil {
			return err
		}
		for _, mr := range report.ModReports {
			if err := s.ingestModule(ctx, tx, sess.Ident, mr, reportTime, now, &res); err != nil {
				return fmt.Errorf("module %s: %w", mr.Module, err)
			}
		}
		return nil
	})
	observability.IngestDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		return Result{}, err
	}

	observability.ReportsIngested.Inc()
	observability.PointsIngested.WithLabelValues("metric").Add(float64(res.Metrics))
	observability.PointsIngested.WithLabelValues("status").Add(float64(res.Statuses))
	observability.PointsIngested.WithLabelValues("meta").Add(float64(res.Meta))
	observability.HealthTransitions.Add(float64(res.Transitions))
	return res, nil
}

func (s *Service) ingestModule(ctx context.Context, tx store.Tx, ident string, mr wire.ModuleReport, reportTime, now time.Time, res *Result) error {
	r := mr.Report
	if r == nil {
		return nil
	}

	for key, value := range r.Meta {
		if err := tx.PutMeta(ctx, ident, mr.Module, key, value, now); err != nil {
			return err
		}
		res.Meta++
	}

	src := store.Source{Ident: ident, Module: mr.Module}
	for _, m := range r.Metrics {
		p := store.MetricPoint{
			Source:      src,
			Subject:     m.Subject,
			Metric:      m.Metric,
			Value:       m.Value,
			Time:        reportTime,
			RangeFrom:   m.RangeFrom,
			RangeTo:     m.RangeTo,
			DisplayHint: m.DisplayHint,
		}
		if m.Time > 0 {
			p.Time = wire.FromMillis(m.Time)
		}
		for _, g := range store.Granularities {
			if err := tx.UpsertMetric(ctx, g, p); err != nil {
				return err
			}
		}
		res.Metrics++
	}

	for _, st := range r.Status {
		changed, err := s.ingestStatus(ctx, tx, src, st, now)
		if err != nil {
			return err
		}
		res.Statuses++
		if changed {
			res.Transitions++
		}
	}
	return nil
}

// ingestStatus overwrites the current status and records a transition when
// the state differs from the stored one. A first-ever status has nothing to
// transition from.
func (s *Service) ingestStatus(ctx context.Context, tx store.Tx, src store.Source, st wire.StatusDatum, now time.Time) (bool, error) {
	key := store.StatusKey{Ident: src.Ident, Module: src.Module, Subject: st.Subject, Type: st.Type}

	previous, err := tx.GetStatus(ctx, key)
	if err != nil {
		return false, err
	}

	if err := tx.UpsertStatus(ctx, store.StatusRecord{
		StatusKey: key,
		State:     st.State,
		Remaining: st.Remaining,
		IsMetric:  st.IsMetric,
		UpdatedAt: now,
	}); err != nil {
		return false, err
	}

	if previous == nil || previous.State == st.State {
		return false, nil
	}

	id, err := tx.InsertHealth(ctx, store.HealthTransition{
		StatusKey:   key,
		StateBefore: previous.State,
		StateAfter:  st.State,
		Remaining:   st.Remaining,
		IsMetric:    st.IsMetric,
		Time:        now,
	})
	if err != nil {
		return false, err
	}
	s.logger.Info("health transition",
		zap.Int64("id", id),
		zap.String("ident", src.Ident),
		zap.String("module", src.Module),
		zap.String("subject", st.Subject),
		zap.String("type", st.Type),
		zap.String("from", previous.State),
		zap.String("to", st.State))
	return true, nil
}
