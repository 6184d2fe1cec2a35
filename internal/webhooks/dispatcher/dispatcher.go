// Package dispatcher drains PENDING webhook deliveries: it claims due rows
// under a lease, POSTs the signed event envelope to subscriber endpoints, and
// applies the retry schedule. Deliveries are at-least-once; subscribers dedup
// on the envelope idempotencyKey.
package dispatcher

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/clinicore/clinicore/internal/clock"
	"github.com/clinicore/clinicore/internal/config"
	eventdomain "github.com/clinicore/clinicore/internal/event/domain"
	"github.com/clinicore/clinicore/internal/locker"
	"github.com/clinicore/clinicore/internal/observability/metrics"
	"github.com/clinicore/clinicore/internal/signature"
	"github.com/clinicore/clinicore/internal/webhooks/domain"
	"github.com/clinicore/clinicore/pkg/db"
)

const (
	httpTimeout  = 15 * time.Second
	maxBodyBytes = 1 << 20 // 1 MiB
	maxAttempts  = 10
	userAgent    = "Clinicore-Webhooks/1.0"
	specVersion  = "1.0"

	sweepLockKey = "webhooks:dispatcher:sweep"
)

// backoffSchedule indexes by attempts-1 after the increment. The first retry
// is immediate; later ones stretch out to a day.
var backoffSchedule = []time.Duration{
	0,
	60 * time.Second,
	5 * time.Minute,
	15 * time.Minute,
	time.Hour,
	6 * time.Hour,
	24 * time.Hour,
	24 * time.Hour,
	24 * time.Hour,
	24 * time.Hour,
}

type Params struct {
	fx.In

	DB      *gorm.DB
	Log     *zap.Logger
	Clock   clock.Clock
	Locker  *locker.Locker `optional:"true"`
	Metrics *metrics.Metrics
	Holder  *config.DispatcherConfigHolder
	Client  *http.Client `optional:"true"`
}

type Dispatcher struct {
	db      *gorm.DB
	log     *zap.Logger
	clock   clock.Clock
	locker  *locker.Locker
	metrics *metrics.Metrics
	holder  *config.DispatcherConfigHolder
	client  *http.Client
}

func New(p Params) *Dispatcher {
	client := p.Client
	if client == nil {
		client = &http.Client{Timeout: httpTimeout}
	}
	return &Dispatcher{
		db:      p.DB,
		log:     p.Log.Named("webhooks.dispatcher"),
		clock:   p.Clock,
		locker:  p.Locker,
		metrics: p.Metrics,
		holder:  p.Holder,
		client:  client,
	}
}

// RunForever polls for due deliveries until the context is canceled. Per-
// delivery failures are recorded on their rows and never stop the loop.
func (d *Dispatcher) RunForever(ctx context.Context) {
	cfg := d.holder.Get()
	poll := time.NewTicker(time.Duration(cfg.PollIntervalSeconds) * time.Second)
	sweep := time.NewTicker(time.Duration(cfg.SweepSeconds) * time.Second)
	defer poll.Stop()
	defer sweep.Stop()

	d.log.Info("dispatcher started",
		zap.Int("poll_interval_seconds", cfg.PollIntervalSeconds),
		zap.Int("batch_size", cfg.BatchSize),
		zap.Int("workers", cfg.Workers),
	)

	for {
		select {
		case <-ctx.Done():
			d.log.Info("dispatcher stopped")
			return
		case <-sweep.C:
			d.sweepLeases(ctx)
		case <-poll.C:
			for {
				processed, err := d.RunOnce(ctx)
				if err != nil {
					d.log.Error("dispatch cycle failed", zap.Error(err))
					break
				}
				// Keep draining while full batches come back.
				if processed < d.holder.Get().BatchSize {
					break
				}
				if ctx.Err() != nil {
					return
				}
			}
		}
	}
}

// RunOnce claims one batch of due deliveries and processes it, returning the
// number of deliveries attempted.
func (d *Dispatcher) RunOnce(ctx context.Context) (int, error) {
	cfg := d.holder.Get()
	batch, err := d.claim(ctx, cfg)
	if err != nil {
		return 0, err
	}
	if len(batch) == 0 {
		return 0, nil
	}

	d.metrics.DeliveriesLeased.Add(float64(len(batch)))
	defer d.metrics.DeliveriesLeased.Sub(float64(len(batch)))

	sem := make(chan struct{}, cfg.Workers)
	var wg sync.WaitGroup
	for i := range batch {
		delivery := batch[i]
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			d.process(ctx, &delivery)
		}()
	}
	wg.Wait()
	return len(batch), nil
}

type claimRow struct {
	domain.OutboundWebhookDelivery
	Cap      int `gorm:"column:cap"`
	InFlight int `gorm:"column:in_flight"`
}

// claim selects due PENDING rows whose lease is free and whose endpoint is
// under its in-flight cap, then stamps a fresh lease on them, all in one
// transaction. A NULL next_attempt_at counts as due. The cap is re-checked in Go so one batch cannot overshoot it.
// Disabled endpoints still drain queued work; only new fan-out stops when an
// endpoint is turned off.
func (d *Dispatcher) claim(ctx context.Context, cfg config.DispatcherConfig) ([]domain.OutboundWebhookDelivery, error) {
	now := d.clock.Now().UTC()
	leaseUntil := now.Add(time.Duration(cfg.LeaseSeconds) * time.Second)

	var batch []domain.OutboundWebhookDelivery
	err := d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		query := `SELECT d.id, d.event_id, d.endpoint_id, d.clinic_id, d.status,
		       d.attempts, d.next_attempt_at, d.lease_expires_at,
		       d.last_status_code, d.last_error, d.delivered_at,
		       d.created_at, d.updated_at,
		       e.max_concurrent_deliveries AS cap,
		       (
		         SELECT COUNT(1) FROM webhook_deliveries x
		         WHERE x.endpoint_id = d.endpoint_id
		           AND x.status = 'PENDING'
		           AND x.lease_expires_at IS NOT NULL AND x.lease_expires_at > ?
		       ) AS in_flight
		 FROM webhook_deliveries d
		 JOIN webhook_endpoints e ON e.id = d.endpoint_id
		 WHERE d.status = 'PENDING'
		   AND (d.next_attempt_at IS NULL OR d.next_attempt_at <= ?)
		   AND (d.lease_expires_at IS NULL OR d.lease_expires_at <= ?)
		 ORDER BY d.next_attempt_at
		 LIMIT ?` + db.LockingClause(tx, "d")

		var rows []claimRow
		if err := tx.Raw(query, now, now, now, cfg.BatchSize).Scan(&rows).Error; err != nil {
			return err
		}
		if len(rows) == 0 {
			return nil
		}

		budget := make(map[snowflake.ID]int, len(rows))
		ids := make([]snowflake.ID, 0, len(rows))
		for _, row := range rows {
			if _, seen := budget[row.EndpointID]; !seen {
				budget[row.EndpointID] = row.Cap - row.InFlight
			}
			if budget[row.EndpointID] <= 0 {
				continue
			}
			budget[row.EndpointID]--
			batch = append(batch, row.OutboundWebhookDelivery)
			ids = append(ids, row.OutboundWebhookDelivery.ID)
		}
		if len(ids) == 0 {
			return nil
		}
		return tx.Exec(
			`UPDATE webhook_deliveries SET lease_expires_at = ?, updated_at = ? WHERE id IN ?`,
			leaseUntil, now, ids,
		).Error
	})
	if err != nil {
		return nil, err
	}
	return batch, nil
}

func (d *Dispatcher) process(ctx context.Context, delivery *domain.OutboundWebhookDelivery) {
	log := d.log.With(
		zap.String("delivery_id", delivery.ID.String()),
		zap.String("endpoint_id", delivery.EndpointID.String()),
		zap.Int("attempt", delivery.Attempts+1),
	)

	endpoint, event, err := d.load(ctx, delivery)
	if err != nil {
		log.Error("load delivery context failed", zap.Error(err))
		d.recordRetry(ctx, delivery, nil, "load: "+err.Error())
		return
	}

	if !isHTTPS(endpoint.URL) {
		d.recordPermanentFailure(ctx, delivery, nil, "endpoint url is not https")
		log.Warn("delivery rejected, endpoint url is not https", zap.String("url", endpoint.URL))
		return
	}

	body, err := buildEnvelope(event, delivery.Attempts+1)
	if err != nil {
		d.recordPermanentFailure(ctx, delivery, nil, "envelope: "+err.Error())
		return
	}
	if len(body) > maxBodyBytes {
		d.recordPermanentFailure(ctx, delivery, nil, fmt.Sprintf("body %d bytes exceeds 1 MiB", len(body)))
		log.Warn("delivery rejected, body exceeds limit", zap.Int("bytes", len(body)))
		return
	}

	now := d.clock.Now().UTC()
	code, err := d.post(ctx, endpoint, event, body, now)
	if err != nil {
		d.metrics.DispatchAttemptTotal.WithLabelValues("error").Inc()
		d.recordRetry(ctx, delivery, nil, err.Error())
		log.Warn("delivery attempt failed", zap.Error(err))
		return
	}
	if code >= 200 && code < 300 {
		d.metrics.DispatchAttemptTotal.WithLabelValues("delivered").Inc()
		d.recordDelivered(ctx, delivery, code)
		log.Info("delivered", zap.Int("status", code))
		return
	}

	d.metrics.DispatchAttemptTotal.WithLabelValues("rejected").Inc()
	d.recordRetry(ctx, delivery, &code, fmt.Sprintf("subscriber responded %d", code))
	log.Warn("subscriber rejected delivery", zap.Int("status", code))
}

func (d *Dispatcher) post(ctx context.Context, endpoint *domain.WebhookEndpoint, event *eventdomain.DomainEvent, body []byte, now time.Time) (int, error) {
	reqCtx, cancel := context.WithTimeout(ctx, httpTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, endpoint.URL, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("X-Clinicore-Event-Id", event.ID.String())
	req.Header.Set("X-Clinicore-Event", string(event.Type))
	req.Header.Set("X-Clinicore-Spec-Version", specVersion)
	req.Header.Set("X-Clinicore-Timestamp", strconv.FormatInt(now.Unix(), 10))
	req.Header.Set("X-Clinicore-Signature", signature.Sign(endpoint.Secret, body, now.Unix()))

	start := time.Now()
	resp, err := d.client.Do(req)
	elapsed := time.Since(start).Seconds()
	if err != nil {
		d.metrics.DispatchDuration.WithLabelValues("error").Observe(elapsed)
		return 0, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	result := "rejected"
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		result = "delivered"
	}
	d.metrics.DispatchDuration.WithLabelValues(result).Observe(elapsed)
	return resp.StatusCode, nil
}

func (d *Dispatcher) load(ctx context.Context, delivery *domain.OutboundWebhookDelivery) (*domain.WebhookEndpoint, *eventdomain.DomainEvent, error) {
	var endpoint domain.WebhookEndpoint
	err := d.db.WithContext(ctx).Raw(
		`SELECT id, clinic_id, url, secret, active, event_types,
		        max_concurrent_deliveries, created_at, updated_at
		 FROM webhook_endpoints WHERE id = ? LIMIT 1`,
		delivery.EndpointID,
	).Scan(&endpoint).Error
	if err != nil {
		return nil, nil, err
	}
	if endpoint.ID == 0 {
		return nil, nil, domain.ErrEndpointNotFound
	}

	var event eventdomain.DomainEvent
	err = d.db.WithContext(ctx).Raw(
		`SELECT id, event_id, type, clinic_id, actor_type, actor_id,
		        resource_type, resource_id, payload, created_at
		 FROM domain_events WHERE id = ? LIMIT 1`,
		delivery.EventID,
	).Scan(&event).Error
	if err != nil {
		return nil, nil, err
	}
	if event.ID == 0 {
		return nil, nil, fmt.Errorf("domain event %d not found", delivery.EventID)
	}
	return &endpoint, &event, nil
}

func (d *Dispatcher) recordDelivered(ctx context.Context, delivery *domain.OutboundWebhookDelivery, code int) {
	now := d.clock.Now().UTC()
	err := d.db.WithContext(ctx).Exec(
		`UPDATE webhook_deliveries
		 SET status = ?, attempts = attempts + 1, delivered_at = ?,
		     next_attempt_at = NULL, lease_expires_at = NULL,
		     last_status_code = ?, last_error = '', updated_at = ?
		 WHERE id = ?`,
		domain.StatusDelivered, now, code, now, delivery.ID,
	).Error
	if err != nil {
		d.log.Error("record delivered failed", zap.Error(err))
	}
}

// recordRetry bumps attempts and either schedules the next attempt or, once
// the schedule is exhausted, marks the row terminally FAILED.
func (d *Dispatcher) recordRetry(ctx context.Context, delivery *domain.OutboundWebhookDelivery, code *int, lastError string) {
	now := d.clock.Now().UTC()
	attempts := delivery.Attempts + 1

	if attempts > maxAttempts {
		d.metrics.DispatchAttemptTotal.WithLabelValues("failed_terminal").Inc()
		err := d.db.WithContext(ctx).Exec(
			`UPDATE webhook_deliveries
			 SET status = ?, attempts = ?, next_attempt_at = NULL,
			     lease_expires_at = NULL, last_status_code = ?, last_error = ?, updated_at = ?
			 WHERE id = ?`,
			domain.StatusFailed, attempts, code, truncate(lastError), now, delivery.ID,
		).Error
		if err != nil {
			d.log.Error("record terminal failure failed", zap.Error(err))
		}
		return
	}

	next := now.Add(backoffSchedule[attempts-1])
	err := d.db.WithContext(ctx).Exec(
		`UPDATE webhook_deliveries
		 SET attempts = ?, next_attempt_at = ?, lease_expires_at = NULL,
		     last_status_code = ?, last_error = ?, updated_at = ?
		 WHERE id = ?`,
		attempts, next, code, truncate(lastError), now, delivery.ID,
	).Error
	if err != nil {
		d.log.Error("record retry failed", zap.Error(err))
	}
}

// recordPermanentFailure marks the row FAILED without consuming the retry
// schedule; these are rejections the dispatcher decides locally, with no I/O.
func (d *Dispatcher) recordPermanentFailure(ctx context.Context, delivery *domain.OutboundWebhookDelivery, code *int, lastError string) {
	d.metrics.DispatchAttemptTotal.WithLabelValues("failed_permanent").Inc()
	now := d.clock.Now().UTC()
	err := d.db.WithContext(ctx).Exec(
		`UPDATE webhook_deliveries
		 SET status = ?, attempts = attempts + 1, next_attempt_at = NULL,
		     lease_expires_at = NULL, last_status_code = ?, last_error = ?, updated_at = ?
		 WHERE id = ?`,
		domain.StatusFailed, code, truncate(lastError), now, delivery.ID,
	).Error
	if err != nil {
		d.log.Error("record permanent failure failed", zap.Error(err))
	}
}

// sweepLeases clears expired leases left behind by crashed replicas. The redis
// lock keeps the sweep to one replica; without redis every replica sweeps,
// which is harmless but noisy.
func (d *Dispatcher) sweepLeases(ctx context.Context) {
	if d.locker != nil {
		token, ok, err := d.locker.TryLock(ctx, sweepLockKey, 20*time.Second)
		if err != nil {
			d.log.Warn("sweep lock failed", zap.Error(err))
			return
		}
		if !ok {
			return
		}
		defer func() {
			_ = d.locker.Release(ctx, sweepLockKey, token)
		}()
	}

	now := d.clock.Now().UTC()
	res := d.db.WithContext(ctx).Exec(
		`UPDATE webhook_deliveries
		 SET lease_expires_at = NULL, updated_at = ?
		 WHERE status = 'PENDING' AND lease_expires_at IS NOT NULL AND lease_expires_at <= ?`,
		now, now,
	)
	if res.Error != nil {
		d.log.Error("lease sweep failed", zap.Error(res.Error))
		return
	}
	if res.RowsAffected > 0 {
		d.log.Info("cleared orphaned leases", zap.Int64("count", res.RowsAffected))
	}
}

func isHTTPS(raw string) bool {
	parsed, err := url.Parse(strings.TrimSpace(raw))
	return err == nil && parsed.Scheme == "https" && parsed.Host != ""
}

func truncate(s string) string {
	const max = 500
	if len(s) > max {
		return s[:max]
	}
	return s
}
