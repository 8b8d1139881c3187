package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"savings-alerts/internal/alert"
)

const (
	eventColumns = `id,
        alert_setting_id,
        trigger_type,
        product_kind,
        product_code,
        product_name,
        rate::text,
        version_ts,
        dedup_key,
        status,
        created_at,
        last_attempt_at,
        attempt_count`

	insertEventSQL = `INSERT INTO alert_events (
        alert_setting_id,
        trigger_type,
        product_kind,
        product_code,
        product_name,
        rate,
        version_ts,
        dedup_key,
        status
    ) VALUES (
        $1,$2,$3,$4,$5,$6::numeric,$7,$8,'PENDING'
    )
    ON CONFLICT (dedup_key) DO NOTHING
    RETURNING ` + eventColumns + `;`

	latestEventBeforeSQL = `SELECT ` + eventColumns + `
    FROM alert_events
    WHERE alert_setting_id = $1
      AND product_kind = $2
      AND product_code = $3
      AND version_ts < $4
    ORDER BY version_ts DESC, id DESC
    LIMIT 1;`

	listPendingSQL = `SELECT ` + eventColumns + `
    FROM alert_events
    WHERE status = 'PENDING'
      AND ($2::timestamptz IS NULL OR last_attempt_at IS NULL OR last_attempt_at < $2)
    ORDER BY created_at, id
    LIMIT $1;`

	transitionEventSQL = `UPDATE alert_events
    SET status = $2,
        last_attempt_at = $3,
        attempt_count = attempt_count + 1
    WHERE id = $1
      AND status = 'PENDING';`

	listRecentEventsSQL = `SELECT ` + eventColumns + `
    FROM alert_events
    ORDER BY created_at DESC, id DESC
    LIMIT $1;`

	dailyStatusCountsSQL = `SELECT
        date_trunc('day', created_at) AS day,
        status,
        COUNT(*)
    FROM alert_events
    WHERE created_at >= $1
      AND created_at < $2
    GROUP BY 1, 2
    ORDER BY 1, 2;`

	settingColumns = `id,
        user_id,
        alert_type,
        active,
        deposit,
        savings,
        min_rate::text,
        simple_interest,
        compound_interest,
        COALESCE(max_term_months, 0),
        COALESCE(min_amount, 0)::text,
        COALESCE(max_amount, 0)::text,
        fixed_reserve,
        flexible_reserve`

	listActiveSettingsSQL = `SELECT ` + settingColumns + `
    FROM alert_settings
    WHERE active
    ORDER BY id;`

	getSettingSQL = `SELECT ` + settingColumns + `
    FROM alert_settings
    WHERE id = $1;`

	resolveContactSQL = `SELECT
        u.email,
        COALESCE(u.phone, '')
    FROM alert_settings s
    JOIN users u ON u.id = s.user_id
    WHERE s.id = $1;`

	listSnapshotsSQL = `SELECT
        p.kind,
        p.code,
        p.name,
        p.company,
        COALESCE(p.min_amount, 0)::text,
        COALESCE(p.max_amount, 0)::text,
        p.updated_at,
        o.term_months,
        o.interest_method,
        o.reserve_type,
        o.base_rate::text,
        o.best_rate::text
    FROM products p
    JOIN product_options o ON o.kind = p.kind AND o.code = p.code
    WHERE p.kind = $1
    ORDER BY p.code, o.term_months, o.interest_method, o.reserve_type;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// Store is the PostgreSQL implementation of every storage interface.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// TryAdvisoryLock attempts to acquire a session advisory lock and returns a release func.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if _, err := conn.Exec(ctxUnlock, advisoryUnlockSQL, key); err != nil {
			// a failed unlock leaves a poisoned session; drop it instead of returning it to the pool
			_ = conn.Conn().Close(ctxUnlock)
		}
		conn.Release()
	}
	return unlock, true, nil
}

// InsertIfAbsent relies on the dedup_key unique constraint for atomic check-then-insert.
func (s *Store) InsertIfAbsent(ctx context.Context, ev alert.Event) (alert.Event, bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return alert.Event{}, false, err
	}

	row := pool.QueryRow(ctx, insertEventSQL,
		ev.SettingID,
		string(ev.Trigger),
		string(ev.Kind),
		ev.ProductCode,
		ev.ProductName,
		ev.Rate.String(),
		nullableTime(ev.Version),
		ev.DedupKey,
	)
	stored, err := scanEvent(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return alert.Event{}, false, nil
	}
	if err != nil {
		return alert.Event{}, false, fmt.Errorf("insert alert event: %w", err)
	}
	return stored, true, nil
}

// LatestEventBefore implements EventStore.
func (s *Store) LatestEventBefore(ctx context.Context, settingID int64, kind alert.ProductKind, productCode string, before time.Time) (alert.Event, bool, error) {
	if before.IsZero() {
		return alert.Event{}, false, nil
	}
	pool, err := s.getPool()
	if err != nil {
		return alert.Event{}, false, err
	}

	ev, err := scanEvent(pool.QueryRow(ctx, latestEventBeforeSQL, settingID, string(kind), productCode, before))
	if errors.Is(err, pgx.ErrNoRows) {
		return alert.Event{}, false, nil
	}
	if err != nil {
		return alert.Event{}, false, fmt.Errorf("latest event before: %w", err)
	}
	return ev, true, nil
}

// ListPending implements EventStore.
func (s *Store) ListPending(ctx context.Context, limit int, attemptedBefore time.Time) ([]alert.Event, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, err := pool.Query(ctx, listPendingSQL, limit, nullableTime(attemptedBefore))
	if err != nil {
		return nil, fmt.Errorf("list pending events: %w", err)
	}
	return collectEvents(rows, limit)
}

// MarkSent implements EventStore.
func (s *Store) MarkSent(ctx context.Context, id int64, at time.Time) error {
	return s.transition(ctx, id, alert.StatusSent, at)
}

// MarkFailed implements EventStore.
func (s *Store) MarkFailed(ctx context.Context, id int64, at time.Time) error {
	return s.transition(ctx, id, alert.StatusFailedPermanent, at)
}

// RecordRetry keeps the event pending and counts the attempt.
func (s *Store) RecordRetry(ctx context.Context, id int64, at time.Time) error {
	return s.transition(ctx, id, alert.StatusPending, at)
}

func (s *Store) transition(ctx context.Context, id int64, status alert.Status, at time.Time) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	tag, err := pool.Exec(ctx, transitionEventSQL, id, string(status), at)
	if err != nil {
		return fmt.Errorf("update alert event %d to %s: %w", id, status, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update alert event %d: %w", id, ErrNotPending)
	}
	return nil
}

// ListRecentEvents lists the newest events first.
func (s *Store) ListRecentEvents(ctx context.Context, limit int) ([]alert.Event, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, err := pool.Query(ctx, listRecentEventsSQL, limit)
	if err != nil {
		return nil, fmt.Errorf("list recent events: %w", err)
	}
	return collectEvents(rows, limit)
}

// DailyStatusCounts groups events by creation day and status.
func (s *Store) DailyStatusCounts(ctx context.Context, from, to time.Time) ([]DailyCount, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, err := pool.Query(ctx, dailyStatusCountsSQL, from, to)
	if err != nil {
		return nil, fmt.Errorf("daily status counts: %w", err)
	}
	defer rows.Close()

	counts := make([]DailyCount, 0)
	for rows.Next() {
		var (
			c      DailyCount
			status string
		)
		if err := rows.Scan(&c.Day, &status, &c.Count); err != nil {
			return nil, err
		}
		c.Status = alert.Status(status)
		counts = append(counts, c)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return counts, nil
}

// ListActiveAlertSettings implements SettingStore.
func (s *Store) ListActiveAlertSettings(ctx context.Context) ([]alert.Setting, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, err := pool.Query(ctx, listActiveSettingsSQL)
	if err != nil {
		return nil, fmt.Errorf("list alert settings: %w", err)
	}
	defer rows.Close()

	settings := make([]alert.Setting, 0)
	for rows.Next() {
		setting, err := scanSetting(rows)
		if err != nil {
			return nil, err
		}
		settings = append(settings, setting)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return settings, nil
}

// GetAlertSetting implements SettingStore.
func (s *Store) GetAlertSetting(ctx context.Context, id int64) (alert.Setting, error) {
	pool, err := s.getPool()
	if err != nil {
		return alert.Setting{}, err
	}

	setting, err := scanSetting(pool.QueryRow(ctx, getSettingSQL, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return alert.Setting{}, fmt.Errorf("alert setting %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return alert.Setting{}, fmt.Errorf("get alert setting %d: %w", id, err)
	}
	return setting, nil
}

// ResolveContactAddress implements SettingStore. Email and push are addressed to
// the owner's email; SMS uses the phone number when one is on file.
func (s *Store) ResolveContactAddress(ctx context.Context, settingID int64, ch alert.Channel) (string, error) {
	pool, err := s.getPool()
	if err != nil {
		return "", err
	}

	var email, phone string
	err = pool.QueryRow(ctx, resolveContactSQL, settingID).Scan(&email, &phone)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("contact for setting %d: %w", settingID, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("resolve contact for setting %d: %w", settingID, err)
	}
	if ch == alert.ChannelSMS {
		return phone, nil
	}
	return email, nil
}

// ListProductSnapshots implements ProductStore.
func (s *Store) ListProductSnapshots(ctx context.Context, kind alert.ProductKind) ([]alert.ProductSnapshot, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, err := pool.Query(ctx, listSnapshotsSQL, string(kind))
	if err != nil {
		return nil, fmt.Errorf("list product snapshots: %w", err)
	}
	defer rows.Close()

	snapshots := make([]alert.ProductSnapshot, 0)
	index := make(map[string]int)
	for rows.Next() {
		var (
			snap                     alert.ProductSnapshot
			kindStr                  string
			minStr, maxStr           string
			updatedAt                *time.Time
			opt                      alert.RateOption
			method, reserve          string
			baseRateStr, bestRateStr string
		)
		if err := rows.Scan(
			&kindStr,
			&snap.Code,
			&snap.Name,
			&snap.Company,
			&minStr,
			&maxStr,
			&updatedAt,
			&opt.TermMonths,
			&method,
			&reserve,
			&baseRateStr,
			&bestRateStr,
		); err != nil {
			return nil, err
		}

		if opt.BaseRate, err = decimal.NewFromString(baseRateStr); err != nil {
			return nil, fmt.Errorf("parse base rate for %s: %w", snap.Code, err)
		}
		if opt.BestRate, err = decimal.NewFromString(bestRateStr); err != nil {
			return nil, fmt.Errorf("parse best rate for %s: %w", snap.Code, err)
		}
		opt.Method = alert.InterestMethod(method)
		opt.Reserve = alert.ReserveType(reserve)

		if i, ok := index[snap.Code]; ok {
			snapshots[i].Options = append(snapshots[i].Options, opt)
			continue
		}

		snap.Kind = alert.ProductKind(kindStr)
		if snap.MinAmount, err = decimal.NewFromString(minStr); err != nil {
			return nil, fmt.Errorf("parse min amount for %s: %w", snap.Code, err)
		}
		if snap.MaxAmount, err = decimal.NewFromString(maxStr); err != nil {
			return nil, fmt.Errorf("parse max amount for %s: %w", snap.Code, err)
		}
		if updatedAt != nil {
			snap.Version = *updatedAt
		}
		snap.Options = []alert.RateOption{opt}
		index[snap.Code] = len(snapshots)
		snapshots = append(snapshots, snap)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return snapshots, nil
}

func collectEvents(rows pgx.Rows, capacity int) ([]alert.Event, error) {
	defer rows.Close()

	if capacity < 0 {
		capacity = 0
	}
	events := make([]alert.Event, 0, capacity)
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return events, nil
}

func scanEvent(row pgx.Row) (alert.Event, error) {
	var (
		ev                    alert.Event
		trigger, kind, status string
		rateStr               string
		version               *time.Time
	)

	if err := row.Scan(
		&ev.ID,
		&ev.SettingID,
		&trigger,
		&kind,
		&ev.ProductCode,
		&ev.ProductName,
		&rateStr,
		&version,
		&ev.DedupKey,
		&status,
		&ev.CreatedAt,
		&ev.LastAttemptAt,
		&ev.Attempts,
	); err != nil {
		return alert.Event{}, err
	}

	rate, err := decimal.NewFromString(rateStr)
	if err != nil {
		return alert.Event{}, fmt.Errorf("parse event rate: %w", err)
	}
	ev.Rate = rate
	ev.Trigger = alert.Trigger(trigger)
	ev.Kind = alert.ProductKind(kind)
	ev.Status = alert.Status(status)
	if version != nil {
		ev.Version = *version
	}
	return ev, nil
}

func scanSetting(row pgx.Row) (alert.Setting, error) {
	var (
		setting                    alert.Setting
		channel                    string
		minRate, minAmount, maxAmt string
	)

	if err := row.Scan(
		&setting.ID,
		&setting.UserID,
		&channel,
		&setting.Active,
		&setting.Deposit,
		&setting.Savings,
		&minRate,
		&setting.SimpleInterest,
		&setting.CompoundInterest,
		&setting.MaxTermMonths,
		&minAmount,
		&maxAmt,
		&setting.FixedReserve,
		&setting.FlexibleReserve,
	); err != nil {
		return alert.Setting{}, err
	}

	var err error
	if setting.MinRate, err = decimal.NewFromString(minRate); err != nil {
		return alert.Setting{}, fmt.Errorf("parse min rate: %w", err)
	}
	if setting.MinAmount, err = decimal.NewFromString(minAmount); err != nil {
		return alert.Setting{}, fmt.Errorf("parse min amount: %w", err)
	}
	if setting.MaxAmount, err = decimal.NewFromString(maxAmt); err != nil {
		return alert.Setting{}, fmt.Errorf("parse max amount: %w", err)
	}
	// channel names are stored as entered; unknown values surface as routing errors
	setting.Channel = alert.Channel(channel)
	return setting, nil
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

var (
	_ EventStore     = (*Store)(nil)
	_ SettingStore   = (*Store)(nil)
	_ ProductStore   = (*Store)(nil)
	_ AdvisoryLocker = (*Store)(nil)
)
