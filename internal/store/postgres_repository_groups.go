package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hongbao/ledger-service/internal/domain"
	"github.com/jackc/pgx/v5"
)

const groupColumns = `id, creator_account_id, name, description, tags, invite_link, creation_cost, pin_cost, status,
	creation_key, charge_key, failure_reason, entry_reward_enabled, entry_reward_points, entry_reward_pool_max,
	risk_score, risk_flags, review_required, pinned_until, creating_started_at, created_at, updated_at`

func scanGroup(row rowScanner) (*domain.Group, error) {
	var (
		group  domain.Group
		status string
	)
	if err := row.Scan(
		&group.ID,
		&group.CreatorAccountID,
		&group.Name,
		&group.Description,
		&group.Tags,
		&group.InviteLink,
		&group.CreationCost,
		&group.PinCost,
		&status,
		&group.CreationKey,
		&group.ChargeKey,
		&group.FailureReason,
		&group.EntryRewardEnabled,
		&group.EntryRewardPoints,
		&group.EntryRewardPoolMax,
		&group.RiskScore,
		&group.RiskFlags,
		&group.ReviewRequired,
		&group.PinnedUntil,
		&group.CreatingStartedAt,
		&group.CreatedAt,
		&group.UpdatedAt,
	); err != nil {
		return nil, err
	}
	group.Status = domain.GroupStatus(status)
	return &group, nil
}

// CreateGroup inserts a draft group. A group already stored under the same
// creation key is returned instead, with created set to false.
func (r *PostgresRepository) CreateGroup(ctx context.Context, group *domain.Group) (*domain.Group, bool, error) {
	if group.ID == uuid.Nil {
		group.ID = uuid.New()
	}
	if group.Tags == nil {
		group.Tags = []string{}
	}
	if group.RiskFlags == nil {
		group.RiskFlags = []string{}
	}

	query := `
		INSERT INTO public_groups (
			id,
			creator_account_id,
			name,
			description,
			tags,
			invite_link,
			creation_cost,
			pin_cost,
			status,
			creation_key,
			entry_reward_enabled,
			entry_reward_points,
			entry_reward_pool_max,
			risk_score,
			risk_flags,
			review_required
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		ON CONFLICT (creation_key) DO NOTHING
		RETURNING ` + groupColumns
	created, err := scanGroup(r.db.QueryRow(ctx, query,
		group.ID,
		group.CreatorAccountID,
		group.Name,
		group.Description,
		group.Tags,
		group.InviteLink,
		group.CreationCost,
		group.PinCost,
		string(domain.GroupStatusDraft),
		group.CreationKey,
		group.EntryRewardEnabled,
		group.EntryRewardPoints,
		group.EntryRewardPoolMax,
		group.RiskScore,
		group.RiskFlags,
		group.ReviewRequired,
	))
	if err == nil {
		return created, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, translateError("create group", err)
	}

	existing, err := scanGroup(r.db.QueryRow(ctx, `SELECT `+groupColumns+` FROM public_groups WHERE creation_key = $1`, group.CreationKey))
	if err != nil {
		return nil, false, translateError("find group by creation key", err)
	}
	if existing.CreatorAccountID != group.CreatorAccountID {
		return nil, false, ErrIdempotencyConflict
	}
	return existing, false, nil
}

func (r *PostgresRepository) GetGroup(ctx context.Context, groupID uuid.UUID) (*domain.Group, error) {
	group, err := scanGroup(r.db.QueryRow(ctx, `SELECT `+groupColumns+` FROM public_groups WHERE id = $1`, groupID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrGroupNotFound
		}
		return nil, translateError("get group", err)
	}
	return group, nil
}

// TransitionGroup moves a group between lifecycle states with a compare-and-set on the current status.
func (r *PostgresRepository) TransitionGroup(ctx context.Context, groupID uuid.UUID, from, to domain.GroupStatus, failureReason *string) (*domain.Group, error) {
	if !domain.CanTransition(from, to) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}

	query := `
		UPDATE public_groups
		SET status = $3,
			failure_reason = COALESCE($4, failure_reason),
			updated_at = NOW()
		WHERE id = $1 AND status = $2
		RETURNING ` + groupColumns
	group, err := scanGroup(r.db.QueryRow(ctx, query, groupID, string(from), string(to), failureReason))
	if err == nil {
		return group, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, translateError("transition group", err)
	}

	current, err := r.GetGroup(ctx, groupID)
	if err != nil {
		return nil, err
	}
	return nil, fmt.Errorf("%w: group is %s, expected %s", ErrInvalidTransition, current.Status, from)
}

// CompleteGroupCharge debits the creation cost, moves the group from charging to
// creating and enqueues the creation-requested event in a single transaction.
// Calling it again for a group that already left charging returns the group as-is.
func (r *PostgresRepository) CompleteGroupCharge(ctx context.Context, params CompleteGroupChargeParams) (*domain.Group, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, translateError("complete group charge", err)
	}
	defer tx.Rollback(ctx)

	group, err := scanGroup(tx.QueryRow(ctx, `SELECT `+groupColumns+` FROM public_groups WHERE id = $1 FOR UPDATE`, params.GroupID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrGroupNotFound
		}
		return nil, translateError("complete group charge", err)
	}

	switch group.Status {
	case domain.GroupStatusCharging:
	case domain.GroupStatusCreating, domain.GroupStatusActive, domain.GroupStatusFailed, domain.GroupStatusRemoved:
		return group, nil
	default:
		return nil, fmt.Errorf("%w: group is %s, expected %s", ErrInvalidTransition, group.Status, domain.GroupStatusCharging)
	}

	var chargeKey *string
	if params.Charge != nil && params.Charge.Amount != 0 {
		if _, err := applyDeltaTx(ctx, tx, *params.Charge); err != nil {
			return nil, translateError("charge group creation", err)
		}
		key := params.Charge.IdempotencyKey
		chargeKey = &key
	}

	now := params.Now
	if now.IsZero() {
		now = time.Now()
	}
	updated, err := scanGroup(tx.QueryRow(ctx, `
		UPDATE public_groups
		SET status = $2,
			charge_key = $3,
			creating_started_at = $4,
			updated_at = NOW()
		WHERE id = $1
		RETURNING `+groupColumns,
		params.GroupID, string(domain.GroupStatusCreating), chargeKey, now,
	))
	if err != nil {
		return nil, translateError("complete group charge", err)
	}

	if params.Event != nil {
		if err := insertOutboxTx(ctx, tx, params.Exchange, params.RoutingKey, params.Event); err != nil {
			return nil, translateError("complete group charge", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, translateError("complete group charge", err)
	}
	return updated, nil
}

func (r *PostgresRepository) CountGroupsByInviteLink(ctx context.Context, inviteLink string) (int, error) {
	var count int
	err := r.db.QueryRow(ctx, `
		SELECT COUNT(*)
		FROM public_groups
		WHERE invite_link = $1 AND status NOT IN ('failed', 'removed')
	`, inviteLink).Scan(&count)
	if err != nil {
		return 0, translateError("count groups by invite link", err)
	}
	return count, nil
}

func (r *PostgresRepository) CountRecentGroupsByCreator(ctx context.Context, creatorAccountID string, since time.Time) (int, error) {
	var count int
	err := r.db.QueryRow(ctx, `
		SELECT COUNT(*)
		FROM public_groups
		WHERE creator_account_id = $1 AND created_at >= $2
	`, creatorAccountID, since).Scan(&count)
	if err != nil {
		return 0, translateError("count recent groups", err)
	}
	return count, nil
}

// ListGroupsInStatusBefore returns groups stuck in a status since before the cutoff.
// Groups in creating are aged from creating_started_at, everything else from updated_at.
func (r *PostgresRepository) ListGroupsInStatusBefore(ctx context.Context, status domain.GroupStatus, before time.Time, limit int) ([]domain.Group, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.Query(ctx, `
		SELECT `+groupColumns+`
		FROM public_groups
		WHERE status = $1 AND COALESCE(creating_started_at, updated_at) < $2
		ORDER BY updated_at
		LIMIT $3
	`, string(status), before, limit)
	if err != nil {
		return nil, translateError("list stale groups", err)
	}
	defer rows.Close()

	var groups []domain.Group
	for rows.Next() {
		group, err := scanGroup(rows)
		if err != nil {
			return nil, translateError("scan group", err)
		}
		groups = append(groups, *group)
	}
	if err := rows.Err(); err != nil {
		return nil, translateError("list stale groups", err)
	}
	return groups, nil
}

// ListFailedGroupsAwaitingRefund returns failed groups whose creation charge has
// no refund entry yet, oldest first.
func (r *PostgresRepository) ListFailedGroupsAwaitingRefund(ctx context.Context, refundKeyPrefix string, limit int) ([]domain.Group, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.Query(ctx, `
		SELECT `+groupColumns+`
		FROM public_groups g
		WHERE g.status = 'failed'
		  AND g.charge_key IS NOT NULL
		  AND NOT EXISTS (
			SELECT 1 FROM star_ledger_entries e
			WHERE e.idempotency_key = $1::text || g.charge_key
		  )
		ORDER BY g.updated_at
		LIMIT $2
	`, refundKeyPrefix, limit)
	if err != nil {
		return nil, translateError("list unrefunded groups", err)
	}
	groups, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.Group, error) {
		group, err := scanGroup(row)
		if err != nil {
			return domain.Group{}, err
		}
		return *group, nil
	})
	if err != nil {
		return nil, translateError("list unrefunded groups", err)
	}
	return groups, nil
}

// pinAdvisoryLock serializes pins across groups so the pin limit holds.
const pinAdvisoryLock int64 = 0x6c65646770696e

// PinGroup checks the pin limit, debits the operator and sets the pin expiry in
// one transaction. A charge key that was already paid returns the group as-is.
func (r *PostgresRepository) PinGroup(ctx context.Context, params PinGroupParams) (*PinGroupResult, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, translateError("pin group", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, pinAdvisoryLock); err != nil {
		return nil, translateError("pin group", err)
	}
	group, err := scanGroup(tx.QueryRow(ctx, `SELECT `+groupColumns+` FROM public_groups WHERE id = $1 FOR UPDATE`, params.GroupID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrGroupNotFound
		}
		return nil, translateError("pin group", err)
	}
	if group.Status != domain.GroupStatusActive {
		return nil, fmt.Errorf("%w: group is %s", ErrGroupNotActive, group.Status)
	}

	now := params.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}
	charge := pinCharge(group, params)
	if charge != nil {
		existing, err := findEntryByKey(ctx, tx, charge.IdempotencyKey)
		switch {
		case err == nil:
			if !sameOperation(existing, *charge) {
				return nil, ErrIdempotencyConflict
			}
			return &PinGroupResult{Group: group, Charge: &DeltaResult{Entry: *existing}}, nil
		case !errors.Is(err, ErrEntryNotFound):
			return nil, translateError("pin group", err)
		}
	}

	if !group.Pinned(now) && params.PinLimit > 0 {
		var active int
		err := tx.QueryRow(ctx, `
			SELECT COUNT(*)
			FROM public_groups
			WHERE status = 'active' AND pinned_until > $1
		`, now).Scan(&active)
		if err != nil {
			return nil, translateError("count active pins", err)
		}
		if active >= params.PinLimit {
			return nil, fmt.Errorf("%w: %d groups already pinned", ErrPinLimitReached, active)
		}
	}

	result := &PinGroupResult{}
	pinnedFrom := now
	if charge != nil {
		delta, err := applyDeltaTx(ctx, tx, *charge)
		if err != nil {
			return nil, translateError("charge group pin", err)
		}
		result.Charge = delta
		pinnedFrom = delta.Entry.CreatedAt.UTC()
	}

	result.Group, err = scanGroup(tx.QueryRow(ctx, `
		UPDATE public_groups
		SET pinned_until = $2,
			updated_at = NOW()
		WHERE id = $1
		RETURNING `+groupColumns,
		params.GroupID, pinnedFrom.Add(params.Duration),
	))
	if err != nil {
		return nil, translateError("pin group", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, translateError("pin group", err)
	}
	return result, nil
}

// SetGroupPin records or clears (nil) the pin expiry of a group.
func (r *PostgresRepository) SetGroupPin(ctx context.Context, groupID uuid.UUID, pinnedUntil *time.Time) (*domain.Group, error) {
	group, err := scanGroup(r.db.QueryRow(ctx, `
		UPDATE public_groups
		SET pinned_until = $2,
			updated_at = NOW()
		WHERE id = $1
		RETURNING `+groupColumns,
		groupID, pinnedUntil,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrGroupNotFound
		}
		return nil, translateError("set group pin", err)
	}
	return group, nil
}
