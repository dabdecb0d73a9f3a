package cdr

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/avoronin/dialdesk/internal/metrics"
	"github.com/avoronin/dialdesk/internal/types"
	"github.com/rs/zerolog"
)

// ErrNotFound distinguishes "no such call" from a query failure. Callers
// decide whether that means an empty state or an error state.
var ErrNotFound = errors.New("cdr: call not found")

// dispositionAnswered is the raw disposition constant used by the
// telephony platform for a successfully connected leg.
const dispositionAnswered = "ANSWERED"

// CallType selects which join/sub-selection the list query applies.
type CallType string

const (
	CallTypeAnswered CallType = "answered"
	CallTypeOutgoing CallType = "outgoing"
	CallTypeMissed   CallType = "missed"
)

// ListFilter describes one list query. From/To are mandatory and inclusive.
type ListFilter struct {
	From     time.Time
	To       time.Time
	Operator string
	Caller   string
	Type     CallType
	Page     int
	PerPage  int
}

// recordColumns is the column set scanned into a RawDetailRecord.
const recordColumns = `uniqueid, linkedid, start_time, src, dst, dcontext, channel, dstchannel,
	duration, billsec, disposition, userfield, recordingfile`

// Store reads raw detail records from the relational store and surfaces
// deduplicated canonical calls. Each query uses its own short-lived
// connection from the pool; no state is held across requests.
type Store struct {
	db           *sql.DB
	norm         *Normalizer
	queueContext string
	internalCtx  string
	logger       zerolog.Logger
}

// NewStore creates a Store over an open database handle.
func NewStore(db *sql.DB, norm *Normalizer, queueContext, internalContext string, logger zerolog.Logger) *Store {
	return &Store{
		db:           db,
		norm:         norm,
		queueContext: queueContext,
		internalCtx:  internalContext,
		logger:       logger.With().Str("component", "cdr_store").Logger(),
	}
}

// DayRange widens a date-only range to cover the full days inclusively:
// 00:00:00.000 of from through 23:59:59.999 of to, in the dates' location.
func DayRange(from, to time.Time) (time.Time, time.Time) {
	start := time.Date(from.Year(), from.Month(), from.Day(), 0, 0, 0, 0, from.Location())
	end := time.Date(to.Year(), to.Month(), to.Day(), 23, 59, 59, int(999*time.Millisecond), to.Location())
	return start, end
}

// List returns one page of deduplicated calls for the filter, ordered by
// start time descending, plus the total over the same deduplicated set.
func (s *Store) List(ctx context.Context, f ListFilter) (*types.CallPage, error) {
	if f.From.IsZero() || f.To.IsZero() {
		return nil, fmt.Errorf("cdr: list requires a date range")
	}
	if f.Page < 1 {
		f.Page = 1
	}
	if f.PerPage < 1 {
		f.PerPage = 50
	}
	if f.PerPage > 1000 {
		f.PerPage = 1000
	}

	where, args := s.buildConditions(f)

	m := metrics.Get()

	countQuery := fmt.Sprintf(`%s SELECT COUNT(*) FROM ranked WHERE rn = 1%s`, s.rankedCTE(), where)
	var total int64
	if err := s.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		m.RecordStoreError()
		return nil, fmt.Errorf("count calls: %w", err)
	}

	listQuery := fmt.Sprintf(
		`%s SELECT %s FROM ranked WHERE rn = 1%s ORDER BY start_time DESC LIMIT $%d OFFSET $%d`,
		s.rankedCTE(), recordColumns, where, len(args)+1, len(args)+2,
	)
	args = append(args, f.PerPage, (f.Page-1)*f.PerPage)

	rows, err := s.db.QueryContext(ctx, listQuery, args...)
	if err != nil {
		m.RecordStoreError()
		return nil, fmt.Errorf("query calls: %w", err)
	}
	defer rows.Close()

	calls := make([]types.Call, 0, f.PerPage)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			m.RecordStoreError()
			return nil, fmt.Errorf("scan call: %w", err)
		}
		calls = append(calls, s.norm.Normalize(rec))
	}
	if err := rows.Err(); err != nil {
		m.RecordStoreError()
		return nil, fmt.Errorf("rows error: %w", err)
	}

	m.RecordStoreQuery()
	return &types.CallPage{Calls: calls, Total: total, Page: f.Page, PerPage: f.PerPage}, nil
}

// rankedCTE ranks every leg within its interaction: the answered non-queue
// leg (the agent who actually spoke) wins; otherwise the most recent leg.
// Placeholders: $1 queue context, $2 range start epoch, $3 range end epoch.
func (s *Store) rankedCTE() string {
	return fmt.Sprintf(`WITH ranked AS (
	SELECT %s,
		ROW_NUMBER() OVER (
			PARTITION BY linkedid
			ORDER BY (CASE WHEN disposition = '%s' AND dcontext <> $1 THEN 1 ELSE 0 END) DESC,
				start_time DESC
		) AS rn
	FROM cdr
	WHERE start_time >= $2 AND start_time <= $3
)`, recordColumns, dispositionAnswered)
}

// buildConditions renders the outer filters applied after deduplication.
// Argument placeholders continue from the CTE's $3.
func (s *Store) buildConditions(f ListFilter) (string, []interface{}) {
	args := []interface{}{s.queueContext, f.From.Unix(), f.To.Unix()}
	var conds []string

	next := func(v interface{}) int {
		args = append(args, v)
		return len(args)
	}

	opPattern := ""
	if f.Operator != "" {
		opPattern = "%/" + escapeLike(f.Operator) + "-%"
	}

	switch f.Type {
	case CallTypeAnswered:
		conds = append(conds, fmt.Sprintf(
			"disposition = '%s' AND dcontext <> $%d", dispositionAnswered, next(s.queueContext)))
		if opPattern != "" {
			conds = append(conds, fmt.Sprintf("dstchannel LIKE $%d ESCAPE '\\'", next(opPattern)))
		}
	case CallTypeOutgoing:
		conds = append(conds, fmt.Sprintf("dcontext = $%d", next(s.internalCtx)))
		if f.Operator != "" {
			conds = append(conds, fmt.Sprintf("src = $%d", next(f.Operator)))
		}
	case CallTypeMissed:
		conds = append(conds, fmt.Sprintf(
			"NOT EXISTS (SELECT 1 FROM cdr a WHERE a.linkedid = ranked.linkedid AND a.disposition = '%s')",
			dispositionAnswered))
		if opPattern != "" {
			conds = append(conds, fmt.Sprintf(
				"EXISTS (SELECT 1 FROM cdr o WHERE o.linkedid = ranked.linkedid AND o.dstchannel LIKE $%d ESCAPE '\\')",
				next(opPattern)))
		}
	default:
		if opPattern != "" {
			conds = append(conds, fmt.Sprintf(
				"EXISTS (SELECT 1 FROM cdr o WHERE o.linkedid = ranked.linkedid AND o.dstchannel LIKE $%d ESCAPE '\\')",
				next(opPattern)))
		}
	}

	if f.Caller != "" {
		conds = append(conds, fmt.Sprintf("src = $%d", next(f.Caller)))
	}

	if len(conds) == 0 {
		return "", args
	}
	return " AND " + strings.Join(conds, " AND "), args
}

// likeEscaper neutralizes LIKE metacharacters in filter values so that
// user input matches literally.
var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func escapeLike(s string) string {
	return likeEscaper.Replace(s)
}

// Resolve returns the representative call for an id that may be a leg id or
// a correlation id. When nothing matches directly and the id looks like a
// composite "<base>.<suffix>", the base is retried as a prefix match; this
// heuristic can collide on shared prefixes and is kept as documented.
func (s *Store) Resolve(ctx context.Context, id string) (*types.Call, error) {
	linked, err := s.lookupLinkedID(ctx, id)
	if errors.Is(err, ErrNotFound) {
		base, ok := compositeBase(id)
		if !ok {
			return nil, ErrNotFound
		}
		linked, err = s.lookupLinkedIDByPrefix(ctx, base)
	}
	if err != nil {
		return nil, err
	}
	return s.representative(ctx, linked)
}

func (s *Store) lookupLinkedID(ctx context.Context, id string) (string, error) {
	var linked string
	err := s.db.QueryRowContext(ctx,
		`SELECT linkedid FROM cdr WHERE uniqueid = $1 OR linkedid = $1 ORDER BY start_time DESC LIMIT 1`,
		id,
	).Scan(&linked)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		metrics.Get().RecordStoreError()
		return "", fmt.Errorf("lookup call id: %w", err)
	}
	return linked, nil
}

func (s *Store) lookupLinkedIDByPrefix(ctx context.Context, base string) (string, error) {
	var linked string
	err := s.db.QueryRowContext(ctx,
		`SELECT linkedid FROM cdr WHERE uniqueid LIKE $1 ESCAPE '\' ORDER BY start_time DESC LIMIT 1`,
		escapeLike(base)+".%",
	).Scan(&linked)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		metrics.Get().RecordStoreError()
		return "", fmt.Errorf("lookup call id prefix: %w", err)
	}
	return linked, nil
}

// representative selects the single leg standing for the interaction, using
// the same priority as the list query's ranking.
func (s *Store) representative(ctx context.Context, linkedID string) (*types.Call, error) {
	query := fmt.Sprintf(`SELECT %s FROM cdr WHERE linkedid = $1
	ORDER BY (CASE WHEN disposition = '%s' AND dcontext <> $2 THEN 1 ELSE 0 END) DESC, start_time DESC
	LIMIT 1`, recordColumns, dispositionAnswered)

	row := s.db.QueryRowContext(ctx, query, linkedID, s.queueContext)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		metrics.Get().RecordStoreError()
		return nil, fmt.Errorf("query representative: %w", err)
	}

	metrics.Get().RecordStoreQuery()
	call := s.norm.Normalize(rec)
	return &call, nil
}

// compositeBase splits a "<base>.<suffix>" id at its last separator.
func compositeBase(id string) (string, bool) {
	idx := strings.LastIndex(id, ".")
	if idx <= 0 || idx == len(id)-1 {
		return "", false
	}
	return id[:idx], true
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(row rowScanner) (types.RawDetailRecord, error) {
	var rec types.RawDetailRecord
	var start int64
	err := row.Scan(
		&rec.UniqueID, &rec.LinkedID, &start, &rec.Src, &rec.Dst, &rec.Context,
		&rec.Channel, &rec.DstChannel, &rec.Duration, &rec.BillSec,
		&rec.Disposition, &rec.UserField, &rec.RecordingFile,
	)
	if err != nil {
		return rec, err
	}
	rec.StartTime = time.Unix(start, 0).UTC()
	return rec, nil
}
