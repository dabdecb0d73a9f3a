package cdr

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/avoronin/dialdesk/internal/types"
	"github.com/rs/zerolog"

	_ "modernc.org/sqlite"
)

const testSchema = `CREATE TABLE cdr (
	uniqueid TEXT PRIMARY KEY,
	linkedid TEXT NOT NULL,
	start_time INTEGER NOT NULL,
	src TEXT NOT NULL DEFAULT '',
	dst TEXT NOT NULL DEFAULT '',
	dcontext TEXT NOT NULL DEFAULT '',
	channel TEXT NOT NULL DEFAULT '',
	dstchannel TEXT NOT NULL DEFAULT '',
	duration INTEGER NOT NULL DEFAULT 0,
	billsec INTEGER NOT NULL DEFAULT 0,
	disposition TEXT NOT NULL DEFAULT '',
	userfield TEXT NOT NULL DEFAULT '',
	recordingfile TEXT NOT NULL DEFAULT ''
)`

func newTestStore(t *testing.T) (*Store, *sql.DB) {
	t.Helper()

	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	// A pooled :memory: handle would open a fresh empty database per
	// connection; pin the pool to one.
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	if _, err := db.Exec(testSchema); err != nil {
		t.Fatalf("failed to create schema: %v", err)
	}

	norm := NewNormalizer("from-queue", "from-internal", []string{"SIP", "PJSIP"})
	return NewStore(db, norm, "from-queue", "from-internal", zerolog.Nop()), db
}

func insertLeg(t *testing.T, db *sql.DB, rec types.RawDetailRecord) {
	t.Helper()
	_, err := db.Exec(
		`INSERT INTO cdr (uniqueid, linkedid, start_time, src, dst, dcontext, channel, dstchannel,
			duration, billsec, disposition, userfield, recordingfile)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.UniqueID, rec.LinkedID, rec.StartTime.Unix(), rec.Src, rec.Dst, rec.Context,
		rec.Channel, rec.DstChannel, rec.Duration, rec.BillSec, rec.Disposition,
		rec.UserField, rec.RecordingFile,
	)
	if err != nil {
		t.Fatalf("failed to insert leg: %v", err)
	}
}

var day = time.Date(2023, 11, 14, 0, 0, 0, 0, time.UTC)

func dayFilter() ListFilter {
	from, to := DayRange(day, day)
	return ListFilter{From: from, To: to, Page: 1, PerPage: 50}
}

func TestListDeduplicatesAnsweredAgentLeg(t *testing.T) {
	store, db := newTestStore(t)

	// Queue leg: abstract queue hunt, answered by the queue app itself
	insertLeg(t, db, types.RawDetailRecord{
		UniqueID: "100.1", LinkedID: "100.1", StartTime: day.Add(10 * time.Hour),
		Src: "79001112233", Dst: "305", Context: "from-queue",
		Disposition: "ANSWERED", Duration: 120, BillSec: 120,
	})
	// Agent leg: the operator who actually spoke; later start, non-queue context
	insertLeg(t, db, types.RawDetailRecord{
		UniqueID: "100.2", LinkedID: "100.1", StartTime: day.Add(10*time.Hour + 15*time.Second),
		Src: "79001112233", Dst: "105", Context: "ext-agents", DstChannel: "SIP/105-0001",
		Disposition: "ANSWERED", Duration: 105, BillSec: 100,
	})

	page, err := store.List(context.Background(), dayFilter())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(page.Calls) != 1 {
		t.Fatalf("expected 1 call for the interaction, got %d", len(page.Calls))
	}
	if page.Total != 1 {
		t.Errorf("expected total 1, got %d", page.Total)
	}
	if page.Calls[0].ID != "100.2" {
		t.Errorf("expected agent leg 100.2 as representative, got %s", page.Calls[0].ID)
	}
	if page.Calls[0].OperatorExtension != "105" {
		t.Errorf("expected operator 105, got %s", page.Calls[0].OperatorExtension)
	}
}

func TestListDeduplicatesUnansweredMostRecent(t *testing.T) {
	store, db := newTestStore(t)

	insertLeg(t, db, types.RawDetailRecord{
		UniqueID: "200.1", LinkedID: "200.1", StartTime: day.Add(9 * time.Hour),
		Context: "from-queue", Dst: "305", Disposition: "NO ANSWER",
	})
	insertLeg(t, db, types.RawDetailRecord{
		UniqueID: "200.2", LinkedID: "200.1", StartTime: day.Add(9*time.Hour + 20*time.Second),
		Context: "ext-agents", DstChannel: "SIP/105-0002", Disposition: "NO ANSWER",
	})
	insertLeg(t, db, types.RawDetailRecord{
		UniqueID: "200.3", LinkedID: "200.1", StartTime: day.Add(9*time.Hour + 40*time.Second),
		Context: "ext-agents", DstChannel: "SIP/106-0003", Disposition: "NO ANSWER",
	})

	page, err := store.List(context.Background(), dayFilter())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(page.Calls) != 1 {
		t.Fatalf("expected 1 call, got %d", len(page.Calls))
	}
	if page.Calls[0].ID != "200.3" {
		t.Errorf("expected most recent leg 200.3, got %s", page.Calls[0].ID)
	}
}

func TestListPagination(t *testing.T) {
	store, db := newTestStore(t)

	for i := 0; i < 25; i++ {
		insertLeg(t, db, types.RawDetailRecord{
			UniqueID:  uniqueID(i),
			LinkedID:  uniqueID(i),
			StartTime: day.Add(8*time.Hour + time.Duration(i)*time.Minute),
			Context:   "ext-agents", Disposition: "ANSWERED",
		})
	}

	f := dayFilter()
	f.Page = 2
	f.PerPage = 10

	page, err := store.List(context.Background(), f)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if page.Total != 25 {
		t.Errorf("expected total 25, got %d", page.Total)
	}
	if len(page.Calls) != 10 {
		t.Fatalf("expected 10 calls on page 2, got %d", len(page.Calls))
	}
	// Ordering is start time descending: page 2 holds records 11-20,
	// i.e. inserts 14 down to 5.
	if page.Calls[0].ID != uniqueID(14) {
		t.Errorf("expected first call of page 2 to be %s, got %s", uniqueID(14), page.Calls[0].ID)
	}
	if page.Calls[9].ID != uniqueID(5) {
		t.Errorf("expected last call of page 2 to be %s, got %s", uniqueID(5), page.Calls[9].ID)
	}
}

func uniqueID(i int) string {
	return fmt.Sprintf("1699%06d.1", i)
}

func TestListRequiresDateRange(t *testing.T) {
	store, _ := newTestStore(t)

	if _, err := store.List(context.Background(), ListFilter{}); err == nil {
		t.Error("expected error for missing date range, got nil")
	}
}

func TestListCallTypeFilters(t *testing.T) {
	store, db := newTestStore(t)

	// Interaction 1: answered by operator 105
	insertLeg(t, db, types.RawDetailRecord{
		UniqueID: "300.1", LinkedID: "300.1", StartTime: day.Add(10 * time.Hour),
		Context: "from-queue", Dst: "305", Disposition: "ANSWERED",
	})
	insertLeg(t, db, types.RawDetailRecord{
		UniqueID: "300.2", LinkedID: "300.1", StartTime: day.Add(10*time.Hour + 10*time.Second),
		Context: "ext-agents", DstChannel: "SIP/105-0001", Disposition: "ANSWERED",
	})

	// Interaction 2: offered to 105, never answered anywhere
	insertLeg(t, db, types.RawDetailRecord{
		UniqueID: "301.1", LinkedID: "301.1", StartTime: day.Add(11 * time.Hour),
		Context: "from-queue", Dst: "305", Disposition: "NO ANSWER",
	})
	insertLeg(t, db, types.RawDetailRecord{
		UniqueID: "301.2", LinkedID: "301.1", StartTime: day.Add(11*time.Hour + 5*time.Second),
		Context: "ext-agents", DstChannel: "SIP/105-0002", Disposition: "NO ANSWER",
	})

	// Interaction 3: outgoing call placed by 105
	insertLeg(t, db, types.RawDetailRecord{
		UniqueID: "302.1", LinkedID: "302.1", StartTime: day.Add(12 * time.Hour),
		Src: "105", Dst: "79005556677", Context: "from-internal", Disposition: "ANSWERED",
	})

	ctx := context.Background()

	f := dayFilter()
	f.Type = CallTypeAnswered
	page, err := store.List(ctx, f)
	if err != nil {
		t.Fatalf("answered filter: %v", err)
	}
	if len(page.Calls) != 2 {
		t.Fatalf("expected 2 answered interactions (agent + outgoing), got %d", len(page.Calls))
	}

	f = dayFilter()
	f.Type = CallTypeAnswered
	f.Operator = "105"
	page, err = store.List(ctx, f)
	if err != nil {
		t.Fatalf("answered+operator filter: %v", err)
	}
	if len(page.Calls) != 1 || page.Calls[0].ID != "300.2" {
		t.Fatalf("expected only interaction 300 answered by 105, got %+v", page.Calls)
	}

	f = dayFilter()
	f.Type = CallTypeMissed
	f.Operator = "105"
	page, err = store.List(ctx, f)
	if err != nil {
		t.Fatalf("missed filter: %v", err)
	}
	if len(page.Calls) != 1 || page.Calls[0].CorrelationID != "301.1" {
		t.Fatalf("expected only interaction 301 as missed, got %+v", page.Calls)
	}

	f = dayFilter()
	f.Type = CallTypeOutgoing
	f.Operator = "105"
	page, err = store.List(ctx, f)
	if err != nil {
		t.Fatalf("outgoing filter: %v", err)
	}
	if len(page.Calls) != 1 || page.Calls[0].ID != "302.1" {
		t.Fatalf("expected only interaction 302 as outgoing, got %+v", page.Calls)
	}
	if !page.Calls[0].IsOutgoing {
		t.Error("expected isOutgoing on the internal-context call")
	}
}

func TestListOperatorFilterAnyDisposition(t *testing.T) {
	store, db := newTestStore(t)

	insertLeg(t, db, types.RawDetailRecord{
		UniqueID: "400.1", LinkedID: "400.1", StartTime: day.Add(10 * time.Hour),
		Context: "ext-agents", DstChannel: "SIP/105-0001", Disposition: "NO ANSWER",
	})
	insertLeg(t, db, types.RawDetailRecord{
		UniqueID: "401.1", LinkedID: "401.1", StartTime: day.Add(11 * time.Hour),
		Context: "ext-agents", DstChannel: "SIP/220-0001", Disposition: "ANSWERED",
	})

	f := dayFilter()
	f.Operator = "105"
	page, err := store.List(context.Background(), f)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(page.Calls) != 1 || page.Calls[0].ID != "400.1" {
		t.Fatalf("expected only the interaction offered to 105, got %+v", page.Calls)
	}
}

func TestListOperatorFilterMatchesLiterally(t *testing.T) {
	store, db := newTestStore(t)

	insertLeg(t, db, types.RawDetailRecord{
		UniqueID: "405.1", LinkedID: "405.1", StartTime: day.Add(10 * time.Hour),
		Context: "ext-agents", DstChannel: "SIP/105-0001", Disposition: "ANSWERED",
	})
	insertLeg(t, db, types.RawDetailRecord{
		UniqueID: "406.1", LinkedID: "406.1", StartTime: day.Add(11 * time.Hour),
		Context: "ext-agents", DstChannel: "SIP/220-0001", Disposition: "ANSWERED",
	})

	// Wildcards in the filter value must not widen the match
	for _, operator := range []string{"%", "1%", "_05", "10_"} {
		f := dayFilter()
		f.Operator = operator
		page, err := store.List(context.Background(), f)
		if err != nil {
			t.Fatalf("operator %q: %v", operator, err)
		}
		if len(page.Calls) != 0 {
			t.Errorf("operator %q matched %d calls, want 0", operator, len(page.Calls))
		}
	}

	f := dayFilter()
	f.Operator = "105"
	page, err := store.List(context.Background(), f)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(page.Calls) != 1 || page.Calls[0].ID != "405.1" {
		t.Fatalf("expected exact operator match, got %+v", page.Calls)
	}
}

func TestListCallerFilter(t *testing.T) {
	store, db := newTestStore(t)

	insertLeg(t, db, types.RawDetailRecord{
		UniqueID: "410.1", LinkedID: "410.1", StartTime: day.Add(10 * time.Hour),
		Src: "79001234567", Context: "ext-agents", DstChannel: "SIP/105-0001", Disposition: "ANSWERED",
	})
	insertLeg(t, db, types.RawDetailRecord{
		UniqueID: "411.1", LinkedID: "411.1", StartTime: day.Add(11 * time.Hour),
		Src: "79007654321", Context: "ext-agents", DstChannel: "SIP/105-0001", Disposition: "ANSWERED",
	})

	f := dayFilter()
	f.Caller = "79001234567"
	page, err := store.List(context.Background(), f)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(page.Calls) != 1 || page.Calls[0].ID != "410.1" {
		t.Fatalf("expected only the first caller's interaction, got %+v", page.Calls)
	}
}

func TestResolveByLegAndCorrelationID(t *testing.T) {
	store, db := newTestStore(t)

	insertLeg(t, db, types.RawDetailRecord{
		UniqueID: "500.1", LinkedID: "500.1", StartTime: day.Add(10 * time.Hour),
		Context: "from-queue", Dst: "305", Disposition: "ANSWERED",
	})
	insertLeg(t, db, types.RawDetailRecord{
		UniqueID: "500.2", LinkedID: "500.1", StartTime: day.Add(10*time.Hour + 8*time.Second),
		Context: "ext-agents", DstChannel: "SIP/105-0001", Disposition: "ANSWERED",
	})

	ctx := context.Background()

	// By leg id of the queue leg
	call, err := store.Resolve(ctx, "500.1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if call.ID != "500.2" {
		t.Errorf("expected representative 500.2, got %s", call.ID)
	}

	// By the agent leg's own id
	call, err = store.Resolve(ctx, "500.2")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if call.ID != "500.2" {
		t.Errorf("expected representative 500.2, got %s", call.ID)
	}
}

func TestResolvePrefixFallback(t *testing.T) {
	store, db := newTestStore(t)

	insertLeg(t, db, types.RawDetailRecord{
		UniqueID: "1699999999.7", LinkedID: "1699999999.7", StartTime: day.Add(10 * time.Hour),
		Context: "ext-agents", Disposition: "ANSWERED",
	})

	// A retried dial attempt shares the base but has a suffix the store
	// never saw; the base prefix resolves to the stored record.
	call, err := store.Resolve(context.Background(), "1699999999.42")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if call.ID != "1699999999.7" {
		t.Errorf("expected prefix match 1699999999.7, got %s", call.ID)
	}
}

func TestResolveNotFound(t *testing.T) {
	store, _ := newTestStore(t)

	_, err := store.Resolve(context.Background(), "does-not-exist")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestAttachRecordingFromSibling(t *testing.T) {
	store, db := newTestStore(t)

	// Queue leg carries the recording, agent leg does not
	insertLeg(t, db, types.RawDetailRecord{
		UniqueID: "600.1", LinkedID: "600.1", StartTime: day.Add(10 * time.Hour),
		Context: "from-queue", Dst: "305", Disposition: "ANSWERED",
		RecordingFile: "q305-600.wav",
	})
	insertLeg(t, db, types.RawDetailRecord{
		UniqueID: "600.2", LinkedID: "600.1", StartTime: day.Add(10*time.Hour + 5*time.Second),
		Context: "ext-agents", DstChannel: "SIP/105-0001", Disposition: "ANSWERED",
	})

	ctx := context.Background()
	call, err := store.Resolve(ctx, "600.1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if call.RecordingID != "" {
		t.Fatalf("representative unexpectedly has a recording: %s", call.RecordingID)
	}

	if err := store.AttachRecording(ctx, call); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if call.RecordingID != "q305-600" {
		t.Errorf("expected sibling recording q305-600, got %s", call.RecordingID)
	}
}

func TestAttachRecordingNoneAnywhere(t *testing.T) {
	store, db := newTestStore(t)

	insertLeg(t, db, types.RawDetailRecord{
		UniqueID: "700.1", LinkedID: "700.1", StartTime: day.Add(10 * time.Hour),
		Context: "ext-agents", Disposition: "ANSWERED",
	})

	ctx := context.Background()
	call, err := store.Resolve(ctx, "700.1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := store.AttachRecording(ctx, call); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if call.RecordingID != "" {
		t.Errorf("expected no recording, got %s", call.RecordingID)
	}
}

func TestDayRange(t *testing.T) {
	from, to := DayRange(
		time.Date(2023, 11, 14, 15, 4, 5, 0, time.UTC),
		time.Date(2023, 11, 15, 0, 0, 0, 0, time.UTC),
	)
	if from.Hour() != 0 || from.Minute() != 0 || from.Second() != 0 {
		t.Errorf("expected range start at midnight, got %v", from)
	}
	if to.Hour() != 23 || to.Minute() != 59 || to.Second() != 59 {
		t.Errorf("expected range end at end of day, got %v", to)
	}
	if !from.Before(to) {
		t.Errorf("expected from %v before to %v", from, to)
	}
}
