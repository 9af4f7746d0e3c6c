package journal

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	xerrors "OpenGuardian/internal/errors"
	"OpenGuardian/internal/reactor"
	"OpenGuardian/internal/stream"

	"github.com/DATA-DOG/go-sqlmock"
)

const codeTestRefusal xerrors.Code = "JOURNAL_TEST_REFUSAL"

func init() {
	xerrors.Register(codeTestRefusal, xerrors.Attributes{Message: "refused", Severity: xerrors.SeverityInfo, Refusal: true})
}

func TestMemoryStoreListWithFilters(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	base := time.Now().Add(-2 * time.Minute)

	records := []*Record{
		{ID: "r1", Guardian: "auction", Channel: "collateral_auction_created", Subject: "1", Seq: 1},
		{ID: "r2", Guardian: "auction", Channel: "collateral_auction_created", Subject: "2", Seq: 2},
		{ID: "r3", Guardian: "auction", Channel: "collateral_auction_dealt", Subject: "1", Seq: 1},
	}
	for _, r := range records {
		if err := store.Create(ctx, r); err != nil {
			t.Fatalf("create %s: %v", r.ID, err)
		}
	}
	if err := store.Create(ctx, &Record{ID: "r1"}); !errors.Is(err, ErrRecordConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}

	if err := store.Complete(ctx, "r2", Outcome{Status: StatusSkipped, ErrorCode: "BID_NOT_COMPETITIVE", LastError: "last bid too high"}); err != nil {
		t.Fatalf("complete r2: %v", err)
	}
	if err := store.Complete(ctx, "r3", Outcome{Status: StatusSucceeded, Attempts: 1, TxHash: "0xswap"}); err != nil {
		t.Fatalf("complete r3: %v", err)
	}
	if err := store.Complete(ctx, "r1", Outcome{Status: StatusRunning}); err == nil {
		t.Fatal("expected non-terminal outcome to be rejected")
	}

	store.mu.Lock()
	store.records["r1"].UpdatedAt = base.Unix()
	store.records["r2"].UpdatedAt = base.Add(30 * time.Second).Unix()
	store.records["r3"].UpdatedAt = base.Add(60 * time.Second).Unix()
	store.mu.Unlock()

	all, err := store.List(ctx, ListOptions{})
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if len(all) != 3 || all[0].ID != "r3" {
		t.Fatalf("expected newest record first, got %+v", all)
	}

	skipped, err := store.List(ctx, NewListOptions(WithStatuses(StatusSkipped)))
	if err != nil {
		t.Fatalf("list skipped: %v", err)
	}
	if len(skipped) != 1 || skipped[0].ID != "r2" {
		t.Fatalf("unexpected skipped list %+v", skipped)
	}

	dealt, _ := store.List(ctx, NewListOptions(WithChannel("collateral_auction_dealt")))
	if len(dealt) != 1 || dealt[0].TxHash != "0xswap" {
		t.Fatalf("unexpected channel filter result %+v", dealt)
	}

	byQuery, _ := store.List(ctx, NewListOptions(WithQuery("competitive")))
	if len(byQuery) != 1 || byQuery[0].ID != "r2" {
		t.Fatalf("unexpected query result %+v", byQuery)
	}

	asc, _ := store.List(ctx, NewListOptions(WithSortOrder(SortByUpdatedAsc), WithLimit(1), WithOffset(1)))
	if len(asc) != 1 || asc[0].ID != "r2" {
		t.Fatalf("unexpected paged result %+v", asc)
	}

	stats, err := store.Stats(ctx, ListOptions{})
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Total != 3 || stats.Pending != 1 || stats.Skipped != 1 || stats.Succeeded != 1 {
		t.Fatalf("unexpected stats %+v", stats)
	}
	if stats.OldestUpdatedAt != base.Unix() {
		t.Fatalf("unexpected oldest %d", stats.OldestUpdatedAt)
	}
}

type job struct {
	id  string
	err error
	tx  string
}

func (j *job) Subject() string { return j.id }
func (j *job) TxHash() string  { return j.tx }

func TestRecorderWritesLifecycleOfEveryItem(t *testing.T) {
	store := NewMemoryStore()
	rec := NewRecorder(store, "auction")
	ctx := context.Background()

	jobs := []*job{
		{id: "1"},
		{id: "2", err: xerrors.New(codeTestRefusal, "last bid too high")},
		{id: "3", err: errors.New("rpc reset")},
	}
	src := stream.Start(ctx, func(_ context.Context, emit func(*job) bool) error {
		for _, j := range jobs {
			emit(j)
		}
		return nil
	})
	r := reactor.Attach(ctx, "collateral_auction_created", src, func(_ context.Context, j *job) error {
		if j.err == nil {
			j.tx = "0xbid" + j.id
		}
		return j.err
	}, reactor.WithObserver(rec), reactor.WithErrorSink(func(context.Context, reactor.Item, error) {}))
	if err := r.Wait(); err != nil {
		t.Fatalf("wait: %v", err)
	}

	records, err := store.List(ctx, NewListOptions(WithSortOrder(SortByUpdatedAsc)))
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("expected 3 records, got %d", len(records))
	}
	bySubject := map[string]*Record{}
	for _, r := range records {
		bySubject[r.Subject] = r
		if r.Guardian != "auction" || r.Channel != "collateral_auction_created" {
			t.Fatalf("unexpected record identity %+v", r)
		}
	}
	if got := bySubject["1"]; got.Status != StatusSucceeded || got.TxHash != "0xbid1" || got.Attempts != 1 {
		t.Fatalf("unexpected success record %+v", got)
	}
	if got := bySubject["2"]; got.Status != StatusSkipped || got.ErrorCode != string(codeTestRefusal) {
		t.Fatalf("unexpected refusal record %+v", got)
	}
	if got := bySubject["3"]; got.Status != StatusFailed || got.LastError == "" {
		t.Fatalf("unexpected failure record %+v", got)
	}
}

func TestMySQLStoreCreateAndGet(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	store := NewMySQLStoreWithDB(db)
	store.now = func() time.Time { return time.Unix(1700000000, 0) }
	ctx := context.Background()

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO reaction_journal")).
		WithArgs("r1", "auction", "collateral_auction_created", "7", uint64(3), "pending", 0, "", "", "", sqlmock.AnyArg(), int64(1700000000), int64(1700000000)).
		WillReturnResult(sqlmock.NewResult(1, 1))
	if err := store.Create(ctx, &Record{ID: "r1", Guardian: "auction", Channel: "collateral_auction_created", Subject: "7", Seq: 3}); err != nil {
		t.Fatalf("create: %v", err)
	}

	rows := sqlmock.NewRows([]string{"id", "guardian", "channel", "subject", "seq", "status", "attempts", "last_error", "error_code", "tx_hash", "detail", "created_at", "updated_at"}).
		AddRow("r1", "auction", "collateral_auction_created", "7", 3, "succeeded", 1, nil, "", "0xbid", `{"bid":"9.5"}`, 1700000000, 1700000010)
	mock.ExpectQuery(regexp.QuoteMeta("FROM reaction_journal WHERE id = ?")).WithArgs("r1").WillReturnRows(rows)
	got, err := store.Get(ctx, "r1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != StatusSucceeded || got.TxHash != "0xbid" || got.Detail["bid"] != "9.5" {
		t.Fatalf("unexpected record %+v", got)
	}

	mock.ExpectQuery(regexp.QuoteMeta("FROM reaction_journal WHERE id = ?")).WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	if _, err := store.Get(ctx, "missing"); !errors.Is(err, ErrRecordNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestMySQLStoreCompleteAndList(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	store := NewMySQLStoreWithDB(db)
	store.now = func() time.Time { return time.Unix(1700000100, 0) }
	ctx := context.Background()

	mock.ExpectExec(regexp.QuoteMeta("UPDATE reaction_journal SET status = ?, attempts = ?")).
		WithArgs("failed", 3, "rpc reset", "CHAIN_UNAVAILABLE", "", sqlmock.AnyArg(), int64(1700000100), "r1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	if err := store.Complete(ctx, "r1", Outcome{Status: StatusFailed, Attempts: 3, LastError: "rpc reset", ErrorCode: "CHAIN_UNAVAILABLE"}); err != nil {
		t.Fatalf("complete: %v", err)
	}

	mock.ExpectExec(regexp.QuoteMeta("UPDATE reaction_journal SET status = ?, attempts = ?")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	if err := store.Complete(ctx, "missing", Outcome{Status: StatusSucceeded}); !errors.Is(err, ErrRecordNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}

	mock.ExpectQuery(regexp.QuoteMeta("FROM reaction_journal WHERE status IN (?) AND channel = ? ORDER BY updated_at DESC")).
		WithArgs("failed", "collateral_auction_created", 20, 0).
		WillReturnRows(sqlmock.NewRows([]string{"id", "guardian", "channel", "subject", "seq", "status", "attempts", "last_error", "error_code", "tx_hash", "detail", "created_at", "updated_at"}).
			AddRow("r1", "auction", "collateral_auction_created", "7", 3, "failed", 3, "rpc reset", "CHAIN_UNAVAILABLE", "", nil, 1700000000, 1700000100))
	list, err := store.List(ctx, NewListOptions(WithStatuses(StatusFailed), WithChannel("collateral_auction_created")))
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 1 || list[0].ErrorCode != "CHAIN_UNAVAILABLE" {
		t.Fatalf("unexpected list %+v", list)
	}

	mock.ExpectQuery(regexp.QuoteMeta("FROM reaction_journal")).
		WithArgs("pending", "running", "succeeded", "skipped", "failed").
		WillReturnRows(sqlmock.NewRows([]string{"total", "pending", "running", "succeeded", "skipped", "failed", "oldest", "newest"}).
			AddRow(4, 1, 0, 1, 1, 1, 1700000000, 1700000100))
	stats, err := store.Stats(ctx, ListOptions{})
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Total != 4 || stats.Skipped != 1 || stats.NewestUpdatedAt != 1700000100 {
		t.Fatalf("unexpected stats %+v", stats)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestMigrateRunsEmbeddedStatements(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS reaction_journal")).WillReturnResult(sqlmock.NewResult(0, 0))
	if err := NewMySQLStoreWithDB(db).Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
