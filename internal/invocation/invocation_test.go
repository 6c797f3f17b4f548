package invocation

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"testing"
	"time"

	"faasrt/internal/common/cache"
	"faasrt/internal/common/db"
	"faasrt/internal/common/mq"
	"faasrt/internal/runtime/engine"
	appErr "faasrt/pkg/errors"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newStatusCache(t *testing.T) (*StatusCache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	c, err := cache.NewRedisCacheWithClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	if err != nil {
		t.Fatalf("new cache: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return NewStatusCache(c, time.Minute, 3), mr
}

func sampleEvent(id, module string) engine.Event {
	accepted := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	return engine.Event{
		Type:        engine.EventCompleted,
		RequestID:   id,
		Module:      module,
		WorkerID:    1,
		Outcome:     "ok",
		Accepted:    accepted,
		Deadline:    accepted.Add(50 * time.Millisecond),
		Finished:    accepted.Add(2 * time.Millisecond),
		RunUS:       1500,
		TotalUS:     2000,
		DeadlineMet: true,
		Received:    40,
		Sent:        12,
	}
}

func TestFromEventOverrun(t *testing.T) {
	ev := sampleEvent("r1", "echo")
	ev.Finished = ev.Deadline.Add(3 * time.Millisecond)
	ev.DeadlineMet = false
	rec := FromEvent(ev)
	if rec.OverrunUS != 3000 || rec.Type != "completed" || rec.AcceptedAt != ev.Accepted {
		t.Fatalf("unexpected record %+v", rec)
	}
	if FromEvent(sampleEvent("r2", "echo")).OverrunUS != 0 {
		t.Fatalf("a met deadline has no overrun")
	}
}

func TestStatusCacheSaveAndRecent(t *testing.T) {
	sc, mr := newStatusCache(t)
	ctx := context.Background()

	for i := 1; i <= 4; i++ {
		if err := sc.Handle(ctx, sampleEvent(fmt.Sprintf("r%d", i), "echo")); err != nil {
			t.Fatalf("handle: %v", err)
		}
	}
	rec, err := sc.Get(ctx, "r2")
	if err != nil || rec.Module != "echo" || rec.Sent != 12 {
		t.Fatalf("get: %+v, %v", rec, err)
	}
	recent, err := sc.Recent(ctx, "echo", 0)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(recent) != 3 || recent[0].RequestID != "r4" || recent[2].RequestID != "r2" {
		t.Fatalf("unexpected recent list %+v", recent)
	}

	mr.Del(recordKey("r3"))
	recent, _ = sc.Recent(ctx, "echo", 2)
	if len(recent) != 1 || recent[0].RequestID != "r4" {
		t.Fatalf("expired records should be skipped, got %+v", recent)
	}

	if _, err := sc.Get(ctx, "missing"); appErr.GetCode(err) != appErr.NotFound {
		t.Fatalf("expected not found, got %v", err)
	}
	if err := sc.Save(ctx, Record{}); appErr.GetCode(err) != appErr.ValidationFailed {
		t.Fatalf("expected validation error, got %v", err)
	}
	mr.FastForward(2 * time.Minute)
	if _, err := sc.Get(ctx, "r4"); appErr.GetCode(err) != appErr.NotFound {
		t.Fatalf("record should expire, got %v", err)
	}
}

type fakeRow struct {
	vals []interface{}
	err  error
}

func (r fakeRow) Scan(dest ...interface{}) error {
	if r.err != nil {
		return r.err
	}
	if len(dest) != len(r.vals) {
		return fmt.Errorf("scan: %d columns, %d destinations", len(r.vals), len(dest))
	}
	for i, d := range dest {
		reflect.ValueOf(d).Elem().Set(reflect.ValueOf(r.vals[i]))
	}
	return nil
}

type fakeRows struct {
	rows []fakeRow
	pos  int
}

func (r *fakeRows) Next() bool {
	r.pos++
	return r.pos <= len(r.rows)
}
func (r *fakeRows) Scan(dest ...interface{}) error { return r.rows[r.pos-1].Scan(dest...) }
func (r *fakeRows) Close() error                   { return nil }
func (r *fakeRows) Err() error                     { return nil }

type fakeResult struct{}

func (fakeResult) LastInsertId() (int64, error) { return 0, nil }
func (fakeResult) RowsAffected() (int64, error) { return 1, nil }

// memDB keeps saved rows keyed by request id.
type memDB struct {
	rows    map[string][]interface{}
	order   []string
	queries []string
	execErr error
}

func newMemDB() *memDB { return &memDB{rows: make(map[string][]interface{})} }

func (m *memDB) Exec(_ context.Context, query string, args ...interface{}) (db.Result, error) {
	m.queries = append(m.queries, query)
	if m.execErr != nil {
		return nil, m.execErr
	}
	if strings.Contains(query, "INSERT INTO invocations") {
		vals := make([]interface{}, len(args))
		copy(vals, args)
		id := args[0].(string)
		if _, ok := m.rows[id]; !ok {
			m.order = append(m.order, id)
		}
		m.rows[id] = vals
	}
	return fakeResult{}, nil
}

func (m *memDB) QueryRow(_ context.Context, query string, args ...interface{}) db.Row {
	m.queries = append(m.queries, query)
	vals, ok := m.rows[args[0].(string)]
	if !ok {
		return fakeRow{err: sql.ErrNoRows}
	}
	return fakeRow{vals: vals}
}

func (m *memDB) Query(_ context.Context, query string, args ...interface{}) (db.Rows, error) {
	m.queries = append(m.queries, query)
	module, limit := args[0].(string), args[1].(int)
	out := &fakeRows{}
	for i := len(m.order) - 1; i >= 0 && len(out.rows) < limit; i-- {
		vals := m.rows[m.order[i]]
		if vals[2] == module {
			out.rows = append(out.rows, fakeRow{vals: vals})
		}
	}
	return out, nil
}

func (m *memDB) Transaction(context.Context, func(tx db.Transaction) error) error {
	return errors.New("not supported")
}
func (m *memDB) Ping(context.Context) error { return nil }
func (m *memDB) Close() error               { return nil }

func TestMySQLRepository(t *testing.T) {
	mdb := newMemDB()
	repo := NewMySQLRepository(mdb)
	ctx := context.Background()

	if err := repo.EnsureSchema(ctx); err != nil || !strings.Contains(mdb.queries[0], "CREATE TABLE IF NOT EXISTS invocations") {
		t.Fatalf("ensure schema: %v", err)
	}
	for _, id := range []string{"a", "b", "c"} {
		if err := repo.Handle(ctx, sampleEvent(id, "echo")); err != nil {
			t.Fatalf("save %s: %v", id, err)
		}
	}
	rejected := sampleEvent("d", "hello")
	rejected.Type = engine.EventRejected
	rejected.Deadline = time.Time{}
	rejected.Error = strings.Repeat("x", 600)
	if err := repo.Handle(ctx, rejected); err != nil {
		t.Fatalf("save rejected: %v", err)
	}

	got, found, err := repo.Get(ctx, "b")
	if err != nil || !found {
		t.Fatalf("get: %v %v", found, err)
	}
	if got.Module != "echo" || got.RunUS != 1500 || got.Deadline.IsZero() {
		t.Fatalf("unexpected record %+v", got)
	}
	got, _, _ = repo.Get(ctx, "d")
	if !got.Deadline.IsZero() || len(got.Error) != maxErrorLen {
		t.Fatalf("unexpected rejected record %+v", got)
	}
	if _, found, err := repo.Get(ctx, "zz"); found || err != nil {
		t.Fatalf("missing record: %v %v", found, err)
	}

	list, err := repo.ListByModule(ctx, "echo", 2)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 2 || list[0].RequestID != "c" || list[1].RequestID != "b" {
		t.Fatalf("unexpected list %+v", list)
	}

	mdb.execErr = errors.New("connection refused")
	if err := repo.Save(ctx, FromEvent(sampleEvent("e", "echo"))); appErr.GetCode(err) != appErr.DatabaseError {
		t.Fatalf("expected database error, got %v", err)
	}
}

type fakeProducer struct {
	topic    string
	messages []*mq.Message
	err      error
	closed   bool
}

func (p *fakeProducer) Publish(_ context.Context, topic string, m *mq.Message) error {
	if p.err != nil {
		return p.err
	}
	p.topic = topic
	p.messages = append(p.messages, m)
	return nil
}

func (p *fakeProducer) PublishBatch(ctx context.Context, topic string, ms []*mq.Message) error {
	for _, m := range ms {
		if err := p.Publish(ctx, topic, m); err != nil {
			return err
		}
	}
	return nil
}

func (p *fakeProducer) Ping(context.Context) error { return nil }
func (p *fakeProducer) Close() error {
	p.closed = true
	return nil
}

func TestPublisher(t *testing.T) {
	prod := &fakeProducer{}
	pub := NewPublisher(prod, "faas.invocations")
	if err := pub.Handle(context.Background(), sampleEvent("r1", "echo")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if prod.topic != "faas.invocations" || len(prod.messages) != 1 {
		t.Fatalf("unexpected publish %+v", prod)
	}
	m := prod.messages[0]
	if m.ID != "echo" {
		t.Fatalf("messages should be keyed by module, got %q", m.ID)
	}
	if id, _ := m.GetHeader("request_id"); id != "r1" {
		t.Fatalf("missing request id header")
	}
	var ev engine.Event
	if err := json.Unmarshal(m.Body, &ev); err != nil || ev.RequestID != "r1" || ev.Sent != 12 {
		t.Fatalf("unexpected body %s: %v", m.Body, err)
	}

	prod.err = errors.New("broker down")
	if err := pub.Handle(context.Background(), sampleEvent("r2", "echo")); appErr.GetCode(err) != appErr.EventPublishFailed {
		t.Fatalf("expected publish failure, got %v", err)
	}
	if err := NewPublisher(prod, "").Publish(context.Background(), sampleEvent("r3", "echo")); appErr.GetCode(err) != appErr.InvalidParams {
		t.Fatalf("expected missing topic error, got %v", err)
	}
	pub.Close()
	if !prod.closed {
		t.Fatalf("producer not closed")
	}
}

func TestServiceGetFallsBackToRepository(t *testing.T) {
	sc, _ := newStatusCache(t)
	mdb := newMemDB()
	repo := NewMySQLRepository(mdb)
	svc := NewService(sc, repo)
	ctx := context.Background()

	if err := repo.Save(ctx, FromEvent(sampleEvent("old", "echo"))); err != nil {
		t.Fatalf("save: %v", err)
	}
	rec, err := svc.Get(ctx, "old")
	if err != nil || rec.RequestID != "old" {
		t.Fatalf("get: %+v, %v", rec, err)
	}
	if cached, err := sc.Get(ctx, "old"); err != nil || cached.RequestID != "old" {
		t.Fatalf("repository hit should be cached: %v", err)
	}

	if _, err := svc.Get(ctx, "nope"); appErr.GetCode(err) != appErr.NotFound {
		t.Fatalf("expected not found, got %v", err)
	}
	lookups := len(mdb.queries)
	svc.Get(ctx, "nope")
	if len(mdb.queries) != lookups {
		t.Fatalf("a cached miss should not query the repository")
	}
}

func TestServiceRecent(t *testing.T) {
	sc, _ := newStatusCache(t)
	repo := NewMySQLRepository(newMemDB())
	svc := NewService(sc, repo)
	ctx := context.Background()

	for _, id := range []string{"a", "b"} {
		repo.Save(ctx, FromEvent(sampleEvent(id, "echo")))
	}
	recs, err := svc.Recent(ctx, "echo", 10)
	if err != nil || len(recs) != 2 || recs[0].RequestID != "b" {
		t.Fatalf("repository fallback: %+v, %v", recs, err)
	}

	sc.Handle(ctx, sampleEvent("c", "echo"))
	recs, err = svc.Recent(ctx, "echo", 10)
	if err != nil || len(recs) != 1 || recs[0].RequestID != "c" {
		t.Fatalf("cache should answer first: %+v, %v", recs, err)
	}

	if _, err := NewService(nil, nil).Recent(ctx, "echo", 1); appErr.GetCode(err) != appErr.ServiceUnavailable {
		t.Fatalf("expected unavailable, got %v", err)
	}
	if recs, err := NewService(nil, repo).Recent(ctx, "none", 1); err != nil || recs == nil || len(recs) != 0 {
		t.Fatalf("empty list expected, got %+v, %v", recs, err)
	}
}
