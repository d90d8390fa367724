package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/mirelle/photoset/internal/config"
	"github.com/mirelle/photoset/internal/ledger"
	"github.com/mirelle/photoset/internal/lumina"
	"github.com/mirelle/photoset/internal/models"
	"github.com/mirelle/photoset/internal/notify"
	"github.com/mirelle/photoset/internal/queue"
	"github.com/mirelle/photoset/internal/storage"
	"github.com/mirelle/photoset/internal/testsupport"
)

// fakeGenerator returns one scripted error per call until the script runs
// out, then succeeds.
type fakeGenerator struct {
	script []error
	calls  int
}

func (g *fakeGenerator) Generate(ctx context.Context, req lumina.Request) (*lumina.Result, error) {
	g.calls++
	if len(g.script) > 0 {
		err := g.script[0]
		g.script = g.script[1:]
		if err != nil {
			return nil, err
		}
	}
	return &lumina.Result{
		Preview:  []byte("preview"),
		Original: []byte("original"),
		Seed:     req.Seed,
		Mime:     "image/jpeg",
	}, nil
}

type fakeUploader struct {
	uploads []string
}

func (u *fakeUploader) UploadArtifact(ctx context.Context, sessionID, takeID int64, kind storage.ArtifactKind, data []byte, contentType string) (string, error) {
	path := fmt.Sprintf("%d/%d/%s/%d", sessionID, takeID, kind, len(u.uploads))
	u.uploads = append(u.uploads, path)
	return path, nil
}

type fakeCompensator struct {
	calls []int64
}

func (c *fakeCompensator) Compensate(ctx context.Context, fav *models.Favorite, reason models.CompensationReason) (bool, error) {
	c.calls = append(c.calls, fav.ID)
	return true, nil
}

type workerFixture struct {
	store    *testsupport.Store
	balances *ledger.MemoryStore
	gen      *fakeGenerator
	up       *fakeUploader
	comp     *fakeCompensator
	logs     *bytes.Buffer
	worker   *Worker
}

func newWorkerFixture() *workerFixture {
	cfg := config.Config{TaskMaxDeliver: 5, HDCreditCost: 1}
	logs := &bytes.Buffer{}
	log := slog.New(slog.NewTextHandler(logs, nil))
	store := testsupport.NewStore()
	balances := ledger.NewMemoryStore()
	l := ledger.New(balances, log, nil)
	gen := &fakeGenerator{}
	up := &fakeUploader{}
	comp := &fakeCompensator{}
	w := New(cfg, log, store, store.SessionStore(), store.TakeStore(), store.FavoriteStore(), l, gen, up, comp, notify.Noop{}, nil)
	return &workerFixture{store: store, balances: balances, gen: gen, up: up, comp: comp, logs: logs, worker: w}
}

func (f *workerFixture) seedTake(costType models.CostType, reserved int) *models.Take {
	account := f.store.AddAccount(&models.Account{TelegramID: 100})
	session := f.store.AddSession(&models.Session{
		AccountID: account.ID, PackID: 1, TakesLimit: 10, HDLimit: 5, Status: models.SessionActive,
	})
	return f.store.AddTake(&models.Take{
		SessionID:      &session.ID,
		AccountID:      account.ID,
		TemplateID:     "tmpl-a",
		Status:         models.TakeGenerating,
		CostType:       costType,
		ReservedCredit: reserved,
	})
}

func TestHandleTake(t *testing.T) {
	f := newWorkerFixture()
	take := f.seedTake(models.CostTypeCredit, 1)
	f.balances.SeedAccount(take.AccountID, 4, 0)
	ctx := context.Background()
	if err := f.worker.ledger.Hold(ctx, take.AccountID, ledger.TakeCorrelation(take.ID), 1); err != nil {
		t.Fatalf("hold: %v", err)
	}

	if err := f.worker.Handle(ctx, queue.Task{Kind: queue.KindTake, ID: take.ID}, 1); err != nil {
		t.Fatalf("handle: %v", err)
	}

	got := f.store.Take(take.ID)
	if got.Status != models.TakeReady {
		t.Fatalf("expected ready, got %s", got.Status)
	}
	if len(got.Variants) != variantsPerTake {
		t.Fatalf("expected %d variants, got %d", variantsPerTake, len(got.Variants))
	}
	if got.Variants[0].PreviewPath == "" || got.Variants[0].OriginalPath == "" {
		t.Fatalf("variant missing artifact paths: %+v", got.Variants[0])
	}
	if used := f.store.Session(*take.SessionID).TakesUsed; used != 1 {
		t.Fatalf("expected takes_used=1, got %d", used)
	}
	// The hold was captured: reservation gone, balance spent.
	paid, _, reserved := f.balances.Balances(take.AccountID)
	if paid != 3 || reserved != 0 {
		t.Fatalf("expected paid=3 reserved=0, got paid=%d reserved=%d", paid, reserved)
	}
}

func TestHandleTakeRedelivery(t *testing.T) {
	f := newWorkerFixture()
	take := f.seedTake(models.CostTypeFree, 0)
	ctx := context.Background()

	if err := f.worker.Handle(ctx, queue.Task{Kind: queue.KindTake, ID: take.ID}, 1); err != nil {
		t.Fatalf("first delivery: %v", err)
	}
	genCalls := f.gen.calls
	if err := f.worker.Handle(ctx, queue.Task{Kind: queue.KindTake, ID: take.ID}, 2); err != nil {
		t.Fatalf("redelivery: %v", err)
	}
	if f.gen.calls != genCalls {
		t.Fatal("redelivery of a finished take must not regenerate")
	}
	if used := f.store.Session(*take.SessionID).TakesUsed; used != 1 {
		t.Fatalf("expected takes_used=1 after redelivery, got %d", used)
	}
}

func TestHandleTakeRedeliveryResumesCapture(t *testing.T) {
	f := newWorkerFixture()
	take := f.seedTake(models.CostTypeCredit, 1)
	f.balances.SeedAccount(take.AccountID, 4, 0)
	ctx := context.Background()
	if err := f.worker.ledger.Hold(ctx, take.AccountID, ledger.TakeCorrelation(take.ID), 1); err != nil {
		t.Fatalf("hold: %v", err)
	}

	// The previous delivery died right after the ready flip: status and
	// quota moved, the capture never ran.
	stored := f.store.Take(take.ID)
	stored.Status = models.TakeReady
	stored.Variants = []models.Variant{{PreviewPath: "p", OriginalPath: "o", Seed: 1}}
	f.store.Session(*take.SessionID).TakesUsed = 1

	for attempt := 1; attempt <= 3; attempt++ {
		if err := f.worker.Handle(ctx, queue.Task{Kind: queue.KindTake, ID: take.ID}, attempt); err != nil {
			t.Fatalf("redelivery %d: %v", attempt, err)
		}
	}
	if f.gen.calls != 0 {
		t.Fatal("a finished take must not regenerate")
	}
	paid, _, reserved := f.balances.Balances(take.AccountID)
	if paid != 3 || reserved != 0 {
		t.Fatalf("expected paid=3 reserved=0, got paid=%d reserved=%d", paid, reserved)
	}
	if n := f.balances.EntryCount(take.AccountID, ledger.TakeCorrelation(take.ID), ledger.OpCapture); n != 1 {
		t.Fatalf("expected exactly one capture, got %d", n)
	}
	if used := f.store.Session(*take.SessionID).TakesUsed; used != 1 {
		t.Fatalf("expected takes_used=1, got %d", used)
	}
}

func TestHandleTakeRedeliveryResumesRelease(t *testing.T) {
	f := newWorkerFixture()
	take := f.seedTake(models.CostTypeCredit, 1)
	f.balances.SeedAccount(take.AccountID, 4, 0)
	ctx := context.Background()
	if err := f.worker.ledger.Hold(ctx, take.AccountID, ledger.TakeCorrelation(take.ID), 1); err != nil {
		t.Fatalf("hold: %v", err)
	}

	// The previous delivery died after the failed flip, before the refund.
	f.store.Take(take.ID).Status = models.TakeFailed

	for attempt := 1; attempt <= 2; attempt++ {
		if err := f.worker.Handle(ctx, queue.Task{Kind: queue.KindTake, ID: take.ID}, attempt); err != nil {
			t.Fatalf("redelivery %d: %v", attempt, err)
		}
	}
	paid, _, reserved := f.balances.Balances(take.AccountID)
	if paid != 4 || reserved != 0 {
		t.Fatalf("expected paid=4 reserved=0, got paid=%d reserved=%d", paid, reserved)
	}
	if n := f.balances.EntryCount(take.AccountID, ledger.TakeCorrelation(take.ID), ledger.OpRelease); n != 1 {
		t.Fatalf("expected exactly one release, got %d", n)
	}
}

func TestHandleTakeQuotaOverrunLogged(t *testing.T) {
	f := newWorkerFixture()
	take := f.seedTake(models.CostTypeFree, 0)
	f.store.Session(*take.SessionID).TakesUsed = 10

	if err := f.worker.Handle(context.Background(), queue.Task{Kind: queue.KindTake, ID: take.ID}, 1); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if got := f.store.Take(take.ID).Status; got != models.TakeReady {
		t.Fatalf("expected ready, got %s", got)
	}
	if used := f.store.Session(*take.SessionID).TakesUsed; used != 10 {
		t.Fatalf("quota must not overrun, got %d", used)
	}
	if !strings.Contains(f.logs.String(), "beyond session quota") {
		t.Fatal("expected the quota overrun to be logged")
	}
}

func TestHandleTakePermanentFailure(t *testing.T) {
	f := newWorkerFixture()
	take := f.seedTake(models.CostTypeCredit, 1)
	f.balances.SeedAccount(take.AccountID, 4, 0)
	ctx := context.Background()
	if err := f.worker.ledger.Hold(ctx, take.AccountID, ledger.TakeCorrelation(take.ID), 1); err != nil {
		t.Fatalf("hold: %v", err)
	}
	f.gen.script = []error{&lumina.Error{Code: "content_policy", Message: "rejected", Permanent: true}}

	if err := f.worker.Handle(ctx, queue.Task{Kind: queue.KindTake, ID: take.ID}, 1); err != nil {
		t.Fatalf("handle: %v", err)
	}
	got := f.store.Take(take.ID)
	if got.Status != models.TakeFailed {
		t.Fatalf("expected failed, got %s", got.Status)
	}
	// The reservation is back in the buyer's pool.
	paid, _, reserved := f.balances.Balances(take.AccountID)
	if paid != 4 || reserved != 0 {
		t.Fatalf("expected paid=4 reserved=0, got paid=%d reserved=%d", paid, reserved)
	}
	if used := f.store.Session(*take.SessionID).TakesUsed; used != 0 {
		t.Fatalf("a failed take must not consume quota, got %d", used)
	}
}

func TestHandleTakeTransientFailure(t *testing.T) {
	f := newWorkerFixture()
	take := f.seedTake(models.CostTypeFree, 0)
	f.gen.script = []error{errors.New("provider timeout")}
	ctx := context.Background()

	// A transient failure below the delivery cap asks for redelivery.
	err := f.worker.Handle(ctx, queue.Task{Kind: queue.KindTake, ID: take.ID}, 1)
	if err == nil || !strings.Contains(err.Error(), "provider timeout") {
		t.Fatalf("expected the transient error back, got %v", err)
	}
	if got := f.store.Take(take.ID).Status; got != models.TakeGenerating {
		t.Fatalf("take must stay generating for redelivery, got %s", got)
	}

	// At the delivery cap the same failure becomes terminal.
	f.gen.script = []error{errors.New("provider timeout")}
	if err := f.worker.Handle(ctx, queue.Task{Kind: queue.KindTake, ID: take.ID}, 5); err != nil {
		t.Fatalf("final delivery: %v", err)
	}
	if got := f.store.Take(take.ID).Status; got != models.TakeFailed {
		t.Fatalf("expected failed after attempts exhausted, got %s", got)
	}
}

func TestHandleTakePartialVariants(t *testing.T) {
	f := newWorkerFixture()
	take := f.seedTake(models.CostTypeFree, 0)
	// First variant succeeds, the second call fails permanently; the take
	// still ships with what it has.
	f.gen.script = []error{nil, &lumina.Error{Code: "content_policy", Message: "rejected", Permanent: true}}

	if err := f.worker.Handle(context.Background(), queue.Task{Kind: queue.KindTake, ID: take.ID}, 1); err != nil {
		t.Fatalf("handle: %v", err)
	}
	got := f.store.Take(take.ID)
	if got.Status != models.TakeReady {
		t.Fatalf("expected ready with partial variants, got %s", got.Status)
	}
	if len(got.Variants) != 1 {
		t.Fatalf("expected 1 variant, got %d", len(got.Variants))
	}
}

func (f *workerFixture) seedHDFavorite(t *testing.T) *models.Favorite {
	t.Helper()
	take := f.seedTake(models.CostTypeFree, 0)
	ts := f.store.Take(take.ID)
	ts.Status = models.TakeReady
	ts.Variants = []models.Variant{{PreviewPath: "p", OriginalPath: "o", Seed: 9}}
	fav := f.store.AddFavorite(&models.Favorite{
		SessionID:     *take.SessionID,
		TakeID:        take.ID,
		AccountID:     take.AccountID,
		SelectedForHD: true,
		HDStatus:      models.HDPending,
	})
	f.balances.SeedAccount(take.AccountID, 4, 0)
	if err := f.worker.ledger.Hold(context.Background(), take.AccountID, ledger.FavoriteCorrelation(fav.ID), 1); err != nil {
		t.Fatalf("hold: %v", err)
	}
	return fav
}

func TestHandleHD(t *testing.T) {
	f := newWorkerFixture()
	fav := f.seedHDFavorite(t)
	ctx := context.Background()

	if err := f.worker.Handle(ctx, queue.Task{Kind: queue.KindHD, ID: fav.ID}, 1); err != nil {
		t.Fatalf("handle: %v", err)
	}
	got := f.store.Favorite(fav.ID)
	if got.HDStatus != models.HDDelivered {
		t.Fatalf("expected delivered, got %s", got.HDStatus)
	}
	if got.HDPath == nil || *got.HDPath == "" {
		t.Fatal("expected an hd path")
	}
	paid, _, reserved := f.balances.Balances(fav.AccountID)
	if paid != 3 || reserved != 0 {
		t.Fatalf("expected the hold captured, got paid=%d reserved=%d", paid, reserved)
	}
	if used := f.store.Session(fav.SessionID).HDUsed; used != 1 {
		t.Fatalf("expected hd_used=1, got %d", used)
	}

	// Redelivery after the terminal transition is a pure no-op.
	genCalls := f.gen.calls
	if err := f.worker.Handle(ctx, queue.Task{Kind: queue.KindHD, ID: fav.ID}, 2); err != nil {
		t.Fatalf("redelivery: %v", err)
	}
	if f.gen.calls != genCalls {
		t.Fatal("redelivered hd task must not regenerate")
	}
	if used := f.store.Session(fav.SessionID).HDUsed; used != 1 {
		t.Fatalf("expected hd_used=1 after redelivery, got %d", used)
	}
}

func TestHandleHDCompensatedInFlight(t *testing.T) {
	f := newWorkerFixture()
	fav := f.seedHDFavorite(t)
	ctx := context.Background()

	// Compensation landed while the task sat in the queue: the favorite is
	// stamped and the hold is already back in the buyer's pool.
	now := time.Now().UTC()
	f.store.Favorite(fav.ID).CompensatedAt = &now
	if err := f.worker.ledger.Release(ctx, fav.AccountID, ledger.FavoriteCorrelation(fav.ID), 1); err != nil {
		t.Fatalf("release: %v", err)
	}

	if err := f.worker.Handle(ctx, queue.Task{Kind: queue.KindHD, ID: fav.ID}, 1); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if got := f.store.Favorite(fav.ID).HDStatus; got == models.HDDelivered {
		t.Fatal("a compensated favorite must not be delivered")
	}
	if n := f.balances.EntryCount(fav.AccountID, ledger.FavoriteCorrelation(fav.ID), ledger.OpCapture); n != 0 {
		t.Fatalf("expected no capture after compensation, got %d", n)
	}
	paid, _, reserved := f.balances.Balances(fav.AccountID)
	if paid != 4 || reserved != 0 {
		t.Fatalf("expected paid=4 reserved=0, got paid=%d reserved=%d", paid, reserved)
	}
	if used := f.store.Session(fav.SessionID).HDUsed; used != 0 {
		t.Fatalf("expected hd_used=0, got %d", used)
	}
}

func TestHandleHDRedeliveryResumesCapture(t *testing.T) {
	f := newWorkerFixture()
	fav := f.seedHDFavorite(t)
	ctx := context.Background()

	// Crash after the delivered flip, before the capture.
	hdPath := "sessions/1/hd"
	stored := f.store.Favorite(fav.ID)
	stored.HDStatus = models.HDDelivered
	stored.HDPath = &hdPath
	f.store.Session(fav.SessionID).HDUsed = 1

	for attempt := 1; attempt <= 2; attempt++ {
		if err := f.worker.Handle(ctx, queue.Task{Kind: queue.KindHD, ID: fav.ID}, attempt); err != nil {
			t.Fatalf("redelivery %d: %v", attempt, err)
		}
	}
	if f.gen.calls != 0 {
		t.Fatal("a delivered favorite must not regenerate")
	}
	paid, _, reserved := f.balances.Balances(fav.AccountID)
	if paid != 3 || reserved != 0 {
		t.Fatalf("expected the hold captured, got paid=%d reserved=%d", paid, reserved)
	}
	if n := f.balances.EntryCount(fav.AccountID, ledger.FavoriteCorrelation(fav.ID), ledger.OpCapture); n != 1 {
		t.Fatalf("expected exactly one capture, got %d", n)
	}
	if used := f.store.Session(fav.SessionID).HDUsed; used != 1 {
		t.Fatalf("expected hd_used=1, got %d", used)
	}
}

func TestHandleHDFailureCompensates(t *testing.T) {
	f := newWorkerFixture()
	fav := f.seedHDFavorite(t)
	f.gen.script = []error{&lumina.Error{Code: "render_failed", Message: "no output", Permanent: true}}

	if err := f.worker.Handle(context.Background(), queue.Task{Kind: queue.KindHD, ID: fav.ID}, 1); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if got := f.store.Favorite(fav.ID).HDStatus; got != models.HDFailed {
		t.Fatalf("expected failed, got %s", got)
	}
	// Failure routes into the make-good path instead of a bare release.
	if len(f.comp.calls) != 1 || f.comp.calls[0] != fav.ID {
		t.Fatalf("expected one compensation for favorite %d, got %v", fav.ID, f.comp.calls)
	}
}

func TestUnknownKindDropped(t *testing.T) {
	f := newWorkerFixture()
	if err := f.worker.Handle(context.Background(), queue.Task{Kind: "bogus", ID: 1}, 1); err != nil {
		t.Fatalf("unknown kind must ack, got %v", err)
	}
}
