// Package testsupport provides an in-memory stand-in for the MySQL
// repositories. It mirrors their conditional-update semantics exactly; tests
// exercise the same guards the production queries rely on.
package testsupport

import (
	"context"
	"sync"
	"time"

	"github.com/mirelle/photoset/internal/models"
	"github.com/mirelle/photoset/internal/queue"
)

type Store struct {
	mu sync.Mutex

	accounts  map[int64]*models.Account
	packs     map[int64]*models.Pack
	sessions  map[int64]*models.Session
	takes     map[int64]*models.Take
	favorites map[int64]*models.Favorite
	compLog   map[int64]*models.CompensationLogEntry // keyed by favorite id
	referrals map[int64]*models.ReferralBonus
	payments  map[int64]*models.Payment

	nextID int64
}

func NewStore() *Store {
	return &Store{
		accounts:  make(map[int64]*models.Account),
		packs:     make(map[int64]*models.Pack),
		sessions:  make(map[int64]*models.Session),
		takes:     make(map[int64]*models.Take),
		favorites: make(map[int64]*models.Favorite),
		compLog:   make(map[int64]*models.CompensationLogEntry),
		referrals: make(map[int64]*models.ReferralBonus),
		payments:  make(map[int64]*models.Payment),
	}
}

func (s *Store) id() int64 {
	s.nextID++
	return s.nextID
}

// Seed helpers. Each assigns an id when the entity has none and returns it.

func (s *Store) AddAccount(a *models.Account) *models.Account {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a.ID == 0 {
		a.ID = s.id()
	}
	s.accounts[a.ID] = a
	return a
}

func (s *Store) AddPack(p *models.Pack) *models.Pack {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.ID == 0 {
		p.ID = s.id()
	}
	s.packs[p.ID] = p
	return p
}

func (s *Store) AddSession(sess *models.Session) *models.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess.ID == 0 {
		sess.ID = s.id()
	}
	s.sessions[sess.ID] = sess
	return sess
}

func (s *Store) AddTake(t *models.Take) *models.Take {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.ID == 0 {
		t.ID = s.id()
	}
	s.takes[t.ID] = t
	return t
}

func (s *Store) AddFavorite(f *models.Favorite) *models.Favorite {
	s.mu.Lock()
	defer s.mu.Unlock()
	if f.ID == 0 {
		f.ID = s.id()
	}
	if f.HDStatus == "" {
		f.HDStatus = models.HDNone
	}
	s.favorites[f.ID] = f
	return f
}

// Raw accessors for assertions.

func (s *Store) Account(id int64) *models.Account {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accounts[id]
}

func (s *Store) Session(id int64) *models.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessions[id]
}

func (s *Store) Take(id int64) *models.Take {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.takes[id]
}

func (s *Store) Favorite(id int64) *models.Favorite {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.favorites[id]
}

func (s *Store) Bonus(id int64) *models.ReferralBonus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.referrals[id]
}

func (s *Store) CompensationCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.compLog)
}

// AccountStore

func (s *Store) FindByID(ctx context.Context, id int64) (*models.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[id]
	if !ok {
		return nil, nil
	}
	cp := *a
	return &cp, nil
}

func (s *Store) FindByTelegramID(ctx context.Context, telegramID int64) (*models.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.accounts {
		if a.TelegramID == telegramID {
			cp := *a
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *Store) Ensure(ctx context.Context, telegramID int64, username string, referrerID *int64) (*models.Account, bool, error) {
	if existing, _ := s.FindByTelegramID(ctx, telegramID); existing != nil {
		return existing, false, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	a := &models.Account{ID: s.id(), TelegramID: telegramID, Username: username, ReferrerID: referrerID}
	s.accounts[a.ID] = a
	cp := *a
	return &cp, true, nil
}

func (s *Store) ConsumeFreeTake(ctx context.Context, accountID int64, limit int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[accountID]
	if !ok || a.FreeTakesUsed >= limit {
		return false, nil
	}
	a.FreeTakesUsed++
	return true, nil
}

func (s *Store) ConsumeCopyTake(ctx context.Context, accountID int64, limit int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[accountID]
	if !ok || a.CopyTakesUsed >= limit {
		return false, nil
	}
	a.CopyTakesUsed++
	return true, nil
}

// PackStore

func (s *Store) GetByID(ctx context.Context, id int64) (*models.Pack, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.packs[id]
	if !ok {
		return nil, nil
	}
	cp := *p
	return &cp, nil
}

func (s *Store) List(ctx context.Context) ([]models.Pack, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Pack
	for _, p := range s.packs {
		out = append(out, *p)
	}
	return out, nil
}

// Sessions wraps the store with the SessionStore method set; the method names
// collide with PackStore's, so each aggregate gets its own view type.
type Sessions struct{ *Store }
type Takes struct{ *Store }
type Favorites struct{ *Store }
type Packs struct{ *Store }
type Referrals struct{ *Store }
type Payments struct{ *Store }

func (s *Store) SessionStore() Sessions   { return Sessions{s} }
func (s *Store) TakeStore() Takes         { return Takes{s} }
func (s *Store) FavoriteStore() Favorites { return Favorites{s} }
func (s *Store) PackStore() Packs         { return Packs{s} }
func (s *Store) ReferralStore() Referrals { return Referrals{s} }
func (s *Store) PaymentStore() Payments   { return Payments{s} }

func (v Packs) GetByID(ctx context.Context, id int64) (*models.Pack, error) {
	return v.Store.GetByID(ctx, id)
}

func (v Packs) List(ctx context.Context) ([]models.Pack, error) {
	return v.Store.List(ctx)
}

// SessionStore

func (v Sessions) Create(ctx context.Context, sess *models.Session) (*models.Session, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	sess.ID = v.Store.id()
	if sess.Status == "" {
		sess.Status = models.SessionActive
	}
	sess.CreatedAt = time.Now().UTC()
	sess.UpdatedAt = sess.CreatedAt
	v.sessions[sess.ID] = sess
	cp := *sess
	return &cp, nil
}

func (v Sessions) GetByID(ctx context.Context, id int64) (*models.Session, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	sess, ok := v.sessions[id]
	if !ok {
		return nil, nil
	}
	cp := *sess
	return &cp, nil
}

func (v Sessions) AdvanceStep(ctx context.Context, id int64, fromStep int) (bool, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	sess, ok := v.sessions[id]
	if !ok || sess.Status != models.SessionActive || sess.CurrentStep != fromStep {
		return false, nil
	}
	sess.CurrentStep++
	return true, nil
}

func (v Sessions) Complete(ctx context.Context, id int64) (bool, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	sess, ok := v.sessions[id]
	if !ok || sess.Status != models.SessionActive {
		return false, nil
	}
	sess.Status = models.SessionCompleted
	return true, nil
}

func (v Sessions) AbandonIdleBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	var count int64
	for _, sess := range v.sessions {
		if sess.Status == models.SessionActive && sess.UpdatedAt.Before(cutoff) {
			sess.Status = models.SessionAbandoned
			count++
		}
	}
	return count, nil
}

// TakeStore

func (v Takes) Create(ctx context.Context, take *models.Take) (*models.Take, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	take.ID = v.Store.id()
	take.Status = models.TakeGenerating
	take.CreatedAt = time.Now().UTC()
	take.UpdatedAt = take.CreatedAt
	v.takes[take.ID] = take
	cp := *take
	return &cp, nil
}

func (v Takes) GetByID(ctx context.Context, id int64) (*models.Take, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	t, ok := v.takes[id]
	if !ok {
		return nil, nil
	}
	cp := *t
	return &cp, nil
}

func (v Takes) ListBySession(ctx context.Context, sessionID int64) ([]models.Take, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	var out []models.Take
	for _, t := range v.takes {
		if t.SessionID != nil && *t.SessionID == sessionID {
			out = append(out, *t)
		}
	}
	return out, nil
}

// MarkReady flips the take and counts it against the session quota in one
// step, matching the repository transaction.
func (v Takes) MarkReady(ctx context.Context, id int64, variants []models.Variant) (applied, counted bool, err error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	t, ok := v.takes[id]
	if !ok || t.Status != models.TakeGenerating {
		return false, false, nil
	}
	t.Status = models.TakeReady
	t.Variants = variants
	if t.SessionID != nil {
		if sess, ok := v.sessions[*t.SessionID]; ok && sess.TakesUsed < sess.TakesLimit {
			sess.TakesUsed++
			counted = true
		}
	}
	return true, counted, nil
}

func (v Takes) MarkFailed(ctx context.Context, id int64, reason string) (bool, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	t, ok := v.takes[id]
	if !ok || t.Status != models.TakeGenerating {
		return false, nil
	}
	t.Status = models.TakeFailed
	t.FailReason = reason
	return true, nil
}

func (v Takes) SetFunding(ctx context.Context, id int64, costType models.CostType, reservedCredit int) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if t, ok := v.takes[id]; ok {
		t.CostType = costType
		t.ReservedCredit = reservedCredit
	}
	return nil
}

func (v Takes) SetUnlocked(ctx context.Context, id int64) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if t, ok := v.takes[id]; ok {
		t.Unlocked = true
	}
	return nil
}

// FavoriteStore

func (v Favorites) Create(ctx context.Context, fav *models.Favorite) (*models.Favorite, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	for _, existing := range v.favorites {
		if existing.TakeID == fav.TakeID && existing.VariantIndex == fav.VariantIndex {
			cp := *existing
			return &cp, nil
		}
	}
	fav.ID = v.Store.id()
	fav.HDStatus = models.HDNone
	fav.CreatedAt = time.Now().UTC()
	fav.UpdatedAt = fav.CreatedAt
	v.favorites[fav.ID] = fav
	cp := *fav
	return &cp, nil
}

func (v Favorites) GetByID(ctx context.Context, id int64) (*models.Favorite, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	f, ok := v.favorites[id]
	if !ok {
		return nil, nil
	}
	cp := *f
	return &cp, nil
}

func (v Favorites) CountForSession(ctx context.Context, sessionID int64) (int, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	count := 0
	for _, f := range v.favorites {
		if f.SessionID == sessionID {
			count++
		}
	}
	return count, nil
}

func (v Favorites) ListSelectedForHD(ctx context.Context, sessionID int64) ([]models.Favorite, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	var out []models.Favorite
	for _, f := range v.favorites {
		if f.SessionID == sessionID && f.SelectedForHD {
			out = append(out, *f)
		}
	}
	return out, nil
}

func (v Favorites) SetSelectedForHD(ctx context.Context, id int64, selected bool) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if f, ok := v.favorites[id]; ok && f.HDStatus == models.HDNone {
		f.SelectedForHD = selected
	}
	return nil
}

func (v Favorites) MarkHDPending(ctx context.Context, id int64) (bool, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	f, ok := v.favorites[id]
	if !ok || !f.SelectedForHD || f.HDStatus != models.HDNone {
		return false, nil
	}
	f.HDStatus = models.HDPending
	f.UpdatedAt = time.Now().UTC()
	return true, nil
}

// MarkHDDelivered refuses compensated favorites and counts the delivery
// against the session hd quota in one step, matching the repository
// transaction.
func (v Favorites) MarkHDDelivered(ctx context.Context, id int64, hdPath string) (applied, counted bool, err error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	f, ok := v.favorites[id]
	if !ok || f.HDStatus != models.HDPending || f.CompensatedAt != nil {
		return false, false, nil
	}
	f.HDStatus = models.HDDelivered
	f.HDPath = &hdPath
	f.UpdatedAt = time.Now().UTC()
	if sess, ok := v.sessions[f.SessionID]; ok && sess.HDUsed < sess.HDLimit {
		sess.HDUsed++
		counted = true
	}
	return true, counted, nil
}

func (v Favorites) MarkHDFailed(ctx context.Context, id int64) (bool, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	f, ok := v.favorites[id]
	if !ok || f.HDStatus != models.HDPending {
		return false, nil
	}
	f.HDStatus = models.HDFailed
	f.UpdatedAt = time.Now().UTC()
	return true, nil
}

func (v Favorites) ListSLABreached(ctx context.Context, now time.Time) ([]models.Favorite, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	var out []models.Favorite
	for _, f := range v.favorites {
		if f.HDStatus != models.HDPending && f.HDStatus != models.HDFailed {
			continue
		}
		if f.CompensatedAt != nil {
			continue
		}
		sess := v.sessions[f.SessionID]
		if sess == nil {
			continue
		}
		pack := v.packs[sess.PackID]
		if pack == nil {
			continue
		}
		if f.UpdatedAt.Before(now.Add(-time.Duration(pack.HDSlaMinutes) * time.Minute)) {
			out = append(out, *f)
		}
	}
	return out, nil
}

func (v Favorites) SetCompensatedAt(ctx context.Context, id int64, at time.Time) (bool, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	f, ok := v.favorites[id]
	if !ok || f.CompensatedAt != nil {
		return false, nil
	}
	f.CompensatedAt = &at
	return true, nil
}

// CompensationStore

func (s *Store) Insert(ctx context.Context, entry *models.CompensationLogEntry) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.compLog[entry.FavoriteID]; exists {
		return false, nil
	}
	entry.ID = s.id()
	entry.CreatedAt = time.Now().UTC()
	s.compLog[entry.FavoriteID] = entry
	return true, nil
}

// ReferralStore

func (v Referrals) Create(ctx context.Context, bonus *models.ReferralBonus) (bool, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	for _, existing := range v.referrals {
		if existing.PaymentID == bonus.PaymentID {
			return false, nil
		}
	}
	bonus.ID = v.Store.id()
	bonus.CreatedAt = time.Now().UTC()
	v.referrals[bonus.ID] = bonus
	return true, nil
}

func (v Referrals) ListDue(ctx context.Context, now time.Time) ([]models.ReferralBonus, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	var out []models.ReferralBonus
	for _, b := range v.referrals {
		if b.Status == models.BonusPending && !b.AvailableAt.After(now) {
			out = append(out, *b)
		}
	}
	return out, nil
}

func (v Referrals) MarkAvailable(ctx context.Context, id int64) (bool, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	b, ok := v.referrals[id]
	if !ok || b.Status != models.BonusPending {
		return false, nil
	}
	b.Status = models.BonusAvailable
	return true, nil
}

func (v Referrals) Revoke(ctx context.Context, id int64) (bool, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	b, ok := v.referrals[id]
	if !ok || b.Status != models.BonusPending {
		return false, nil
	}
	b.Status = models.BonusRevoked
	return true, nil
}

func (v Referrals) CountCreatedSince(ctx context.Context, referrerID int64, since time.Time) (int, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	count := 0
	for _, b := range v.referrals {
		if b.ReferrerID != referrerID {
			continue
		}
		if b.Status != models.BonusPending && b.Status != models.BonusAvailable {
			continue
		}
		if !b.CreatedAt.Before(since) {
			count++
		}
	}
	return count, nil
}

// PaymentStore

func (v Payments) Create(ctx context.Context, p *models.Payment) (*models.Payment, bool, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	for _, existing := range v.payments {
		if existing.Provider == p.Provider && existing.ProviderCharge == p.ProviderCharge {
			cp := *existing
			return &cp, false, nil
		}
	}
	p.ID = v.Store.id()
	p.CreatedAt = time.Now().UTC()
	v.payments[p.ID] = p
	cp := *p
	return &cp, true, nil
}

func (v Payments) FindByProviderCharge(ctx context.Context, provider, chargeID string) (*models.Payment, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	for _, p := range v.payments {
		if p.Provider == provider && p.ProviderCharge == chargeID {
			cp := *p
			return &cp, nil
		}
	}
	return nil, nil
}

func (v Payments) SetSession(ctx context.Context, id, sessionID int64) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if p, ok := v.payments[id]; ok {
		p.SessionID = &sessionID
	}
	return nil
}

// QueueRecorder captures published tasks without delivering them.
type QueueRecorder struct {
	mu        sync.Mutex
	Published []queue.Task
}

func (q *QueueRecorder) Publish(ctx context.Context, task queue.Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.Published = append(q.Published, task)
	return nil
}

func (q *QueueRecorder) Consume(ctx context.Context, handler queue.Handler) error {
	<-ctx.Done()
	return ctx.Err()
}

func (q *QueueRecorder) Close() error { return nil }

func (q *QueueRecorder) Tasks() []queue.Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]queue.Task, len(q.Published))
	copy(out, q.Published)
	return out
}
