package models

import "time"

type SessionStatus string

const (
	SessionActive    SessionStatus = "active"
	SessionCompleted SessionStatus = "completed"
	SessionAbandoned SessionStatus = "abandoned"
)

type TakeStatus string

const (
	TakeGenerating TakeStatus = "generating"
	TakeReady      TakeStatus = "ready"
	TakeFailed     TakeStatus = "failed"
)

type HDStatus string

const (
	HDNone      HDStatus = "none"
	HDPending   HDStatus = "pending"
	HDDelivered HDStatus = "delivered"
	HDFailed    HDStatus = "failed"
)

// CostType records which quota funded a take.
type CostType string

const (
	CostTypeFree   CostType = "free"
	CostTypeCopy   CostType = "copy"
	CostTypeCredit CostType = "credit"
)

type BonusStatus string

const (
	BonusPending   BonusStatus = "pending"
	BonusAvailable BonusStatus = "available"
	BonusSpent     BonusStatus = "spent"
	BonusRevoked   BonusStatus = "revoked"
)

type CompensationReason string

const (
	ReasonSLABreach      CompensationReason = "sla_breach"
	ReasonDeliveryFailed CompensationReason = "delivery_failed"
	ReasonUserReport     CompensationReason = "user_report"
)

type Account struct {
	ID         int64
	TelegramID int64
	Username   string
	// ReferrerID points at the account whose invite brought this one in.
	ReferrerID     *int64
	PaidCredit     int
	PromoCredit    int
	ReservedCredit int
	// TokenBalance is the frozen legacy per-job pool; nothing spends it anymore.
	TokenBalance  int
	FreeTakesUsed int
	CopyTakesUsed int
	Suspended     bool
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// AvailableCredit is what a new hold can draw from.
func (a *Account) AvailableCredit() int {
	return a.PaidCredit + a.PromoCredit
}

// PlaylistStep is one generation template in a collection pack.
type PlaylistStep struct {
	TemplateID string `json:"template_id"`
	Title      string `json:"title,omitempty"`
}

type Pack struct {
	ID              int64
	Title           string
	Description     string
	Currency        string
	PriceMinorUnits int
	TakesLimit      int
	HDAmount        int
	IsTrial         bool
	IsCollection    bool
	Playlist        []PlaylistStep
	FavoritesCap    *int
	HDSlaMinutes    int
	IsActive        bool
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

type Session struct {
	ID            int64
	AccountID     int64
	PackID        int64
	TakesLimit    int
	TakesUsed     int
	HDLimit       int
	HDUsed        int
	Status        SessionStatus
	Playlist      []PlaylistStep
	CurrentStep   int
	InputPhotoRef *string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

func (s *Session) TakesRemaining() int { return s.TakesLimit - s.TakesUsed }
func (s *Session) HDRemaining() int    { return s.HDLimit - s.HDUsed }

// Variant is one generated result slot on a take.
type Variant struct {
	PreviewPath  string `json:"preview_path,omitempty"`
	OriginalPath string `json:"original_path,omitempty"`
	Seed         int64  `json:"seed,omitempty"`
}

type Take struct {
	ID         int64
	SessionID  *int64 // nil only for imported legacy standalone jobs
	AccountID  int64
	StepIndex  int
	TemplateID string
	Status     TakeStatus
	Variants   []Variant // at most three slots
	IsReroll   bool
	Unlocked   bool
	CostType   CostType
	// ReservedCredit is the amount held against this take, zero for quota-funded takes.
	ReservedCredit int
	FailReason     string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

type Favorite struct {
	ID            int64
	SessionID     int64
	TakeID        int64
	AccountID     int64
	VariantIndex  int
	SelectedForHD bool
	HDStatus      HDStatus
	HDPath        *string
	// CompensatedAt set means a refund was already issued for this favorite.
	CompensatedAt *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

type LedgerEntry struct {
	ID            int64
	AccountID     int64
	CorrelationID string
	Operation     string
	Amount        int
	// PromoPart is how much of Amount came from (or lands in) the promo pool.
	PromoPart int
	CreatedAt time.Time
}

type CompensationLogEntry struct {
	ID            int64
	AccountID     int64
	FavoriteID    int64
	Reason        CompensationReason
	Amount        int
	CorrelationID string
	CreatedAt     time.Time
}

type ReferralBonus struct {
	ID          int64
	ReferrerID  int64
	ReferredID  int64
	PaymentID   int64
	Amount      int
	Status      BonusStatus
	AvailableAt time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

type Payment struct {
	ID             int64
	AccountID      int64
	PackID         int64
	SessionID      *int64
	Provider       string
	ProviderCharge string
	Currency       string
	Amount         int
	IsUnlock       bool
	Status         string
	RawPayload     string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}
