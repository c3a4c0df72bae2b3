package subscription

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

type PlanType string

const (
	PlanOneMonth    PlanType = "1month"
	PlanThreeMonths PlanType = "3months"
)

// Plan - тариф: цена в USD и длительность в календарных месяцах
type Plan struct {
	Type     PlanType
	PriceUSD decimal.Decimal
	Months   int
}

// EndDate возвращает дату окончания подписки, купленной в момент from
func (p Plan) EndDate(from time.Time) time.Time {
	return from.AddDate(0, p.Months, 0)
}

var Plans = map[PlanType]Plan{
	PlanOneMonth:    {Type: PlanOneMonth, PriceUSD: decimal.NewFromInt(10), Months: 1},
	PlanThreeMonths: {Type: PlanThreeMonths, PriceUSD: decimal.NewFromInt(28), Months: 3},
}

func GetPlan(t PlanType) (Plan, bool) {
	p, ok := Plans[t]
	return p, ok
}

// ParsePlan принимает "1month", "one_month", "3months", "three_months" без учёта регистра
func ParsePlan(s string) (PlanType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1month", "one_month", "onemonth":
		return PlanOneMonth, nil
	case "3months", "three_months", "threemonths":
		return PlanThreeMonths, nil
	}
	return "", &ValidationError{Field: "plan", Reason: "unknown plan " + s}
}

// Record - подписка пользователя. На один UserID приходится не больше одной записи.
type Record struct {
	UserID          int64           `json:"user_id"`
	PlanType        PlanType        `json:"plan_type"`
	SubscriptionID  int64           `json:"subscription_id"`
	SubscribedAt    time.Time       `json:"subscribed_at"`
	EndDate         time.Time       `json:"end_date"`
	Removed         bool            `json:"removed"`
	TransactionHash string          `json:"transaction_hash"`
	Profile         json.RawMessage `json:"profile,omitempty"`
}

// Expired - срок истёк, но доступ ещё не отозван свипером
func (r Record) Expired(now time.Time) bool {
	return !r.Removed && r.EndDate.Before(now)
}

func (r Record) Active(now time.Time) bool {
	return !r.Removed && !r.EndDate.Before(now)
}

// UserInfo - данные для отображения пользователя в мини-приложении
type UserInfo struct {
	DisplayName string `json:"display_name"`
	AvatarRef   string `json:"avatar_ref,omitempty"`
}
