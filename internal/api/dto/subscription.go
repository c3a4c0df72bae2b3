package dto

import (
	"encoding/json"

	"github.com/go-playground/validator/v10"

	"tonpass/internal/subscription"
)

type ActivateRequest struct {
	UserID  int64           `json:"user_id" validate:"required,gt=0"`
	TxHash  string          `json:"tx_hash" validate:"required,min=8,max=128"`
	Plan    string          `json:"plan" validate:"required"`
	Profile json.RawMessage `json:"profile"`
}

type DisconnectRequest struct {
	UserID int64 `json:"user_id" validate:"required,gt=0"`
}

type SuccessResponse struct {
	Success      bool        `json:"success"`
	Subscription interface{} `json:"subscription,omitempty"`
}

// DisconnectResponse - Removed=false, если подписки не было (это тоже успех)
type DisconnectResponse struct {
	Success bool `json:"success"`
	Removed bool `json:"removed"`
}

// SubscriptionResponse - запись плюс признак действующей подписки на момент запроса
type SubscriptionResponse struct {
	subscription.Record
	Active bool `json:"active"`
}

type RateResponse struct {
	Price     string `json:"price"`
	Indicator string `json:"indicator"`
}

var Validate = validator.New()
