// Package payment проверяет on-chain оплату тарифа по текущему курсу TON.
package payment

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"tonpass/internal/subscription"
)

// NanoPerTON - количество минимальных единиц в одном TON
var NanoPerTON = decimal.New(1, 9)

var ErrTransactionNotFound = errors.New("transaction not found")

// Transaction - то, что нужно верификатору от провайдера данных блокчейна
type Transaction struct {
	Hash        string
	OutMessages []OutMessage
}

type OutMessage struct {
	Destination string
	Value       string // в нанотонах
}

type ChainClient interface {
	Transaction(ctx context.Context, hash string) (*Transaction, error)
}

// RateOracle возвращает цену одного TON в USD
type RateOracle interface {
	Rate(ctx context.Context) (decimal.Decimal, error)
}

type Verification struct {
	Paid     decimal.Decimal
	Required decimal.Decimal
	Rate     decimal.Decimal
}

type Verifier struct {
	chain  ChainClient
	oracle RateOracle
	wallet string
}

// NewVerifier. Если wallet не пустой, первое исходящее сообщение должно идти на этот адрес.
func NewVerifier(chain ChainClient, oracle RateOracle, wallet string) *Verifier {
	return &Verifier{chain: chain, oracle: oracle, wallet: wallet}
}

func (v *Verifier) Verify(ctx context.Context, txHash string, planType subscription.PlanType) (*Verification, error) {
	plan, ok := subscription.GetPlan(planType)
	if !ok {
		return nil, &subscription.ValidationError{Field: "plan", Reason: "unknown plan " + string(planType)}
	}

	tx, err := v.chain.Transaction(ctx, txHash)
	if errors.Is(err, ErrTransactionNotFound) {
		return nil, &subscription.VerificationError{Reason: subscription.ErrMalformedTransaction, Err: err}
	}
	if err != nil {
		return nil, &subscription.VerificationError{Reason: subscription.ErrOracleUnavailable, Detail: "chain lookup", Err: err}
	}
	if tx == nil || len(tx.OutMessages) == 0 {
		return nil, &subscription.VerificationError{Reason: subscription.ErrMalformedTransaction, Detail: "no outgoing messages"}
	}

	msg := tx.OutMessages[0]
	paid, err := decimal.NewFromString(msg.Value)
	if err != nil || paid.IsNegative() {
		return nil, &subscription.VerificationError{
			Reason: subscription.ErrMalformedTransaction,
			Detail: fmt.Sprintf("bad value %q", msg.Value),
		}
	}
	if v.wallet != "" && !SameAddress(msg.Destination, v.wallet) {
		return nil, &subscription.VerificationError{
			Reason: subscription.ErrMalformedTransaction,
			Detail: "unexpected destination " + msg.Destination,
		}
	}

	rate, err := v.oracle.Rate(ctx)
	if err != nil {
		return nil, &subscription.VerificationError{Reason: subscription.ErrOracleUnavailable, Detail: "rate lookup", Err: err}
	}
	if !rate.IsPositive() {
		return nil, &subscription.VerificationError{
			Reason: subscription.ErrOracleUnavailable,
			Detail: "non-positive rate " + rate.String(),
		}
	}

	required := RequiredNano(plan.PriceUSD, rate)
	if paid.LessThan(required) {
		return nil, &subscription.VerificationError{
			Reason: subscription.ErrInsufficientPayment,
			Detail: fmt.Sprintf("paid %s, required %s", paid, required),
		}
	}

	return &Verification{Paid: paid, Required: required, Rate: rate}, nil
}

// RequiredNano = ceil(priceUSD / rate * 1e9). Округление всегда вверх.
func RequiredNano(priceUSD, rate decimal.Decimal) decimal.Decimal {
	q, r := priceUSD.Mul(NanoPerTON).QuoRem(rate, 0)
	if r.Sign() > 0 {
		q = q.Add(decimal.NewFromInt(1))
	}
	return q
}

// SameAddress сравнивает адреса в raw-форме "workchain:hex" без учёта регистра
func SameAddress(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}
