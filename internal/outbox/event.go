// Package outbox publishes events written to the pricing outbox table.
package outbox

import (
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/xenking/bazaar-pricing/internal/domain/pricing"
)

// EncodeUsageEvent renders a usage event as the JSON outbox payload.
// Amounts are strings with two decimals.
func EncodeUsageEvent(ev pricing.UsageEvent) []byte {
	e := &jx.Encoder{}
	e.Obj(func(e *jx.Encoder) {
		e.Field("idempotency_key", func(e *jx.Encoder) { e.Str(ev.IdempotencyKey) })
		if ev.CartID != uuid.Nil {
			e.Field("cart_id", func(e *jx.Encoder) { e.Str(ev.CartID.String()) })
		}
		if ev.UserID != "" {
			e.Field("user_id", func(e *jx.Encoder) { e.Str(ev.UserID) })
		}
		e.Field("currency", func(e *jx.Encoder) { e.Str(ev.Currency) })
		e.Field("total_discount", func(e *jx.Encoder) { e.Str(pricing.FormatMoney(ev.TotalDiscount)) })
		e.Field("rules", func(e *jx.Encoder) {
			e.Arr(func(e *jx.Encoder) {
				for _, r := range ev.Rules {
					e.Obj(func(e *jx.Encoder) {
						e.Field("rule_id", func(e *jx.Encoder) { e.Str(r.RuleID.String()) })
						e.Field("name", func(e *jx.Encoder) { e.Str(r.Name) })
						e.Field("amount", func(e *jx.Encoder) { e.Str(pricing.FormatMoney(r.Amount)) })
						e.Field("scope", func(e *jx.Encoder) { e.Str(r.Scope) })
					})
				}
			})
		})
		e.Field("recorded_at", func(e *jx.Encoder) { e.Str(ev.RecordedAt.UTC().Format(time.RFC3339Nano)) })
	})
	return e.Bytes()
}

// DecodeUsageEvent parses a payload produced by EncodeUsageEvent.
func DecodeUsageEvent(data []byte) (pricing.UsageEvent, error) {
	var ev pricing.UsageEvent
	err := jx.DecodeBytes(data).ObjBytes(func(d *jx.Decoder, key []byte) error {
		var err error
		switch string(key) {
		case "idempotency_key":
			ev.IdempotencyKey, err = d.Str()
		case "cart_id":
			ev.CartID, err = decodeUUID(d)
		case "user_id":
			ev.UserID, err = d.Str()
		case "currency":
			ev.Currency, err = d.Str()
		case "total_discount":
			ev.TotalDiscount, err = decodeDecimal(d)
		case "recorded_at":
			var s string
			if s, err = d.Str(); err == nil {
				ev.RecordedAt, err = time.Parse(time.RFC3339Nano, s)
			}
		case "rules":
			err = d.Arr(func(d *jx.Decoder) error {
				var r pricing.UsageEventRule
				if err := d.ObjBytes(func(d *jx.Decoder, key []byte) error {
					var err error
					switch string(key) {
					case "rule_id":
						r.RuleID, err = decodeUUID(d)
					case "name":
						r.Name, err = d.Str()
					case "amount":
						r.Amount, err = decodeDecimal(d)
					case "scope":
						r.Scope, err = d.Str()
					default:
						err = d.Skip()
					}
					return err
				}); err != nil {
					return err
				}
				ev.Rules = append(ev.Rules, r)
				return nil
			})
		default:
			err = d.Skip()
		}
		if err != nil {
			return errors.Wrapf(err, "decode %q", key)
		}
		return nil
	})
	if err != nil {
		return pricing.UsageEvent{}, errors.Wrap(err, "decode usage event")
	}
	return ev, nil
}

func decodeUUID(d *jx.Decoder) (uuid.UUID, error) {
	s, err := d.Str()
	if err != nil {
		return uuid.Nil, err
	}
	return uuid.Parse(s)
}

func decodeDecimal(d *jx.Decoder) (decimal.Decimal, error) {
	s, err := d.Str()
	if err != nil {
		return decimal.Zero, err
	}
	return decimal.NewFromString(s)
}
