package rediscache

import (
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/xenking/bazaar-pricing/internal/domain/pricing"
)

func encodeRules(rules []pricing.Rule) []byte {
	e := &jx.Encoder{}
	e.Arr(func(e *jx.Encoder) {
		for i := range rules {
			encodeRule(e, &rules[i])
		}
	})
	return e.Bytes()
}

func encodeRule(e *jx.Encoder, r *pricing.Rule) {
	e.Obj(func(e *jx.Encoder) {
		e.Field("id", func(e *jx.Encoder) { e.Str(r.ID.String()) })
		e.Field("name", func(e *jx.Encoder) { e.Str(r.Name) })
		if r.Description != "" {
			e.Field("description", func(e *jx.Encoder) { e.Str(r.Description) })
		}
		if r.CouponCode != "" {
			e.Field("coupon_code", func(e *jx.Encoder) { e.Str(r.CouponCode) })
		}
		e.Field("type", func(e *jx.Encoder) { e.Str(r.Type.String()) })
		e.Field("target_scope", func(e *jx.Encoder) { e.Str(r.Target.Scope.String()) })
		e.Field("target_id", func(e *jx.Encoder) { e.Int64(r.Target.ID) })
		encodeNullDecimal(e, "min_cart_value", r.MinCartValue)
		encodeNullDecimal(e, "max_cart_value", r.MaxCartValue)
		encodeNullDecimal(e, "min_category_value", r.MinCategoryValue)
		if r.Currency != "" {
			e.Field("currency", func(e *jx.Encoder) { e.Str(r.Currency) })
		}
		if r.UserID != "" {
			e.Field("user_id", func(e *jx.Encoder) { e.Str(r.UserID) })
		}
		encodeTime(e, "starts_at", r.StartsAt)
		encodeTime(e, "ends_at", r.EndsAt)
		e.Field("active", func(e *jx.Encoder) { e.Bool(r.Active) })
		encodeNullDecimal(e, "percentage", r.Percentage)
		encodeNullDecimal(e, "amount", r.Amount)
		encodeNullDecimal(e, "max_discount", r.MaxDiscount)
		e.Field("usage_count", func(e *jx.Encoder) { e.Int(r.UsageCount) })
		encodeInt(e, "max_global_uses", r.MaxGlobalUses)
		encodeInt(e, "per_user_limit", r.PerUserLimit)
		e.Field("combinable", func(e *jx.Encoder) { e.Bool(r.Combinable) })
		e.Field("auto_apply", func(e *jx.Encoder) { e.Bool(r.AutoApply) })
		e.Field("priority", func(e *jx.Encoder) { e.Int(r.Priority) })
		e.Field("created_at", func(e *jx.Encoder) { e.Str(r.CreatedAt.UTC().Format(time.RFC3339Nano)) })
	})
}

func encodeNullDecimal(e *jx.Encoder, name string, d decimal.NullDecimal) {
	if !d.Valid {
		return
	}
	e.Field(name, func(e *jx.Encoder) { e.Str(d.Decimal.String()) })
}

func encodeTime(e *jx.Encoder, name string, t *time.Time) {
	if t == nil {
		return
	}
	e.Field(name, func(e *jx.Encoder) { e.Str(t.UTC().Format(time.RFC3339Nano)) })
}

func encodeInt(e *jx.Encoder, name string, v *int) {
	if v == nil {
		return
	}
	e.Field(name, func(e *jx.Encoder) { e.Int(*v) })
}

func decodeRules(data []byte) ([]pricing.Rule, error) {
	rules := []pricing.Rule{}
	err := jx.DecodeBytes(data).Arr(func(d *jx.Decoder) error {
		r, err := decodeRule(d)
		if err != nil {
			return err
		}
		rules = append(rules, r)
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "decode rules")
	}
	return rules, nil
}

func decodeRule(d *jx.Decoder) (pricing.Rule, error) {
	var (
		r     pricing.Rule
		scope pricing.Scope
	)
	err := d.ObjBytes(func(d *jx.Decoder, key []byte) error {
		var err error
		switch string(key) {
		case "id":
			var s string
			if s, err = d.Str(); err == nil {
				r.ID, err = uuid.Parse(s)
			}
		case "name":
			r.Name, err = d.Str()
		case "description":
			r.Description, err = d.Str()
		case "coupon_code":
			r.CouponCode, err = d.Str()
		case "type":
			var s string
			if s, err = d.Str(); err == nil {
				r.Type, err = pricing.ParseRuleType(s)
			}
		case "target_scope":
			var s string
			if s, err = d.Str(); err == nil {
				scope, err = pricing.ParseScope(s)
			}
		case "target_id":
			r.Target.ID, err = d.Int64()
		case "min_cart_value":
			r.MinCartValue, err = decodeNullDecimal(d)
		case "max_cart_value":
			r.MaxCartValue, err = decodeNullDecimal(d)
		case "min_category_value":
			r.MinCategoryValue, err = decodeNullDecimal(d)
		case "currency":
			r.Currency, err = d.Str()
		case "user_id":
			r.UserID, err = d.Str()
		case "starts_at":
			r.StartsAt, err = decodeTime(d)
		case "ends_at":
			r.EndsAt, err = decodeTime(d)
		case "active":
			r.Active, err = d.Bool()
		case "percentage":
			r.Percentage, err = decodeNullDecimal(d)
		case "amount":
			r.Amount, err = decodeNullDecimal(d)
		case "max_discount":
			r.MaxDiscount, err = decodeNullDecimal(d)
		case "usage_count":
			r.UsageCount, err = d.Int()
		case "max_global_uses":
			r.MaxGlobalUses, err = decodeInt(d)
		case "per_user_limit":
			r.PerUserLimit, err = decodeInt(d)
		case "combinable":
			r.Combinable, err = d.Bool()
		case "auto_apply":
			r.AutoApply, err = d.Bool()
		case "priority":
			r.Priority, err = d.Int()
		case "created_at":
			var t *time.Time
			if t, err = decodeTime(d); err == nil {
				r.CreatedAt = *t
			}
		default:
			err = d.Skip()
		}
		if err != nil {
			return errors.Wrapf(err, "decode %q", key)
		}
		return nil
	})
	r.Target.Scope = scope
	return r, err
}

func decodeNullDecimal(d *jx.Decoder) (decimal.NullDecimal, error) {
	s, err := d.Str()
	if err != nil {
		return decimal.NullDecimal{}, err
	}
	v, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.NullDecimal{}, err
	}
	return decimal.NewNullDecimal(v), nil
}

func decodeTime(d *jx.Decoder) (*time.Time, error) {
	s, err := d.Str()
	if err != nil {
		return nil, err
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func decodeInt(d *jx.Decoder) (*int, error) {
	v, err := d.Int()
	if err != nil {
		return nil, err
	}
	return &v, nil
}
