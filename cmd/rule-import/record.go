package main

import (
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/xenking/bazaar-pricing/internal/domain/pricing"
)

// importNamespace derives ids for records without one, so re-importing a
// file updates the same rules.
var importNamespace = uuid.MustParse("0b9f1e2a-7c44-4a0e-8d36-51f2a3c4e5d7")

// parseRecord decodes one JSONL line into a validated rule. Active defaults
// to true.
func parseRecord(line []byte) (pricing.Rule, error) {
	r := pricing.Rule{Active: true}
	var targetID int64

	d := jx.DecodeBytes(line)
	err := d.Obj(func(d *jx.Decoder, key string) error {
		var err error
		switch key {
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
		case "target_id":
			targetID, err = d.Int64()
		case "percentage":
			r.Percentage, err = decodeDecimal(d)
		case "amount":
			r.Amount, err = decodeDecimal(d)
		case "max_discount":
			r.MaxDiscount, err = decodeDecimal(d)
		case "min_cart_value":
			r.MinCartValue, err = decodeDecimal(d)
		case "max_cart_value":
			r.MaxCartValue, err = decodeDecimal(d)
		case "min_category_value":
			r.MinCategoryValue, err = decodeDecimal(d)
		case "currency":
			r.Currency, err = d.Str()
		case "user_id":
			r.UserID, err = d.Str()
		case "starts_at":
			r.StartsAt, err = decodeTime(d)
		case "ends_at":
			r.EndsAt, err = decodeTime(d)
		case "max_global_uses":
			r.MaxGlobalUses, err = decodeLimit(d)
		case "per_user_limit":
			r.PerUserLimit, err = decodeLimit(d)
		case "combinable":
			r.Combinable, err = d.Bool()
		case "auto_apply":
			r.AutoApply, err = d.Bool()
		case "active":
			r.Active, err = d.Bool()
		case "priority":
			r.Priority, err = d.Int()
		case "created_by":
			r.CreatedBy, err = d.Str()
		default:
			err = d.Skip()
		}
		if err != nil {
			return errors.Wrapf(err, "field %q", key)
		}
		return nil
	})
	if err != nil {
		return pricing.Rule{}, err
	}

	if r.Name == "" {
		return pricing.Rule{}, errors.New("name is required")
	}
	r.Target = pricing.Target{Scope: r.Type.Scope, ID: targetID}
	r.Normalize()
	if r.ID == uuid.Nil {
		seed := r.CouponCode
		if seed == "" {
			seed = "auto:" + r.Name
		}
		r.ID = uuid.NewSHA1(importNamespace, []byte(seed))
	}
	if err := r.Validate(); err != nil {
		return pricing.Rule{}, err
	}
	return r, nil
}

func decodeDecimal(d *jx.Decoder) (decimal.NullDecimal, error) {
	switch d.Next() {
	case jx.Null:
		return decimal.NullDecimal{}, d.Null()
	case jx.Number:
		n, err := d.Num()
		if err != nil {
			return decimal.NullDecimal{}, err
		}
		v, err := decimal.NewFromString(n.String())
		return decimal.NewNullDecimal(v), err
	default:
		s, err := d.Str()
		if err != nil {
			return decimal.NullDecimal{}, err
		}
		v, err := decimal.NewFromString(s)
		return decimal.NewNullDecimal(v), err
	}
}

func decodeTime(d *jx.Decoder) (*time.Time, error) {
	if d.Next() == jx.Null {
		return nil, d.Null()
	}
	s, err := d.Str()
	if err != nil {
		return nil, err
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func decodeLimit(d *jx.Decoder) (*int, error) {
	if d.Next() == jx.Null {
		return nil, d.Null()
	}
	n, err := d.Int()
	if err != nil {
		return nil, err
	}
	return &n, nil
}
