package handler

import (
	"bytes"
	"io"
	"net/http"
	"strings"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/go-playground/validator/v10"
)

type itemRequest struct {
	ProductID int64 `validate:"gte=0"`
	VariantID int64 `validate:"gte=0"`
	Quantity  int
}

type previewRequest struct {
	UserID      string        `validate:"max=128"`
	Items       []itemRequest `validate:"max=100,dive"`
	CouponCodes []string      `validate:"max=10,dive,max=64"`
}

type cartPreviewRequest struct {
	CouponCodes []string `validate:"max=10,dive,max=64"`
}

type commitRequest struct {
	CouponCodes    []string `validate:"max=10,dive,max=64"`
	IdempotencyKey string   `validate:"omitempty,max=255,printascii"`
}

type attachRequest struct {
	Code string `validate:"required,max=64,notblank"`
}

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	_ = v.RegisterValidation("notblank", func(fl validator.FieldLevel) bool {
		return strings.TrimSpace(fl.Field().String()) != ""
	})
	return v
}

// readBody returns the request body, or nil for an empty one.
func (h *Handler) readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBody))
	if err != nil {
		return nil, errors.Wrap(err, "read body")
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, nil
	}
	return data, nil
}

// decodeObject walks a JSON object, calling field for every key. A nil or
// empty body is an empty object.
func decodeObject(data []byte, field func(d *jx.Decoder, key string) error) error {
	if data == nil {
		return nil
	}
	d := jx.DecodeBytes(data)
	err := d.ObjBytes(func(d *jx.Decoder, key []byte) error {
		if d.Next() == jx.Null {
			return d.Null()
		}
		if err := field(d, string(key)); err != nil {
			return errors.Wrapf(err, "field %q", key)
		}
		return nil
	})
	if err != nil {
		return errors.Wrap(err, "decode body")
	}
	return nil
}

func decodeStrings(d *jx.Decoder) ([]string, error) {
	var out []string
	err := d.Arr(func(d *jx.Decoder) error {
		s, err := d.Str()
		if err != nil {
			return err
		}
		out = append(out, s)
		return nil
	})
	return out, err
}

func decodePreviewRequest(data []byte) (previewRequest, error) {
	var req previewRequest
	err := decodeObject(data, func(d *jx.Decoder, key string) error {
		var err error
		switch key {
		case "user_id":
			req.UserID, err = d.Str()
		case "coupon_codes":
			req.CouponCodes, err = decodeStrings(d)
		case "items":
			err = d.Arr(func(d *jx.Decoder) error {
				var item itemRequest
				if err := d.Obj(func(d *jx.Decoder, key string) error {
					var err error
					switch key {
					case "product_id":
						item.ProductID, err = d.Int64()
					case "variant_id":
						item.VariantID, err = d.Int64()
					case "quantity":
						item.Quantity, err = d.Int()
					default:
						err = d.Skip()
					}
					return err
				}); err != nil {
					return err
				}
				req.Items = append(req.Items, item)
				return nil
			})
		default:
			err = d.Skip()
		}
		return err
	})
	return req, err
}

func decodeCartPreviewRequest(data []byte) (cartPreviewRequest, error) {
	var req cartPreviewRequest
	err := decodeObject(data, func(d *jx.Decoder, key string) error {
		if key == "coupon_codes" {
			var err error
			req.CouponCodes, err = decodeStrings(d)
			return err
		}
		return d.Skip()
	})
	return req, err
}

func decodeCommitRequest(data []byte) (commitRequest, error) {
	var req commitRequest
	err := decodeObject(data, func(d *jx.Decoder, key string) error {
		var err error
		switch key {
		case "coupon_codes":
			req.CouponCodes, err = decodeStrings(d)
		case "idempotency_key":
			req.IdempotencyKey, err = d.Str()
		default:
			err = d.Skip()
		}
		return err
	})
	return req, err
}

func decodeAttachRequest(data []byte) (attachRequest, error) {
	var req attachRequest
	err := decodeObject(data, func(d *jx.Decoder, key string) error {
		if key == "code" {
			var err error
			req.Code, err = d.Str()
			return err
		}
		return d.Skip()
	})
	return req, err
}
