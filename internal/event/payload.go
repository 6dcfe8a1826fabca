package event

import (
	"bytes"
	"encoding/json"

	"github.com/roach88/circles/internal/model"
	"github.com/roach88/circles/internal/validate"
)

// Params is the kind-specific payload of an event. The set of
// implementations is closed; kinds without a payload carry nil.
type Params interface {
	Kind() Kind
}

// CircleUpdateParams changes circle metadata. Nil fields are left alone.
type CircleUpdateParams struct {
	Name        *string           `json:"name,omitempty" validate:"omitempty,min=1,max=127"`
	DisplayName *string           `json:"display_name,omitempty" validate:"omitempty,max=127"`
	Description *string           `json:"description,omitempty" validate:"omitempty,max=4096"`
	Settings    map[string]string `json:"settings,omitempty"`
	Config      *model.Config     `json:"config,omitempty" validate:"omitempty,gte=0"`
}

func (*CircleUpdateParams) Kind() Kind { return KindCircleUpdate }

// MemberLevelParams carries the requested level.
type MemberLevelParams struct {
	Level model.Level `json:"level" validate:"required,oneof=1 4 8 9"`
}

func (*MemberLevelParams) Kind() Kind { return KindMemberLevel }

// FileShareParams describes a share of one item with a circle.
type FileShareParams struct {
	ShareID     string `json:"share_id" validate:"required"`
	ItemType    string `json:"item_type" validate:"required,oneof=file folder"`
	ItemSource  string `json:"item_source" validate:"required"`
	Name        string `json:"name" validate:"required"`
	Permissions int    `json:"permissions" validate:"gte=1,lte=31"`
	Owner       string `json:"owner" validate:"required"`
}

func (*FileShareParams) Kind() Kind { return KindFileShare }

// FileUnshareParams names the share to remove.
type FileUnshareParams struct {
	ShareID string `json:"share_id" validate:"required"`
}

func (*FileUnshareParams) Kind() Kind { return KindFileUnshare }

var paramFactories = map[Kind]func() Params{
	KindCircleUpdate: func() Params { return &CircleUpdateParams{} },
	KindMemberLevel:  func() Params { return &MemberLevelParams{} },
	KindFileShare:    func() Params { return &FileShareParams{} },
	KindFileUnshare:  func() Params { return &FileUnshareParams{} },
}

// HasParams reports whether kind carries a payload.
func HasParams(kind Kind) bool {
	_, ok := paramFactories[kind]
	return ok
}

// DecodeParams decodes and validates the payload of kind. Unknown fields
// are rejected. A kind without payload accepts only an empty or null raw value.
func DecodeParams(kind Kind, raw json.RawMessage) (Params, error) {
	if !kind.Valid() {
		return nil, Errorf(ErrCodeUnknownKind, "unknown event kind %q", kind)
	}
	factory, ok := paramFactories[kind]
	if !ok {
		if isEmptyJSON(raw) {
			return nil, nil
		}
		return nil, Errorf(ErrCodeInvalidEvent, "%s takes no params", kind)
	}
	if isEmptyJSON(raw) {
		return nil, Errorf(ErrCodeInvalidEvent, "%s requires params", kind)
	}

	p := factory()
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(p); err != nil {
		return nil, Errorf(ErrCodeInvalidEvent, "%s params: %v", kind, err)
	}
	if err := ValidateParams(p); err != nil {
		return nil, err
	}
	return p, nil
}

// ValidateParams runs the struct rules of p.
func ValidateParams(p Params) error {
	if p == nil {
		return nil
	}
	if err := validate.Struct(p); err != nil {
		return Errorf(ErrCodeInvalidEvent, "%s params: %v", p.Kind(), err)
	}
	return nil
}

// ParamsAs returns the payload of ev as T.
func ParamsAs[T Params](ev FederatedEvent) (T, error) {
	p, ok := ev.Params.(T)
	if !ok {
		var zero T
		return zero, Errorf(ErrCodeInvalidEvent, "%s: missing or mismatched params (%T)", ev.Kind, ev.Params)
	}
	return p, nil
}

func isEmptyJSON(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}

func mustKind(p Params, kind Kind) error {
	if p == nil {
		if HasParams(kind) {
			return Errorf(ErrCodeInvalidEvent, "%s requires params", kind)
		}
		return nil
	}
	if p.Kind() != kind {
		return Errorf(ErrCodeInvalidEvent, "params for %s attached to %s", p.Kind(), kind)
	}
	return nil
}
