package settings

import (
	"encoding/json"
	"fmt"
	"math"
)

// Sentinel values accepted in settings files for deferred resolution.
//
// NOTE: these strings are part of the on-disk settings contract.
const (
	SentinelCASMDefault = "CASM_DEFAULT"
	SentinelVASPDefault = "VASP_DEFAULT"
)

type paramKind int

const (
	paramUnset paramKind = iota
	paramLiteral
	paramCASMDefault
	paramVASPDefault
)

// Param is one settings value before resolution: an explicit literal, a
// deferred sentinel, or absent.
type Param struct {
	kind paramKind
	val  any
}

func Unset() Param        { return Param{kind: paramUnset} }
func Literal(v any) Param { return Param{kind: paramLiteral, val: v} }
func CASMDefault() Param  { return Param{kind: paramCASMDefault} }
func VASPDefault() Param  { return Param{kind: paramVASPDefault} }

func (p Param) IsUnset() bool       { return p.kind == paramUnset }
func (p Param) IsCASMDefault() bool { return p.kind == paramCASMDefault }
func (p Param) IsVASPDefault() bool { return p.kind == paramVASPDefault }

// Int returns the literal integer value, if the param holds one.
func (p Param) Int() (int, bool) {
	if p.kind != paramLiteral {
		return 0, false
	}
	switch v := p.val.(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		if v == math.Trunc(v) {
			return int(v), true
		}
		return 0, false
	default:
		return 0, false
	}
}

// String returns the literal string value, if the param holds one.
func (p Param) String() (string, bool) {
	if p.kind != paramLiteral {
		return "", false
	}
	s, ok := p.val.(string)
	return s, ok
}

// fromRaw classifies a decoded settings value into a Param.
func fromRaw(v any) (Param, error) {
	switch t := v.(type) {
	case nil:
		return Unset(), nil
	case string:
		switch t {
		case SentinelCASMDefault:
			return CASMDefault(), nil
		case SentinelVASPDefault:
			return VASPDefault(), nil
		default:
			return Literal(t), nil
		}
	case bool:
		return Param{}, fmt.Errorf("boolean is not a valid settings value")
	case int, int64, float64:
		return Literal(t), nil
	default:
		return Param{}, fmt.Errorf("unsupported settings value type %T", v)
	}
}

// raw returns the file representation of the param, preserving sentinels.
func (p Param) raw() any {
	switch p.kind {
	case paramCASMDefault:
		return SentinelCASMDefault
	case paramVASPDefault:
		return SentinelVASPDefault
	case paramLiteral:
		return p.val
	default:
		return nil
	}
}

func (p Param) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.raw())
}

func (p *Param) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	q, err := fromRaw(v)
	if err != nil {
		return err
	}
	*p = q
	return nil
}
