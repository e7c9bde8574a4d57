package cli

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"

	"github.com/alecthomas/kong"
)

// PID is a process ID argument.
type PID struct {
	Value int
}

// ParsePID parses a positive process ID.
func ParsePID(s string) (PID, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return PID{}, fmt.Errorf("pid cannot be empty")
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return PID{}, fmt.Errorf("invalid pid %q: %w", s, err)
	}
	if v <= 0 {
		return PID{}, fmt.Errorf("invalid pid %d: must be positive", v)
	}
	return PID{Value: v}, nil
}

// HexByte is a byte given in decimal or with a 0x prefix.
type HexByte struct {
	Value byte
}

// ParseHexByte parses a byte value, supporting hex (0x) prefix.
func ParseHexByte(s string) (HexByte, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return HexByte{}, fmt.Errorf("value cannot be empty")
	}

	var val uint64
	var err error
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		val, err = strconv.ParseUint(s[2:], 16, 8)
	} else {
		val, err = strconv.ParseUint(s, 10, 8)
	}
	if err != nil {
		return HexByte{}, fmt.Errorf("invalid value %q: %w", s, err)
	}
	return HexByte{Value: byte(val)}, nil
}

func pidMapper() kong.MapperFunc {
	return func(ctx *kong.DecodeContext, target reflect.Value) error {
		var s string
		if err := ctx.Scan.PopValueInto("pid", &s); err != nil {
			return err
		}
		pid, err := ParsePID(s)
		if err != nil {
			return err
		}
		target.Set(reflect.ValueOf(pid))
		return nil
	}
}

func hexByteMapper() kong.MapperFunc {
	return func(ctx *kong.DecodeContext, target reflect.Value) error {
		var s string
		if err := ctx.Scan.PopValueInto("value", &s); err != nil {
			return err
		}
		v, err := ParseHexByte(s)
		if err != nil {
			return err
		}
		target.Set(reflect.ValueOf(v))
		return nil
	}
}
