// Copyright (C) 2025 Ledgerlake, Inc.
// See LICENSE for copying information.

// Package cfgstruct binds a configuration struct to pflag flags.
//
// Each leaf field may carry `help`, `default`, `env` and `name` struct
// tags. Flag names are derived from the field path: nested structs
// contribute dot-separated sections and camel-case words are hyphenated,
// so Uploader.QueueHighWater becomes uploader.queue-high-water. A name tag
// replaces the derived last segment. The env tag names the environment
// variable the field is bound to by pkg/process.
package cfgstruct

import (
	"reflect"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/spf13/pflag"
	"github.com/zeebo/errs"
	"go.uber.org/zap"
)

// Error is the class of cfgstruct errors.
var Error = errs.Class("cfgstruct")

// EnvBinding associates a flag key with the environment variable that
// overrides it.
type EnvBinding struct {
	FlagKey string
	EnvVar  string
}

// Bind adds flags to the flag set for each leaf field of config, which must
// be a pointer to a struct. It returns the env bindings declared by `env`
// tags, in declaration order.
func Bind(flags *pflag.FlagSet, config interface{}) []EnvBinding {
	ptr := reflect.ValueOf(config)
	if ptr.Kind() != reflect.Ptr || ptr.Elem().Kind() != reflect.Struct {
		panic(Error.New("invalid config type: %T, expected pointer to struct", config))
	}
	var envs []EnvBinding
	bindStruct(flags, "", ptr.Elem(), &envs)
	return envs
}

func bindStruct(flags *pflag.FlagSet, prefix string, v reflect.Value, envs *[]EnvBinding) {
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		field, value := t.Field(i), v.Field(i)
		if !field.IsExported() {
			continue
		}

		name := hyphenate(field.Name)
		if tagged := field.Tag.Get("name"); tagged != "" {
			name = tagged
		}
		if prefix != "" {
			name = prefix + "." + name
		}
		if field.Anonymous {
			name = prefix
		}

		if value.Kind() == reflect.Struct && value.Type() != reflect.TypeOf(time.Time{}) {
			bindStruct(flags, name, value, envs)
			continue
		}

		help := field.Tag.Get("help")
		def := field.Tag.Get("default")
		if env := field.Tag.Get("env"); env != "" {
			*envs = append(*envs, EnvBinding{FlagKey: name, EnvVar: env})
		}

		switch addr := value.Addr().Interface().(type) {
		case *string:
			flags.StringVar(addr, name, def, help)
		case *bool:
			flags.BoolVar(addr, name, parseBool(name, def), help)
		case *int:
			flags.IntVar(addr, name, int(parseInt(name, def)), help)
		case *int64:
			flags.Int64Var(addr, name, parseInt(name, def), help)
		case *float64:
			flags.Float64Var(addr, name, parseFloat(name, def), help)
		case *time.Duration:
			flags.DurationVar(addr, name, parseDuration(name, def), help)
		case *[]string:
			var defs []string
			if def != "" {
				defs = strings.Split(def, ",")
			}
			flags.StringSliceVar(addr, name, defs, help)
		default:
			zap.S().Panicf("invalid field type for flag %q: %s", name, field.Type)
		}
	}
}

func parseBool(name, def string) bool {
	if def == "" {
		return false
	}
	val, err := strconv.ParseBool(def)
	if err != nil {
		panic(Error.New("invalid bool default for %q: %q", name, def))
	}
	return val
}

func parseInt(name, def string) int64 {
	if def == "" {
		return 0
	}
	val, err := strconv.ParseInt(def, 10, 64)
	if err != nil {
		panic(Error.New("invalid integer default for %q: %q", name, def))
	}
	return val
}

func parseFloat(name, def string) float64 {
	if def == "" {
		return 0
	}
	val, err := strconv.ParseFloat(def, 64)
	if err != nil {
		panic(Error.New("invalid float default for %q: %q", name, def))
	}
	return val
}

func parseDuration(name, def string) time.Duration {
	if def == "" {
		return 0
	}
	val, err := time.ParseDuration(def)
	if err != nil {
		panic(Error.New("invalid duration default for %q: %q", name, def))
	}
	return val
}

// hyphenate converts a Go field name to a kebab-case flag segment, keeping
// acronym runs together: ScanURL -> scan-url, GCSBucket -> gcs-bucket.
func hyphenate(name string) string {
	var out strings.Builder
	runes := []rune(name)
	for i, r := range runes {
		if unicode.IsUpper(r) && i > 0 {
			prevLower := unicode.IsLower(runes[i-1])
			nextLower := i+1 < len(runes) && unicode.IsLower(runes[i+1])
			if prevLower || (unicode.IsUpper(runes[i-1]) && nextLower) {
				out.WriteRune('-')
			}
		}
		out.WriteRune(unicode.ToLower(r))
	}
	return out.String()
}
