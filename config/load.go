// Package config loads agent and collector configuration from flags, YAML
// files and the environment.
package config

import (
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var valid = validator.New()

// EnvPrefix prefixes every environment override, e.g. HOSTWATCH_STORAGE_DSN.
const EnvPrefix = "HOSTWATCH"

// Common flag names.
const (
	FlagConfig   = "config"
	FlagNoBanner = "no-banner"
	FlagLogLevel = "log-level"
)

// AddCommonFlags registers the flags shared by both binaries.
func AddCommonFlags(cmd *cobra.Command, defaultLevel string) {
	cmd.PersistentFlags().StringP(FlagConfig, "c", "", "path to the YAML configuration file")
	cmd.PersistentFlags().Bool(FlagNoBanner, false, "do not print the startup banner")
	cmd.PersistentFlags().String(FlagLogLevel, defaultLevel, "log level (debug, info, warn, error)")
}

// load fills cfg from (lowest to highest precedence) its current values, the
// config file, environment variables and explicitly set flags.
// flagKeys maps flag names to their dotted config keys. Every field of cfg
// can be overridden from the environment except map-valued ones and the
// per-probe timing overrides; envKeys binds keys that have no field default.
func load(cmd *cobra.Command, cfg interface{}, flagKeys map[string]string, envKeys []string) error {
	v := viper.New()
	setDefaults(v, "", reflect.Indirect(reflect.ValueOf(cfg)))

	for flag, key := range flagKeys {
		f := cmd.Flags().Lookup(flag)
		if f == nil {
			continue
		}
		if err := v.BindPFlag(key, f); err != nil {
			return fmt.Errorf("bind flag %s: %w", flag, err)
		}
	}

	configFile, _ := cmd.Flags().GetString(FlagConfig)
	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("read config file %s: %w", configFile, err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, key := range envKeys {
		if err := v.BindEnv(key); err != nil {
			return fmt.Errorf("bind env %s: %w", key, err)
		}
	}

	return decode(v.AllSettings(), cfg)
}

// setDefaults registers every leaf of the struct val under its dotted
// mapstructure key, so AutomaticEnv can see keys absent from the file.
func setDefaults(v *viper.Viper, prefix string, val reflect.Value) {
	t := val.Type()
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		if !field.IsExported() {
			continue
		}
		name, opts, _ := strings.Cut(field.Tag.Get("mapstructure"), ",")
		if name == "-" || strings.Contains(opts, "remain") || strings.Contains(opts, "squash") {
			continue
		}
		if name == "" {
			name = strings.ToLower(field.Name)
		}
		key := name
		if prefix != "" {
			key = prefix + "." + name
		}

		fv := val.Field(i)
		switch fv.Kind() {
		case reflect.Struct:
			setDefaults(v, key, fv)
		case reflect.Map, reflect.Ptr, reflect.Interface:
		default:
			v.SetDefault(key, fv.Interface())
		}
	}
}

func decode(settings map[string]interface{}, cfg interface{}) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           cfg,
		WeaklyTypedInput: true,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			secondsToDurationHookFunc(),
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
	})
	if err != nil {
		return fmt.Errorf("new decoder: %w", err)
	}
	if err := decoder.Decode(settings); err != nil {
		return fmt.Errorf("decode config: %w", err)
	}
	return nil
}

var durationType = reflect.TypeOf(time.Duration(0))

// secondsToDurationHookFunc reads bare numbers as seconds, so that
// "report_delay: 5" means five seconds.
func secondsToDurationHookFunc() mapstructure.DecodeHookFuncType {
	return func(f reflect.Type, t reflect.Type, data interface{}) (interface{}, error) {
		if t != durationType || f == durationType {
			return data, nil
		}
		switch f.Kind() {
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
			reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
			reflect.Float32, reflect.Float64:
			return secondsToDuration(reflect.ValueOf(data).Convert(reflect.TypeOf(float64(0))).Float()), nil
		}
		return data, nil
	}
}

func secondsToDuration(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
