package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"
)

// EnvPrefix prefixes every environment override
const EnvPrefix = "FRONTDOOR"

var durationType = reflect.TypeOf(time.Duration(0))

// LoadEnv applies environment overrides. Names follow the yaml path, e.g.
// FRONTDOOR_PROBE_PATH or FRONTDOOR_AUTOSCALER_POLICY_MAXREPLICAS.
func LoadEnv(cfg *Config) error {
	return loadEnvStruct(reflect.ValueOf(&cfg.Frontdoor).Elem(), EnvPrefix)
}

func loadEnvStruct(v reflect.Value, prefix string) error {
	t := v.Type()

	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)

		if !field.CanSet() {
			continue
		}

		envName := strings.Split(fieldType.Tag.Get("yaml"), ",")[0]
		if envName == "" || envName == "-" {
			continue
		}
		envKey := prefix + "_" + strings.ToUpper(envName)
		val, set := os.LookupEnv(envKey)

		if field.Type() == durationType {
			if set {
				d, err := time.ParseDuration(val)
				if err != nil {
					return fmt.Errorf("invalid duration for %s: %w", envKey, err)
				}
				field.SetInt(int64(d))
			}
			continue
		}

		switch field.Kind() {
		case reflect.String:
			if set {
				field.SetString(val)
			}

		case reflect.Int, reflect.Int64:
			if set {
				n, err := strconv.ParseInt(val, 10, 64)
				if err != nil {
					return fmt.Errorf("invalid int value for %s: %w", envKey, err)
				}
				field.SetInt(n)
			}

		case reflect.Float64:
			if set {
				f, err := strconv.ParseFloat(val, 64)
				if err != nil {
					return fmt.Errorf("invalid float value for %s: %w", envKey, err)
				}
				field.SetFloat(f)
			}

		case reflect.Bool:
			if set {
				b, err := strconv.ParseBool(val)
				if err != nil {
					return fmt.Errorf("invalid bool value for %s: %w", envKey, err)
				}
				field.SetBool(b)
			}

		case reflect.Struct:
			if err := loadEnvStruct(field, envKey); err != nil {
				return err
			}

		case reflect.Map:
			// FRONTDOOR_TELEMETRY_HEADERS=k1=v1,k2=v2
			if set && field.Type().Key().Kind() == reflect.String && field.Type().Elem().Kind() == reflect.String {
				m := reflect.MakeMap(field.Type())
				for _, pair := range strings.Split(val, ",") {
					k, v, ok := strings.Cut(pair, "=")
					if !ok {
						return fmt.Errorf("invalid map entry %q for %s", pair, envKey)
					}
					m.SetMapIndex(reflect.ValueOf(strings.TrimSpace(k)), reflect.ValueOf(strings.TrimSpace(v)))
				}
				field.Set(m)
			}
		}
	}

	return nil
}

// EnvExample lists every supported environment variable
func EnvExample() []string {
	var examples []string
	generateEnvExamples(reflect.TypeOf(Frontdoor{}), EnvPrefix, &examples)
	return examples
}

func generateEnvExamples(t reflect.Type, prefix string, examples *[]string) {
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)

		envName := strings.Split(field.Tag.Get("yaml"), ",")[0]
		if envName == "" || envName == "-" {
			continue
		}
		envKey := prefix + "_" + strings.ToUpper(envName)

		if field.Type == durationType {
			*examples = append(*examples, envKey+"=5s")
			continue
		}

		switch field.Type.Kind() {
		case reflect.String:
			*examples = append(*examples, envKey+"=value")
		case reflect.Int, reflect.Int64:
			*examples = append(*examples, envKey+"=3")
		case reflect.Float64:
			*examples = append(*examples, envKey+"=0.5")
		case reflect.Bool:
			*examples = append(*examples, envKey+"=true")
		case reflect.Map:
			*examples = append(*examples, envKey+"=key=value")
		case reflect.Struct:
			generateEnvExamples(field.Type, envKey, examples)
		}
	}
}
