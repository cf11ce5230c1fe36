/*
 * Copyright 2025 Carver Automation Corporation.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package models

import (
	"errors"
	"reflect"
	"strings"
)

var errNotStruct = errors.New("input must be a struct or pointer to struct")

// RedactSensitive flattens a configuration struct into a map keyed by JSON
// field names, omitting every field tagged `sensitive:"true"`. The result is
// safe to log or send to the server.
func RedactSensitive(input interface{}) (map[string]interface{}, error) {
	if input == nil {
		return map[string]interface{}{}, nil
	}

	out, ok := redact(reflect.ValueOf(input)).(map[string]interface{})
	if !ok {
		return nil, errNotStruct
	}

	return out, nil
}

func redact(rv reflect.Value) interface{} {
	for rv.Kind() == reflect.Ptr || rv.Kind() == reflect.Interface {
		if rv.IsNil() {
			return nil
		}

		rv = rv.Elem()
	}

	switch rv.Kind() {
	case reflect.Struct:
		// Leaf structs with their own JSON form (Duration, time.Time) stay intact.
		if _, ok := rv.Interface().(interface{ MarshalJSON() ([]byte, error) }); ok {
			return rv.Interface()
		}

		rt := rv.Type()
		result := make(map[string]interface{}, rt.NumField())

		for i := 0; i < rt.NumField(); i++ {
			field := rt.Field(i)
			if !field.IsExported() || field.Tag.Get("sensitive") == "true" {
				continue
			}

			name := field.Name
			if tag := field.Tag.Get("json"); tag != "" {
				if tag == "-" {
					continue
				}

				if before, _, _ := strings.Cut(tag, ","); before != "" {
					name = before
				}
			}

			result[name] = redact(rv.Field(i))
		}

		return result
	case reflect.Slice, reflect.Array:
		if rv.Type().Elem().Kind() == reflect.Uint8 {
			return rv.Interface()
		}

		items := make([]interface{}, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			items[i] = redact(rv.Index(i))
		}

		return items
	case reflect.Map:
		result := make(map[string]interface{}, rv.Len())

		iter := rv.MapRange()
		for iter.Next() {
			if key, ok := iter.Key().Interface().(string); ok {
				result[key] = redact(iter.Value())
			}
		}

		return result
	case reflect.Invalid:
		return nil
	default:
		return rv.Interface()
	}
}
