package httputil

import (
	"reflect"
	"strings"
)

// Sanitize trims whitespace from string and []string fields of a struct,
// recursing into nested structs. Fields tagged `sanitize:"-"` are left
// verbatim.
func Sanitize(v any) {
	val := reflect.ValueOf(v)
	if val.Kind() != reflect.Ptr || val.IsNil() {
		return
	}
	sanitizeStruct(val.Elem())
}

func sanitizeStruct(val reflect.Value) {
	if val.Kind() != reflect.Struct {
		return
	}
	typ := val.Type()
	for i := 0; i < val.NumField(); i++ {
		field := val.Field(i)
		if !field.CanSet() || typ.Field(i).Tag.Get("sanitize") == "-" {
			continue
		}

		switch field.Kind() {
		case reflect.String:
			field.SetString(strings.TrimSpace(field.String()))
		case reflect.Slice:
			if field.Type().Elem().Kind() == reflect.String {
				for j := 0; j < field.Len(); j++ {
					elem := field.Index(j)
					elem.SetString(strings.TrimSpace(elem.String()))
				}
			}
		case reflect.Struct:
			sanitizeStruct(field)
		case reflect.Ptr:
			if !field.IsNil() {
				sanitizeStruct(field.Elem())
			}
		}
	}
}
