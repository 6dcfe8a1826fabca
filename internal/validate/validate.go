// Package validate runs go-playground/validator struct rules and reports
// failures using the JSON or YAML field names of the checked struct.
package validate

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
)

var (
	once     sync.Once
	instance *validator.Validate
)

func get() *validator.Validate {
	once.Do(func() {
		v := validator.New(validator.WithRequiredStructEnabled())
		v.RegisterTagNameFunc(fieldName)
		instance = v
	})
	return instance
}

// fieldName prefers the json tag, then the yaml tag, then the Go name.
func fieldName(fld reflect.StructField) string {
	for _, tag := range []string{"json", "yaml"} {
		name := strings.SplitN(fld.Tag.Get(tag), ",", 2)[0]
		if name == "-" {
			return fld.Name
		}
		if name != "" {
			return name
		}
	}
	return fld.Name
}

// Struct validates v. The returned error lists every failing field as
// "path: rule" joined with "; ".
func Struct(v any) error {
	err := get().Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, describe(fe))
	}
	return errors.New(strings.Join(msgs, "; "))
}

// describe drops the root struct name from the namespace.
func describe(fe validator.FieldError) string {
	path := fe.Namespace()
	if i := strings.IndexByte(path, '.'); i >= 0 {
		path = path[i+1:]
	}
	if fe.Param() != "" {
		return fmt.Sprintf("%s: %s=%s", path, fe.Tag(), fe.Param())
	}
	return fmt.Sprintf("%s: %s", path, fe.Tag())
}
