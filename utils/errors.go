package utils

import (
	"reflect"

	"github.com/pkg/errors"
)

// NewUnexpectedTypeError is used when a value is not of the expected type T.
func NewUnexpectedTypeError[T any](actual interface{}) error {
	return errors.Errorf("expected %v but got %T", reflect.TypeOf((*T)(nil)).Elem(), actual)
}
