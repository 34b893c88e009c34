package api

import (
	"errors"
	"fmt"
)

var errMissingPlan = errors.New("update_plan requires a plan")

type unknownTypeError struct {
	Type string
}

func (e *unknownTypeError) Error() string {
	return fmt.Sprintf("unknown message type %q", e.Type)
}
