package catalog

import "errors"

var (
	ErrTableNotFound = errors.New("table does not exist")
	ErrIndexNotFound = errors.New("index does not exist")
)
