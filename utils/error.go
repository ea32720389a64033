package utils

import "errors"

// ErrorRecordNotFound is the storage-agnostic miss: model lookups return it
// instead of gorm.ErrRecordNotFound so callers never import gorm to check.
var ErrorRecordNotFound = errors.New("record not found")
