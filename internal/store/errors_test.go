package store

import "errors"

var errTxFailed = errors.New("store: forced test failure")
