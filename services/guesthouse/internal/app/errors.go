package app

import "errors"

var (
	ErrArchiveDisabled = errors.New("results archive not configured")
	ErrResultsNotReady = errors.New("results are available once the event completes")
	ErrJobNotFound     = errors.New("grading job not found")
)
