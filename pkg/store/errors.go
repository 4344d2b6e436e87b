package store

import "errors"

var (
	ErrNotFound      = errors.New("store: not found")
	ErrSlugTaken     = errors.New("store: slug already taken")
	ErrNoTransaction = errors.New("store: operation requires a transaction")
)

const slugConstraint = "books_slug_key"
