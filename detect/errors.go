package detect

import "errors"

var (
	// ErrRuleNotFound is returned when a rule is not in the catalog
	ErrRuleNotFound = errors.New("rule not found")

	// ErrSignatureNotFound is returned when a signature is not in the catalog
	ErrSignatureNotFound = errors.New("signature not found")

	// ErrInvalidRule is returned when a rule fails validation
	ErrInvalidRule = errors.New("invalid rule")

	// ErrInvalidSignature is returned when a signature fails validation
	ErrInvalidSignature = errors.New("invalid signature")

	// ErrDuplicateRule is returned when adding a rule whose id already exists
	ErrDuplicateRule = errors.New("rule already exists")

	// ErrDuplicateSignature is returned when adding a signature whose id already exists
	ErrDuplicateSignature = errors.New("signature already exists")

	// ErrCatalogSchema is returned when a catalog document does not match its schema
	ErrCatalogSchema = errors.New("catalog does not match schema")
)
