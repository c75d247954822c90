package services

import (
	"context"
	"errors"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
)

var (
	ErrInvalidAmount          = errors.New("amount must be positive")
	ErrInsufficientBalance    = errors.New("insufficient points")
	ErrRewardUnavailable      = errors.New("reward unavailable")
	ErrInvalidStateTransition = errors.New("invalid state transition")
	ErrConcurrentModification = errors.New("concurrent modification, try again")
	ErrLedgerInconsistent     = errors.New("ledger inconsistent")
	ErrApprovalExpired        = errors.New("approval deadline passed")
	ErrChallengeClosed        = errors.New("challenge is not accepting progress")
	ErrNotFound               = errors.New("not found")
	ErrNotEligible            = errors.New("student is outside the challenge scope")
	ErrInvalidInput           = errors.New("invalid input")

	// Configuration errors. The offending rule is skipped, evaluation goes on.
	ErrUnknownBadgeCriterion    = errors.New("unknown badge criterion")
	ErrMalformedChallengeMetric = errors.New("malformed challenge metric")
)

// notFound maps gorm.ErrRecordNotFound to ErrNotFound and leaves others as-is.
func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}

// isRetryable reports lock contention and serialization failures, which are
// safe to retry from the top of the transaction.
func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch strings.TrimSpace(pgErr.Code) {
		case "40001", "40P01", "55P03": // serialization/deadlock/lock_not_available
			return true
		}
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "deadlock") ||
		strings.Contains(msg, "could not serialize")
}

// isDuplicateKey reports a unique constraint violation.
func isDuplicateKey(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") || strings.Contains(msg, "duplicate key")
}
