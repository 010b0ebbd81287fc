package action

import (
	"context"
	"errors"
	"math/rand"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/browsergrid/browsergrid/internal/config"
	"github.com/browsergrid/browsergrid/internal/metrics"
	"github.com/browsergrid/browsergrid/internal/types"
)

// Substring classification for errors bubbling out of the browser
// layer. Typed errors are classified by kind first; these lists only
// catch raw driver and network error strings.
var (
	nonRetryableFragments = []string{
		"page closed",
		"browser closed",
		"session closed",
		"invalid selector",
		"invalid argument",
		"security error",
		"permission denied",
		"not supported",
		"access denied",
		"element is not attached",
		"node is detached",
		"target closed",
		"browser has been closed",
		"net::ERR_ABORTED",
		"net::ERR_BLOCKED_BY_CLIENT",
		"net::ERR_NAME_NOT_RESOLVED",
	}
	retryableFragments = []string{
		"timeout",
		"timed out",
		"network error",
		"connection reset",
		"connection refused",
		"element not found",
		"element not visible",
		"element not interactable",
		"waiting for",
		"navigation failed",
		"net::ERR_NETWORK_CHANGED",
		"net::ERR_CONNECTION_RESET",
		"net::ERR_INTERNET_DISCONNECTED",
		"temporarily unavailable",
		"EOF",
	}
)

// Retryable decides whether an attempt may be repeated. Unrecognized
// errors count as retryable: a transient browser hiccup is far more
// common than an unknown permanent failure, and the attempt budget
// bounds the damage of guessing wrong.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, types.ErrCancelled) {
		return false
	}
	if errors.Is(err, types.ErrPageGone) || errors.Is(err, types.ErrPageNotFound) ||
		errors.Is(err, types.ErrOwnershipMismatch) || errors.Is(err, types.ErrAccessDenied) {
		return false
	}

	var te *types.Error
	if errors.As(err, &te) {
		return te.Kind.Retryable()
	}

	msg := err.Error()
	for _, frag := range nonRetryableFragments {
		if strings.Contains(msg, frag) {
			return false
		}
	}
	for _, frag := range retryableFragments {
		if strings.Contains(msg, frag) {
			return true
		}
	}
	return true
}

// Retrier runs an attempt with bounded exponential backoff.
type Retrier struct {
	MaxRetries int
	Base       time.Duration
	Max        time.Duration
	Factor     float64
}

func NewRetrier(cfg *config.Config) *Retrier {
	return &Retrier{
		MaxRetries: cfg.MaxRetries,
		Base:       cfg.RetryBase,
		Max:        cfg.RetryMax,
		Factor:     cfg.RetryBackoff,
	}
}

// Delay returns the backoff before the given retry (1-based), with up
// to 20% jitter so synchronized failures don't retry in lockstep.
func (r *Retrier) Delay(retry int) time.Duration {
	d := float64(r.Base)
	for i := 1; i < retry; i++ {
		d *= r.Factor
	}
	if d > float64(r.Max) {
		d = float64(r.Max)
	}
	d += d * 0.2 * (rand.Float64()*2 - 1)
	return time.Duration(d)
}

// Do runs fn until it succeeds, fails terminally, exhausts the retry
// budget, or the context ends. It returns the last error and how many
// attempts ran.
func (r *Retrier) Do(ctx context.Context, actionType string, fn func() error) (attempts int, err error) {
	for attempt := 0; ; attempt++ {
		attempts++
		err = fn()
		if err == nil {
			return attempts, nil
		}
		if attempt >= r.MaxRetries || !Retryable(err) {
			return attempts, err
		}

		delay := r.Delay(attempt + 1)
		metrics.ActionRetries.WithLabelValues(actionType).Inc()
		log.Debug().
			Err(err).
			Str("action", actionType).
			Int("attempt", attempt+1).
			Dur("backoff", delay).
			Msg("Retrying action")

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return attempts, err
		}
	}
}
