package action

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/browsergrid/browsergrid/internal/browser"
	"github.com/browsergrid/browsergrid/internal/config"
	"github.com/browsergrid/browsergrid/internal/driver"
	"github.com/browsergrid/browsergrid/internal/events"
	"github.com/browsergrid/browsergrid/internal/metrics"
	"github.com/browsergrid/browsergrid/internal/page"
	"github.com/browsergrid/browsergrid/internal/session"
	"github.com/browsergrid/browsergrid/internal/types"
)

// Executor runs the full action pipeline: validate, resolve ownership,
// scope the timeout, dispatch with retry, then record the outcome in
// the audit trail, the pool's health stats, and the event bus.
type Executor struct {
	cfg        *config.Config
	pages      *page.Manager
	pool       *browser.Pool
	store      *session.Store
	validator  *Validator
	dispatcher *Dispatcher
	retrier    *Retrier
	history    *History
	bus        *events.Bus
}

func NewExecutor(
	cfg *config.Config,
	pages *page.Manager,
	pool *browser.Pool,
	store *session.Store,
	validator *Validator,
	dispatcher *Dispatcher,
	bus *events.Bus,
) *Executor {
	e := &Executor{
		cfg:        cfg,
		pages:      pages,
		pool:       pool,
		store:      store,
		validator:  validator,
		dispatcher: dispatcher,
		retrier:    NewRetrier(cfg),
		history:    NewHistory(),
		bus:        bus,
	}
	store.OnTerminate(e.history.Drop)
	return e
}

// History exposes the audit trail for the REST surface.
func (e *Executor) History() *History { return e.history }

// Dispatcher exposes the registry so extensions can add types.
func (e *Executor) Dispatcher() *Dispatcher { return e.dispatcher }

// Execute runs one action on a page in the caller's session. Errors
// never escape as Go errors at this boundary: every outcome is an
// ActionResult.
func (e *Executor) Execute(ctx context.Context, caller types.Caller, sessionID string, a types.Action) types.ActionResult {
	start := time.Now()
	requestID := uuid.NewString()

	e.auditStart(sessionID, requestID, &a)

	if err := e.validator.Validate(&a); err != nil {
		return e.finish(sessionID, requestID, a, nil, 1, start, nil, nil, err)
	}
	warnings := e.validator.Advisories(&a)

	pg, err := e.pages.Resolve(caller, sessionID, a.PageID)
	if err != nil {
		return e.finish(sessionID, requestID, a, nil, 1, start, nil, warnings, err)
	}

	timeout := e.cfg.DefaultTimeout
	if a.Timeout > 0 {
		timeout = time.Duration(a.Timeout) * time.Millisecond
	}
	if timeout > e.cfg.MaxTimeout {
		timeout = e.cfg.MaxTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var data any
	attempts, err := e.retrier.Do(ctx, a.Type, func() error {
		return pg.Run(func(dp driver.Page) error {
			var runErr error
			data, runErr = e.dispatcher.Dispatch(ctx, dp, &a)
			return runErr
		})
	})

	e.pool.RecordResult(pg.Instance(), err)
	if err == nil && a.Type == types.ActionNavigate {
		pg.RecordNav(a.URL)
	}
	e.store.Touch(sessionID)

	return e.finish(sessionID, requestID, a, pg, attempts, start, data, warnings, err)
}

// ExecuteBatch runs actions sequentially. With stopOnError set, the
// first failure short-circuits; the returned slice still carries one
// result per executed action.
func (e *Executor) ExecuteBatch(ctx context.Context, caller types.Caller, sessionID string, actions []types.Action, stopOnError bool) ([]types.ActionResult, error) {
	if err := e.validator.ValidateBatch(actions); err != nil {
		return nil, err
	}

	results := make([]types.ActionResult, 0, len(actions))
	for i := range actions {
		res := e.Execute(ctx, caller, sessionID, actions[i])
		results = append(results, res)
		if !res.Success && stopOnError {
			break
		}
		if ctx.Err() != nil {
			break
		}
	}
	return results, nil
}

// auditStart emits the structured start-of-pipeline record before any
// validation or resolution runs.
func (e *Executor) auditStart(sessionID, requestID string, a *types.Action) {
	log.Info().
		Str("request_id", requestID).
		Str("session_id", sessionID).
		Str("page_id", a.PageID).
		Str("action", a.Type).
		Msg("Action started")
	if e.bus != nil {
		e.bus.Publish(events.Event{
			Channel:   "action:started",
			Type:      a.Type,
			SessionID: sessionID,
			PageID:    a.PageID,
			Data:      map[string]any{"requestId": requestID},
		})
	}
}

func (e *Executor) finish(sessionID, requestID string, a types.Action, pg *page.Page, attempts int, start time.Time, data any, warnings []string, err error) types.ActionResult {
	duration := time.Since(start)

	res := types.ActionResult{
		Success:    err == nil,
		ActionType: a.Type,
		Data:       data,
		Error:      types.FromError(err),
		Duration:   duration,
		Timestamp:  start,
	}
	meta := map[string]any{"requestId": requestID}
	if attempts > 1 {
		meta["retryAttempts"] = attempts
	}
	if len(warnings) > 0 {
		meta["warnings"] = warnings
	}
	res.Metadata = meta

	metrics.RecordAction(a.Type, err == nil, duration)
	entry := HistoryEntry{
		RequestID:  requestID,
		ActionType: a.Type,
		PageID:     a.PageID,
		Success:    err == nil,
		Error:      res.Error,
		Attempts:   attempts,
		Duration:   duration,
		Timestamp:  start,
	}
	if pg != nil {
		entry.ContextID = pg.ContextID
	}
	e.history.Record(sessionID, entry)

	evt := events.Event{
		Channel:   "action:executed",
		Type:      a.Type,
		SessionID: sessionID,
		PageID:    a.PageID,
		Data:      map[string]any{"success": err == nil, "durationMs": duration.Milliseconds()},
	}
	if pg != nil {
		evt.ContextID = pg.ContextID
		evt.UserID = pg.UserID
	}
	if e.bus != nil {
		e.bus.Publish(evt)
	}

	if err != nil {
		log.Debug().
			Err(err).
			Str("action", a.Type).
			Str("page_id", a.PageID).
			Str("session_id", sessionID).
			Int("attempts", attempts).
			Msg("Action failed")
	}
	return res
}
