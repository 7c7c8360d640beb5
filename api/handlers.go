package api

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"ecb-maintenance/dnd"
	"ecb-maintenance/domain"
	"ecb-maintenance/state"
)

const streamHeartbeat = 25 * time.Second

// Register wires up all API routes on the provided Echo instance. health may be nil.
func Register(e *echo.Echo, board Board, auth Authenticator, deduper Deduper, health HealthReporter, logger *log.Logger) {
	if board == nil || auth == nil || deduper == nil {
		panic("api.Register: board, auth and deduper are required")
	}
	if logger == nil {
		panic("api.Register: logger is required")
	}
	sessions := dnd.NewSessions(board)

	g := e.Group("/api", RequestMetrics(logger))
	g.GET("/board", getBoard(board, auth))
	g.POST("/actions", postActions(board, auth, deduper, logger))
	g.POST("/cars/schedule", scheduleCar(board, auth))
	g.POST("/drag/begin", beginDrag(sessions, auth))
	g.POST("/drag/hover", hoverDrag(sessions, auth))
	g.POST("/drag/end", endDrag(sessions, auth))
	e.GET("/api/board/stream", streamBoard(board, auth, logger))
	e.GET("/healthz", healthz(board, health))
}

func authenticate(c echo.Context, auth Authenticator) (string, error) {
	m := metricsFor(c)
	start := time.Now()
	operator, err := auth.OperatorFromAuthHeader(c.Request().Header.Get(echo.HeaderAuthorization))
	m.ObserveAuth(time.Since(start))
	if err != nil {
		m.SetErrorStage("auth")
		return "", err
	}
	m.SetOperator(operator)
	return operator, nil
}

func healthz(board Board, health HealthReporter) echo.HandlerFunc {
	return func(c echo.Context) error {
		resp := map[string]any{
			"status":  "ok",
			"version": board.Current().Version,
		}
		if health != nil {
			resp["outbox"] = health.Stats()
		}
		return c.JSON(http.StatusOK, resp)
	}
}

func getBoard(board Board, auth Authenticator) echo.HandlerFunc {
	return func(c echo.Context) error {
		if _, err := authenticate(c, auth); err != nil {
			return c.JSON(http.StatusUnauthorized, errorResponse{Error: err.Error()})
		}
		preview, _ := strconv.ParseBool(c.QueryParam("preview"))
		u := board.Current()
		metricsFor(c).SetVersion(u.Version)
		return c.JSON(http.StatusOK, boardView(u, preview))
	}
}

func boardView(u state.Update, preview bool) boardResponse {
	dragged := u.Board.DraggedItem
	resp := boardResponse{Version: u.Version, Lists: make([]listView, len(u.Board.Lists)), DraggedItem: dragged}
	for i, l := range u.Board.Lists {
		lv := listView{
			ID:     l.ID,
			Text:   l.Text,
			Hidden: domain.IsHidden(preview, dragged, domain.ItemColumn, l.ID),
			Cars:   make([]carView, len(l.Cars)),
		}
		for j, car := range l.Cars {
			lv.Cars[j] = carView{
				Car:       car,
				Hidden:    domain.IsHidden(preview, dragged, domain.ItemCard, car.ID),
				Scheduled: car.Scheduled(),
			}
		}
		resp.Lists[i] = lv
	}
	return resp
}

func readBody(c echo.Context, limit int64) ([]byte, int, error) {
	body, err := io.ReadAll(io.LimitReader(c.Request().Body, limit+1))
	if err != nil {
		var tooLarge *http.MaxBytesError
		var httpErr *echo.HTTPError
		if errors.As(err, &tooLarge) || (errors.As(err, &httpErr) && httpErr.Code == http.StatusRequestEntityTooLarge) {
			return nil, http.StatusRequestEntityTooLarge, errors.New("body too large")
		}
		return nil, http.StatusBadRequest, errors.New("unreadable body")
	}
	if int64(len(body)) > limit {
		return nil, http.StatusRequestEntityTooLarge, errors.New("body too large")
	}
	return body, 0, nil
}

func postActions(board Board, auth Authenticator, deduper Deduper, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		m := metricsFor(c)
		operator, err := authenticate(c, auth)
		if err != nil {
			return c.JSON(http.StatusUnauthorized, errorResponse{Error: err.Error()})
		}

		body, status, err := readBody(c, postActionsMaxSize)
		if err != nil {
			m.SetErrorStage("read_body")
			return c.JSON(status, errorResponse{Error: err.Error()})
		}
		var envs []domain.Envelope
		if err := sonic.Unmarshal(body, &envs); err != nil {
			m.SetErrorStage("decode")
			return c.JSON(http.StatusBadRequest, errorResponse{Error: "invalid body"})
		}
		if len(envs) == 0 {
			m.SetErrorStage("decode")
			return c.JSON(http.StatusBadRequest, errorResponse{Error: "no actions"})
		}

		// Every action is decoded before any is dispatched so a malformed batch changes nothing.
		actions := make([]domain.Action, len(envs))
		for i, env := range envs {
			a, err := env.Action()
			if err != nil {
				m.SetErrorStage("decode")
				return c.JSON(http.StatusBadRequest, errorResponse{Error: fmt.Sprintf("action %d: %v", i, err)})
			}
			actions[i] = a
		}

		ctx := c.Request().Context()
		results := make([]actionResult, len(actions))
		var applied, rejected, duplicates int
		for i, a := range actions {
			key := envs[i].IdempotencyKey
			if key == "" {
				key = uuid.NewString()
			}
			res := actionResult{IdempotencyKey: key, Type: a.Type()}

			added, err := deduper.Add(ctx, operator, key)
			if err != nil {
				logger.WithError(err).WithField("operator", operator).Error("idempotency check failed")
				m.SetErrorStage("dedupe")
				res.Status = statusFailed
				res.Error = "idempotency check unavailable"
				results[i] = res
				continue
			}
			if !added {
				duplicates++
				res.Status = statusDuplicate
				results[i] = res
				continue
			}

			start := time.Now()
			out, err := board.Dispatch(ctx, a)
			m.ObserveDispatch(time.Since(start))
			res.Version = out.Version
			switch {
			case err != nil:
				rejected++
				res.Status = statusRejected
				res.Error = err.Error()
				var ae *domain.ActionError
				if errors.As(err, &ae) {
					res.ErrorKind = ae.Kind()
				}
				if rmErr := deduper.Remove(ctx, operator, key); rmErr != nil {
					logger.WithError(rmErr).WithField("operator", operator).Warn("failed to release idempotency key")
				}
			case out.Changed:
				applied++
				res.Status = statusApplied
			default:
				res.Status = statusUnchanged
			}
			results[i] = res
		}

		version := board.Current().Version
		m.CountActions(len(actions), applied, rejected, duplicates)
		m.SetVersion(version)
		return c.JSON(http.StatusOK, postActionsResponse{Version: version, Results: results})
	}
}

// scheduleCar assigns a maintenance date to an unscheduled car and moves it to the top of the
// scheduled list.
func scheduleCar(board Board, auth Authenticator) echo.HandlerFunc {
	return func(c echo.Context) error {
		m := metricsFor(c)
		if _, err := authenticate(c, auth); err != nil {
			return c.JSON(http.StatusUnauthorized, errorResponse{Error: err.Error()})
		}
		body, status, err := readBody(c, postActionsMaxSize)
		if err != nil {
			m.SetErrorStage("read_body")
			return c.JSON(status, errorResponse{Error: err.Error()})
		}
		var req scheduleRequest
		if err := sonic.Unmarshal(body, &req); err != nil {
			m.SetErrorStage("decode")
			return c.JSON(http.StatusBadRequest, errorResponse{Error: "invalid body"})
		}

		dispatchStart := time.Now()
		res, err := board.DispatchFrom(c.Request().Context(), domain.ActionUpdateCar, func(b domain.Board) (domain.Action, error) {
			action, err := domain.ScheduleMaintenance(b, req.Index, req.EstimatedDate)
			if err != nil {
				return nil, err
			}
			return action, nil
		})
		m.ObserveDispatch(time.Since(dispatchStart))
		if err != nil {
			var ae *domain.ActionError
			if errors.As(err, &ae) {
				m.SetErrorStage("schedule")
				m.CountActions(1, 0, 1, 0)
				return c.JSON(http.StatusUnprocessableEntity, errorResponse{Error: err.Error(), Kind: ae.Kind()})
			}
			m.SetErrorStage("dispatch")
			return c.JSON(http.StatusInternalServerError, errorResponse{Error: err.Error()})
		}
		m.CountActions(1, 1, 0, 0)
		m.SetVersion(res.Version)

		resp := scheduleResponse{Version: res.Version}
		for _, l := range res.Board.Lists {
			if l.ID == domain.ScheduledListID && len(l.Cars) > 0 {
				resp.Car = l.Cars[0]
			}
		}
		return c.JSON(http.StatusOK, resp)
	}
}

func beginDrag(sessions *dnd.Sessions, auth Authenticator) echo.HandlerFunc {
	return func(c echo.Context) error {
		operator, err := authenticate(c, auth)
		if err != nil {
			return c.JSON(http.StatusUnauthorized, errorResponse{Error: err.Error()})
		}
		body, status, err := readBody(c, postActionsMaxSize)
		if err != nil {
			return c.JSON(status, errorResponse{Error: err.Error()})
		}
		var item domain.DragItem
		if err := sonic.Unmarshal(body, &item); err != nil {
			return c.JSON(http.StatusBadRequest, errorResponse{Error: "invalid body"})
		}

		sess := sessions.Get(operator)
		res, err := sess.Begin(c.Request().Context(), item)
		if err != nil {
			return dragError(c, err)
		}
		return c.JSON(http.StatusOK, dragResponse{Version: res.Version, Moved: false, DraggedItem: sess.Item()})
	}
}

func hoverDrag(sessions *dnd.Sessions, auth Authenticator) echo.HandlerFunc {
	return func(c echo.Context) error {
		operator, err := authenticate(c, auth)
		if err != nil {
			return c.JSON(http.StatusUnauthorized, errorResponse{Error: err.Error()})
		}
		body, status, err := readBody(c, postActionsMaxSize)
		if err != nil {
			return c.JSON(status, errorResponse{Error: err.Error()})
		}
		var req hoverRequest
		if err := sonic.Unmarshal(body, &req); err != nil {
			return c.JSON(http.StatusBadRequest, errorResponse{Error: "invalid body"})
		}

		sess := sessions.Get(operator)
		ctx := c.Request().Context()
		var (
			res   state.Result
			moved bool
		)
		switch req.Target {
		case "column":
			res, moved, err = sess.HoverColumn(ctx, req.Index, req.ColumnID)
		case "card":
			res, moved, err = sess.HoverCard(ctx, req.Index, req.CarID, req.ColumnID)
		default:
			return c.JSON(http.StatusBadRequest, errorResponse{Error: "target must be column or card"})
		}
		if err != nil {
			return dragError(c, err)
		}
		return c.JSON(http.StatusOK, dragResponse{Version: res.Version, Moved: moved, DraggedItem: sess.Item()})
	}
}

func endDrag(sessions *dnd.Sessions, auth Authenticator) echo.HandlerFunc {
	return func(c echo.Context) error {
		operator, err := authenticate(c, auth)
		if err != nil {
			return c.JSON(http.StatusUnauthorized, errorResponse{Error: err.Error()})
		}
		res, err := sessions.End(c.Request().Context(), operator)
		if err != nil {
			return dragError(c, err)
		}
		return c.JSON(http.StatusOK, dragResponse{Version: res.Version})
	}
}

func dragError(c echo.Context, err error) error {
	m := metricsFor(c)
	m.SetErrorStage("drag")
	var ae *domain.ActionError
	switch {
	case errors.Is(err, dnd.ErrNoDrag):
		return c.JSON(http.StatusConflict, errorResponse{Error: err.Error()})
	case errors.Is(err, dnd.ErrWrongItem), errors.Is(err, dnd.ErrInvalidItem):
		return c.JSON(http.StatusBadRequest, errorResponse{Error: err.Error()})
	case errors.As(err, &ae):
		return c.JSON(http.StatusUnprocessableEntity, errorResponse{Error: err.Error(), Kind: ae.Kind()})
	default:
		c.Logger().Error(err)
		return c.JSON(http.StatusInternalServerError, errorResponse{Error: err.Error()})
	}
}

func streamBoard(board Board, auth Authenticator, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		// EventSource cannot set headers, so the token may travel in the query string.
		header := c.Request().Header.Get(echo.HeaderAuthorization)
		if token := c.QueryParam("token"); header == "" && token != "" {
			header = "Bearer " + token
		}
		operator, err := auth.OperatorFromAuthHeader(header)
		if err != nil {
			return c.JSON(http.StatusUnauthorized, errorResponse{Error: err.Error()})
		}

		w := c.Response()
		w.Header().Set(echo.HeaderContentType, "text/event-stream")
		w.Header().Set(echo.HeaderCacheControl, "no-cache")
		w.Header().Set(echo.HeaderConnection, "keep-alive")
		w.Header().Set("X-Accel-Buffering", "no")
		flusher, ok := w.Writer.(http.Flusher)
		if !ok {
			return c.String(http.StatusInternalServerError, "stream unsupported")
		}

		updates, cancel := board.Subscribe()
		defer cancel()
		ctx := c.Request().Context()
		heartbeat := time.NewTicker(streamHeartbeat)
		defer heartbeat.Stop()

		streamLog := logger.WithField("operator", operator)
		streamLog.Debug("board stream opened")
		defer streamLog.Debug("board stream closed")

		u := board.Current()
		for {
			if err := writeEvent(w, u); err != nil {
				return nil
			}
			flusher.Flush()

		wait:
			for {
				select {
				case <-ctx.Done():
					return nil
				case next, ok := <-updates:
					if !ok {
						return nil
					}
					if next.Version <= u.Version {
						continue
					}
					u = next
					break wait
				case <-heartbeat.C:
					if _, err := io.WriteString(w, ": ping\n\n"); err != nil {
						return nil
					}
					flusher.Flush()
				}
			}
		}
	}
}

func writeEvent(w io.Writer, u state.Update) error {
	data, err := sonic.Marshal(boardView(u, false))
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "event: board\nid: %d\ndata: ", u.Version); err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		return err
	}
	_, err = io.WriteString(w, "\n\n")
	return err
}
