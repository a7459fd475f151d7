package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/hackgods/telemed-booking/internal/appointment"
	"github.com/hackgods/telemed-booking/internal/realtime"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 50 * time.Second
	wsSendBuffer = 4
)

func newUpgrader(origins []string) *websocket.Upgrader {
	allowed := make(map[string]bool, len(origins))
	for _, o := range origins {
		allowed[o] = true
	}
	return &websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || allowed["*"] || allowed[origin]
		},
	}
}

func subscribeAppointmentsHandler(svc *appointment.Service, up *websocket.Upgrader, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		filter, err := parseListFilter(r)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_query", err.Error())
			return
		}

		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			// Upgrade has already replied
			return
		}

		serveSubscription(r.Context(), conn, log, func(ctx context.Context, send func(any)) error {
			return svc.SubscribeToAppointments(ctx, filter, func(res realtime.Result[appointment.Appointment]) {
				send(res)
			})
		})
	}
}

func subscribeDoctorsHandler(svc *appointment.Service, up *websocket.Upgrader, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}

		serveSubscription(r.Context(), conn, log, func(ctx context.Context, send func(any)) error {
			return svc.SubscribeToDoctors(ctx, func(res realtime.Result[appointment.Doctor]) {
				send(res)
			})
		})
	}
}

// serveSubscription runs a subscription for one websocket client until the
// client goes away. Each delivery is a full result set, so when the client
// falls behind older undelivered results are replaced by newer ones.
func serveSubscription(ctx context.Context, conn *websocket.Conn, log *zap.Logger, run func(ctx context.Context, send func(any)) error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	out := make(chan any, wsSendBuffer)
	writerDone := make(chan struct{})

	// clients only send control frames; any read error means they left
	go func() {
		defer cancel()
		conn.SetReadLimit(512)
		_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(wsPongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	go func() {
		defer close(writerDone)
		defer cancel()
		ticker := time.NewTicker(wsPingPeriod)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
					time.Now().Add(wsWriteWait))
				return
			case v := <-out:
				_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
				if err := conn.WriteJSON(v); err != nil {
					return
				}
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
					return
				}
			}
		}
	}()

	send := func(v any) {
		for {
			select {
			case out <- v:
				return
			case <-ctx.Done():
				return
			default:
				select {
				case <-out:
				default:
				}
			}
		}
	}

	if err := run(ctx, send); err != nil && ctx.Err() == nil {
		log.Warn("subscription ended", zap.Error(err))
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, err.Error()),
			time.Now().Add(wsWriteWait))
	}

	cancel()
	<-writerDone
	_ = conn.Close()
}
