package httpremote

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/roach88/offsync/internal/record"
	"github.com/roach88/offsync/internal/remote"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

type server struct {
	backend remote.Backend
	logger  *slog.Logger
}

// NewHandler exposes b over the routes Client speaks. The CLI serve
// command and the tests use it in front of an in-memory backend.
func NewHandler(b remote.Backend, logger *slog.Logger) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	s := &server{backend: b, logger: logger}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /resources/{name}", s.query)
	mux.HandleFunc("POST /resources/{name}", s.insert)
	mux.HandleFunc("PATCH /resources/{name}/{id}", s.update)
	mux.HandleFunc("DELETE /resources/{name}/{id}", s.remove)
	mux.HandleFunc("GET /feed/{name}", s.feed)
	return mux
}

func (s *server) query(w http.ResponseWriter, r *http.Request) {
	var q record.Query
	params := r.URL.Query()
	if field := params.Get("filter"); field != "" {
		var value any
		dec := json.NewDecoder(strings.NewReader(params.Get("eq")))
		dec.UseNumber()
		if err := dec.Decode(&value); err != nil {
			writeError(w, http.StatusBadRequest, "eq: "+err.Error())
			return
		}
		q.Filter = &record.Filter{Field: field, Value: value}
	}
	if field := params.Get("order"); field != "" {
		q.Order = &record.Order{Field: field, Desc: parseBool(params.Get("desc"))}
	}

	rows, err := s.backend.Query(r.Context(), r.PathValue("name"), q)
	if err != nil {
		s.fail(w, err)
		return
	}
	if rows == nil {
		rows = record.Snapshot{}
	}
	writeJSON(w, http.StatusOK, rows)
}

func (s *server) insert(w http.ResponseWriter, r *http.Request) {
	payload, ok := readPayload(w, r)
	if !ok {
		return
	}
	row, err := s.backend.Insert(r.Context(), r.PathValue("name"), payload)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, row)
}

func (s *server) update(w http.ResponseWriter, r *http.Request) {
	payload, ok := readPayload(w, r)
	if !ok {
		return
	}
	row, err := s.backend.Update(r.Context(), r.PathValue("name"), record.ID(r.PathValue("id")), payload)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, row)
}

func (s *server) remove(w http.ResponseWriter, r *http.Request) {
	if err := s.backend.Delete(r.Context(), r.PathValue("name"), record.ID(r.PathValue("id"))); err != nil {
		s.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// feed subscribes before upgrading so no commit made after the handshake
// completes is missed.
func (s *server) feed(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	out := newOutbox()

	unsubscribe, err := s.backend.Subscribe(r.Context(), name, out.push)
	if err != nil {
		s.fail(w, err)
		return
	}
	defer unsubscribe()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("feed upgrade failed", "resource", name, "error", err)
		return
	}
	defer func() { _ = conn.Close() }()

	// Reads only detect the peer going away.
	go func() {
		defer out.stop()
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	for {
		events, ok := out.wait()
		if !ok {
			return
		}
		for _, ev := range events {
			msg, err := json.Marshal(ev)
			if err != nil {
				s.logger.Warn("dropping unencodable event", "resource", name, "error", err)
				continue
			}
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		}
	}
}

func (s *server) fail(w http.ResponseWriter, err error) {
	var re *remote.Error
	switch {
	case errors.As(err, &re) && re.Code == remote.CodeRejected:
		status := re.Status
		if status < 400 || status >= 500 {
			status = http.StatusUnprocessableEntity
		}
		writeError(w, status, err.Error())
	case remote.IsTransient(err):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		s.logger.Error("backend call failed", "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func readPayload(w http.ResponseWriter, r *http.Request) (record.Record, bool) {
	var payload record.Record
	dec := json.NewDecoder(r.Body)
	dec.UseNumber()
	if err := dec.Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "body: "+err.Error())
		return nil, false
	}
	return payload, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// outbox buffers feed events between the backend's handler and the
// connection writer without blocking the backend.
type outbox struct {
	mu      sync.Mutex
	events  []remote.Event
	signal  chan struct{}
	stopped bool
}

func newOutbox() *outbox {
	return &outbox{signal: make(chan struct{}, 1)}
}

func (o *outbox) push(ev remote.Event) {
	o.mu.Lock()
	if o.stopped {
		o.mu.Unlock()
		return
	}
	o.events = append(o.events, ev)
	o.mu.Unlock()
	o.kick()
}

func (o *outbox) stop() {
	o.mu.Lock()
	o.stopped = true
	o.mu.Unlock()
	o.kick()
}

func (o *outbox) kick() {
	select {
	case o.signal <- struct{}{}:
	default:
	}
}

// wait blocks until events are pending or the outbox is stopped.
func (o *outbox) wait() ([]remote.Event, bool) {
	for {
		o.mu.Lock()
		if o.stopped {
			o.mu.Unlock()
			return nil, false
		}
		if len(o.events) > 0 {
			events := o.events
			o.events = nil
			o.mu.Unlock()
			return events, true
		}
		o.mu.Unlock()
		<-o.signal
	}
}

func parseBool(s string) bool {
	b, err := strconv.ParseBool(s)
	return err == nil && b
}
