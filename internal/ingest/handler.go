package ingest

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/emperorhan/pixelboard/internal/board"
	"github.com/emperorhan/pixelboard/internal/domain/model"
	"github.com/emperorhan/pixelboard/internal/metrics"
)

const maxRequestBodyBytes = 64 << 10

// eventArgs carries the event fields. Pointers distinguish absent fields
// from zero values.
type eventArgs struct {
	BoardID *int    `json:"boardId"`
	X       *int    `json:"x"`
	Y       *int    `json:"y"`
	Color   *string `json:"color"`
	Owner   *string `json:"owner"`
}

// webhookBody accepts both {"event":{"args":{...}}} and the flat field set.
type webhookBody struct {
	Event *struct {
		Args *eventArgs `json:"args"`
	} `json:"event"`
	eventArgs
}

func (b *webhookBody) args() eventArgs {
	if b.Event != nil {
		if b.Event.Args == nil {
			return eventArgs{}
		}
		return *b.Event.Args
	}
	return b.eventArgs
}

// toEvent reports the first missing field, in field order.
func (a eventArgs) toEvent() (model.PixelEvent, error) {
	switch {
	case a.BoardID == nil:
		return model.PixelEvent{}, missing("boardId")
	case a.X == nil:
		return model.PixelEvent{}, missing("x")
	case a.Y == nil:
		return model.PixelEvent{}, missing("y")
	case a.Color == nil:
		return model.PixelEvent{}, missing("color")
	case a.Owner == nil:
		return model.PixelEvent{}, missing("owner")
	}
	return model.PixelEvent{
		BoardID: model.BoardID(*a.BoardID),
		X:       *a.X,
		Y:       *a.Y,
		Color:   model.Color(*a.Color),
		Owner:   *a.Owner,
	}, nil
}

func missing(field string) error {
	return &board.ValidationError{Field: field, Reason: "missing"}
}

// Handler serves POST /webhook. Success is an empty 200; rejected events get
// 400 and durability failures 500 so the source redelivers.
func (i *Ingestor) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /webhook", i.handleWebhook)
	return mux
}

func (i *Ingestor) handleWebhook(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodyBytes)

	var body webhookBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		metrics.IngestEventsTotal.WithLabelValues("invalid", "malformed").Inc()
		i.logger.Info("malformed webhook body", "remote_addr", r.RemoteAddr, "error", err)
		writeError(w, http.StatusBadRequest, "malformed JSON body")
		return
	}

	ev, err := body.args().toEvent()
	if err != nil {
		metrics.IngestEventsTotal.WithLabelValues("invalid", "malformed").Inc()
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := i.Ingest(r.Context(), ev); err != nil {
		switch {
		case errors.Is(err, board.ErrValidation):
			writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, board.ErrDurability):
			writeError(w, http.StatusInternalServerError, "event could not be persisted")
		default:
			writeError(w, http.StatusInternalServerError, "internal server error")
		}
		return
	}
	w.WriteHeader(http.StatusOK)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
