package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
)

// PairAdmin restarts paused pairs.
type PairAdmin interface {
	Resume(ctx context.Context, pair string) ([]string, error)
}

// AdminHandler serves operator endpoints.
type AdminHandler struct {
	pairs  PairAdmin
	logger *slog.Logger
}

// NewAdminHandler creates an AdminHandler.
func NewAdminHandler(pairs PairAdmin, logger *slog.Logger) *AdminHandler {
	return &AdminHandler{pairs: pairs, logger: logHandler(logger, "admin")}
}

// ResumePair clears a pair's pause after an integrity sweep.
// POST /admin/pairs/{pair}/resume
func (h *AdminHandler) ResumePair(w http.ResponseWriter, r *http.Request) {
	pair := strings.ToUpper(r.PathValue("pair"))
	dropped, err := h.pairs.Resume(r.Context(), pair)
	if err != nil {
		writeDomainError(w, r, h.logger, err, errorBody{})
		return
	}
	if dropped == nil {
		dropped = []string{}
	}
	h.logger.WarnContext(r.Context(), "pair resumed by operator",
		slog.String("pair", pair),
		slog.Int("dropped", len(dropped)),
	)
	writeJSON(w, http.StatusOK, map[string]any{"pair": pair, "resumed": true, "droppedOrders": dropped})
}
