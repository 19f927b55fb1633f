package handler

import (
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/alanyoungcy/hybridengine/internal/matching"
	"github.com/alanyoungcy/hybridengine/internal/service"
)

// defaultDepth is the number of levels per side when depth is not given.
const defaultDepth = 20

// MarketService is the read side the market handler needs.
type MarketService interface {
	Market(pair string) (service.MarketView, error)
	Depth(pair string, levels int) (matching.Depth, error)
	Pairs() []string
}

// MarketHandler serves market summaries and book snapshots.
type MarketHandler struct {
	markets MarketService
	logger  *slog.Logger
}

// NewMarketHandler creates a MarketHandler.
func NewMarketHandler(markets MarketService, logger *slog.Logger) *MarketHandler {
	return &MarketHandler{markets: markets, logger: logHandler(logger, "market")}
}

func pairParam(r *http.Request) string {
	return strings.ToUpper(strings.TrimSpace(r.URL.Query().Get("pair")))
}

// GetMarket returns the pair's book and pool summary. Without a pair it
// lists every pair.
// GET /market?pair=ETH-USDC
func (h *MarketHandler) GetMarket(w http.ResponseWriter, r *http.Request) {
	pair := pairParam(r)
	if pair == "" {
		views := make([]service.MarketView, 0)
		for _, p := range h.markets.Pairs() {
			v, err := h.markets.Market(p)
			if err != nil {
				writeDomainError(w, r, h.logger, err, errorBody{})
				return
			}
			views = append(views, v)
		}
		writeJSON(w, http.StatusOK, map[string]any{"markets": views})
		return
	}
	v, err := h.markets.Market(pair)
	if err != nil {
		writeDomainError(w, r, h.logger, err, errorBody{})
		return
	}
	writeJSON(w, http.StatusOK, v)
}

// GetOrderbook returns aggregated price levels.
// GET /orderbook?pair=ETH-USDC&depth=20
func (h *MarketHandler) GetOrderbook(w http.ResponseWriter, r *http.Request) {
	pair := pairParam(r)
	if pair == "" {
		writeError(w, http.StatusBadRequest, "pair query parameter required")
		return
	}
	levels := defaultDepth
	if v := r.URL.Query().Get("depth"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "depth must be a non-negative integer")
			return
		}
		levels = n
	}
	d, err := h.markets.Depth(pair, levels)
	if err != nil {
		writeDomainError(w, r, h.logger, err, errorBody{})
		return
	}
	writeJSON(w, http.StatusOK, d)
}
