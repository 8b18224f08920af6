// Package api serves the maker's operational surface: health, status, the
// executor's order view, Prometheus metrics and a websocket feed of order
// changes.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/event"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/uhyunpark/hypermaker/params"
	"github.com/uhyunpark/hypermaker/pkg/execution"
	"github.com/uhyunpark/hypermaker/pkg/marketdata"
)

// OrderSource is the executor view the server reports on.
type OrderSource interface {
	IsAvailable() bool
	ActiveOrders(symbol string) []execution.Order
	PendingOrders(symbol string) []execution.Order
	SubscribeOrdersChanged(ch chan<- []execution.Order) event.Subscription
}

// QuoteSource is the reference price feed.
type QuoteSource interface {
	IsAvailable() bool
	TopOfBook(symbol string) (marketdata.Quote, bool)
}

// Server handles REST API and WebSocket connections
type Server struct {
	logger  *zap.SugaredLogger
	symbols map[string]params.SymbolConfig
	orders  OrderSource
	quotes  QuoteSource
	router  *mux.Router
	hub     *Hub // WebSocket hub
}

// NewServer creates a new API server
func NewServer(symbols []params.SymbolConfig, orders OrderSource, quotes QuoteSource, logger *zap.SugaredLogger) *Server {
	s := &Server{
		logger:  logger,
		symbols: make(map[string]params.SymbolConfig, len(symbols)),
		orders:  orders,
		quotes:  quotes,
		router:  mux.NewRouter(),
		hub:     NewHub(logger),
	}
	for _, sym := range symbols {
		s.symbols[sym.Symbol] = sym
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	// API v1 routes
	api := s.router.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/status", s.handleGetStatus).Methods("GET")
	api.HandleFunc("/markets", s.handleGetMarkets).Methods("GET")
	api.HandleFunc("/markets/{symbol}/orders", s.handleGetOrders).Methods("GET")

	// WebSocket endpoint
	s.router.HandleFunc("/ws", s.handleWebSocket)

	s.router.Handle("/metrics", promhttp.Handler()).Methods("GET")
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
}

// Handler returns the routed handler with CORS applied.
func (s *Server) Handler() http.Handler {
	c := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type"},
	})
	return c.Handler(s.router)
}

// Run serves on addr and relays order changes to websocket subscribers
// until ctx is done.
func (s *Server) Run(ctx context.Context, addr string) error {
	hubCtx, stopHub := context.WithCancel(context.Background())
	defer stopHub()
	go s.hub.Run(hubCtx)

	changes := make(chan []execution.Order, 64)
	sub := s.orders.SubscribeOrdersChanged(changes)
	defer sub.Unsubscribe()
	go s.relayOrders(hubCtx, changes)

	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		s.logger.Infow("api_listening", "addr", addr)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	s.logger.Infow("api_stopped")
	return nil
}

func (s *Server) relayOrders(ctx context.Context, changes <-chan []execution.Order) {
	for {
		select {
		case <-ctx.Done():
			return
		case batch := <-changes:
			s.BroadcastOrders(batch)
		}
	}
}

// ==============================
// REST Handlers
// ==============================

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, map[string]string{"status": "ok"})
}

func (s *Server) handleGetStatus(w http.ResponseWriter, r *http.Request) {
	response := StatusResponse{
		ExecutorAvailable: s.orders.IsAvailable(),
		SourceAvailable:   s.quotes.IsAvailable(),
		Markets:           []MarketStatus{},
		Timestamp:         time.Now().UnixMilli(),
	}
	for _, sym := range s.sortedSymbols() {
		cfg := s.symbols[sym]
		ms := MarketStatus{
			Symbol:  sym,
			Active:  len(s.orders.ActiveOrders(sym)),
			Pending: len(s.orders.PendingOrders(sym)),
		}
		if q, ok := s.quotes.TopOfBook(cfg.SourceSymbol); ok {
			bid, ask := q.Bid, q.Ask
			ms.Bid, ms.Ask = &bid, &ask
		}
		response.Markets = append(response.Markets, ms)
	}

	respondJSON(w, response)
}

func (s *Server) handleGetMarkets(w http.ResponseWriter, r *http.Request) {
	response := make([]MarketInfo, 0, len(s.symbols))
	for _, sym := range s.sortedSymbols() {
		cfg := s.symbols[sym]
		response = append(response, MarketInfo{
			Symbol:         cfg.Symbol,
			SourceSymbol:   cfg.SourceSymbol,
			Contract:       cfg.ContractAddress.Hex(),
			PricePrecision: cfg.PricePrecision,
			ModifySpread:   cfg.ModifySpreadInPercents,
			Bids:           sideInfo(cfg.Bids),
			Asks:           sideInfo(cfg.Asks),
		})
	}

	respondJSON(w, response)
}

// handleGetOrders accepts "BTC-USDC" for the symbol "BTC/USDC".
func (s *Server) handleGetOrders(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	symbol := strings.ReplaceAll(vars["symbol"], "-", "/")

	if _, ok := s.symbols[symbol]; !ok {
		respondError(w, http.StatusNotFound, "market not found", symbol)
		return
	}

	response := OrdersResponse{
		Symbol:  symbol,
		Active:  orderInfos(s.orders.ActiveOrders(symbol)),
		Pending: orderInfos(s.orders.PendingOrders(symbol)),
	}

	respondJSON(w, response)
}

// ==============================
// Broadcast Methods
// ==============================

// BroadcastOrders sends a changed-orders batch to "orders:{symbol}" subscribers
func (s *Server) BroadcastOrders(batch []execution.Order) {
	bySymbol := make(map[string][]execution.Order)
	for _, o := range batch {
		bySymbol[o.Symbol] = append(bySymbol[o.Symbol], o)
	}
	now := time.Now().UnixMilli()
	for symbol, orders := range bySymbol {
		s.hub.BroadcastToChannel("orders:"+symbol, OrdersUpdate{
			Type:      "orders",
			Symbol:    symbol,
			Orders:    orderInfos(orders),
			Timestamp: now,
		})
	}
}

// ==============================
// Helper Functions
// ==============================

func (s *Server) sortedSymbols() []string {
	out := make([]string, 0, len(s.symbols))
	for sym := range s.symbols {
		out = append(out, sym)
	}
	sort.Strings(out)
	return out
}

func sideInfo(sc params.SideConfig) SideInfo {
	info := SideInfo{
		Enabled:       sc.Enabled,
		Spread:        sc.SpreadInPercents,
		LimitCount:    sc.LimitCount,
		LimitDistance: sc.LimitDistanceInPercents,
	}
	if sc.Qty != nil {
		info.Qty = sc.Qty.String()
	}
	return info
}

func orderInfos(orders []execution.Order) []OrderInfo {
	sort.Slice(orders, func(i, j int) bool {
		if orders[i].Side != orders[j].Side {
			return orders[i].Side == execution.SideBid
		}
		return orders[i].Price.GreaterThan(orders[j].Price)
	})
	out := make([]OrderInfo, 0, len(orders))
	for _, o := range orders {
		info := OrderInfo{
			OrderID:   o.OrderID,
			TxHash:    o.TxHash.Hex(),
			Symbol:    o.Symbol,
			Side:      string(o.Side),
			Price:     o.Price.String(),
			Status:    o.Status.String(),
			Timestamp: o.LastChanged.UnixMilli(),
		}
		if o.Qty != nil {
			info.Qty = o.Qty.String()
		}
		if o.LeaveQty != nil {
			info.LeaveQty = o.LeaveQty.String()
		}
		out = append(out, info)
	}
	return out
}

func respondJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, error string, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(ErrorResponse{
		Error:   error,
		Message: message,
	})
}
