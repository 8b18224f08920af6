package api

// API response types for REST endpoints and WebSocket messages

// ==============================
// REST Response Types
// ==============================

// MarketInfo represents a traded symbol's configuration
type MarketInfo struct {
	Symbol         string   `json:"symbol"`       // e.g., "BTC/USDC"
	SourceSymbol   string   `json:"sourceSymbol"` // reference market, e.g., "BTC/USDT"
	Contract       string   `json:"contract"`     // market contract address
	PricePrecision int      `json:"pricePrecision"`
	ModifySpread   float64  `json:"modifySpreadPct"`
	Bids           SideInfo `json:"bids"`
	Asks           SideInfo `json:"asks"`
}

// SideInfo is the quoting configuration of one side
type SideInfo struct {
	Enabled       bool    `json:"enabled"`
	Spread        float64 `json:"spreadPct"`
	LimitCount    int     `json:"limitCount"`
	LimitDistance float64 `json:"limitDistancePct"`
	Qty           string  `json:"qty"` // base units
}

// StatusResponse is the service health beyond liveness
type StatusResponse struct {
	ExecutorAvailable bool           `json:"executorAvailable"`
	SourceAvailable   bool           `json:"sourceAvailable"`
	Markets           []MarketStatus `json:"markets"`
	Timestamp         int64          `json:"timestamp"` // Unix milliseconds
}

type MarketStatus struct {
	Symbol  string   `json:"symbol"`
	Active  int      `json:"active"`
	Pending int      `json:"pending"`
	Bid     *float64 `json:"referenceBid,omitempty"`
	Ask     *float64 `json:"referenceAsk,omitempty"`
}

// OrderInfo represents an order known to the executor
type OrderInfo struct {
	OrderID   string `json:"orderId"`
	TxHash    string `json:"txHash"`
	Symbol    string `json:"symbol"`
	Side      string `json:"side"`   // "bid" or "ask"
	Price     string `json:"price"`  // decimal string
	Qty       string `json:"qty"`    // base units
	LeaveQty  string `json:"leaveQty"`
	Status    string `json:"status"` // "pending", "placed", "partially_filled", ...
	Timestamp int64  `json:"timestamp"` // Unix milliseconds of the last change
}

// OrdersResponse is the payload of GET /api/v1/markets/{symbol}/orders
type OrdersResponse struct {
	Symbol  string      `json:"symbol"`
	Active  []OrderInfo `json:"active"`
	Pending []OrderInfo `json:"pending"`
}

// ==============================
// WebSocket Message Types
// ==============================

// WSMessage is the base structure for all WebSocket messages
type WSMessage struct {
	Type string      `json:"type"` // "orders"
	Data interface{} `json:"data"` // Type-specific payload
}

// WSSubscribeRequest is sent by client to subscribe to channels
type WSSubscribeRequest struct {
	Op       string   `json:"op"`       // "subscribe" or "unsubscribe"
	Channels []string `json:"channels"` // e.g., ["orders:BTC/USDC"]
}

// OrdersUpdate is broadcast when the executor reports changed orders
type OrdersUpdate struct {
	Type      string      `json:"type"` // "orders"
	Symbol    string      `json:"symbol"`
	Orders    []OrderInfo `json:"orders"`
	Timestamp int64       `json:"timestamp"`
}

// ErrorResponse is returned for all errors
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}
