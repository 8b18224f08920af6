package onchainlob

import (
	"context"
	"io"
	"math/big"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/WinPooh32/fixed"
	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
	"github.com/tidwall/gjson"

	"github.com/uhyunpark/hypermaker/pkg/execution"
)

// GetOrders fetches the user's orders on one market.
func (c *Client) GetOrders(ctx context.Context, q execution.OrdersQuery) ([]execution.ExchangeOrder, error) {
	params := url.Values{}
	params.Set("market", q.Market)
	params.Set("user", q.User.Hex())
	if q.Status != "" {
		params.Set("status", q.Status)
	}
	if q.Limit > 0 {
		params.Set("limit", strconv.Itoa(q.Limit))
	}
	urlStr := c.cfg.RESTURL + "/orders?" + params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, urlStr, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create request %s", urlStr)
	}
	req.Header.Set("Accept", "application/json")
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to fetch %s", urlStr)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read %s", urlStr)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, errors.Errorf("failed to fetch %s: status %d: %s", urlStr, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if !gjson.ValidBytes(body) {
		return nil, errors.Errorf("failed to parse json from %s", urlStr)
	}
	return parseOrders(gjson.ParseBytes(body))
}

func parseOrders(list gjson.Result) ([]execution.ExchangeOrder, error) {
	if !list.IsArray() {
		return nil, errors.Errorf("expected order list, got %s", list.Type)
	}
	var out []execution.ExchangeOrder
	for _, v := range list.Array() {
		o, err := parseOrder(v)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, nil
}

// parseOrder decodes one order record. Sizes are base-unit integers, the
// price is a decimal string.
func parseOrder(v gjson.Result) (execution.ExchangeOrder, error) {
	id := v.Get("orderId").String()
	if id == "" {
		return execution.ExchangeOrder{}, errors.New("order without orderId")
	}

	price, err := fixed.NewSErr(v.Get("price").String())
	if err != nil {
		return execution.ExchangeOrder{}, errors.Wrapf(err, "order %s: price", id)
	}
	sizes := make([]*big.Int, 3)
	for i, key := range []string{"origSize", "size", "claimed"} {
		raw := v.Get(key).String()
		if raw == "" {
			raw = "0"
		}
		n, ok := new(big.Int).SetString(raw, 10)
		if !ok {
			return execution.ExchangeOrder{}, errors.Errorf("order %s: invalid %s %q", id, key, raw)
		}
		sizes[i] = n
	}

	market := v.Get("market.id").String()
	if market == "" {
		market = v.Get("market").String()
	}
	side := execution.Side(strings.ToLower(v.Get("side").String()))
	if side != execution.SideBid && side != execution.SideAsk {
		return execution.ExchangeOrder{}, errors.Errorf("order %s: invalid side %q", id, side)
	}

	return execution.ExchangeOrder{
		OrderID:     id,
		Market:      market,
		TxHash:      common.HexToHash(v.Get("txnHash").String()),
		Side:        side,
		Price:       price,
		Status:      v.Get("status").String(),
		OrigSize:    sizes[0],
		Size:        sizes[1],
		Claimed:     sizes[2],
		CreatedAt:   millis(v.Get("createdAt")),
		LastTouched: millis(v.Get("lastTouched")),
	}, nil
}

func millis(v gjson.Result) time.Time {
	if !v.Exists() {
		return time.Time{}
	}
	return time.UnixMilli(v.Int())
}
