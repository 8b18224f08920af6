package onchainlob

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/event"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/tidwall/gjson"

	"github.com/uhyunpark/hypermaker/pkg/execution"
)

const userOrdersChannel = "userOrders"

type subscribeRequest struct {
	Op      string `json:"op"`
	Channel string `json:"channel"`
	User    string `json:"user"`
	Market  string `json:"market"`
}

// SubscribeUserOrders streams order updates for user. The first dial happens
// before returning; afterwards the stream reconnects on its own and every
// reconnect starts with a fresh snapshot from the venue.
func (c *Client) SubscribeUserOrders(ctx context.Context, user common.Address, market string,
	sink chan<- execution.UserOrdersUpdate) (event.Subscription, error) {
	conn, err := c.dialUserOrders(ctx, user, market)
	if err != nil {
		return nil, err
	}
	return event.NewSubscription(func(quit <-chan struct{}) error {
		for {
			err := c.readUserOrders(conn, quit, sink)
			if err == nil {
				return nil
			}
			c.Logger.Warnw("user_orders_stream_lost", "market", market, "err", err)

			for {
				select {
				case <-quit:
					return nil
				case <-ctx.Done():
					return nil
				case <-time.After(c.ReconnectBackoff):
				}
				conn, err = c.dialUserOrders(ctx, user, market)
				if err == nil {
					break
				}
				c.Logger.Errorw("user_orders_redial_failed", "market", market, "err", err)
			}
		}
	}), nil
}

func (c *Client) dialUserOrders(ctx context.Context, user common.Address, market string) (*websocket.Conn, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.cfg.WSURL, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to dial %s", c.cfg.WSURL)
	}
	req := subscribeRequest{Op: "subscribe", Channel: userOrdersChannel, User: user.Hex(), Market: market}
	if err := conn.WriteJSON(req); err != nil {
		conn.Close()
		return nil, errors.Wrap(err, "failed to subscribe to user orders")
	}
	c.Logger.Infow("user_orders_subscribed", "url", c.cfg.WSURL, "user", user.Hex(), "market", market)
	return conn, nil
}

// readUserOrders forwards updates until quit (nil) or a read error.
func (c *Client) readUserOrders(conn *websocket.Conn, quit <-chan struct{}, sink chan<- execution.UserOrdersUpdate) error {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-quit:
		case <-done:
		}
		conn.Close()
	}()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-quit:
				return nil
			default:
				return errors.Wrap(err, "read user orders")
			}
		}
		u, ok, err := decodeUserOrders(msg)
		if err != nil {
			c.Logger.Warnw("user_orders_message_skipped", "err", err)
			continue
		}
		if !ok {
			continue
		}
		select {
		case sink <- u:
		case <-quit:
			return nil
		}
	}
}

// decodeUserOrders parses one stream frame. Frames for other channels,
// acknowledgements and heartbeats report ok == false.
func decodeUserOrders(msg []byte) (execution.UserOrdersUpdate, bool, error) {
	if !gjson.ValidBytes(msg) {
		return execution.UserOrdersUpdate{}, false, errors.New("invalid json frame")
	}
	frame := gjson.ParseBytes(msg)
	if frame.Get("channel").String() != userOrdersChannel || !frame.Get("data").Exists() {
		return execution.UserOrdersUpdate{}, false, nil
	}
	orders, err := parseOrders(frame.Get("data"))
	if err != nil {
		return execution.UserOrdersUpdate{}, false, err
	}
	return execution.UserOrdersUpdate{
		Market:     frame.Get("market").String(),
		IsSnapshot: frame.Get("isSnapshot").Bool(),
		Orders:     orders,
	}, true, nil
}
