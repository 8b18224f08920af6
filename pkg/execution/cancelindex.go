package execution

import "github.com/ethereum/go-ethereum/common"

// cancelIndex correlates in-flight cancel transactions with the orders they
// target. Both directions are kept in one structure so they cannot drift.
// An order is marked before its cancel transaction exists, so an order may be
// present without a bound transaction.
type cancelIndex struct {
	byOrder map[string]common.Hash // zero hash until bound
	byTx    map[common.Hash]string
}

func newCancelIndex() *cancelIndex {
	return &cancelIndex{
		byOrder: make(map[string]common.Hash),
		byTx:    make(map[common.Hash]string),
	}
}

// Mark records orderID as cancelling. It returns false if it already was.
func (c *cancelIndex) Mark(orderID string) bool {
	if _, ok := c.byOrder[orderID]; ok {
		return false
	}
	c.byOrder[orderID] = common.Hash{}
	return true
}

// Bind attaches the cancel transaction to a marked order. It returns false,
// recording nothing, if the order was unmarked while the transaction was sent.
func (c *cancelIndex) Bind(tx common.Hash, orderID string) bool {
	if _, ok := c.byOrder[orderID]; !ok {
		return false
	}
	c.byOrder[orderID] = tx
	c.byTx[tx] = orderID
	return true
}

// Unmark drops orderID and its transaction, if any.
func (c *cancelIndex) Unmark(orderID string) {
	if tx, ok := c.byOrder[orderID]; ok {
		delete(c.byTx, tx)
		delete(c.byOrder, orderID)
	}
}

// RemoveByTx drops the correlation for tx and returns the order it targeted.
func (c *cancelIndex) RemoveByTx(tx common.Hash) (string, bool) {
	orderID, ok := c.byTx[tx]
	if !ok {
		return "", false
	}
	delete(c.byTx, tx)
	delete(c.byOrder, orderID)
	return orderID, true
}

func (c *cancelIndex) Has(orderID string) bool {
	_, ok := c.byOrder[orderID]
	return ok
}

func (c *cancelIndex) Len() int {
	return len(c.byOrder)
}
