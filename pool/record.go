package pool

// TradeRecord is the L1 side of a trade as stored in the pool's off-chain
// map. A record with Completed=true is semantically absent: readers drop it.
type TradeRecord struct {
	Key                TradeKey
	Depositor          string
	Amount             uint64
	InTransit          bool
	Claimant           string
	RefundAddress      string
	DepositBlockHeight uint64
	ExpiryBlockHeight  uint64
	Completed          bool
}

// Active reports whether the record represents a live trade.
func (r *TradeRecord) Active() bool {
	return r != nil && !r.Completed && r.Amount > 0
}
