package orderbook

import "github.com/shopspring/decimal"

// PriceLevel is the FIFO queue of resting orders at a single price.
type PriceLevel struct {
	Price decimal.Decimal
	Total decimal.Decimal

	queue []OrderID
}

func (p *PriceLevel) push(o *Order) {
	p.queue = append(p.queue, o.ID)
	p.Total = p.Total.Add(o.Remaining)
}

// remove drops id from the queue; o carries the quantity to take off Total.
func (p *PriceLevel) remove(o *Order) bool {
	for i, id := range p.queue {
		if id == o.ID {
			p.queue = append(p.queue[:i], p.queue[i+1:]...)
			p.Total = p.Total.Sub(o.Remaining)
			return true
		}
	}
	return false
}

func (p *PriceLevel) Empty() bool {
	return len(p.queue) == 0
}

func (p *PriceLevel) Len() int {
	return len(p.queue)
}

// IDs returns the queue in time priority. The slice must not be modified.
func (p *PriceLevel) IDs() []OrderID {
	return p.queue
}
