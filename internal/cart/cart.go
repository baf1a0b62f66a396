package cart

import (
	"slices"
	"time"
)

const CheckoutMessage = "Mock checkout successful — no payment processed."

type LineItem struct {
	ProductID int     `json:"productId" bson:"productId"`
	Name      string  `json:"name" bson:"name"`
	Price     float64 `json:"price" bson:"price"`
	Qty       int     `json:"qty" bson:"qty"`
}

// Cart is keyed by a client supplied id. Total is derived from Items and is
// recomputed by every mutation.
type Cart struct {
	CartID  string     `json:"cartId,omitempty" bson:"cartId"`
	Items   []LineItem `json:"items" bson:"items"`
	Total   float64    `json:"total" bson:"total"`
	Version int64      `json:"-" bson:"version"`
}

func New(cartID string) Cart {
	return Cart{CartID: cartID, Items: []LineItem{}}
}

// Empty is what clients get for a cart that does not exist.
func Empty() Cart {
	return Cart{Items: []LineItem{}}
}

func (c *Cart) Recalculate() {
	if c.Items == nil {
		c.Items = []LineItem{}
	}
	var total float64
	for _, it := range c.Items {
		total += it.Price * float64(it.Qty)
	}
	c.Total = total
}

// ApplyDelta adds delta to the product's line item, dropping it when the quantity
// is no longer positive. A product not yet in the cart is appended only for a
// positive delta.
func (c *Cart) ApplyDelta(item LineItem, delta int) {
	defer c.Recalculate()

	for i := range c.Items {
		if c.Items[i].ProductID != item.ProductID {
			continue
		}
		c.Items[i].Qty += delta
		if c.Items[i].Qty <= 0 {
			c.Items = slices.Delete(c.Items, i, i+1)
		}
		return
	}

	if delta > 0 {
		item.Qty = delta
		c.Items = append(c.Items, item)
	}
}

// Remove drops every line item for productID and reports whether any was removed.
func (c *Cart) Remove(productID int) bool {
	defer c.Recalculate()

	n := len(c.Items)
	c.Items = slices.DeleteFunc(c.Items, func(it LineItem) bool { return it.ProductID == productID })
	return len(c.Items) != n
}

func (c Cart) clone() Cart {
	c.Items = slices.Clone(c.Items)
	if c.Items == nil {
		c.Items = []LineItem{}
	}
	return c
}

type Receipt struct {
	Name      string     `json:"name"`
	Email     string     `json:"email"`
	CartID    string     `json:"cartId"`
	Items     []LineItem `json:"items"`
	Total     float64    `json:"total"`
	Timestamp string     `json:"timestamp"`
	OrderID   string     `json:"orderId"`
	Message   string     `json:"message"`
}

const timestampLayout = "2006-01-02T15:04:05.000Z07:00"

func NewReceipt(c Cart, name, email, orderID string, now time.Time) Receipt {
	c.Recalculate()
	return Receipt{
		Name:      name,
		Email:     email,
		CartID:    c.CartID,
		Items:     c.Items,
		Total:     c.Total,
		Timestamp: now.UTC().Format(timestampLayout),
		OrderID:   orderID,
		Message:   CheckoutMessage,
	}
}
