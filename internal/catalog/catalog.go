// Package catalog maps the numeric product codes campaigns carry to the
// storefront's product ids and prices.
package catalog

import (
	"fmt"
	"os"
	"strings"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/promotarget/promo-bridge/internal/domain"
)

// Item is one storefront product.
type Item struct {
	ID           string          `yaml:"id" json:"id"`
	Name         string          `yaml:"name" json:"name"`
	ProductCode  uint16          `yaml:"product_code" json:"product_code"`
	CategoryCode uint16          `yaml:"category_code" json:"category_code"`
	Price        decimal.Decimal `yaml:"price" json:"price"`
	Currency     string          `yaml:"currency" json:"currency"`
}

// PriceLamports is the item price in lamports when it is quoted in SOL.
func (i Item) PriceLamports() (uint64, bool) {
	if !strings.EqualFold(i.Currency, "SOL") || i.Price.IsZero() {
		return 0, false
	}
	l, err := domain.SOLToLamports(i.Price)
	if err != nil {
		return 0, false
	}
	return l, true
}

type file struct {
	Products []Item `yaml:"products"`
}

// Catalog is read-only after load.
type Catalog struct {
	items  []Item
	byCode map[uint16]Item
	byID   map[string]Item
}

// New indexes items. Product codes and ids must be unique.
func New(items []Item) (*Catalog, error) {
	c := &Catalog{
		byCode: make(map[uint16]Item, len(items)),
		byID:   make(map[string]Item, len(items)),
	}
	for _, it := range items {
		if it.ID == "" {
			return nil, fmt.Errorf("product code %d: id is required", it.ProductCode)
		}
		if it.Currency == "" {
			it.Currency = "SOL"
		}
		if _, dup := c.byCode[it.ProductCode]; dup {
			return nil, fmt.Errorf("product code %d is listed twice", it.ProductCode)
		}
		if _, dup := c.byID[it.ID]; dup {
			return nil, fmt.Errorf("product id %s is listed twice", it.ID)
		}
		c.items = append(c.items, it)
		c.byCode[it.ProductCode] = it
		c.byID[it.ID] = it
	}
	return c, nil
}

// Empty is a catalog that knows no products.
func Empty() *Catalog {
	c, _ := New(nil)
	return c
}

// LoadFromPath reads a YAML catalog file.
func LoadFromPath(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog: %w", err)
	}
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse catalog: %w", err)
	}
	return New(f.Products)
}

// ByProductCode returns the product a campaign product code refers to.
func (c *Catalog) ByProductCode(code uint16) (Item, bool) {
	it, ok := c.byCode[code]
	return it, ok
}

// ByID returns a product by storefront id.
func (c *Catalog) ByID(id string) (Item, bool) {
	it, ok := c.byID[id]
	return it, ok
}

// Items lists the products in file order.
func (c *Catalog) Items() []Item {
	return append([]Item(nil), c.items...)
}
