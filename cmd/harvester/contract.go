package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spec-harvester/convergence/internal/hashid"
	"github.com/spec-harvester/convergence/internal/types"
)

// loadContract reads a category contract from a JSON file (the external
// category schema CategoryContract.Fields documents itself as being
// "loaded from").
func loadContract(path string) (types.CategoryContract, error) {
	b, err := os.ReadFile(path) //nolint:gosec // operator-supplied path
	if err != nil {
		return types.CategoryContract{}, fmt.Errorf("read contract %s: %w", path, err)
	}
	var c types.CategoryContract
	if err := json.Unmarshal(b, &c); err != nil {
		return types.CategoryContract{}, fmt.Errorf("parse contract %s: %w", path, err)
	}
	return c, nil
}

// productArgs is the flag-level shape of a run target, before the
// identity fingerprint is derived.
type productArgs struct {
	category string
	brand    string
	model    string
	variant  string
	sku      string
	aliases  []string
}

func (p productArgs) toProduct() types.Product {
	fingerprint := hashid.ContentHash([]byte(p.brand + "|" + p.model + "|" + p.variant + "|" + p.sku))
	return types.Product{
		ProductID:           fingerprint,
		Category:            p.category,
		Brand:               p.brand,
		Model:               p.model,
		Variant:             p.variant,
		SKU:                 p.sku,
		Aliases:             p.aliases,
		IdentityFingerprint: fingerprint,
	}
}
