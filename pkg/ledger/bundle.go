package ledger

import (
	"fmt"
	"strings"
)

// Bundle names a purchasable credit package.
type Bundle string

const (
	BundleSmall  Bundle = "SMALL"
	BundleMedium Bundle = "MEDIUM"
	BundleLarge  Bundle = "LARGE"
)

// BundleTerms is the price sheet entry for a bundle.
type BundleTerms struct {
	Credits        PositiveCredits
	AmountUSDCents int64
}

var bundleCatalog = map[Bundle]BundleTerms{
	BundleSmall:  {Credits: 5000, AmountUSDCents: 2000},
	BundleMedium: {Credits: 10000, AmountUSDCents: 3500},
	BundleLarge:  {Credits: 20000, AmountUSDCents: 6000},
}

// ParseBundle validates a bundle name case-insensitively.
func ParseBundle(raw string) (Bundle, error) {
	bundle := Bundle(strings.ToUpper(strings.TrimSpace(raw)))
	if _, ok := bundleCatalog[bundle]; !ok {
		return "", fmt.Errorf("%w: %q", ErrInvalidBundle, raw)
	}
	return bundle, nil
}

// Terms returns the catalog entry; unknown bundles yield zero terms.
func (bundle Bundle) Terms() BundleTerms {
	return bundleCatalog[bundle]
}

// String returns the bundle name.
func (bundle Bundle) String() string {
	return string(bundle)
}

// Bundles lists the catalog in ascending size.
func Bundles() []Bundle {
	return []Bundle{BundleSmall, BundleMedium, BundleLarge}
}
