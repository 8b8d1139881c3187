// Package fetcher reads deposit and savings product snapshots from external sources.
package fetcher

import (
	"context"

	"savings-alerts/internal/alert"
)

// ProductSource lists the current snapshots for one product kind.
type ProductSource interface {
	ListProductSnapshots(ctx context.Context, kind alert.ProductKind) ([]alert.ProductSnapshot, error)
}
