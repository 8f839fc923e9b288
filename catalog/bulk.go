package catalog

import (
	"context"
	"time"

	"carprice-aggregator/models"
	"carprice-aggregator/utils"
)

// BulkResult is the outcome of one item of a bulk lookup.
type BulkResult struct {
	Request models.ValuationRequest
	Guide   *models.PriceGuide
	Err     error
}

// GetBulkPriceGuides looks up every request in fixed-size batches separated
// by the configured delay, with item starts inside a batch spaced by ItemGap.
// Items fail independently; results keep input order.
func (c *Client) GetBulkPriceGuides(ctx context.Context, reqs []models.ValuationRequest, opts GuideOptions) []BulkResult {
	results := make([]BulkResult, len(reqs))
	size := c.cfg.BatchSize

	for start := 0; start < len(reqs); start += size {
		end := start + size
		if end > len(reqs) {
			end = len(reqs)
		}

		if start > 0 && c.cfg.BatchDelay > 0 {
			timer := time.NewTimer(c.cfg.BatchDelay)
			select {
			case <-ctx.Done():
				timer.Stop()
				for i := start; i < len(reqs); i++ {
					results[i] = BulkResult{Request: reqs[i], Err: ctx.Err()}
				}
				return results
			case <-timer.C:
			}
		}

		c.logger.Debug("[catalog] Bulk batch %d-%d of %d", start+1, end, len(reqs))
		pool := utils.NewWorkerPool(size, c.cfg.ItemGap)
		for i := start; i < end; i++ {
			i := i
			pool.Submit(func() {
				g, err := c.GetPriceGuide(ctx, reqs[i], opts)
				results[i] = BulkResult{Request: reqs[i], Guide: g, Err: err}
			})
		}
		pool.Wait()
	}

	failed := 0
	for _, r := range results {
		if r.Err != nil {
			failed++
		}
	}
	c.logger.Info("[catalog] Bulk lookup: %d ok, %d failed", len(reqs)-failed, failed)
	return results
}
