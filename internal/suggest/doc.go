// Package suggest implements the per-lot decision heuristic and the batch
// that regenerates the stored suggestion set.
//
// Decisions are made in a fixed priority order: expired lots are disposed,
// lots predicted to sell out within the restock threshold are restocked,
// then the expiry ratio (fraction of shelf life left minus fraction of stock
// left) selects a price increase or decrease. All price and ratio arithmetic
// uses shopspring/decimal.
//
// RegenerateAll has full-replace semantics: the stored set is discarded and
// rewritten in one transaction on every run. There is no incremental
// "already suggested" filter.
package suggest
