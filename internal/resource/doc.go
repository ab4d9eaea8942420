// Package resource governs the memory, worker and IO budgets of a tree.
//
//   - Memory: undo images and cached checkpoint pages are accounted against
//     a fail-fast limit.
//   - Workers: checkpoint writers encode pages with bounded concurrency.
//   - IO: disk-phase page reads draw from a token bucket so a large scan
//     does not starve foreground lookups.
//
// A nil *Controller is valid and imposes no limits.
package resource
