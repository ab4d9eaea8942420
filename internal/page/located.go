package page

import "github.com/hupe1980/btscan/model"

// Located is the result of descending to a page for a key.
type Located struct {
	// Index is the internal item whose range contains the key. Zero for
	// leaf pages.
	Index int
	// Low is the low key of the page, nil for the leftmost page.
	Low []byte
	// ReadCSN is the CSN current when the page was read.
	ReadCSN model.CSN
	// Hint is the block the page was read from.
	Hint model.LocationHint
}
