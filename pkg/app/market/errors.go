package market

import "errors"

// Failure taxonomy of the marketplace core. Every rejected operation
// surfaces exactly one of these to its caller; nothing is retried or
// recovered internally.
var (
	// ErrInvalidPrice rejects a listing with a zero price.
	ErrInvalidPrice = errors.New("price must be at least 1")
	// ErrTransferUnauthorized reports that the asset registry refused a
	// custody pull or push.
	ErrTransferUnauthorized = errors.New("asset registry refused transfer")
	// ErrItemNotFound rejects a purchase of an id outside 1..itemCount.
	ErrItemNotFound = errors.New("item not available")
	// ErrItemAlreadySold rejects a second purchase of the same listing.
	ErrItemAlreadySold = errors.New("item is already sold")
	// ErrInsufficientPayment rejects a purchase paying less than the
	// all-in price, or attaching more than the buyer holds.
	ErrInsufficientPayment = errors.New("not enough funds sent")
)
