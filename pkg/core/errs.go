package core

import (
	"errors"
	"fmt"
)

var (
	ErrSubscriptionLimit = errors.New("subscription limit reached")
	ErrCoinNotFound      = errors.New("coin not found")
	ErrNoCoinData        = errors.New("no coin data available")
	ErrMalformedCoin     = errors.New("malformed coin record")
	ErrMalformedNews     = errors.New("malformed news item")
	ErrInvalidToken      = errors.New("invalid token")
	ErrMissingToken      = errors.New("missing telegram token")
)

// HTTPError is returned when an upstream API answers with a non-2xx status
type HTTPError struct {
	Status int
	URL    string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("unexpected status %d from %s", e.Status, e.URL)
}
