package port

import (
	"context"
	"io"
)

// RangeResponse is the body of a ranged GET
type RangeResponse struct {
	// Body is the response stream. The caller must close it.
	Body io.ReadCloser

	// ContentLength is the number of bytes Body will yield, -1 if unknown
	ContentLength int64

	// Offset is the position of the first byte of Body in the remote resource.
	// It is 0 when the server ignored the requested range.
	Offset int64
}

// RangeFetcher is the HTTP capability used by transfers
type RangeFetcher interface {
	// RangedGet requests url from byte start onward.
	// It returns (nil, nil) when the server answered without a body.
	RangedGet(ctx context.Context, url string, start int64) (*RangeResponse, error)
}
