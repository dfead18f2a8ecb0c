package codec

import (
	"context"

	"github.com/ValentinKolb/dRPC/rpc/common"
)

// Handler adapts a typed handler function to the byte-level handler contract.
// Request payloads are decoded with c before fn runs and the response is
// encoded on the way out, so fn never touches the wire representation.
func Handler[Req, Resp any](c ICodec, fn func(ctx context.Context, req Req) (Resp, error)) common.Handler {
	return common.HandlerFunc(func(ctx context.Context, data []byte) ([]byte, error) {
		var req Req
		if err := c.Decode(data, &req); err != nil {
			return nil, err
		}
		resp, err := fn(ctx, req)
		if err != nil {
			return nil, err
		}
		return c.Encode(resp)
	})
}
