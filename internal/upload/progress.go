package upload

import (
	"context"
	"io"
	"net/http"
)

type progressKey struct{}

// progressFunc receives the number of body bytes handed to the connection
// and the total body length
type progressFunc func(sent, total int64)

func withProgress(ctx context.Context, fn progressFunc) context.Context {
	return context.WithValue(ctx, progressKey{}, fn)
}

// progressTransport counts request body bytes as the underlying transport
// reads them. Requests without a known length are passed through.
type progressTransport struct {
	base http.RoundTripper
}

func (t *progressTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	fn, _ := req.Context().Value(progressKey{}).(progressFunc)
	if fn == nil || req.Body == nil || req.ContentLength <= 0 {
		return t.base.RoundTrip(req)
	}

	counted := req.Clone(req.Context())
	counted.Body = &progressBody{ReadCloser: req.Body, total: req.ContentLength, fn: fn}
	return t.base.RoundTrip(counted)
}

type progressBody struct {
	io.ReadCloser
	sent  int64
	total int64
	fn    progressFunc
}

func (b *progressBody) Read(p []byte) (int, error) {
	n, err := b.ReadCloser.Read(p)
	if n > 0 {
		b.sent += int64(n)
		b.fn(b.sent, b.total)
	}
	return n, err
}
