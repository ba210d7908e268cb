package constants

const (
	HeaderContentType        = "Content-Type"
	HeaderContentLength      = "Content-Length"
	HeaderContentRange       = "Content-Range"
	HeaderContentDisposition = "Content-Disposition"
	HeaderAcceptRanges       = "Accept-Ranges"
	HeaderCacheControl       = "Cache-Control"
	HeaderRange              = "Range"
	HeaderRetryAfter         = "Retry-After"
	HeaderResponseTime       = "X-Response-Time"
	HeaderRequestID          = "X-Request-ID"
	HeaderForwardedFor       = "X-Forwarded-For"

	ContentTypeJSON   = "application/json"
	ContentTypeHTML   = "text/html; charset=utf-8"
	ContentTypeBinary = "application/octet-stream"

	DefaultStatusEndpoint = "/status"
)
