package middleware

import (
	"net/http"
	"time"

	"github.com/aws/aws-xray-sdk-go/xray"
)

// HTTPClient returns an X-Ray instrumented client for calls to the relay's
// admin API.
func HTTPClient(timeout time.Duration) *http.Client {
	return xray.Client(&http.Client{Timeout: timeout})
}
