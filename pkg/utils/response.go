package utils

import (
	"fmt"

	pkgError "github.com/medlink-ai/wa-courier/pkg/error"
)

// ResponseData is the envelope every REST endpoint returns.
type ResponseData struct {
	Status  int    `json:"status"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Results any    `json:"results,omitempty"`
}

// PanicIfNeeded panics on non-nil errors so the recovery middleware can map
// them to a response. Typed errors keep their status code; a bare "record not
// found" becomes a NotFoundError when a message is supplied.
func PanicIfNeeded(err any, message ...string) {
	if err == nil {
		return
	}
	if fmt.Sprintf("%s", err) == "record not found" && len(message) > 0 {
		panic(pkgError.NotFoundError(message[0]))
	}
	panic(err)
}
