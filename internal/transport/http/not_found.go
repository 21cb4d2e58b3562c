package http

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// NotFound answers unknown routes with a JSON 404.
func NotFound(c *gin.Context) {
	fail(c, http.StatusNotFound, codeNotFound, "not found")
}

// MethodNotAllowed answers known routes called with the wrong verb.
func MethodNotAllowed(c *gin.Context) {
	fail(c, http.StatusMethodNotAllowed, codeMethodNotAllowed, "method not allowed")
}
