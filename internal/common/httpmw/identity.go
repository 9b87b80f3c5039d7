package httpmw

import "github.com/gin-gonic/gin"

// RequesterHeader carries the acting operator's identity. The dashboard sets
// it from the logged-in user; direct API callers may omit it.
const RequesterHeader = "X-Requester"

// Requester returns the acting operator for audit trails.
func Requester(c *gin.Context) string {
	if who := c.GetHeader(RequesterHeader); who != "" {
		return who
	}
	return "api"
}
