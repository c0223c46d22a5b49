package respond

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// DataResponse is the envelope for successful requests.
type DataResponse struct {
	Data any `json:"data"`
}

// PageResponse carries a list and its pagination.
type PageResponse struct {
	Data       any `json:"data"`
	Pagination any `json:"pagination"`
}

// Data writes payload inside the envelope with the given status.
func Data(c *gin.Context, status int, payload any) {
	c.JSON(status, DataResponse{Data: payload})
}

// OK writes a 200 envelope.
func OK(c *gin.Context, payload any) {
	Data(c, http.StatusOK, payload)
}

// Page writes a paged list envelope.
func Page(c *gin.Context, items, pagination any) {
	c.JSON(http.StatusOK, PageResponse{Data: items, Pagination: pagination})
}

// NoContent writes a bare 204.
func NoContent(c *gin.Context) {
	c.Status(http.StatusNoContent)
}
